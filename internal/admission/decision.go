package admission

import (
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/facegate/internal/liveness"
	"github.com/andresmejia3/facegate/internal/quality"
	"github.com/andresmejia3/facegate/internal/recognition"
	"github.com/andresmejia3/facegate/internal/types"
)

// Status strings shown to the person in front of the kiosk.
const (
	StatusPosition        = "Position your face in the frame"
	StatusNoFace          = "No face detected"
	StatusEyesNotVisible  = "Eyes not visible"
	StatusNotPositioned   = "Face not properly positioned"
	StatusSpoof           = "Spoof suspected — use a live face"
	StatusMismatch        = "Face does not match enrolled identity"
	StatusReady           = "Ready — confirm to mark attendance"
	StatusAdmitted        = "Attendance marked"
	StatusNoLocation      = "Location unavailable"
	StatusSubmitFailed    = "Attendance submission failed"
	StatusDetectionFailed = "Face detection unavailable"
	StatusNoFaceDeclined  = "Attendance not marked"
)

func poorQualityStatus(percent float64) string {
	return fmt.Sprintf("Poor quality — %d%%", int(math.Round(percent)))
}

type Verdict int

const (
	VerdictPending Verdict = iota
	VerdictRetry
	VerdictReadyToAdmit
	VerdictAdmit
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictPending:
		return "pending"
	case VerdictRetry:
		return "retry"
	case VerdictReadyToAdmit:
		return "ready"
	case VerdictAdmit:
		return "admit"
	case VerdictReject:
		return "reject"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectLocationUnavailable
	RejectSubmissionFailed
	RejectNoFaceDeclined
)

func (r RejectReason) String() string {
	switch r {
	case RejectLocationUnavailable:
		return "location unavailable"
	case RejectSubmissionFailed:
		return "submission failed"
	case RejectNoFaceDeclined:
		return "no face, operator declined to continue"
	default:
		return "none"
	}
}

// AdmissionDecision is the outcome of one evaluation cycle. Pointer fields are
// nil for stages that did not run. A decision is never modified after the
// controller publishes it.
type AdmissionDecision struct {
	ID        string
	FrameSeq  uint64
	CreatedAt time.Time

	Candidate   *types.FaceCandidate
	Quality     *quality.QualityAssessment
	Spoof       *liveness.SpoofAssessment
	Recognition *recognition.RecognitionResult
	// RecognitionErr is kept for diagnostics; recognition failures are advisory.
	RecognitionErr error
	DetectionErr   error

	Verdict      Verdict
	Reason       RejectReason
	Status       string
	FaceVerified bool
}

// Settlement ends one capture attempt.
type Settlement struct {
	Verdict  Verdict // VerdictAdmit or VerdictReject
	Reason   RejectReason
	Decision AdmissionDecision
	Record   *types.AttendanceRecord
	// Err is the submission error behind a Reject, if any.
	Err error
}
