package quality

import (
	"math"

	"github.com/andresmejia3/facegate/internal/types"
)

// DefaultFloor is the percent a face must strictly exceed to count as good.
const DefaultFloor = 40.0

// Reason names the weakest soft component of an assessment.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTooSmall
	ReasonTooLarge
	ReasonOffCenter
	ReasonPoorPose
	ReasonLowConfidence
)

func (r Reason) String() string {
	switch r {
	case ReasonTooSmall:
		return "face too small"
	case ReasonTooLarge:
		return "face too large"
	case ReasonOffCenter:
		return "face off center"
	case ReasonPoorPose:
		return "head turned or tilted"
	case ReasonLowConfidence:
		return "low landmark confidence"
	default:
		return "none"
	}
}

// Hard deficiencies veto a face regardless of its percent.
type Hard int

const (
	HardNone Hard = iota
	HardDegenerateBox
	HardEyesNotVisible
	HardEyesClosed
)

func (h Hard) String() string {
	switch h {
	case HardDegenerateBox:
		return "degenerate bounding box"
	case HardEyesNotVisible:
		return "eyes not visible"
	case HardEyesClosed:
		return "eyes closed"
	default:
		return "none"
	}
}

type QualityAssessment struct {
	Percent       float64
	IsGoodQuality bool
	Reason        Reason
	Hard          Hard
	// Centered reports whether the face center lies within the positioning
	// tolerance of the frame center.
	Centered bool
}

// Options are the assessor's tuning knobs. The floor and the hard-deficiency
// rule are fixed behaviour; the rest is policy.
type Options struct {
	Floor           float64
	MinFaceRatio    float64
	MaxFaceRatio    float64
	MaxYaw          float64
	MaxRoll         float64
	CenterTolerance float64
}

func DefaultOptions() Options {
	return Options{
		Floor:           DefaultFloor,
		MinFaceRatio:    0.04,
		MaxFaceRatio:    0.6,
		MaxYaw:          30,
		MaxRoll:         25,
		CenterTolerance: 0.2,
	}
}

const (
	weightSize       = 0.30
	weightCenter     = 0.25
	weightPose       = 0.20
	weightConfidence = 0.25

	closedEyeProbability = 0.1
)

type Assessor struct {
	opts Options
}

func NewAssessor(opts Options) *Assessor {
	d := DefaultOptions()
	if opts.MinFaceRatio <= 0 {
		opts.MinFaceRatio = d.MinFaceRatio
	}
	if opts.MaxFaceRatio <= opts.MinFaceRatio || opts.MaxFaceRatio >= 1 {
		opts.MaxFaceRatio = d.MaxFaceRatio
	}
	if opts.MaxYaw <= 0 {
		opts.MaxYaw = d.MaxYaw
	}
	if opts.MaxRoll <= 0 {
		opts.MaxRoll = d.MaxRoll
	}
	if opts.CenterTolerance <= 0 {
		opts.CenterTolerance = d.CenterTolerance
	}
	if opts.Floor < 0 {
		opts.Floor = d.Floor
	}
	return &Assessor{opts: opts}
}

// Assess scores one candidate. It is pure: the same candidate always yields
// the same assessment.
func (a *Assessor) Assess(c types.FaceCandidate) QualityAssessment {
	frameArea := float64(c.FrameWidth) * float64(c.FrameHeight)
	if c.Box.Area() == 0 || frameArea <= 0 {
		return QualityAssessment{Hard: HardDegenerateBox, Reason: ReasonTooSmall}
	}

	ratio := c.Box.Area() / frameArea
	size, sizeReason := a.sizeScore(ratio)
	center, centered := a.centerScore(c)
	pose := a.poseScore(c)
	conf := confidenceScore(c)

	percent := 100 * (weightSize*size + weightCenter*center + weightPose*pose + weightConfidence*conf)
	percent = math.Round(percent*10) / 10

	q := QualityAssessment{
		Percent:  percent,
		Centered: centered,
		Hard:     hardDeficiency(c),
	}

	// Weakest soft component, first listed wins ties.
	worst := 1.0
	for _, comp := range []struct {
		score  float64
		reason Reason
	}{
		{size, sizeReason},
		{center, ReasonOffCenter},
		{pose, ReasonPoorPose},
		{conf, ReasonLowConfidence},
	} {
		if comp.score < worst {
			worst = comp.score
			q.Reason = comp.reason
		}
	}

	q.IsGoodQuality = q.Percent > a.opts.Floor && q.Hard == HardNone
	return q
}

func (a *Assessor) sizeScore(ratio float64) (float64, Reason) {
	switch {
	case ratio < a.opts.MinFaceRatio:
		return ratio / a.opts.MinFaceRatio, ReasonTooSmall
	case ratio > a.opts.MaxFaceRatio:
		return clamp01(1 - (ratio-a.opts.MaxFaceRatio)/(1-a.opts.MaxFaceRatio)), ReasonTooLarge
	default:
		return 1, ReasonNone
	}
}

func (a *Assessor) centerScore(c types.FaceCandidate) (float64, bool) {
	cx, cy := c.Box.Center()
	halfW, halfH := float64(c.FrameWidth)/2, float64(c.FrameHeight)/2
	dx := (cx - halfW) / halfW
	dy := (cy - halfH) / halfH

	// Tolerance is expressed as a fraction of the frame, the offsets as a fraction of half of it.
	tol := 2 * a.opts.CenterTolerance
	centered := math.Abs(dx) <= tol && math.Abs(dy) <= tol

	dist := math.Hypot(dx, dy) / math.Sqrt2
	if dist <= tol {
		return 1, centered
	}
	return clamp01(1 - (dist-tol)/(1-tol)), centered
}

func (a *Assessor) poseScore(c types.FaceCandidate) float64 {
	penalty := math.Max(math.Abs(c.Yaw)/a.opts.MaxYaw, math.Abs(c.Roll)/a.opts.MaxRoll)
	return clamp01(1 - 0.5*penalty)
}

func confidenceScore(c types.FaceCandidate) float64 {
	det := clamp01(c.Confidence)
	if len(c.Landmarks) == 0 {
		return det
	}
	var sum float64
	for _, l := range c.Landmarks {
		sum += clamp01(l.Confidence)
	}
	return (det + sum/float64(len(c.Landmarks))) / 2
}

func hardDeficiency(c types.FaceCandidate) Hard {
	if len(c.Landmarks) > 0 && (!c.HasLandmark(types.LandmarkLeftEye) || !c.HasLandmark(types.LandmarkRightEye)) {
		return HardEyesNotVisible
	}
	if c.LeftEyeOpen != nil && c.RightEyeOpen != nil &&
		*c.LeftEyeOpen < closedEyeProbability && *c.RightEyeOpen < closedEyeProbability {
		return HardEyesClosed
	}
	return HardNone
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
