package types

import (
	"fmt"
	"sort"
	"time"
)

// PixelFormat describes the memory layout of a FrameSample buffer.
type PixelFormat uint8

const (
	PixelRGB24 PixelFormat = iota
	PixelRGBA
	PixelGray8
)

// BytesPerPixel returns the stride of a single pixel, or 0 for an unknown format.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelRGB24:
		return 3
	case PixelRGBA:
		return 4
	case PixelGray8:
		return 1
	default:
		return 0
	}
}

func (p PixelFormat) String() string {
	switch p {
	case PixelRGB24:
		return "rgb24"
	case PixelRGBA:
		return "rgba"
	case PixelGray8:
		return "gray8"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// FrameSample is a single frame handed from the frame source to the pipeline.
// It lives for one processing cycle and must be treated as read-only.
type FrameSample struct {
	Seq        uint64
	CapturedAt time.Time
	Width      int
	Height     int
	Format     PixelFormat
	Data       []byte
}

// Validate reports whether the buffer length matches the declared geometry.
func (f FrameSample) Validate() error {
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("unsupported pixel format %s", f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * bpp; len(f.Data) != want {
		return fmt.Errorf("frame buffer is %d bytes, want %d for %dx%d %s", len(f.Data), want, f.Width, f.Height, f.Format)
	}
	return nil
}

// Gray returns the luma (0-255) of the pixel at x, y. The caller guarantees bounds.
func (f FrameSample) Gray(x, y int) float64 {
	bpp := f.Format.BytesPerPixel()
	i := (y*f.Width + x) * bpp
	if f.Format == PixelGray8 {
		return float64(f.Data[i])
	}
	r, g, b := float64(f.Data[i]), float64(f.Data[i+1]), float64(f.Data[i+2])
	return 0.299*r + 0.587*g + 0.114*b
}

// BoundingBox is [X1, Y1) x [Y1, Y2) in frame pixel space.
type BoundingBox struct {
	X1, Y1, X2, Y2 float64
}

func (b BoundingBox) Width() float64  { return b.X2 - b.X1 }
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

func (b BoundingBox) Area() float64 {
	if b.Width() <= 0 || b.Height() <= 0 {
		return 0
	}
	return b.Width() * b.Height()
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// LandmarkKind names a facial landmark reported by the detection engine.
type LandmarkKind uint8

const (
	LandmarkLeftEye LandmarkKind = iota
	LandmarkRightEye
	LandmarkNose
	LandmarkMouthLeft
	LandmarkMouthRight
)

type Landmark struct {
	Kind       LandmarkKind
	X, Y       float64
	Confidence float64
}

// FaceCandidate is one face found in one frame. Produced fresh per frame and
// never persisted.
type FaceCandidate struct {
	Box         BoundingBox
	FrameWidth  int
	FrameHeight int
	Landmarks   []Landmark
	// Yaw and Roll are head pose angles in degrees.
	Yaw  float64
	Roll float64
	// Eyes-open probabilities in [0,1]; nil when the engine did not classify.
	LeftEyeOpen  *float64
	RightEyeOpen *float64
	Confidence   float64
	// Embedding is set when the engine computes one alongside detection.
	Embedding []float64
}

// HasLandmark reports whether a landmark of the given kind was detected.
func (c FaceCandidate) HasLandmark(kind LandmarkKind) bool {
	for _, l := range c.Landmarks {
		if l.Kind == kind {
			return true
		}
	}
	return false
}

// FaceResult matches the JSON objects the detection engine writes back.
// Only loc is required; the rest is filled in by engines that compute it.
type FaceResult struct {
	Loc       []int            `json:"loc"` // [top, right, bottom, left]
	Vec       []float64        `json:"vec"` // face encoding, if any
	Conf      *float64         `json:"conf,omitempty"`
	Yaw       float64          `json:"yaw,omitempty"`
	Roll      float64          `json:"roll,omitempty"`
	LeftEye   *float64         `json:"left_eye_open,omitempty"`
	RightEye  *float64         `json:"right_eye_open,omitempty"`
	Landmarks []LandmarkResult `json:"landmarks,omitempty"`
}

// LandmarkResult is one named point in a FaceResult.
type LandmarkResult struct {
	Kind string   `json:"kind"` // left_eye, right_eye, nose, mouth_left, mouth_right
	X    float64  `json:"x"`
	Y    float64  `json:"y"`
	Conf *float64 `json:"conf,omitempty"`
}

// ErrorResult captures the error object returned by Python on failure
type ErrorResult struct {
	Error string `json:"error"`
}

// SortByConfidence orders candidates by descending detector confidence, keeping
// engine order for ties.
func SortByConfidence(cands []FaceCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Confidence > cands[j].Confidence
	})
}

// AttendanceRequest is the single backend write made per confirmed capture.
// CaptureID is the idempotency key: a second write with the same ID is a no-op.
type AttendanceRequest struct {
	RecordID     string
	CaptureID    string
	Identity     string
	Latitude     float64
	Longitude    float64
	FaceVerified bool
}

// AttendanceRecord is a persisted attendance event.
type AttendanceRecord struct {
	ID           string
	CaptureID    string
	Identity     string
	Latitude     float64
	Longitude    float64
	FaceVerified bool
	RecordedAt   time.Time
}
