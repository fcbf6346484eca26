package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facegate/internal/geo"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/types"
)

// DefaultLocationTimeout bounds how long a submission waits for a location fix.
const DefaultLocationTimeout = 10 * time.Second

var (
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrBackend             = errors.New("attendance backend failed")
	ErrAlreadySubmitted    = errors.New("decision already submitted")
)

// Backend persists attendance. Implementations must treat CaptureID as an
// idempotency key.
type Backend interface {
	MarkAttendance(ctx context.Context, req types.AttendanceRequest) error
}

// Submission is the part of an admission decision the gateway needs.
type Submission struct {
	DecisionID   string
	CaptureID    string
	Identity     string
	FaceVerified bool
}

// Gateway turns a confirmed admission into exactly one attendance write.
// It never retries: every failure is reported to the caller.
type Gateway struct {
	locator         geo.Locator
	backend         Backend
	locationTimeout time.Duration

	mu       sync.Mutex
	consumed map[string]struct{}
}

func New(locator geo.Locator, backend Backend, locationTimeout time.Duration) *Gateway {
	if locationTimeout <= 0 {
		locationTimeout = DefaultLocationTimeout
	}
	return &Gateway{
		locator:         locator,
		backend:         backend,
		locationTimeout: locationTimeout,
		consumed:        make(map[string]struct{}),
	}
}

// Submit resolves the kiosk location and writes the attendance record. A
// decision is consumed on the first call whatever its outcome; later calls
// with the same DecisionID fail with ErrAlreadySubmitted.
func (g *Gateway) Submit(ctx context.Context, s Submission) (types.AttendanceRecord, error) {
	if s.DecisionID == "" || s.CaptureID == "" {
		return types.AttendanceRecord{}, fmt.Errorf("submission is missing decision or capture id")
	}

	g.mu.Lock()
	if _, seen := g.consumed[s.DecisionID]; seen {
		g.mu.Unlock()
		return types.AttendanceRecord{}, ErrAlreadySubmitted
	}
	g.consumed[s.DecisionID] = struct{}{}
	g.mu.Unlock()

	if !g.locator.IsServiceEnabled(ctx) {
		return types.AttendanceRecord{}, fmt.Errorf("%w: location services disabled", ErrLocationUnavailable)
	}

	locCtx, cancel := context.WithTimeout(ctx, g.locationTimeout)
	pos, err := g.locator.CurrentPosition(locCtx)
	cancel()
	if err != nil {
		logger.Warning("location fix failed", logger.LoggerOptions{Key: "capture", Data: s.CaptureID},
			logger.LoggerOptions{Key: "error", Data: err.Error()})
		return types.AttendanceRecord{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}

	req := types.AttendanceRequest{
		RecordID:     uuid.NewString(),
		CaptureID:    s.CaptureID,
		Identity:     s.Identity,
		Latitude:     pos.Latitude,
		Longitude:    pos.Longitude,
		FaceVerified: s.FaceVerified,
	}
	if err := g.backend.MarkAttendance(ctx, req); err != nil {
		logger.Error("attendance write failed", logger.LoggerOptions{Key: "capture", Data: s.CaptureID},
			logger.LoggerOptions{Key: "error", Data: err.Error()})
		return types.AttendanceRecord{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	logger.Info("attendance marked", logger.LoggerOptions{Key: "identity", Data: s.Identity},
		logger.LoggerOptions{Key: "capture", Data: s.CaptureID},
		logger.LoggerOptions{Key: "face_verified", Data: s.FaceVerified})

	return types.AttendanceRecord{
		ID:           req.RecordID,
		CaptureID:    req.CaptureID,
		Identity:     req.Identity,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		FaceVerified: req.FaceVerified,
		RecordedAt:   time.Now(),
	}, nil
}
