package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facegate/internal/geo"
	"github.com/andresmejia3/facegate/internal/types"
)

type fakeLocator struct {
	enabled bool
	pos     geo.Position
	err     error
	block   bool // wait for ctx instead of answering
}

func (f *fakeLocator) IsServiceEnabled(context.Context) bool { return f.enabled }

func (f *fakeLocator) CurrentPosition(ctx context.Context) (geo.Position, error) {
	if f.block {
		<-ctx.Done()
		return geo.Position{}, ctx.Err()
	}
	return f.pos, f.err
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []types.AttendanceRequest
	err   error
}

func (f *fakeBackend) MarkAttendance(_ context.Context, req types.AttendanceRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.err
}

func submission() Submission {
	return Submission{DecisionID: uuid.NewString(), CaptureID: uuid.NewString(), Identity: "alice", FaceVerified: true}
}

func TestSubmit_Success(t *testing.T) {
	backend := &fakeBackend{}
	g := New(&fakeLocator{enabled: true, pos: geo.Position{Latitude: 50.08, Longitude: 14.42}}, backend, time.Second)

	s := submission()
	rec, err := g.Submit(context.Background(), s)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(backend.calls) != 1 {
		t.Fatalf("Expected exactly one backend call, got %d", len(backend.calls))
	}
	req := backend.calls[0]
	if req.CaptureID != s.CaptureID || req.Identity != "alice" || !req.FaceVerified {
		t.Errorf("Unexpected request %+v", req)
	}
	if req.Latitude != 50.08 || req.Longitude != 14.42 {
		t.Errorf("Expected kiosk coordinates in request, got %f,%f", req.Latitude, req.Longitude)
	}
	if rec.ID == "" || rec.ID != req.RecordID || rec.CaptureID != s.CaptureID {
		t.Errorf("Record does not reflect the write: %+v", rec)
	}
}

func TestSubmit_Failures(t *testing.T) {
	tests := []struct {
		name        string
		locator     *fakeLocator
		backendErr  error
		wantErr     error
		wantBackend int
	}{
		{"location disabled", &fakeLocator{enabled: false}, nil, ErrLocationUnavailable, 0},
		{"no fix", &fakeLocator{enabled: true, err: geo.ErrNoFix}, nil, ErrLocationUnavailable, 0},
		{"fix times out", &fakeLocator{enabled: true, block: true}, nil, ErrLocationUnavailable, 0},
		{"backend down", &fakeLocator{enabled: true}, errors.New("connection refused"), ErrBackend, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{err: tt.backendErr}
			g := New(tt.locator, backend, 20*time.Millisecond)

			_, err := g.Submit(context.Background(), submission())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if len(backend.calls) != tt.wantBackend {
				t.Errorf("Expected %d backend calls, got %d", tt.wantBackend, len(backend.calls))
			}
		})
	}
}

func TestSubmit_DecisionConsumedOnce(t *testing.T) {
	backend := &fakeBackend{}
	g := New(&fakeLocator{enabled: true}, backend, time.Second)
	s := submission()

	if _, err := g.Submit(context.Background(), s); err != nil {
		t.Fatalf("First submit failed: %v", err)
	}
	if _, err := g.Submit(context.Background(), s); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("Expected ErrAlreadySubmitted, got %v", err)
	}
	if len(backend.calls) != 1 {
		t.Errorf("Expected one backend call, got %d", len(backend.calls))
	}
}

func TestSubmit_FailedDecisionIsStillConsumed(t *testing.T) {
	loc := &fakeLocator{enabled: false}
	g := New(loc, &fakeBackend{}, time.Second)
	s := submission()

	if _, err := g.Submit(context.Background(), s); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("Expected ErrLocationUnavailable, got %v", err)
	}
	loc.enabled = true
	if _, err := g.Submit(context.Background(), s); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("No auto-retry: expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestSubmit_MissingIDs(t *testing.T) {
	g := New(&fakeLocator{enabled: true}, &fakeBackend{}, time.Second)
	if _, err := g.Submit(context.Background(), Submission{Identity: "alice"}); err == nil {
		t.Error("Expected error for submission without ids")
	}
}
