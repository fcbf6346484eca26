package admission

import (
	"context"
	"errors"
	"sync"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/types"
)

var ErrNotOpen = errors.New("session is not open")

// Resource is released when the session closes, after the frame source has
// stopped.
type Resource struct {
	Name  string
	Close func() error
}

// Session ties a frame source to a controller for the lifetime of one kiosk
// screen.
type Session struct {
	source     capture.Source
	controller *Controller
	resources  []Resource

	mu     sync.Mutex
	frames <-chan types.FrameSample
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	once   sync.Once
}

func NewSession(source capture.Source, controller *Controller, resources ...Resource) *Session {
	return &Session{source: source, controller: controller, resources: resources}
}

func (s *Session) Controller() *Controller { return s.controller }

// Open starts the frame source. Source errors are fatal for the session and
// are returned unchanged.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotOpen
	}
	if s.frames != nil {
		return nil
	}

	sessCtx, cancel := context.WithCancel(ctx)
	frames, err := s.source.Start(sessCtx)
	if err != nil {
		cancel()
		return err
	}
	s.ctx, s.cancel, s.frames = sessCtx, cancel, frames
	return nil
}

// Run blocks until the controller settles, ctx ends, or the session closes.
func (s *Session) Run(ctx context.Context) (Settlement, error) {
	runCtx, frames, stop, err := s.runContext(ctx)
	if err != nil {
		return Settlement{}, err
	}
	defer stop()
	return s.controller.Run(runCtx, frames)
}

// RunStill is Run for still-capture mode.
func (s *Session) RunStill(ctx context.Context) (Settlement, error) {
	runCtx, frames, stop, err := s.runContext(ctx)
	if err != nil {
		return Settlement{}, err
	}
	defer stop()
	return s.controller.RunStill(runCtx, frames)
}

func (s *Session) runContext(ctx context.Context) (context.Context, <-chan types.FrameSample, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.frames == nil {
		return nil, nil, nil, ErrNotOpen
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, s.frames, func() { stop(); cancel() }, nil
}

// Close stops the frame source, cancels in-flight work, and then releases
// every resource. It is safe to call more than once; only the first call does
// anything. Release errors are logged and do not stop the remaining releases.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.cancel
		s.mu.Unlock()

		if err := s.source.Stop(); err != nil {
			logger.Warning("failed to stop frame source", logger.LoggerOptions{Key: "error", Data: err.Error()})
		}
		if cancel != nil {
			cancel()
		}
		for _, r := range s.resources {
			if r.Close == nil {
				continue
			}
			if err := r.Close(); err != nil {
				logger.Warning("failed to release resource", logger.LoggerOptions{Key: "resource", Data: r.Name},
					logger.LoggerOptions{Key: "error", Data: err.Error()})
			}
		}
		logger.Debug("session closed")
	})
}
