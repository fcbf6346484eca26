package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

var (
	// ErrNoDeviceAvailable means there is nothing to open: no device node, no
	// capture binary, or a camera facing we do not support.
	ErrNoDeviceAvailable = errors.New("no capture device available")
	// ErrDeviceInitFailed means the device exists but never produced a frame.
	ErrDeviceInitFailed = errors.New("capture device failed to initialize")
)

const stopTimeout = 3 * time.Second

// Source delivers frames. The returned channel holds at most one frame (the
// newest) and is closed when the source stops. Fatal errors come from Start
// only and are never retried here.
type Source interface {
	Start(ctx context.Context) (<-chan types.FrameSample, error)
	Stop() error
}

type Config struct {
	Device      string
	Width       int
	Height      int
	FPS         int
	Facing      string
	InitTimeout time.Duration
}

// DeviceSource streams a v4l2 camera through ffmpeg as raw RGB24.
type DeviceSource struct {
	cfg Config

	mu      sync.Mutex
	cmd     *utils.SafeCommand
	cancel  context.CancelFunc
	done    chan struct{}
	box     *mailbox
	started bool

	// Overridable for tests.
	hasBinary  func(string) bool
	statDevice func(string) error
	newCmd     func(ctx context.Context, device string, width, height, fps int) *utils.SafeCommand
}

func NewDeviceSource(cfg Config) *DeviceSource {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 5 * time.Second
	}
	return &DeviceSource{
		cfg:       cfg,
		box:       newMailbox(),
		hasBinary: utils.HasBinary,
		statDevice: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
		newCmd: utils.NewCaptureCmd,
	}
}

func (s *DeviceSource) preflight() error {
	if s.cfg.Facing != "" && s.cfg.Facing != "front" {
		return fmt.Errorf("%w: camera facing %q is not supported, front camera required", ErrNoDeviceAvailable, s.cfg.Facing)
	}
	if s.cfg.Device == "" {
		return fmt.Errorf("%w: no device configured", ErrNoDeviceAvailable)
	}
	if err := s.statDevice(s.cfg.Device); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDeviceAvailable, err)
	}
	if !s.hasBinary("ffmpeg") {
		return fmt.Errorf("%w: ffmpeg not found in PATH", ErrNoDeviceAvailable)
	}
	return nil
}

// Start launches the capture process and blocks until the first frame arrives,
// the process exits, or InitTimeout passes.
func (s *DeviceSource) Start(ctx context.Context) (<-chan types.FrameSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, fmt.Errorf("capture source already started")
	}
	if err := s.preflight(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := s.newCmd(runCtx, s.cfg.Device, s.cfg.Width, s.cfg.Height, s.cfg.FPS)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDeviceInitFailed, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDeviceInitFailed, err)
	}

	// Closing the pipe unblocks a read stuck on a child that ignored the kill.
	go func() {
		<-runCtx.Done()
		stdout.Close()
	}()

	box := newMailbox()
	first := make(chan struct{})
	readErr := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(box.ch)
		err := s.readFrames(runCtx, stdout, box, first)
		// Wait only after the pipe is drained.
		if waitErr := cmd.Wait(); err == nil && waitErr != nil && runCtx.Err() == nil {
			err = waitErr
		}
		if err != nil {
			logger.Warning("capture stream ended", logger.LoggerOptions{Key: "device", Data: s.cfg.Device},
				logger.LoggerOptions{Key: "error", Data: err.Error()})
		}
		readErr <- err
	}()

	abort := func() {
		cancel()
		<-done
	}

	timer := time.NewTimer(s.cfg.InitTimeout)
	defer timer.Stop()

	select {
	case <-first:
	case err := <-readErr:
		select {
		case <-first:
			// Delivered at least one frame before ending; the consumer sees a closed channel.
		default:
			abort()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("%w: capture exited before first frame: %v", ErrDeviceInitFailed, err)
		}
	case <-timer.C:
		abort()
		return nil, fmt.Errorf("%w: no frame within %s", ErrDeviceInitFailed, s.cfg.InitTimeout)
	case <-ctx.Done():
		abort()
		return nil, ctx.Err()
	}

	s.cmd = cmd
	s.cancel = cancel
	s.done = done
	s.box = box
	s.started = true

	logger.Info("capture started", logger.LoggerOptions{Key: "device", Data: s.cfg.Device},
		logger.LoggerOptions{Key: "size", Data: fmt.Sprintf("%dx%d@%d", s.cfg.Width, s.cfg.Height, s.cfg.FPS)})
	return box.ch, nil
}

// readFrames slices the raw stream into fixed-size frames until EOF or cancellation.
func (s *DeviceSource) readFrames(ctx context.Context, r io.Reader, box *mailbox, first chan struct{}) error {
	frameSize := s.cfg.Width * s.cfg.Height * types.PixelRGB24.BytesPerPixel()
	var seq uint64
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		seq++
		box.publish(types.FrameSample{
			Seq:        seq,
			CapturedAt: time.Now(),
			Width:      s.cfg.Width,
			Height:     s.cfg.Height,
			Format:     types.PixelRGB24,
			Data:       buf,
		})
		if seq == 1 {
			close(first)
		}
	}
}

// Stop ends the stream. Safe to call more than once.
func (s *DeviceSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.started = false
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("capture did not stop within %s", stopTimeout)
	}
}

// Stats reports frames read and frames overwritten in the mailbox.
func (s *DeviceSource) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.box.stats()
}

// Command exposes the capture process so callers can surface its stderr.
func (s *DeviceSource) Command() *utils.SafeCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd
}
