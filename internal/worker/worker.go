package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils" // Using the SafeCommand wrapper
)

// ErrDetectionEngine is returned for malformed frames and unrecoverable engine faults.
// "No face" is never an error: it is an empty candidate slice.
var ErrDetectionEngine = errors.New("detection engine error")

// maxResponseLen caps a single response body so a corrupted header cannot
// trigger a huge allocation.
const maxResponseLen = 64 << 20

type Config struct {
	Python             string
	Script             string
	ReadTimeout        time.Duration
	DetectionThreshold float64
}

// PythonWorker drives the detection engine process: JPEG frames go out on
// stdin, JSON results come back on FD 3, both length-prefixed. It implements
// the face detector stage.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg     Config
	mu      sync.Mutex
	broken  error
	pending bool
	sentAt  time.Time

	readerOnce sync.Once
	replies    chan reply
	done       chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "python/worker.py"
	}

	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	logger.Info("detection engine started", logger.LoggerOptions{Key: "worker", Data: id},
		logger.LoggerOptions{Key: "pid", Data: py.Process.Pid})

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Detect runs detection on one frame. Candidates come back ordered by
// descending confidence.
func (w *PythonWorker) Detect(ctx context.Context, frame types.FrameSample) ([]types.FaceCandidate, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrDetectionEngine, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	faces, err := w.ProcessFrame(ctx, frame)
	if err != nil {
		return nil, err
	}
	types.SortByConfidence(faces)
	return faces, nil
}

// ProcessFrame performs one request/response exchange. A reply that misses the
// caller's deadline stays pending and is discarded before the next request, so
// a slow frame costs only that frame. The worker refuses further work after a
// transport failure or when the engine stays silent past ReadTimeout.
func (w *PythonWorker) ProcessFrame(ctx context.Context, frame types.FrameSample) ([]types.FaceCandidate, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return nil, fmt.Errorf("%w: worker %d unavailable: %v", ErrDetectionEngine, w.ID, w.broken)
	}
	w.startReader()

	if w.pending {
		if _, err := w.await(ctx); err != nil {
			return nil, err
		}
		logger.Debug("discarded late engine reply", logger.LoggerOptions{Key: "worker", Data: w.ID})
	}

	req, err := encodeRequest(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectionEngine, err)
	}
	if err := w.send(req); err != nil {
		w.broken = err
		return nil, fmt.Errorf("%w: worker %d: %v", ErrDetectionEngine, w.ID, err)
	}

	resp, err := w.await(ctx)
	if err != nil {
		return nil, err
	}

	faces, err := decodeResponse(resp, frame.Width, frame.Height, w.cfg.DetectionThreshold)
	if err != nil {
		// Replies are length-framed, so an engine-reported exception or a
		// garbled body still leaves the stream in sync.
		return nil, fmt.Errorf("%w: %v", ErrDetectionEngine, err)
	}
	return faces, nil
}

type reply struct {
	body []byte
	err  error
}

func (w *PythonWorker) startReader() {
	w.readerOnce.Do(func() {
		w.replies = make(chan reply)
		w.done = make(chan struct{})
		go w.readLoop()
	})
}

// readLoop hands each framed reply to whichever exchange is waiting. It exits
// on the first read error or when the worker closes.
func (w *PythonWorker) readLoop() {
	for {
		body, err := w.readResponse()
		select {
		case w.replies <- reply{body: body, err: err}:
		case <-w.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// await waits for the reply to the outstanding request. Only a transport error
// or ReadTimeout expiry breaks the worker; a cancelled ctx leaves the reply pending.
func (w *PythonWorker) await(ctx context.Context) ([]byte, error) {
	var expired <-chan time.Time
	if w.cfg.ReadTimeout > 0 {
		t := time.NewTimer(time.Until(w.sentAt.Add(w.cfg.ReadTimeout)))
		defer t.Stop()
		expired = t.C
	}

	select {
	case r := <-w.replies:
		return w.accept(r)
	case <-expired:
		// A reply that arrived while nobody was waiting still counts.
		select {
		case r := <-w.replies:
			return w.accept(r)
		default:
		}
		w.broken = fmt.Errorf("no reply within %s", w.cfg.ReadTimeout)
		return nil, fmt.Errorf("%w: worker %d: %v", ErrDetectionEngine, w.ID, w.broken)
	case <-ctx.Done():
		return nil, fmt.Errorf("worker %d: %w", w.ID, ctx.Err())
	case <-w.done:
		w.broken = errors.New("worker closed")
		return nil, fmt.Errorf("%w: worker %d: %v", ErrDetectionEngine, w.ID, w.broken)
	}
}

func (w *PythonWorker) accept(r reply) ([]byte, error) {
	w.pending = false
	if r.err != nil {
		w.broken = r.err
		return nil, fmt.Errorf("%w: worker %d: %v", ErrDetectionEngine, w.ID, r.err)
	}
	return r.body, nil
}

func (w *PythonWorker) send(data []byte) error {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return err
	}
	w.pending = true
	w.sentAt = time.Now()
	return nil
}

func (w *PythonWorker) readResponse() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseLen {
		return nil, fmt.Errorf("response length %d exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Close shuts the engine down. It is safe to call more than once; only the
// first call does any work.
func (w *PythonWorker) Close() error {
	w.closeOnce.Do(func() {
		w.readerOnce.Do(func() { w.done = make(chan struct{}) })
		close(w.done)
		var errs []error
		if w.Stdin != nil {
			if err := w.Stdin.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close stdin: %w", err))
			}
		}
		if w.DataPipe != nil {
			if err := w.DataPipe.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close data pipe: %w", err))
			}
		}
		if w.Cmd != nil && w.Cmd.Process != nil {
			if err := w.Cmd.Wait(); err != nil {
				errs = append(errs, fmt.Errorf("wait for engine: %w", err))
			}
		}
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}
