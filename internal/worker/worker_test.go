package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image/jpeg"
	"io"
	"math"
	"os"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
	closed int
}

func (m *MockCloser) Close() error {
	m.closed++
	return nil
}

func testFrame() types.FrameSample {
	return types.FrameSample{Seq: 1, Width: 4, Height: 2, Format: types.PixelRGB24, Data: make([]byte, 4*2*3)}
}

// writeResponse frames a response body with its length header.
func writeResponse(pipe io.Writer, body string) {
	binary.Write(pipe, binary.BigEndian, uint32(len(body)))
	io.WriteString(pipe, body)
}

func TestProcessFrame(t *testing.T) {
	// 1. Setup Mocks
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill dataPipeMock with a fake response from "Python".
	// The first face is what a bare face_recognition engine reports.
	writeResponse(dataPipeMock, `[
		{"loc": [0, 1, 1, 0], "vec": []},
		{"loc": [0, 3, 2, 1], "vec": [0.5, 0.25], "conf": 0.95, "yaw": 5, "roll": -2,
		 "left_eye_open": 0.8, "right_eye_open": 0.7,
		 "landmarks": [{"kind": "left_eye", "x": 1, "y": 1}, {"kind": "right_eye", "x": 2, "y": 1, "conf": 0.9}, {"kind": "chin", "x": 2, "y": 2}]}
	]`)

	// 3. Create Worker with mocks injected
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		cfg:      Config{DetectionThreshold: 0.5},
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	// 4. Execute the function under test
	faces, err := w.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// 5. Assertions

	// Verify Go sent a length-prefixed JPEG TO Python
	sent := stdinMock.Bytes()
	if len(sent) < 4 || int(binary.BigEndian.Uint32(sent[:4])) != len(sent)-4 {
		t.Fatalf("Expected length-prefixed request, got %d bytes", len(sent))
	}
	img, err := jpeg.Decode(bytes.NewReader(sent[4:]))
	if err != nil {
		t.Fatalf("Request body is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Errorf("Expected 4x2 JPEG, got %v", b)
	}

	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}
	// A face without a score counts as fully confident and sorts first
	plain := faces[0]
	if plain.Confidence != 1 || plain.LeftEyeOpen != nil || len(plain.Landmarks) != 0 {
		t.Errorf("Unexpected defaults for an unscored face: %+v", plain)
	}
	if len(plain.Embedding) != 0 {
		t.Errorf("Expected no embedding, got %v", plain.Embedding)
	}

	rich := faces[1]
	if rich.Box != (types.BoundingBox{X1: 1, Y1: 0, X2: 3, Y2: 2}) || rich.FrameWidth != 4 || rich.FrameHeight != 2 {
		t.Errorf("Unexpected box/frame geometry: %+v", rich)
	}
	if rich.LeftEyeOpen == nil || math.Abs(*rich.LeftEyeOpen-0.8) > 1e-9 {
		t.Errorf("Expected left eye probability 0.8, got %v", rich.LeftEyeOpen)
	}
	if len(rich.Embedding) != 2 || rich.Embedding[0] != 0.5 {
		t.Errorf("Expected embedding [0.5 0.25], got %v", rich.Embedding)
	}
	if len(rich.Landmarks) != 2 || !rich.HasLandmark(types.LandmarkRightEye) {
		t.Errorf("Expected the two known landmarks, got %+v", rich.Landmarks)
	}
	if rich.Yaw != 5 || rich.Roll != -2 {
		t.Errorf("Expected pose 5/-2, got %v/%v", rich.Yaw, rich.Roll)
	}
}

func TestProcessFrame_Threshold(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeResponse(dataPipeMock, `[{"loc": [0, 2, 2, 0], "conf": 0.3}, {"loc": [0, 4, 2, 2], "conf": 0.9}]`)

	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock,
		cfg: Config{DetectionThreshold: 0.5}}

	faces, err := w.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(faces) != 1 || faces[0].Confidence != 0.9 {
		t.Errorf("Expected only the 0.9 face, got %+v", faces)
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeResponse(dataPipeMock, `[]`)

	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	faces, err := w.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("No faces must not be an error, got %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected empty result, got %d faces", len(faces))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"Engine exception", `{"error": "Python Exception: Import Error"}`, "Python Exception: Import Error"},
		{"Garbage", `not json`, "malformed engine response"},
		{"Short loc", `[{"loc": [1, 2]}]`, "loc has 2 values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
			writeResponse(dataPipeMock, tt.body)
			writeResponse(dataPipeMock, `[]`)
			w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}

			_, err := w.Detect(context.Background(), testFrame())
			if !errors.Is(err, ErrDetectionEngine) {
				t.Fatalf("Expected ErrDetectionEngine, got %v", err)
			}
			if !bytes.Contains([]byte(err.Error()), []byte(tt.want)) {
				t.Errorf("Expected error to mention %q, got %v", tt.want, err)
			}

			// The framing is intact, so the next frame still works
			if _, err := w.Detect(context.Background(), testFrame()); err != nil {
				t.Errorf("Expected worker to stay usable, got %v", err)
			}
		})
	}
}

func TestDetect_MalformedFrame(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}

	frame := testFrame()
	frame.Data = frame.Data[:5] // wrong size for declared dimensions

	_, err := w.Detect(context.Background(), frame)
	if !errors.Is(err, ErrDetectionEngine) {
		t.Fatalf("Expected ErrDetectionEngine, got %v", err)
	}
	if stdinMock.Len() != 0 {
		t.Error("Malformed frames must not reach the engine")
	}
}

func TestProcessFrame_CrashMarksWorkerBroken(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// Empty data pipe simulates the engine dying before replying
	w := &PythonWorker{ID: 3, Stdin: stdinMock, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}

	if _, err := w.Detect(context.Background(), testFrame()); !errors.Is(err, ErrDetectionEngine) {
		t.Fatalf("Expected ErrDetectionEngine on crash, got %v", err)
	}

	sentBefore := stdinMock.Len()
	if _, err := w.Detect(context.Background(), testFrame()); !errors.Is(err, ErrDetectionEngine) {
		t.Fatalf("Expected broken worker to keep failing, got %v", err)
	}
	if stdinMock.Len() != sentBefore {
		t.Error("Broken worker must not write to the engine")
	}
}

func TestProcessFrame_LateReplyIsDiscarded(t *testing.T) {
	r, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pw.Close()

	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: r,
		cfg: Config{ReadTimeout: 5 * time.Second}}
	defer w.Close()

	// The engine answers the first frame after 80ms, then the second one at once.
	go func() {
		time.Sleep(80 * time.Millisecond)
		writeResponse(pw, `[]`)
		writeResponse(pw, `[{"loc": [0, 4, 2, 0], "conf": 0.9}]`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = w.Detect(ctx, testFrame())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected the frame to miss its deadline, got %v", err)
	}
	if errors.Is(err, ErrDetectionEngine) {
		t.Fatalf("A missed deadline must not be an engine fault: %v", err)
	}

	faces, err := w.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Expected the worker to recover after a slow frame, got %v", err)
	}
	if len(faces) != 1 || faces[0].Confidence != 0.9 {
		t.Errorf("Expected the second frame's answer, got %+v", faces)
	}
}

func TestProcessFrame_SilentEngineMarksWorkerBroken(t *testing.T) {
	r, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pw.Close()

	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{ID: 2, Stdin: stdinMock, DataPipe: r, cfg: Config{ReadTimeout: 20 * time.Millisecond}}
	defer w.Close()

	if _, err := w.Detect(context.Background(), testFrame()); !errors.Is(err, ErrDetectionEngine) {
		t.Fatalf("Expected ErrDetectionEngine once ReadTimeout passes, got %v", err)
	}
	sentBefore := stdinMock.Len()
	if _, err := w.Detect(context.Background(), testFrame()); !errors.Is(err, ErrDetectionEngine) {
		t.Fatalf("Expected hung worker to keep failing, got %v", err)
	}
	if stdinMock.Len() != sentBefore {
		t.Error("Hung worker must not receive more frames")
	}
}

func TestClose_Idempotent(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	if stdinMock.closed != 1 || dataPipeMock.closed != 1 {
		t.Errorf("Expected pipes closed exactly once, got stdin=%d data=%d", stdinMock.closed, dataPipeMock.closed)
	}
}
