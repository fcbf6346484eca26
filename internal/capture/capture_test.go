package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

func TestMailbox_LatestWins(t *testing.T) {
	m := newMailbox()
	for i := uint64(1); i <= 5; i++ {
		m.publish(types.FrameSample{Seq: i})
	}

	got := <-m.ch
	if got.Seq != 5 {
		t.Errorf("Expected newest frame 5, got %d", got.Seq)
	}
	select {
	case extra := <-m.ch:
		t.Errorf("Mailbox should hold one frame, found extra %d", extra.Seq)
	default:
	}

	st := m.stats()
	if st.Published != 5 || st.Dropped != 4 {
		t.Errorf("Expected published=5 dropped=4, got %+v", st)
	}
}

func testSource(cfg Config) *DeviceSource {
	s := NewDeviceSource(cfg)
	s.statDevice = func(string) error { return nil }
	s.hasBinary = func(string) bool { return true }
	return s
}

func TestDeviceSource_Preflight(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		setup func(*DeviceSource)
	}{
		{"rear facing", Config{Device: "/dev/video0", Facing: "back"}, nil},
		{"no device configured", Config{}, nil},
		{"missing device node", Config{Device: "/dev/video9"}, func(s *DeviceSource) {
			s.statDevice = func(string) error { return os.ErrNotExist }
		}},
		{"missing ffmpeg", Config{Device: "/dev/video0"}, func(s *DeviceSource) {
			s.hasBinary = func(string) bool { return false }
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSource(tt.cfg)
			if tt.setup != nil {
				tt.setup(s)
			}
			_, err := s.Start(context.Background())
			if !errors.Is(err, ErrNoDeviceAvailable) {
				t.Errorf("Expected ErrNoDeviceAvailable, got %v", err)
			}
		})
	}
}

func TestDeviceSource_InitFailed(t *testing.T) {
	if !utils.HasBinary("sh") {
		t.Skip("sh not available")
	}

	tests := []struct {
		name   string
		script string
	}{
		{"exits immediately", "exit 1"},
		{"never produces a frame", "exec sleep 5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSource(Config{Device: "/dev/video0", Width: 2, Height: 2, InitTimeout: 200 * time.Millisecond})
			s.newCmd = func(ctx context.Context, _ string, _, _, _ int) *utils.SafeCommand {
				return utils.NewSafeCommand(ctx, "sh", "-c", tt.script)
			}
			_, err := s.Start(context.Background())
			if !errors.Is(err, ErrDeviceInitFailed) {
				t.Errorf("Expected ErrDeviceInitFailed, got %v", err)
			}
		})
	}
}

func TestDeviceSource_StreamsFrames(t *testing.T) {
	if !utils.HasBinary("sh") || !utils.HasBinary("head") {
		t.Skip("sh/head not available")
	}

	// 2x2 RGB24 = 12 bytes per frame; emit 3 frames then idle.
	s := testSource(Config{Device: "/dev/video0", Width: 2, Height: 2, InitTimeout: 2 * time.Second})
	s.newCmd = func(ctx context.Context, _ string, _, _, _ int) *utils.SafeCommand {
		return utils.NewSafeCommand(ctx, "sh", "-c", "head -c 36 /dev/zero; exec sleep 5")
	}

	frames, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f := <-frames
	if err := f.Validate(); err != nil {
		t.Errorf("Frame should be valid: %v", err)
	}
	if f.Format != types.PixelRGB24 {
		t.Errorf("Expected rgb24, got %s", f.Format)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}

	// Channel must be closed once stopped.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Frame channel not closed after Stop")
		}
	}
}

func TestReadFrames_Sequencing(t *testing.T) {
	s := NewDeviceSource(Config{Width: 1, Height: 1})
	box := newMailbox()
	first := make(chan struct{})

	// Two whole frames and a torn tail.
	data := bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7})
	if err := s.readFrames(context.Background(), data, box, first); err == nil {
		t.Fatal("Expected error for torn frame")
	}

	select {
	case <-first:
	default:
		t.Error("first should be closed after a frame was read")
	}
	got := <-box.ch
	if got.Seq != 2 || !bytes.Equal(got.Data, []byte{4, 5, 6}) {
		t.Errorf("Expected frame 2 [4 5 6], got %d %v", got.Seq, got.Data)
	}
}

func TestImageSource(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	path := filepath.Join(t.TempDir(), "face.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	src := NewImageSource(path)
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	frame, ok := <-frames
	if !ok {
		t.Fatal("Expected one frame")
	}
	if frame.Width != 3 || frame.Height != 2 || frame.Format != types.PixelRGBA {
		t.Errorf("Unexpected frame geometry %dx%d %s", frame.Width, frame.Height, frame.Format)
	}
	if err := frame.Validate(); err != nil {
		t.Errorf("Frame should be valid: %v", err)
	}
	if _, ok := <-frames; ok {
		t.Error("Expected channel closed after the single frame")
	}
}

func TestImageSource_Errors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.png")
	os.WriteFile(garbage, []byte("not an image"), 0644)

	if _, err := NewImageSource(filepath.Join(dir, "missing.png")).Start(context.Background()); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Errorf("Expected ErrNoDeviceAvailable for missing file, got %v", err)
	}
	if _, err := NewImageSource(garbage).Start(context.Background()); !errors.Is(err, ErrDeviceInitFailed) {
		t.Errorf("Expected ErrDeviceInitFailed for undecodable file, got %v", err)
	}
}
