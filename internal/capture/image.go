package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/facegate/internal/types"
)

// ImageSource replays a single still image as a one-frame stream. It backs
// still-capture mode and enrollment.
type ImageSource struct {
	Path string
}

func NewImageSource(path string) *ImageSource {
	return &ImageSource{Path: path}
}

func (s *ImageSource) Start(ctx context.Context) (<-chan types.FrameSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := LoadFrame(s.Path)
	if err != nil {
		return nil, err
	}
	ch := make(chan types.FrameSample, 1)
	ch <- frame
	close(ch)
	return ch, nil
}

func (s *ImageSource) Stop() error { return nil }

// LoadFrame decodes an image file (jpeg, png, bmp, webp) into an RGBA frame.
func LoadFrame(path string) (types.FrameSample, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.FrameSample{}, fmt.Errorf("%w: %v", ErrNoDeviceAvailable, err)
		}
		return types.FrameSample{}, fmt.Errorf("%w: %v", ErrDeviceInitFailed, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return types.FrameSample{}, fmt.Errorf("%w: decode %s: %v", ErrDeviceInitFailed, path, err)
	}
	return FrameFromImage(img, 1), nil
}

// FrameFromImage copies img into a tightly packed RGBA frame.
func FrameFromImage(img image.Image, seq uint64) types.FrameSample {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return types.FrameSample{
		Seq:        seq,
		CapturedAt: time.Now(),
		Width:      b.Dx(),
		Height:     b.Dy(),
		Format:     types.PixelRGBA,
		Data:       rgba.Pix,
	}
}
