package types

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// CropGray cuts box out of the frame (clamped to its bounds), converts it to
// grayscale and scales it to size x size.
func (f FrameSample) CropGray(box BoundingBox, size int) (*image.Gray, error) {
	x1 := clampInt(int(math.Floor(box.X1)), 0, f.Width)
	y1 := clampInt(int(math.Floor(box.Y1)), 0, f.Height)
	x2 := clampInt(int(math.Ceil(box.X2)), 0, f.Width)
	y2 := clampInt(int(math.Ceil(box.Y2)), 0, f.Height)
	if x2-x1 < 3 || y2-y1 < 3 {
		return nil, fmt.Errorf("crop %dx%d too small", x2-x1, y2-y1)
	}

	src := image.NewGray(image.Rect(0, 0, x2-x1, y2-y1))
	for y := y1; y < y2; y++ {
		row := src.Pix[(y-y1)*src.Stride:]
		for x := x1; x < x2; x++ {
			row[x-x1] = uint8(f.Gray(x, y))
		}
	}

	dst := image.NewGray(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Image copies the frame into an image.Image suitable for encoding.
func (f FrameSample) Image() (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case PixelGray8:
		img := image.NewGray(rect)
		copy(img.Pix, f.Data)
		return img, nil
	case PixelRGBA:
		img := image.NewRGBA(rect)
		copy(img.Pix, f.Data)
		return img, nil
	default:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i+2 < len(f.Data); i, j = i+3, j+4 {
			img.Pix[j] = f.Data[i]
			img.Pix[j+1] = f.Data[i+1]
			img.Pix[j+2] = f.Data[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	}
}
