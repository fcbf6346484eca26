package liveness

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

func grayFrame(w, h int, fill func(x, y int) uint8) types.FrameSample {
	data := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = fill(x, y)
		}
	}
	return types.FrameSample{Seq: 1, Width: w, Height: h, Format: types.PixelGray8, Data: data}
}

func faceBox() types.FaceCandidate {
	return types.FaceCandidate{
		Box:         types.BoundingBox{X1: 32, Y1: 32, X2: 96, Y2: 96},
		FrameWidth:  128,
		FrameHeight: 128,
		Confidence:  0.9,
	}
}

func TestAnalyze_FlatSurfaceIsSpoof(t *testing.T) {
	a := NewAnalyzer(DefaultThreshold, 0)
	frame := grayFrame(128, 128, func(int, int) uint8 { return 128 })

	res := a.Analyze(context.Background(), frame, faceBox())
	if res.Inconclusive {
		t.Fatal("Flat frame should be analyzable")
	}
	if !res.IsSpoofed {
		t.Errorf("Flat frame should be flagged, score %.2f", res.Score)
	}
	if res.Recommendation != RecommendationSpoof {
		t.Errorf("Unexpected recommendation %q", res.Recommendation)
	}
}

func TestAnalyze_TexturedSurfaceIsLive(t *testing.T) {
	a := NewAnalyzer(DefaultThreshold, 0)
	rng := rand.New(rand.NewSource(7))
	frame := grayFrame(128, 128, func(int, int) uint8 { return uint8(rng.Intn(256)) })

	res := a.Analyze(context.Background(), frame, faceBox())
	if res.Inconclusive {
		t.Fatal("Textured frame should be analyzable")
	}
	if res.IsSpoofed {
		t.Errorf("Textured frame should pass, score %.2f", res.Score)
	}
	if res.Score < 0 || res.Score > 1 {
		t.Errorf("Score out of range: %.2f", res.Score)
	}
}

func TestAnalyze_Inconclusive(t *testing.T) {
	a := NewAnalyzer(DefaultThreshold, 0)
	good := grayFrame(128, 128, func(int, int) uint8 { return 10 })

	malformed := good
	malformed.Data = good.Data[:100]

	outside := faceBox()
	outside.Box = types.BoundingBox{X1: 500, Y1: 500, X2: 600, Y2: 600}

	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	tests := []struct {
		name  string
		ctx   context.Context
		frame types.FrameSample
		cand  types.FaceCandidate
	}{
		{"malformed frame", context.Background(), malformed, faceBox()},
		{"box outside frame", context.Background(), good, outside},
		{"budget exhausted", expired, good, faceBox()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.Analyze(tt.ctx, tt.frame, tt.cand)
			if !res.Inconclusive {
				t.Error("Expected inconclusive assessment")
			}
			if res.IsSpoofed {
				t.Error("Inconclusive assessment must not flag a spoof")
			}
			if res.Recommendation != RecommendationInconclusive {
				t.Errorf("Recommendation = %q, want %q", res.Recommendation, RecommendationInconclusive)
			}
		})
	}
}

func TestAnalyze_ThresholdIsStrict(t *testing.T) {
	frame := grayFrame(128, 128, func(x, y int) uint8 { return uint8((x * y) % 256) })
	base := NewAnalyzer(DefaultThreshold, 0).Analyze(context.Background(), frame, faceBox())
	if base.Inconclusive {
		t.Fatal("Expected a conclusive score")
	}

	// A threshold equal to the score is not exceeded.
	at := &Analyzer{threshold: base.Score}
	if at.Analyze(context.Background(), frame, faceBox()).IsSpoofed {
		t.Error("Score equal to threshold must not be flagged")
	}
}

func TestGeometryPlausibility(t *testing.T) {
	c := faceBox()
	if got := geometryPlausibility(c); got != 0.75 {
		t.Errorf("Square box without landmarks: got %.2f, want 0.75", got)
	}

	c.Landmarks = []types.Landmark{
		{Kind: types.LandmarkLeftEye, X: 45, Y: 55},
		{Kind: types.LandmarkRightEye, X: 80, Y: 55},
	}
	if got := geometryPlausibility(c); got != 1 {
		t.Errorf("Plausible eye spread: got %.2f, want 1", got)
	}

	c.Landmarks[1].X = 47
	if got := geometryPlausibility(c); got != 0.5 {
		t.Errorf("Collapsed eye spread: got %.2f, want 0.5", got)
	}
}

func TestCropGray_Size(t *testing.T) {
	frame := grayFrame(200, 100, func(x, _ int) uint8 { return uint8(x) })
	crop, err := frame.CropGray(types.BoundingBox{X1: -20, Y1: 10, X2: 60, Y2: 90}, 32)
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	if crop.Bounds().Dx() != 32 || crop.Bounds().Dy() != 32 {
		t.Errorf("Expected 32x32 crop, got %v", crop.Bounds())
	}
}
