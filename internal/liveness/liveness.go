package liveness

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/types"
)

const (
	RecommendationLive         = "live face"
	RecommendationSpoof        = "possible presentation attack, use a live face"
	RecommendationInconclusive = "unable to verify authenticity"

	DefaultThreshold = 0.5

	// Crops are normalized to this size before any metric runs.
	cropSize = 64
	// Gradient magnitude above which a pixel counts as an edge.
	edgeThreshold = 30
)

// SpoofAssessment is the anti-spoof verdict for one face.
// Score is the spoof likelihood in [0,1]; higher means more likely fake.
type SpoofAssessment struct {
	Score          float64
	IsSpoofed      bool
	Recommendation string
	Inconclusive   bool
}

func inconclusive() SpoofAssessment {
	return SpoofAssessment{Recommendation: RecommendationInconclusive, Inconclusive: true}
}

// Analyzer estimates whether a face crop comes from a live subject or from a
// print or screen replay. It combines intensity variance, edge density, LBP
// texture spread and geometric plausibility of the detection.
type Analyzer struct {
	threshold float64
	budget    time.Duration
}

// NewAnalyzer returns an analyzer that flags scores above threshold. A zero
// budget means the caller's context is the only deadline.
func NewAnalyzer(threshold float64, budget time.Duration) *Analyzer {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &Analyzer{threshold: threshold, budget: budget}
}

// Analyze never fails. Anything that prevents a confident answer (bad input,
// an internal fault, or an exhausted budget) yields an inconclusive assessment
// that does not flag the face as spoofed.
func (a *Analyzer) Analyze(ctx context.Context, frame types.FrameSample, cand types.FaceCandidate) (result SpoofAssessment) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("liveness analysis panicked", logger.LoggerOptions{Key: "panic", Data: fmt.Sprint(r)})
			result = inconclusive()
		}
	}()

	if a.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.budget)
		defer cancel()
	}

	live, err := a.liveness(ctx, frame, cand)
	if err != nil {
		logger.Debug("liveness inconclusive", logger.LoggerOptions{Key: "frame", Data: frame.Seq},
			logger.LoggerOptions{Key: "reason", Data: err.Error()})
		return inconclusive()
	}

	score := 1 - live
	res := SpoofAssessment{Score: score, IsSpoofed: score > a.threshold}
	if res.IsSpoofed {
		res.Recommendation = RecommendationSpoof
	} else {
		res.Recommendation = RecommendationLive
	}
	return res
}

func (a *Analyzer) liveness(ctx context.Context, frame types.FrameSample, cand types.FaceCandidate) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := frame.Validate(); err != nil {
		return 0, err
	}

	crop, err := frame.CropGray(cand.Box, cropSize)
	if err != nil {
		return 0, err
	}

	variance := calculateVariance(crop)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	edges := calculateEdgeDensity(crop)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	texture := calculateTextureSpread(crop)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	geometry := geometryPlausibility(cand)

	return normalizeScore(variance, 0, 3000)*0.3 +
		edges*0.25 +
		texture*0.25 +
		geometry*0.2, nil
}

func calculateVariance(img *image.Gray) float64 {
	var sum, sumSq float64
	for _, p := range img.Pix {
		v := float64(p)
		sum += v
		sumSq += v * v
	}
	n := float64(len(img.Pix))
	if n == 0 {
		return 0
	}
	mean := sum / n
	return sumSq/n - mean*mean
}

func calculateEdgeDensity(img *image.Gray) float64 {
	b := img.Bounds()
	edgeCount, total := 0, 0
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			gx := int(img.GrayAt(x+1, y).Y) - int(img.GrayAt(x-1, y).Y)
			gy := int(img.GrayAt(x, y+1).Y) - int(img.GrayAt(x, y-1).Y)
			if math.Sqrt(float64(gx*gx+gy*gy)) > edgeThreshold {
				edgeCount++
			}
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(edgeCount) / float64(total)
}

// calculateTextureSpread is the normalized entropy of the 8-neighbour LBP
// histogram. Flat or printed surfaces collapse onto few patterns.
func calculateTextureSpread(img *image.Gray) float64 {
	b := img.Bounds()
	var hist [256]int
	total := 0

	offsets := [8][2]int{{-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}}
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			center := img.GrayAt(x, y).Y
			var pattern uint8
			for bit, off := range offsets {
				if img.GrayAt(x+off[0], y+off[1]).Y >= center {
					pattern |= 1 << bit
				}
			}
			hist[pattern]++
			total++
		}
	}
	if total == 0 {
		return 0
	}

	var entropy float64
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return normalizeScore(entropy, 0, 8)
}

// geometryPlausibility checks the box aspect ratio and, when both eyes are
// known, the inter-ocular distance relative to the box width.
func geometryPlausibility(c types.FaceCandidate) float64 {
	w, h := c.Box.Width(), c.Box.Height()
	if w <= 0 || h <= 0 {
		return 0
	}

	aspect := w / h
	aspectScore := 1.0
	switch {
	case aspect < 0.6:
		aspectScore = normalizeScore(aspect, 0.3, 0.6)
	case aspect > 1.2:
		aspectScore = 1 - normalizeScore(aspect, 1.2, 1.8)
	}

	spreadScore := 0.5
	var left, right *types.Landmark
	for i := range c.Landmarks {
		switch c.Landmarks[i].Kind {
		case types.LandmarkLeftEye:
			left = &c.Landmarks[i]
		case types.LandmarkRightEye:
			right = &c.Landmarks[i]
		}
	}
	if left != nil && right != nil {
		spread := math.Hypot(right.X-left.X, right.Y-left.Y) / w
		if spread >= 0.25 && spread <= 0.6 {
			spreadScore = 1
		} else {
			spreadScore = 0
		}
	}

	return (aspectScore + spreadScore) / 2
}

// normalizeScore normalizes a score to 0-1 range
func normalizeScore(value, min, max float64) float64 {
	if max <= min {
		return 0
	}
	normalized := (value - min) / (max - min)
	if normalized < 0 {
		return 0
	}
	if normalized > 1 {
		return 1
	}
	return normalized
}
