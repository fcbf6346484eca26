package recognition

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/facegate/internal/types"
)

// DefaultThreshold is the cosine similarity a face must strictly exceed.
const DefaultThreshold = 0.65

// DefaultPixelSize is the crop edge of PixelExtractor descriptors.
const DefaultPixelSize = 16

var (
	ErrNoReference       = errors.New("no reference embedding enrolled")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrNoEmbedding       = errors.New("no embedding available for face")
)

type RecognitionResult struct {
	Similarity float64
	IsMatch    bool
	// Confidence maps similarity onto [0,1] with 0.5 at the threshold.
	Confidence float64
}

// Extractor turns a detected face into an embedding vector.
type Extractor interface {
	Extract(ctx context.Context, frame types.FrameSample, cand types.FaceCandidate) ([]float64, error)
}

// EngineExtractor uses the embedding the detection engine computed alongside
// the bounding box.
type EngineExtractor struct{}

func (EngineExtractor) Extract(_ context.Context, _ types.FrameSample, cand types.FaceCandidate) ([]float64, error) {
	if len(cand.Embedding) == 0 {
		return nil, ErrNoEmbedding
	}
	vec := make([]float64, len(cand.Embedding))
	copy(vec, cand.Embedding)
	return vec, nil
}

// PixelExtractor is a deterministic descriptor: the face crop in grayscale,
// scaled to Size x Size, mean-centred and L2 normalized. It needs no model and
// is only as discriminative as raw pixels are.
type PixelExtractor struct {
	Size int
}

func (p PixelExtractor) Extract(ctx context.Context, frame types.FrameSample, cand types.FaceCandidate) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	size := p.Size
	if size <= 0 {
		size = DefaultPixelSize
	}

	crop, err := frame.CropGray(cand.Box, size)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	vec := make([]float64, len(crop.Pix))
	var mean float64
	for i, px := range crop.Pix {
		vec[i] = float64(px)
		mean += vec[i]
	}
	mean /= float64(len(vec))

	var norm float64
	for i := range vec {
		vec[i] -= mean
		norm += vec[i] * vec[i]
	}
	if norm == 0 {
		return nil, fmt.Errorf("%w: featureless crop", ErrNoEmbedding)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

// Embedder names the extractor behind an embedding. It is stored with each
// reference so live faces are embedded the same way the reference was.
type Embedder string

const (
	EmbedderEngine Embedder = "engine"
	EmbedderPixel  Embedder = "pixel"
)

// ExtractorFor returns the extractor that produced a reference of the given kind.
func ExtractorFor(kind Embedder) (Extractor, error) {
	switch kind {
	case EmbedderEngine:
		return EngineExtractor{}, nil
	case EmbedderPixel:
		return PixelExtractor{Size: DefaultPixelSize}, nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", kind)
	}
}

// Embed computes an enrollment embedding: the engine's when it supplied one,
// otherwise a pixel descriptor.
func Embed(ctx context.Context, frame types.FrameSample, cand types.FaceCandidate) ([]float64, Embedder, error) {
	if len(cand.Embedding) > 0 {
		vec, err := EngineExtractor{}.Extract(ctx, frame, cand)
		return vec, EmbedderEngine, err
	}
	vec, err := PixelExtractor{Size: DefaultPixelSize}.Extract(ctx, frame, cand)
	return vec, EmbedderPixel, err
}

// Matcher compares live faces against the session's reference embedding.
// The reference is copied on construction and never mutated, so a Matcher is
// safe for concurrent use.
type Matcher struct {
	extractor Extractor
	reference []float64
	threshold float64
}

func NewMatcher(extractor Extractor, reference []float64, threshold float64) *Matcher {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	var ref []float64
	if len(reference) > 0 {
		ref = make([]float64, len(reference))
		copy(ref, reference)
	}
	return &Matcher{extractor: extractor, reference: ref, threshold: threshold}
}

func (m *Matcher) HasReference() bool { return len(m.reference) > 0 }

func (m *Matcher) Threshold() float64 { return m.threshold }

func (m *Matcher) Match(ctx context.Context, frame types.FrameSample, cand types.FaceCandidate) (RecognitionResult, error) {
	if !m.HasReference() {
		return RecognitionResult{}, ErrNoReference
	}
	query, err := m.extractor.Extract(ctx, frame, cand)
	if err != nil {
		return RecognitionResult{}, err
	}
	if len(query) != len(m.reference) {
		return RecognitionResult{}, fmt.Errorf("%w: face %d, reference %d", ErrDimensionMismatch, len(query), len(m.reference))
	}

	sim := CosineSimilarity(query, m.reference)
	return RecognitionResult{
		Similarity: sim,
		IsMatch:    sim > m.threshold,
		Confidence: confidence(sim, m.threshold),
	}, nil
}

func confidence(sim, threshold float64) float64 {
	var c float64
	if sim >= threshold {
		c = 0.5 + 0.5*(sim-threshold)/(1-threshold)
	} else {
		c = 0.5 * (sim + 1) / (threshold + 1)
	}
	return math.Max(0, math.Min(1, c))
}

// CosineSimilarity computes the cosine similarity between two embedding vectors
// Returns a value between -1 and 1, where 1 means identical
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	return math.Max(-1, math.Min(1, similarity))
}
