package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/jpeg"

	"github.com/andresmejia3/facegate/internal/types"
)

// Requests are JPEG frames, responses are JSON: either a list of
// types.FaceResult or a types.ErrorResult. Both travel behind a 4-byte big
// endian length prefix.
const (
	jpegQuality = 90
	maxFaces    = 64
)

var landmarkKinds = map[string]types.LandmarkKind{
	"left_eye":    types.LandmarkLeftEye,
	"right_eye":   types.LandmarkRightEye,
	"nose":        types.LandmarkNose,
	"mouth_left":  types.LandmarkMouthLeft,
	"mouth_right": types.LandmarkMouthRight,
}

// encodeRequest builds the request body (without the outer length prefix).
func encodeRequest(frame types.FrameSample) ([]byte, error) {
	img, err := frame.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeResponse parses a response body into candidates expressed in the
// coordinate space of a width x height frame. Faces the engine scored below
// threshold are dropped; faces without a score are kept.
func decodeResponse(body []byte, width, height int, threshold float64) ([]types.FaceCandidate, error) {
	var results []types.FaceResult
	if err := json.Unmarshal(body, &results); err != nil {
		// Check if it's a Python error object (e.g. {"error": "..."})
		var errorResult types.ErrorResult
		if json.Unmarshal(body, &errorResult) == nil && errorResult.Error != "" {
			return nil, fmt.Errorf("python worker error: %s", errorResult.Error)
		}
		return nil, fmt.Errorf("malformed engine response: %w", err)
	}
	if len(results) > maxFaces {
		return nil, fmt.Errorf("implausible face count %d", len(results))
	}

	faces := make([]types.FaceCandidate, 0, len(results))
	for i, r := range results {
		if len(r.Loc) != 4 {
			return nil, fmt.Errorf("face %d: loc has %d values, want 4", i, len(r.Loc))
		}
		conf := 1.0
		if r.Conf != nil {
			conf = *r.Conf
		}
		if conf < threshold {
			continue
		}

		top, right, bottom, left := r.Loc[0], r.Loc[1], r.Loc[2], r.Loc[3]
		c := types.FaceCandidate{
			Box: types.BoundingBox{
				X1: float64(left), Y1: float64(top),
				X2: float64(right), Y2: float64(bottom),
			},
			FrameWidth:   width,
			FrameHeight:  height,
			Confidence:   conf,
			Yaw:          r.Yaw,
			Roll:         r.Roll,
			LeftEyeOpen:  r.LeftEye,
			RightEyeOpen: r.RightEye,
			Embedding:    r.Vec,
		}
		for _, l := range r.Landmarks {
			kind, ok := landmarkKinds[l.Kind]
			if !ok {
				continue
			}
			lc := 1.0
			if l.Conf != nil {
				lc = *l.Conf
			}
			c.Landmarks = append(c.Landmarks, types.Landmark{Kind: kind, X: l.X, Y: l.Y, Confidence: lc})
		}
		faces = append(faces, c)
	}
	return faces, nil
}
