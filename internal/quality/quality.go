// Package quality decides whether a detected face is usable for enrollment or
// verification. Each criterion is an independent Check; a Gate runs them all.
package quality

import (
	"fmt"
	"math"

	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/face"
)

// Reason is a stable machine readable rejection code.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNoFace            Reason = "no_face"
	ReasonMultipleFaces     Reason = "multiple_faces"
	ReasonTooSmall          Reason = "face_too_small"
	ReasonLowConfidence     Reason = "low_detection_confidence"
	ReasonBlurry            Reason = "blurry"
	ReasonExtremePose       Reason = "extreme_pose"
	ReasonPoorLighting      Reason = "poor_lighting"
	ReasonDimensionMismatch Reason = "dimension_mismatch"
	ReasonLowQualityScore   Reason = "low_quality_score"
)

// Kind maps a reason onto the error taxonomy.
func (r Reason) Kind() face.Kind {
	switch r {
	case ReasonNoFace:
		return face.KindFaceNotDetected
	case ReasonMultipleFaces:
		return face.KindMultipleFaces
	case ReasonDimensionMismatch:
		return face.KindValidation
	default:
		return face.KindPoorQuality
	}
}

// Ideal brightness band used by the composite score. Faces outside it are
// penalized proportionally but only rejected outside the configured hard limits.
const (
	idealBrightnessMin = 60.0
	idealBrightnessMax = 200.0
)

// Verdict is the outcome of evaluating one observation.
type Verdict struct {
	Accepted bool
	Reason   Reason
	Detail   string
	Quality  float64
}

// Err converts a rejection into a classified error. Accepted verdicts return nil.
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return &face.Error{Kind: v.Reason.Kind(), Reason: string(v.Reason), Message: v.Detail}
}

func reject(reason Reason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Check evaluates a single criterion. It returns an accepted verdict when the
// criterion does not apply (for example pose when the detector reported none).
type Check func(obs *face.Observation) Verdict

var pass = Verdict{Accepted: true}

// FaceSize rejects faces narrower than minPx pixels or minRel of the image width.
func FaceSize(minPx int, minRel float64) Check {
	return func(obs *face.Observation) Verdict {
		w := obs.BBox.Width()
		if w < float64(minPx) {
			return reject(ReasonTooSmall, "Face is too small (%.0fpx wide, minimum %dpx).", w, minPx)
		}
		if obs.ImageWidth > 0 && w < minRel*float64(obs.ImageWidth) {
			return reject(ReasonTooSmall, "Face is too small relative to the image (%.1f%% of width).",
				100*w/float64(obs.ImageWidth))
		}
		return pass
	}
}

// DetectionConfidence rejects faces the detector is unsure about.
func DetectionConfidence(minScore float64) Check {
	return func(obs *face.Observation) Verdict {
		if obs.DetScore < minScore {
			return reject(ReasonLowConfidence, "Face detection confidence %.2f is below %.2f.", obs.DetScore, minScore)
		}
		return pass
	}
}

// Sharpness rejects blurry faces regardless of detection confidence.
func Sharpness(minSharpness float64) Check {
	return func(obs *face.Observation) Verdict {
		if obs.Sharpness < 0 {
			return pass
		}
		if obs.Sharpness < minSharpness {
			return reject(ReasonBlurry, "Face is too blurry (sharpness %.1f, minimum %.1f).", obs.Sharpness, minSharpness)
		}
		return pass
	}
}

// PoseBounds rejects faces turned too far from frontal on any axis.
func PoseBounds(maxAngle float64) Check {
	return func(obs *face.Observation) Verdict {
		if obs.Pose == nil {
			return pass
		}
		if a := obs.Pose.MaxAbs(); a > maxAngle {
			return reject(ReasonExtremePose, "Head pose %.0f degrees exceeds the %.0f degree limit.", a, maxAngle)
		}
		return pass
	}
}

// Lighting rejects faces that are too dark or overexposed.
func Lighting(minBrightness, maxBrightness float64) Check {
	return func(obs *face.Observation) Verdict {
		if obs.Brightness < 0 {
			return pass
		}
		if obs.Brightness < minBrightness || obs.Brightness > maxBrightness {
			return reject(ReasonPoorLighting, "Face brightness %.0f is outside %.0f-%.0f.",
				obs.Brightness, minBrightness, maxBrightness)
		}
		return pass
	}
}

// Dimension rejects embeddings whose length differs from dim.
func Dimension(dim int) Check {
	return func(obs *face.Observation) Verdict {
		if len(obs.Embedding) != dim {
			return reject(ReasonDimensionMismatch, "Embedding has dimension %d, expected %d.", len(obs.Embedding), dim)
		}
		if face.IsZero(obs.Embedding) {
			return reject(ReasonDimensionMismatch, "Embedding is a zero vector.")
		}
		return pass
	}
}

// Gate runs a fixed list of checks and assigns the composite quality score.
type Gate struct {
	checks       []Check
	minScore     float64
	maxPose      float64
	referenceDim float64
}

// NewGate builds a gate from explicit checks.
func NewGate(minScore, maxPose float64, referenceFaceSize int, checks ...Check) *Gate {
	return &Gate{
		checks:       checks,
		minScore:     minScore,
		maxPose:      maxPose,
		referenceDim: float64(referenceFaceSize),
	}
}

// NewGateFromConfig builds the standard gate.
func NewGateFromConfig(cfg config.QualityConfig, dim int) *Gate {
	return NewGate(cfg.MinQualityScore, cfg.MaxPoseAngle, cfg.ReferenceFaceSize,
		Dimension(dim),
		FaceSize(cfg.MinFaceWidthPx, cfg.MinFaceWidthRel),
		DetectionConfidence(cfg.MinDetScore),
		Sharpness(cfg.MinSharpness),
		PoseBounds(cfg.MaxPoseAngle),
		Lighting(cfg.MinBrightness, cfg.MaxBrightness),
	)
}

// Evaluate runs every check on obs. It never mutates obs; the caller stores
// Verdict.Quality on accepted observations.
func (g *Gate) Evaluate(obs *face.Observation) Verdict {
	for _, check := range g.checks {
		if v := check(obs); !v.Accepted {
			return v
		}
	}

	score := g.Score(obs)
	if score < g.minScore {
		v := reject(ReasonLowQualityScore, "Face quality score %.2f is below %.2f.", score, g.minScore)
		v.Quality = score
		return v
	}
	return Verdict{Accepted: true, Quality: score}
}

// Score is the mean of size, pose and brightness sub-scores in [0, 1].
// Sub-scores the detector could not provide are left out of the mean.
func (g *Gate) Score(obs *face.Observation) float64 {
	var scores []float64

	ref := g.referenceDim * g.referenceDim
	if ref > 0 {
		scores = append(scores, math.Min(1, obs.BBox.Area()/ref))
	}

	if obs.Pose != nil && g.maxPose > 0 {
		scores = append(scores, math.Max(0, 1-obs.Pose.MaxAbs()/g.maxPose))
	}

	if obs.Brightness >= 0 {
		b := obs.Brightness
		if b >= idealBrightnessMin && b <= idealBrightnessMax {
			scores = append(scores, 1)
		} else {
			diff := math.Min(math.Abs(b-idealBrightnessMin), math.Abs(b-idealBrightnessMax))
			scores = append(scores, math.Max(0, 1-diff/((idealBrightnessMax-idealBrightnessMin)/2)))
		}
	}

	if len(scores) == 0 {
		return 1
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// ImageResult is the gate outcome for all faces found in one image.
type ImageResult struct {
	FacesDetected int
	Selected      *face.Observation // set when the image yields a usable face
	Verdict       Verdict
}

// EvaluateImage applies the single-subject rule and then the per-face checks.
// With allowMultiple the largest face is evaluated instead of rejecting the image.
func (g *Gate) EvaluateImage(observations []face.Observation, allowMultiple bool) ImageResult {
	res := ImageResult{FacesDetected: len(observations)}

	switch {
	case len(observations) == 0:
		res.Verdict = reject(ReasonNoFace, "No face detected in the image.")
		return res
	case len(observations) > 1 && !allowMultiple:
		res.Verdict = reject(ReasonMultipleFaces, "Multiple faces detected (%d). Please provide an image with a single face.",
			len(observations))
		return res
	}

	chosen := Largest(observations)
	v := g.Evaluate(&chosen)
	res.Verdict = v
	if v.Accepted {
		chosen.Quality = v.Quality
		res.Selected = &chosen
	}
	return res
}

// Largest returns a copy of the observation with the biggest bounding box.
func Largest(observations []face.Observation) face.Observation {
	best := 0
	for i := range observations {
		if observations[i].BBox.Area() > observations[best].BBox.Area() {
			best = i
		}
	}
	return observations[best]
}
