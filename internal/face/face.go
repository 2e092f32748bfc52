// Package face holds the domain types shared by the enrollment and matching
// pipeline: detected face observations, vector helpers and the error taxonomy.
package face

import (
	"math"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DefaultDim is the embedding dimension produced by ArcFace style models.
const DefaultDim = 512

// Unmeasured marks a sharpness or brightness value the pipeline could not compute.
const Unmeasured = -1.0

// BBox is a face bounding box in pixel coordinates [x1, y1, x2, y2].
type BBox [4]float64

// Width returns the box width in pixels.
func (b BBox) Width() float64 { return b[2] - b[0] }

// Height returns the box height in pixels.
func (b BBox) Height() float64 { return b[3] - b[1] }

// Area returns the box area in square pixels.
func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Pose is the head orientation estimate in degrees.
type Pose struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// MaxAbs returns the largest absolute angle of the three axes.
func (p Pose) MaxAbs() float64 {
	return math.Max(math.Abs(p.Yaw), math.Max(math.Abs(p.Pitch), math.Abs(p.Roll)))
}

// Observation is one detected face in one image. It is transient and only
// its embedding (plus quality metadata) is ever persisted.
type Observation struct {
	Embedding   []float32 `json:"embedding"`
	BBox        BBox      `json:"bbox"`
	DetScore    float64   `json:"det_score"`
	Pose        *Pose     `json:"pose,omitempty"` // nil when the detector does not report pose
	Sharpness   float64   `json:"sharpness"`      // variance of Laplacian on the face crop, Unmeasured if unknown
	Brightness  float64   `json:"brightness"`     // mean luma 0..255 of the face crop, Unmeasured if unknown
	ImageWidth  int       `json:"image_width"`
	ImageHeight int       `json:"image_height"`
	SourceImage string    `json:"source_image,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	// Quality is the composite 0..1 score assigned by the quality gate.
	Quality float64 `json:"quality"`
}

// CosineSimilarity returns the cosine similarity of a and b in [-1, 1].
// Mismatched or empty vectors yield -1.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

// Normalize returns a unit-length copy of v. A zero vector is returned as a copy unchanged.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		copy(out, v)
		return out
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// IsZero reports whether every component of v is zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// NormalizePersonID trims surrounding whitespace and applies Unicode NFC so that
// visually identical identifiers map to the same person.
func NormalizePersonID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}
