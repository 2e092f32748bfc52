package face

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, -1},
		{"empty", nil, nil, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("CosineSimilarity() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("Normalize() = %v, want [0.6 0.8]", v)
	}

	zero := []float32{0, 0}
	out := Normalize(zero)
	if !IsZero(out) {
		t.Errorf("Normalize(zero) = %v, want zero vector", out)
	}
}

func TestNormalizePersonID(t *testing.T) {
	// "é" as e + combining acute accent vs precomposed.
	decomposed := "  Jose\u0301 "
	precomposed := "Jos\u00e9"
	if got := NormalizePersonID(decomposed); got != precomposed {
		t.Errorf("NormalizePersonID() = %q, want %q", got, precomposed)
	}
}

func TestBBox(t *testing.T) {
	b := BBox{10, 20, 110, 170}
	if b.Width() != 100 || b.Height() != 150 {
		t.Errorf("size = %fx%f, want 100x150", b.Width(), b.Height())
	}
	if b.Area() != 15000 {
		t.Errorf("Area() = %f, want 15000", b.Area())
	}
	if (BBox{10, 10, 5, 5}).Area() != 0 {
		t.Error("inverted box should have zero area")
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("insert: %w", Wrap(KindStorage, "Failed to store embeddings.", cause))

	if KindOf(err) != KindStorage {
		t.Errorf("KindOf() = %s, want %s", KindOf(err), KindStorage)
	}
	if !errors.Is(err, ErrStorage) {
		t.Error("errors.Is(err, ErrStorage) = false")
	}
	if errors.Is(err, ErrModel) {
		t.Error("errors.Is(err, ErrModel) = true")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if MessageOf(err) != "Failed to store embeddings." {
		t.Errorf("MessageOf() = %q", MessageOf(err))
	}
	if KindOf(cause) != KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", KindOf(cause), KindInternal)
	}
	if Wrap(KindModel, "x", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}
