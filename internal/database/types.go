package database

import (
	"errors"
	"time"
)

// Store errors. Backends return these so the guard can classify them.
var (
	ErrNotFound      = errors.New("person not found")
	ErrAlreadyExists = errors.New("person already exists")
)

// StoredEmbedding is one persisted vector for an enrolled person.
type StoredEmbedding struct {
	ID          int64
	PersonID    string
	Vector      []float32
	Strategy    string  // aggregation strategy that produced the vector
	Quality     float64 // composite quality score of the source observation(s)
	DetScore    float64
	Sharpness   float64
	SourceImage string
	SourceCount int   // number of observations the vector represents
	Version     int64 // monotonic, unix nanoseconds at creation
	CreatedAt   time.Time
}

// Identity is an enrolled person and all stored embeddings.
type Identity struct {
	PersonID   string
	Strategy   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Embeddings []StoredEmbedding
}

// EmbeddingCount returns the number of stored vectors.
func (i *Identity) EmbeddingCount() int {
	return len(i.Embeddings)
}

// AverageQuality is the mean quality across stored embeddings, weighted by source count.
func (i *Identity) AverageQuality() float64 {
	var sum float64
	var n int
	for _, e := range i.Embeddings {
		w := max(e.SourceCount, 1)
		sum += e.Quality * float64(w)
		n += w
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// SourceObservations is the total number of accepted observations behind this identity.
func (i *Identity) SourceObservations() int {
	n := 0
	for _, e := range i.Embeddings {
		n += max(e.SourceCount, 1)
	}
	return n
}

// Candidate is one nearest neighbor returned by a search.
type Candidate struct {
	PersonID    string
	EmbeddingID int64
	Similarity  float64
	Rank        int
}

// CloneEmbeddings deep copies embeddings so callers can't mutate store state.
func CloneEmbeddings(in []StoredEmbedding) []StoredEmbedding {
	out := make([]StoredEmbedding, len(in))
	for i, e := range in {
		out[i] = e
		out[i].Vector = append([]float32(nil), e.Vector...)
	}
	return out
}
