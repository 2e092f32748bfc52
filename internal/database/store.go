package database

import (
	"context"
	"sort"
)

// Store persists enrolled identities and answers nearest-neighbor queries.
// Every write touching a person is atomic: either all of its embeddings are
// committed or none are.
type Store interface {
	// Insert creates a new identity. Returns ErrAlreadyExists if the person is enrolled.
	Insert(ctx context.Context, identity *Identity) error
	// Update atomically replaces the stored embeddings of an existing person.
	// Returns ErrNotFound if the person is not enrolled.
	Update(ctx context.Context, personID string, embeddings []StoredEmbedding) error
	// Delete removes the person and all embeddings. Returns ErrNotFound if absent.
	Delete(ctx context.Context, personID string) error
	// Get returns the identity. Returns ErrNotFound if absent.
	Get(ctx context.Context, personID string) (*Identity, error)
	// Exists reports whether a person is enrolled.
	Exists(ctx context.Context, personID string) (bool, error)
	// Search returns up to topK embeddings most similar to query, best first.
	Search(ctx context.Context, query []float32, topK int) ([]Candidate, error)
	// Count returns the number of enrolled persons.
	Count(ctx context.Context) (int, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// RankCandidates sorts by similarity descending, truncates to topK and assigns ranks.
func RankCandidates(cands []Candidate, topK int) []Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Similarity != cands[j].Similarity {
			return cands[i].Similarity > cands[j].Similarity
		}
		return cands[i].EmbeddingID < cands[j].EmbeddingID
	})
	if topK > 0 && len(cands) > topK {
		cands = cands[:topK]
	}
	for i := range cands {
		cands[i].Rank = i + 1
	}
	return cands
}
