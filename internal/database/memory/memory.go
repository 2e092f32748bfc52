// Package memory is a process-local Store used for development and tests.
// Search is brute force unless an HNSW index is enabled.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/face"
)

// Store keeps identities in a map. Writes build a fresh Identity and swap
// it in under the lock, so a failed write never leaves partial state.
type Store struct {
	mu         sync.RWMutex
	identities map[string]*database.Identity
	nextID     int64
	index      *database.HNSWIndex
}

// New creates an empty store.
func New() *Store {
	return &Store{identities: make(map[string]*database.Identity)}
}

// NewWithHNSW creates an empty store that answers searches from an HNSW graph.
func NewWithHNSW() *Store {
	s := New()
	s.index = database.NewHNSWIndex()
	return s
}

var _ database.Store = (*Store)(nil)

// assignLocked gives each embedding a fresh id and the person id.
func (s *Store) assignLocked(personID string, in []database.StoredEmbedding) []database.StoredEmbedding {
	out := database.CloneEmbeddings(in)
	now := time.Now()
	for i := range out {
		s.nextID++
		out[i].ID = s.nextID
		out[i].PersonID = personID
		if out[i].CreatedAt.IsZero() {
			out[i].CreatedAt = now
		}
	}
	return out
}

func embeddingIDs(embs []database.StoredEmbedding) []int64 {
	ids := make([]int64, len(embs))
	for i, e := range embs {
		ids[i] = e.ID
	}
	return ids
}

func (s *Store) Insert(ctx context.Context, identity *database.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[identity.PersonID]; ok {
		return database.ErrAlreadyExists
	}

	now := time.Now()
	stored := &database.Identity{
		PersonID:   identity.PersonID,
		Strategy:   identity.Strategy,
		CreatedAt:  now,
		UpdatedAt:  now,
		Embeddings: s.assignLocked(identity.PersonID, identity.Embeddings),
	}
	s.identities[identity.PersonID] = stored
	if s.index != nil {
		s.index.Add(stored.Embeddings...)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, personID string, embeddings []database.StoredEmbedding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.identities[personID]
	if !ok {
		return database.ErrNotFound
	}

	stored := &database.Identity{
		PersonID:   personID,
		Strategy:   old.Strategy,
		CreatedAt:  old.CreatedAt,
		UpdatedAt:  time.Now(),
		Embeddings: s.assignLocked(personID, embeddings),
	}
	if len(embeddings) > 0 && embeddings[0].Strategy != "" {
		stored.Strategy = embeddings[0].Strategy
	}
	s.identities[personID] = stored
	if s.index != nil {
		s.index.Delete(embeddingIDs(old.Embeddings)...)
		s.index.Add(stored.Embeddings...)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, personID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.identities[personID]
	if !ok {
		return database.ErrNotFound
	}
	delete(s.identities, personID)
	if s.index != nil {
		s.index.Delete(embeddingIDs(old.Embeddings)...)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, personID string) (*database.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.identities[personID]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := *id
	out.Embeddings = database.CloneEmbeddings(id.Embeddings)
	return &out, nil
}

func (s *Store) Exists(ctx context.Context, personID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.identities[personID]
	return ok, nil
}

func (s *Store) Search(ctx context.Context, query []float32, topK int) ([]database.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.index != nil {
		return s.index.Search(query, topK)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var cands []database.Candidate
	for _, id := range s.identities {
		for _, e := range id.Embeddings {
			cands = append(cands, database.Candidate{
				PersonID:    id.PersonID,
				EmbeddingID: e.ID,
				Similarity:  face.CosineSimilarity(query, e.Vector),
			})
		}
	}
	return database.RankCandidates(cands, topK), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}
