package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-identity/internal/database"
)

// embeddingStats returns the row count and highest id, used to detect a stale
// index file.
func (s *Store) embeddingStats(ctx context.Context) (count, maxID int64, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*), COALESCE(MAX(id), 0) FROM face_embeddings").Scan(&count, &maxID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get embedding stats: %w", err)
	}
	return count, maxID, nil
}

// tryLoadIndex loads the graph from disk if its metadata matches the table.
func (s *Store) tryLoadIndex(indexPath string, dbCount, dbMaxID int64) bool {
	metadata, err := database.LoadHNSWMetadata(indexPath)
	if err != nil {
		s.pool.log.Info("Embedding index metadata unreadable, rebuilding", "error", err)
		return false
	}
	if metadata.EmbeddingCount != dbCount || metadata.MaxEmbeddingID != dbMaxID {
		s.pool.log.Info("Embedding index is stale, rebuilding",
			"db_count", dbCount, "db_max_id", dbMaxID,
			"cached_count", metadata.EmbeddingCount, "cached_max_id", metadata.MaxEmbeddingID)
		return false
	}

	index := database.NewHNSWIndex()
	if err := index.Load(indexPath); err != nil {
		s.pool.log.Warn("Failed to load embedding index, rebuilding", "error", err)
		return false
	}
	s.hnswIndex = index
	return true
}

// EnableHNSW loads or builds an in-memory HNSW index for O(log N) similarity search.
// If indexPath is provided, it will try to load from disk first and save after building.
// This should be called once at startup.
func (s *Store) EnableHNSW(ctx context.Context, indexPath string) error {
	s.hnswMu.Lock()
	defer s.hnswMu.Unlock()

	s.hnswIndexPath = indexPath

	dbCount, dbMaxID, err := s.embeddingStats(ctx)
	if err != nil {
		return err
	}

	if indexPath != "" && s.tryLoadIndex(indexPath, dbCount, dbMaxID) {
		s.hnswEnabled = true
		return nil
	}

	embeddings, err := s.allEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load embeddings: %w", err)
	}

	s.hnswIndex = database.NewHNSWIndex()
	s.hnswIndex.Build(embeddings)

	if indexPath != "" && len(embeddings) > 0 {
		if err := s.hnswIndex.Save(indexPath); err != nil {
			s.pool.log.Warn("Failed to save HNSW index to disk", "path", indexPath, "error", err)
		}
	}

	s.hnswEnabled = true
	return nil
}

// IsHNSWEnabled returns whether the in-memory HNSW index is enabled.
func (s *Store) IsHNSWEnabled() bool {
	s.hnswMu.RLock()
	defer s.hnswMu.RUnlock()
	return s.hnswEnabled && s.hnswIndex != nil
}

// HNSWCount returns the number of embeddings in the HNSW index.
func (s *Store) HNSWCount() int {
	s.hnswMu.RLock()
	defer s.hnswMu.RUnlock()
	if s.hnswIndex == nil {
		return 0
	}
	return s.hnswIndex.Count()
}

// SaveHNSWIndex saves the current HNSW index to disk (if path configured).
func (s *Store) SaveHNSWIndex() error {
	s.hnswMu.RLock()
	defer s.hnswMu.RUnlock()

	if s.hnswIndexPath == "" || s.hnswIndex == nil {
		return nil
	}
	if err := s.hnswIndex.Save(s.hnswIndexPath); err != nil {
		return fmt.Errorf("saving HNSW embedding index: %w", err)
	}
	return nil
}

// updateHNSW removes replaced ids and adds freshly inserted embeddings.
func (s *Store) updateHNSW(oldIDs []int64, inserted []database.StoredEmbedding) {
	s.hnswMu.RLock()
	defer s.hnswMu.RUnlock()
	if !s.hnswEnabled || s.hnswIndex == nil {
		return
	}
	if len(oldIDs) > 0 {
		s.hnswIndex.Delete(oldIDs...)
	}
	if len(inserted) > 0 {
		s.hnswIndex.Add(inserted...)
	}
}
