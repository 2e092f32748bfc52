package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/pgvector/pgvector-go"
)

// Store is a PostgreSQL backed database.Store. Similarity search runs on the
// pgvector HNSW index, or on an in-memory HNSW graph once EnableHNSW is called.
type Store struct {
	pool *Pool

	hnswIndex     *database.HNSWIndex
	hnswEnabled   bool
	hnswIndexPath string // Path to persist HNSW index (optional)
	hnswMu        sync.RWMutex
}

// NewStore creates a store on top of a migrated pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

var _ database.Store = (*Store)(nil)

const embeddingColumns = `id, person_id, embedding, strategy, quality, det_score, sharpness,
	source_image, source_count, version, created_at`

func identityStrategy(embs []database.StoredEmbedding) string {
	if len(embs) == 0 {
		return ""
	}
	return embs[0].Strategy
}

// Insert creates the person row and all embeddings in one transaction.
func (s *Store) Insert(ctx context.Context, identity *database.Identity) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	strategy := identity.Strategy
	if strategy == "" {
		strategy = identityStrategy(identity.Embeddings)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO persons (person_id, strategy, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (person_id) DO NOTHING
	`, identity.PersonID, strategy)
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("insert person: %w", err)
	} else if n == 0 {
		return database.ErrAlreadyExists
	}

	inserted, err := insertEmbeddingsReturningIDs(ctx, tx, identity.PersonID, identity.Embeddings)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.updateHNSW(nil, inserted)
	return nil
}

// Update replaces the embeddings of a person in one transaction. The person
// row is locked so concurrent writers from other processes serialize too.
func (s *Store) Update(ctx context.Context, personID string, embeddings []database.StoredEmbedding) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, "SELECT person_id FROM persons WHERE person_id = $1 FOR UPDATE", personID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return database.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock person: %w", err)
	}

	oldIDs, err := scanEmbeddingIDs(ctx, tx, personID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM face_embeddings WHERE person_id = $1", personID); err != nil {
		return fmt.Errorf("delete existing embeddings: %w", err)
	}

	inserted, err := insertEmbeddingsReturningIDs(ctx, tx, personID, embeddings)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE persons SET strategy = COALESCE(NULLIF($2, ''), strategy), updated_at = NOW() WHERE person_id = $1",
		personID, identityStrategy(embeddings),
	); err != nil {
		return fmt.Errorf("touch person: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.updateHNSW(oldIDs, inserted)
	return nil
}

// Delete removes the person; embeddings go with it through the cascade.
func (s *Store) Delete(ctx context.Context, personID string) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	oldIDs, err := scanEmbeddingIDs(ctx, tx, personID)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM persons WHERE person_id = $1", personID)
	if err != nil {
		return fmt.Errorf("delete person: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("delete person: %w", err)
	} else if n == 0 {
		return database.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.updateHNSW(oldIDs, nil)
	return nil
}

// Get loads the person and all embeddings ordered by id.
func (s *Store) Get(ctx context.Context, personID string) (*database.Identity, error) {
	identity := &database.Identity{PersonID: personID}
	err := s.pool.QueryRow(ctx,
		"SELECT strategy, created_at, updated_at FROM persons WHERE person_id = $1", personID,
	).Scan(&identity.Strategy, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query person: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		"SELECT "+embeddingColumns+" FROM face_embeddings WHERE person_id = $1 ORDER BY id", personID)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	identity.Embeddings, err = scanEmbeddings(rows)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// Exists reports whether a person row is present.
func (s *Store) Exists(ctx context.Context, personID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM persons WHERE person_id = $1)", personID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check person exists: %w", err)
	}
	return exists, nil
}

// Count returns the number of enrolled persons.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM persons").Scan(&count); err != nil {
		return 0, fmt.Errorf("count persons: %w", err)
	}
	return count, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Search returns the topK nearest embeddings by cosine similarity.
// Uses in-memory HNSW index if enabled, otherwise falls back to PostgreSQL.
func (s *Store) Search(ctx context.Context, query []float32, topK int) ([]database.Candidate, error) {
	s.hnswMu.RLock()
	index := s.hnswIndex
	enabled := s.hnswEnabled && index != nil
	s.hnswMu.RUnlock()

	if enabled {
		cands, err := index.Search(query, topK)
		if err != nil {
			return nil, fmt.Errorf("HNSW search: %w", err)
		}
		return cands, nil
	}
	return s.searchPostgres(ctx, query, topK)
}

func (s *Store) searchPostgres(ctx context.Context, query []float32, topK int) ([]database.Candidate, error) {
	// Use transaction to set ef_search for better recall (matching the in-memory graph).
	tx, err := s.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", database.HNSWEfSearch)); err != nil {
		return nil, fmt.Errorf("set ef_search: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT person_id, id, 1 - (embedding <=> $1::vector) AS similarity
		FROM face_embeddings
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`, pgvector.NewVector(query), topK)
	if err != nil {
		return nil, fmt.Errorf("query similar embeddings: %w", err)
	}
	defer rows.Close()

	var cands []database.Candidate
	for rows.Next() {
		var c database.Candidate
		if err := rows.Scan(&c.PersonID, &c.EmbeddingID, &c.Similarity); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return database.RankCandidates(cands, topK), nil
}

// insertEmbeddingsReturningIDs inserts embeddings and returns them with assigned IDs.
func insertEmbeddingsReturningIDs(
	ctx context.Context, tx *sql.Tx, personID string, embeddings []database.StoredEmbedding,
) ([]database.StoredEmbedding, error) {
	inserted := make([]database.StoredEmbedding, 0, len(embeddings))
	now := time.Now()

	for i := range embeddings {
		e := embeddings[i]
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		sourceCount := max(e.SourceCount, 1)

		err := tx.QueryRowContext(ctx, `
			INSERT INTO face_embeddings (person_id, embedding, strategy, quality, det_score, sharpness,
			                             source_image, source_count, version, created_at)
			VALUES ($1, $2::vector, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`,
			personID,
			pgvector.NewVector(e.Vector),
			e.Strategy,
			e.Quality,
			e.DetScore,
			e.Sharpness,
			e.SourceImage,
			sourceCount,
			e.Version,
			e.CreatedAt,
		).Scan(&e.ID)
		if err != nil {
			return nil, fmt.Errorf("insert embedding %d: %w", i, err)
		}

		e.PersonID = personID
		e.SourceCount = sourceCount
		e.Vector = append([]float32(nil), e.Vector...)
		inserted = append(inserted, e)
	}
	return inserted, nil
}

func scanEmbeddingIDs(ctx context.Context, tx *sql.Tx, personID string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM face_embeddings WHERE person_id = $1", personID)
	if err != nil {
		return nil, fmt.Errorf("query embedding ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan embedding id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embedding ids: %w", err)
	}
	return ids, nil
}

func scanEmbeddings(rows *sql.Rows) ([]database.StoredEmbedding, error) {
	var out []database.StoredEmbedding
	for rows.Next() {
		var e database.StoredEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&e.ID, &e.PersonID, &vec, &e.Strategy, &e.Quality, &e.DetScore, &e.Sharpness,
			&e.SourceImage, &e.SourceCount, &e.Version, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, nil
}

// allEmbeddings loads every stored vector, used to build the in-memory graph.
func (s *Store) allEmbeddings(ctx context.Context) ([]database.StoredEmbedding, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+embeddingColumns+" FROM face_embeddings ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query all embeddings: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}
