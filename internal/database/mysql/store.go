package mysql

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/face"
)

// Store is a MySQL backed database.Store.
type Store struct {
	pool *Pool
}

// NewStore creates a store on top of a migrated pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

var _ database.Store = (*Store)(nil)

// encodeVector packs v as little-endian float32.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func identityStrategy(identity *database.Identity) string {
	if identity.Strategy != "" {
		return identity.Strategy
	}
	if len(identity.Embeddings) > 0 {
		return identity.Embeddings[0].Strategy
	}
	return ""
}

// Insert creates the person row and all embeddings in one transaction.
func (s *Store) Insert(ctx context.Context, identity *database.Identity) error {
	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO persons (person_id, strategy, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		identity.PersonID, identityStrategy(identity), now, now)
	if isDuplicateKey(err) {
		return database.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}

	if err := insertEmbeddings(ctx, tx, rowID, identity.Embeddings, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Update replaces the embeddings of a person in one transaction.
func (s *Store) Update(ctx context.Context, personID string, embeddings []database.StoredEmbedding) error {
	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rowID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM persons WHERE person_id = ? FOR UPDATE`, personID).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return database.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock person: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE person_id = ?`, rowID); err != nil {
		return fmt.Errorf("delete existing embeddings: %w", err)
	}

	now := time.Now().UTC()
	if err := insertEmbeddings(ctx, tx, rowID, embeddings, now); err != nil {
		return err
	}

	strategy := ""
	if len(embeddings) > 0 {
		strategy = embeddings[0].Strategy
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE persons SET strategy = COALESCE(NULLIF(?, ''), strategy), updated_at = ? WHERE id = ?`,
		strategy, now, rowID,
	); err != nil {
		return fmt.Errorf("touch person: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertEmbeddings(ctx context.Context, tx *sql.Tx, rowID int64, embeddings []database.StoredEmbedding, now time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (person_id, embedding, strategy, quality, det_score, sharpness,
		                        source_image, source_count, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare embedding insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range embeddings {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, rowID, encodeVector(e.Vector), e.Strategy, e.Quality, e.DetScore,
			e.Sharpness, e.SourceImage, max(e.SourceCount, 1), e.Version, createdAt.UTC()); err != nil {
			return fmt.Errorf("insert embedding %d: %w", i, err)
		}
	}
	return nil
}

// Delete removes the person; embeddings go with it through the cascade.
func (s *Store) Delete(ctx context.Context, personID string) error {
	res, err := s.pool.db.ExecContext(ctx, `DELETE FROM persons WHERE person_id = ?`, personID)
	if err != nil {
		return fmt.Errorf("delete person: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete person: %w", err)
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return nil
}

// Get loads the person and all embeddings ordered by id.
func (s *Store) Get(ctx context.Context, personID string) (*database.Identity, error) {
	identity := &database.Identity{PersonID: personID}
	var rowID int64
	err := s.pool.db.QueryRowContext(ctx,
		`SELECT id, strategy, created_at, updated_at FROM persons WHERE person_id = ?`, personID,
	).Scan(&rowID, &identity.Strategy, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query person: %w", err)
	}

	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT id, embedding, strategy, quality, det_score, sharpness, source_image, source_count, version, created_at
		FROM embeddings WHERE person_id = ? ORDER BY id`, rowID)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := database.StoredEmbedding{PersonID: personID}
		var blob []byte
		if err := rows.Scan(&e.ID, &blob, &e.Strategy, &e.Quality, &e.DetScore, &e.Sharpness,
			&e.SourceImage, &e.SourceCount, &e.Version, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if e.Vector, err = decodeVector(blob); err != nil {
			return nil, err
		}
		identity.Embeddings = append(identity.Embeddings, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return identity, nil
}

// Exists reports whether a person row is present.
func (s *Store) Exists(ctx context.Context, personID string) (bool, error) {
	var exists bool
	err := s.pool.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM persons WHERE person_id = ?)`, personID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check person exists: %w", err)
	}
	return exists, nil
}

// Search scans every stored vector and ranks by cosine similarity.
func (s *Store) Search(ctx context.Context, query []float32, topK int) ([]database.Candidate, error) {
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT p.person_id, e.id, e.embedding
		FROM embeddings e JOIN persons p ON p.id = e.person_id`)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var cands []database.Candidate
	for rows.Next() {
		var c database.Candidate
		var blob []byte
		if err := rows.Scan(&c.PersonID, &c.EmbeddingID, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		c.Similarity = face.CosineSimilarity(query, vec)
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return database.RankCandidates(cands, topK), nil
}

// Count returns the number of enrolled persons.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM persons`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count persons: %w", err)
	}
	return count, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
