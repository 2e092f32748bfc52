package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/kozaktomas/face-identity/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID serializes schema changes across replicas starting at the
// same time.
const migrationLockID = 0x66616365

type migration struct {
	version string
	sql     string
}

// loadMigrations returns the embedded SQL files in version order.
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: e.Name(), sql: string(body)})
	}
	slices.SortFunc(out, func(a, b migration) int { return strings.Compare(a.version, b.version) })
	return out, nil
}

// Migrate applies pending migrations, each in its own transaction under an
// advisory lock, then checks that the vector column matches the embedding
// width the service produces.
func (p *Pool) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		applied, err := p.apply(ctx, m)
		if err != nil {
			return err
		}
		if applied {
			p.log.Info("Applied migration", "version", m.version)
		}
	}

	return p.checkEmbeddingDim(ctx, config.PostgresEmbeddingDim)
}

// apply runs one migration unless another process already recorded it.
func (p *Pool) apply(ctx context.Context, m migration) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}

	var done bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version,
	).Scan(&done); err != nil {
		return false, fmt.Errorf("check migration %s: %w", m.version, err)
	}
	if done {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return false, fmt.Errorf("execute migration %s: %w", m.version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
		return false, fmt.Errorf("record migration %s: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.version, err)
	}
	return true, nil
}

// parseVectorDim reads the width out of a pgvector type name like vector(512).
func parseVectorDim(typeName string) (int, error) {
	var dim int
	if _, err := fmt.Sscanf(typeName, "vector(%d)", &dim); err != nil || dim <= 0 {
		return 0, fmt.Errorf("unexpected embedding column type %q", typeName)
	}
	return dim, nil
}

func (p *Pool) checkEmbeddingDim(ctx context.Context, want int) error {
	var typeName string
	err := p.db.QueryRowContext(ctx, `
		SELECT format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = 'face_embeddings'::regclass AND a.attname = 'embedding' AND NOT a.attisdropped`,
	).Scan(&typeName)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.New("face_embeddings.embedding column is missing")
	}
	if err != nil {
		return fmt.Errorf("inspect embedding column: %w", err)
	}

	got, err := parseVectorDim(typeName)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("embedding column holds %d dimensions, service produces %d", got, want)
	}
	return nil
}
