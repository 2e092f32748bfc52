// Package mysql stores identities in MySQL or MariaDB. Vectors are kept as
// little-endian float32 blobs and searched by brute force.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/kozaktomas/face-identity/internal/config"
)

// Pool manages a MySQL connection pool.
type Pool struct {
	db *sql.DB
}

// NewPool creates a new MySQL connection pool. parseTime is forced on so
// DATETIME columns scan into time.Time.
func NewPool(cfg *config.DatabaseConfig) (*Pool, error) {
	if cfg.MySQLDSN == "" {
		return nil, errors.New("MySQL DSN is required")
	}

	dsn, err := driver.ParseDSN(cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	dsn.ParseTime = true
	if dsn.Loc == nil {
		dsn.Loc = time.UTC
	}

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return &Pool{db: db}, nil
}

// Open connects and creates the schema if it is missing.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Pool, error) {
	pool, err := NewPool(cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS persons (
		id         BIGINT AUTO_INCREMENT PRIMARY KEY,
		person_id  VARCHAR(255) NOT NULL,
		strategy   VARCHAR(32) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_persons_person_id (person_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
	`CREATE TABLE IF NOT EXISTS embeddings (
		id           BIGINT AUTO_INCREMENT PRIMARY KEY,
		person_id    BIGINT NOT NULL,
		embedding    LONGBLOB NOT NULL,
		strategy     VARCHAR(32) NOT NULL,
		quality      DOUBLE NOT NULL DEFAULT 0,
		det_score    DOUBLE NOT NULL DEFAULT 0,
		sharpness    DOUBLE NOT NULL DEFAULT 0,
		source_image VARCHAR(512) NOT NULL DEFAULT '',
		source_count INT NOT NULL DEFAULT 1,
		version      BIGINT NOT NULL DEFAULT 0,
		created_at   DATETIME(6) NOT NULL,
		KEY idx_embeddings_person (person_id),
		CONSTRAINT fk_embeddings_person FOREIGN KEY (person_id) REFERENCES persons(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the persons and embeddings tables.
func (p *Pool) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Ping verifies the connection is alive.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping MySQL: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}

// isDuplicateKey reports a unique constraint violation (ER_DUP_ENTRY).
func isDuplicateKey(err error) bool {
	var me *driver.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
