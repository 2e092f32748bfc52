//go:build integration

package mysql

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mysql:8",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "test",
			"MYSQL_DATABASE":      "testdb",
			"MYSQL_USER":          "test",
			"MYSQL_PASSWORD":      "test",
		},
		WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").
			WithStartupTimeout(120 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		MySQLDSN:     fmt.Sprintf("test:test@tcp(%s:%s)/testdb", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, err := Open(ctx, cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to open pool: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}
	return pool, cleanup
}

func vec(axes ...int) []float32 {
	v := make([]float32, 512)
	for _, a := range axes {
		v[a] = 1
	}
	return v
}

func TestStore(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewStore(pool)
	emb := func(v []float32, q float64) database.StoredEmbedding {
		return database.StoredEmbedding{Vector: v, Strategy: "retain_all", Quality: q, SourceCount: 1}
	}

	if err := store.Insert(ctx, &database.Identity{
		PersonID:   "alice",
		Embeddings: []database.StoredEmbedding{emb(vec(0), 0.8), emb(vec(0, 1), 0.6)},
	}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := store.Insert(ctx, &database.Identity{
		PersonID:   "alice",
		Embeddings: []database.StoredEmbedding{emb(vec(2), 0.8)},
	}); !errors.Is(err, database.ErrAlreadyExists) {
		t.Fatalf("duplicate Insert() = %v, want ErrAlreadyExists", err)
	}
	if err := store.Insert(ctx, &database.Identity{
		PersonID:   "bob",
		Embeddings: []database.StoredEmbedding{emb(vec(5), 0.9)},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.EmbeddingCount() != 2 || got.Strategy != "retain_all" || got.Embeddings[1].Vector[1] != 1 {
		t.Errorf("unexpected identity: %+v", got)
	}

	cands, err := store.Search(ctx, vec(5), 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(cands) != 2 || cands[0].PersonID != "bob" || cands[0].Rank != 1 {
		t.Fatalf("expected bob first, got %+v", cands)
	}

	if err := store.Update(ctx, "alice", []database.StoredEmbedding{emb(vec(7), 0.7)}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got, _ := store.Get(ctx, "alice"); got.EmbeddingCount() != 1 {
		t.Errorf("Update() left %d embeddings", got.EmbeddingCount())
	}
	if err := store.Update(ctx, "ghost", nil); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Update(ghost) = %v, want ErrNotFound", err)
	}

	if n, err := store.Count(ctx); err != nil || n != 2 {
		t.Errorf("Count() = %d, %v; want 2", n, err)
	}
	if err := store.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if exists, _ := store.Exists(ctx, "alice"); exists {
		t.Error("alice still exists after delete")
	}
	if err := store.Delete(ctx, "alice"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}

	var orphans int
	pool.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM embeddings e LEFT JOIN persons p ON p.id = e.person_id WHERE p.id IS NULL",
	).Scan(&orphans)
	if orphans != 0 {
		t.Errorf("%d embeddings left behind", orphans)
	}
}
