package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/database/mock"
	"github.com/kozaktomas/face-identity/internal/face"
)

func TestGuard_RetriesReads(t *testing.T) {
	m := mock.NewMockStore()
	m.SearchError = errors.New("connection reset")
	m.SearchFailures = 2

	g := database.NewGuard(m, time.Second, 3, database.WithRetryInterval(time.Millisecond))

	if _, err := g.Search(context.Background(), []float32{1, 0}, 5); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if m.SearchCalls() != 3 {
		t.Errorf("SearchCalls() = %d, want 3", m.SearchCalls())
	}
}

func TestGuard_GivesUpAfterRetries(t *testing.T) {
	m := mock.NewMockStore()
	m.SearchError = errors.New("connection reset")

	var observed []string
	g := database.NewGuard(m, time.Second, 2,
		database.WithRetryInterval(time.Millisecond),
		database.WithObserver(func(op string, _ time.Duration, err error) {
			if err != nil {
				observed = append(observed, op)
			}
		}),
	)

	_, err := g.Search(context.Background(), []float32{1, 0}, 5)
	if face.KindOf(err) != face.KindStorage {
		t.Errorf("KindOf() = %s, want %s", face.KindOf(err), face.KindStorage)
	}
	if m.SearchCalls() != 3 {
		t.Errorf("SearchCalls() = %d, want 3 (1 + 2 retries)", m.SearchCalls())
	}
	if len(observed) != 1 || observed[0] != "search" {
		t.Errorf("observer saw %v, want [search]", observed)
	}
}

func TestGuard_NeverRetriesWrites(t *testing.T) {
	m := mock.NewMockStore()
	m.InsertError = errors.New("deadlock")

	g := database.NewGuard(m, time.Second, 5, database.WithRetryInterval(time.Millisecond))

	err := g.Insert(context.Background(), &database.Identity{PersonID: "alice"})
	if face.KindOf(err) != face.KindStorage {
		t.Errorf("KindOf() = %s, want %s", face.KindOf(err), face.KindStorage)
	}
	if m.InsertCalls() != 1 {
		t.Errorf("InsertCalls() = %d, want 1", m.InsertCalls())
	}
}

func TestGuard_ClassifiesNotFoundWithoutRetry(t *testing.T) {
	m := mock.NewMockStore()
	g := database.NewGuard(m, time.Second, 3, database.WithRetryInterval(time.Millisecond))

	_, err := g.Get(context.Background(), "ghost")
	if !errors.Is(err, face.ErrPersonNotFound) {
		t.Errorf("Get() error = %v, want PersonNotFound", err)
	}
	if !errors.Is(err, database.ErrNotFound) {
		t.Error("cause should remain reachable")
	}

	if err := g.Insert(context.Background(), &database.Identity{PersonID: "a"}); err != nil {
		t.Fatal(err)
	}
	err = g.Insert(context.Background(), &database.Identity{PersonID: "a"})
	if !errors.Is(err, face.ErrPersonAlreadyExists) {
		t.Errorf("Insert() error = %v, want PersonAlreadyExists", err)
	}
}

func TestGuard_Timeout(t *testing.T) {
	m := mock.NewMockStore()
	m.Delay = 200 * time.Millisecond

	g := database.NewGuard(m, 10*time.Millisecond, 0)

	start := time.Now()
	err := g.Delete(context.Background(), "alice")
	if face.KindOf(err) != face.KindStorage {
		t.Errorf("KindOf() = %s, want %s", face.KindOf(err), face.KindStorage)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("timeout not enforced")
	}
}
