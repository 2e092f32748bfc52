// Package mock provides a Store with error injection for testing.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/database/memory"
)

// MockStore is a database.Store backed by the in-memory store.
// Setting an error field makes the corresponding call fail.
type MockStore struct {
	inner *memory.Store

	mu sync.RWMutex

	// Error injection
	InsertError error
	UpdateError error
	DeleteError error
	GetError    error
	ExistsError error
	SearchError error
	CountError  error
	PingError   error

	// SearchFailures makes the next N Search calls fail with SearchError
	// before succeeding. Zero means SearchError applies to every call.
	SearchFailures int32

	// Delay is applied to every call before it runs, honoring ctx.
	Delay time.Duration

	searchCalls atomic.Int32
	insertCalls atomic.Int32
	updateCalls atomic.Int32
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{inner: memory.New()}
}

var _ database.Store = (*MockStore)(nil)

func (m *MockStore) injected(ctx context.Context, err error) error {
	m.mu.RLock()
	delay := m.Delay
	m.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// SetError configures an error under the lock. Fields can also be set
// directly before the mock is shared between goroutines.
func (m *MockStore) SetError(target *error, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*target = err
}

func (m *MockStore) errOf(target *error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *target
}

// SearchCalls returns how many times Search was invoked.
func (m *MockStore) SearchCalls() int { return int(m.searchCalls.Load()) }

// InsertCalls returns how many times Insert was invoked.
func (m *MockStore) InsertCalls() int { return int(m.insertCalls.Load()) }

// UpdateCalls returns how many times Update was invoked.
func (m *MockStore) UpdateCalls() int { return int(m.updateCalls.Load()) }

func (m *MockStore) Insert(ctx context.Context, identity *database.Identity) error {
	m.insertCalls.Add(1)
	if err := m.injected(ctx, m.errOf(&m.InsertError)); err != nil {
		return err
	}
	return m.inner.Insert(ctx, identity)
}

func (m *MockStore) Update(ctx context.Context, personID string, embeddings []database.StoredEmbedding) error {
	m.updateCalls.Add(1)
	if err := m.injected(ctx, m.errOf(&m.UpdateError)); err != nil {
		return err
	}
	return m.inner.Update(ctx, personID, embeddings)
}

func (m *MockStore) Delete(ctx context.Context, personID string) error {
	if err := m.injected(ctx, m.errOf(&m.DeleteError)); err != nil {
		return err
	}
	return m.inner.Delete(ctx, personID)
}

func (m *MockStore) Get(ctx context.Context, personID string) (*database.Identity, error) {
	if err := m.injected(ctx, m.errOf(&m.GetError)); err != nil {
		return nil, err
	}
	return m.inner.Get(ctx, personID)
}

func (m *MockStore) Exists(ctx context.Context, personID string) (bool, error) {
	if err := m.injected(ctx, m.errOf(&m.ExistsError)); err != nil {
		return false, err
	}
	return m.inner.Exists(ctx, personID)
}

func (m *MockStore) Search(ctx context.Context, query []float32, topK int) ([]database.Candidate, error) {
	n := m.searchCalls.Add(1)
	err := m.errOf(&m.SearchError)
	if err != nil && m.SearchFailures > 0 && n > m.SearchFailures {
		err = nil
	}
	if err := m.injected(ctx, err); err != nil {
		return nil, err
	}
	return m.inner.Search(ctx, query, topK)
}

func (m *MockStore) Count(ctx context.Context) (int, error) {
	if err := m.injected(ctx, m.errOf(&m.CountError)); err != nil {
		return 0, err
	}
	return m.inner.Count(ctx)
}

func (m *MockStore) Ping(ctx context.Context) error {
	if err := m.injected(ctx, m.errOf(&m.PingError)); err != nil {
		return err
	}
	return m.inner.Ping(ctx)
}
