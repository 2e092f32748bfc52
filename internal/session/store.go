package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrKeyNotFound is returned by a Store for missing or expired keys.
var ErrKeyNotFound = errors.New("session key not found")

// ErrKeyExists is returned by Store.Create when the key is already present.
var ErrKeyExists = errors.New("session key already exists")

// Store is a key/value backing store with per-key expiry.
type Store interface {
	// Create stores value under key only if the key does not exist yet.
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Update atomically rewrites a live key with the value fn derives from
	// the current one. An error from fn aborts the write and is returned as
	// is. A zero ttl keeps the key's remaining lifetime. fn may run more than
	// once when another writer races it.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error
	Delete(ctx context.Context, key string) error
	// Len returns the number of live keys.
	Len(ctx context.Context) (int, error)
	Close() error
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an expiring map with a background janitor.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]memoryItem
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewMemoryStore creates a store that purges expired keys every cleanupInterval.
// A zero interval disables the janitor; expired keys are still never returned.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		items:  make(map[string]memoryItem),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purgeExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) purgeExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, it := range s.items {
		if !now.Before(it.expiresAt) {
			delete(s.items, k)
		}
	}
}

func (s *MemoryStore) live(key string, now time.Time) (memoryItem, bool) {
	it, ok := s.items[key]
	if !ok || !now.Before(it.expiresAt) {
		return memoryItem{}, false
	}
	return it, true
}

func (s *MemoryStore) Create(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, ok := s.live(key, now); ok {
		return ErrKeyExists
	}
	s.items[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn func([]byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	it, ok := s.live(key, now)
	if !ok {
		delete(s.items, key)
		return ErrKeyNotFound
	}
	next, err := fn(append([]byte(nil), it.value...))
	if err != nil {
		return err
	}
	if ttl > 0 {
		it.expiresAt = now.Add(ttl)
	}
	s.items[key] = memoryItem{value: append([]byte(nil), next...), expiresAt: it.expiresAt}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.live(key, s.now())
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), it.value...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if now.Before(it.expiresAt) {
			n++
		}
	}
	return n, nil
}

// Close stops the janitor goroutine.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}
