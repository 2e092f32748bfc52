// Package keylock provides mutual exclusion per string key. Entries are
// reference counted and removed as soon as nobody holds or waits for them.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // holds one token while the key is locked
	refs int
}

// Table is a set of lazily created per-key locks.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) acquireRef(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) releaseRef(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned unlock func is
// safe to call more than once.
func (t *Table) Lock(ctx context.Context, key string) (func(), error) {
	e := t.acquireRef(key)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		t.releaseRef(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			t.releaseRef(key, e)
		})
	}, nil
}

// TryLock acquires key only if it is free right now.
func (t *Table) TryLock(key string) (func(), bool) {
	e := t.acquireRef(key)

	select {
	case e.ch <- struct{}{}:
	default:
		t.releaseRef(key, e)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			t.releaseRef(key, e)
		})
	}, true
}

// Len returns the number of keys currently held or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
