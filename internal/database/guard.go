package database

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kozaktomas/face-identity/internal/face"
)

// Observer receives the outcome of every store call. Used for metrics.
type Observer func(op string, elapsed time.Duration, err error)

// Guard wraps a Store with a per-call deadline, bounded retries for
// idempotent reads and classification of failures into face error kinds.
// Writes are never retried.
type Guard struct {
	store    Store
	timeout  time.Duration
	retries  int
	interval time.Duration
	observe  Observer
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithObserver registers a callback invoked after each store call.
func WithObserver(o Observer) GuardOption {
	return func(g *Guard) { g.observe = o }
}

// WithRetryInterval sets the initial backoff interval between read retries.
func WithRetryInterval(d time.Duration) GuardOption {
	return func(g *Guard) { g.interval = d }
}

// NewGuard wraps store. A zero timeout disables the per-call deadline.
func NewGuard(store Store, timeout time.Duration, retries int, opts ...GuardOption) *Guard {
	g := &Guard{
		store:    store,
		timeout:  timeout,
		retries:  retries,
		interval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var _ Store = (*Guard)(nil)

func (g *Guard) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Guard) done(op string, start time.Time, err error) {
	if g.observe != nil {
		g.observe(op, time.Since(start), err)
	}
}

// Classify maps backend errors onto the face error taxonomy. Already
// classified errors pass through unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return face.Wrap(face.KindPersonNotFound, "Person not found.", err)
	case errors.Is(err, ErrAlreadyExists):
		return face.Wrap(face.KindPersonAlreadyExists, "Person already registered.", err)
	case errors.Is(err, context.DeadlineExceeded):
		return face.Wrap(face.KindStorage, "Storage backend timed out.", err)
	default:
		var fe *face.Error
		if errors.As(err, &fe) {
			return err
		}
		return face.Wrap(face.KindStorage, "Storage backend failure.", err)
	}
}

func (g *Guard) write(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()

	err := fn(callCtx)
	g.done(op, start, err)
	return Classify(err)
}

// read runs fn with retries. ErrNotFound and caller cancellation are permanent.
func read[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()

	var result T
	attempt := func() error {
		callCtx, cancel := g.callCtx(ctx)
		defer cancel()

		v, err := fn(callCtx)
		if err == nil {
			result = v
			return nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.interval
	eb.MaxInterval = 20 * g.interval
	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(max(g.retries, 0)))
	b = backoff.WithContext(b, ctx)

	err := backoff.Retry(attempt, b)
	g.done(op, start, err)
	if err != nil {
		var zero T
		return zero, Classify(err)
	}
	return result, nil
}

func (g *Guard) Insert(ctx context.Context, identity *Identity) error {
	return g.write(ctx, "insert", func(ctx context.Context) error {
		return g.store.Insert(ctx, identity)
	})
}

func (g *Guard) Update(ctx context.Context, personID string, embeddings []StoredEmbedding) error {
	return g.write(ctx, "update", func(ctx context.Context) error {
		return g.store.Update(ctx, personID, embeddings)
	})
}

func (g *Guard) Delete(ctx context.Context, personID string) error {
	return g.write(ctx, "delete", func(ctx context.Context) error {
		return g.store.Delete(ctx, personID)
	})
}

func (g *Guard) Get(ctx context.Context, personID string) (*Identity, error) {
	return read(ctx, g, "get", func(ctx context.Context) (*Identity, error) {
		return g.store.Get(ctx, personID)
	})
}

func (g *Guard) Exists(ctx context.Context, personID string) (bool, error) {
	return read(ctx, g, "exists", func(ctx context.Context) (bool, error) {
		return g.store.Exists(ctx, personID)
	})
}

func (g *Guard) Search(ctx context.Context, query []float32, topK int) ([]Candidate, error) {
	return read(ctx, g, "search", func(ctx context.Context) ([]Candidate, error) {
		return g.store.Search(ctx, query, topK)
	})
}

func (g *Guard) Count(ctx context.Context) (int, error) {
	return read(ctx, g, "count", func(ctx context.Context) (int, error) {
		return g.store.Count(ctx)
	})
}

func (g *Guard) Ping(ctx context.Context) error {
	return g.write(ctx, "ping", g.store.Ping)
}
