// Package session buffers multi-image enrollment state between calls.
// Sessions live in a Store with a TTL. Every mutation is an atomic
// read-modify-write in the store, so processes sharing one Redis store see a
// consistent session, and a finalize is claimed in the store before its
// commit runs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-identity/internal/face"
	"github.com/kozaktomas/face-identity/internal/keylock"
)

// State is the session lifecycle state. Expired and cancelled sessions are
// removed from the store and reported as not found.
type State string

const (
	StateCreated      State = "created"
	StateAccumulating State = "accumulating"
	// StateFinalizing marks a session whose commit is in flight.
	StateFinalizing State = "finalizing"
	StateFinalized  State = "finalized"
)

// Session is the persisted enrollment buffer.
type Session struct {
	Token         string             `json:"token"`
	PersonID      string             `json:"person_id"`
	State         State              `json:"state"`
	Observations  []face.Observation `json:"observations"`
	ImagesSeen    int                `json:"images_seen"`
	FacesDetected int                `json:"faces_detected"`
	CreatedAt     time.Time          `json:"created_at"`
	ExpiresAt     time.Time          `json:"expires_at"`
}

// Manager creates, extends and finalizes sessions.
type Manager struct {
	store           Store
	ttl             time.Duration
	maxObservations int
	finalizing      *keylock.Table
	now             func() time.Time
}

// NewManager creates a session manager. maxObservations caps the accepted
// faces one session can buffer; zero means unlimited.
func NewManager(store Store, ttl time.Duration, maxObservations int) *Manager {
	return &Manager{
		store:           store,
		ttl:             ttl,
		maxObservations: maxObservations,
		finalizing:      keylock.New(),
		now:             time.Now,
	}
}

func notFound(token string) error {
	return &face.Error{Kind: face.KindSessionNotFound, Message: "Enrollment session not found or expired.",
		Err: fmt.Errorf("token %s: %w", token, ErrKeyNotFound)}
}

func storageErr(op string, err error) error {
	return face.Wrap(face.KindStorage, "Session store unavailable.", fmt.Errorf("%s: %w", op, err))
}

func busy() error {
	return face.NewError(face.KindValidation, "Session is already being finalized.")
}

// Create opens a new session for personID.
func (m *Manager) Create(ctx context.Context, personID string) (*Session, error) {
	now := m.now()
	s := &Session{
		Token:     uuid.NewString(),
		PersonID:  personID,
		State:     StateCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := m.store.Create(ctx, s.Token, data, m.ttl); err != nil {
		return nil, storageErr("create session", err)
	}
	return s, nil
}

// load reads a live session. Finalized sessions only linger as a marker and
// are reported as missing.
func (m *Manager) load(ctx context.Context, token string) (*Session, error) {
	data, err := m.store.Get(ctx, token)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, notFound(token)
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, storageErr("decode session", err)
	}
	if !m.now().Before(s.ExpiresAt) {
		_ = m.store.Delete(ctx, token)
		return nil, notFound(token)
	}
	if s.State == StateFinalized {
		return nil, notFound(token)
	}
	return &s, nil
}

// update rewrites the stored session through fn in one atomic store
// operation. A zero ttl keeps the remaining lifetime.
func (m *Manager) update(ctx context.Context, token string, ttl time.Duration, fn func(s *Session) error) (*Session, error) {
	var out *Session
	err := m.store.Update(ctx, token, ttl, func(current []byte) ([]byte, error) {
		var s Session
		if err := json.Unmarshal(current, &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		if !m.now().Before(s.ExpiresAt) || s.State == StateFinalized {
			return nil, notFound(token)
		}
		if err := fn(&s); err != nil {
			return nil, err
		}
		out = &s
		return json.Marshal(&s)
	})
	if err == nil {
		return out, nil
	}
	if errors.Is(err, ErrKeyNotFound) {
		return nil, notFound(token)
	}
	var fe *face.Error
	if errors.As(err, &fe) {
		return nil, err
	}
	return nil, storageErr("update session", err)
}

// Get returns the session without refreshing its TTL.
func (m *Manager) Get(ctx context.Context, token string) (*Session, error) {
	return m.load(ctx, token)
}

// Append adds accepted observations and image counters to the session and
// refreshes its TTL. It fails if the session would exceed the observation cap
// or a finalize has already claimed it.
func (m *Manager) Append(ctx context.Context, token string, obs []face.Observation, imagesSeen, facesDetected int) (*Session, error) {
	return m.update(ctx, token, m.ttl, func(s *Session) error {
		if s.State == StateFinalizing {
			return busy()
		}
		if m.maxObservations > 0 && len(s.Observations)+len(obs) > m.maxObservations {
			return face.NewError(face.KindValidation,
				fmt.Sprintf("Session can buffer at most %d faces.", m.maxObservations))
		}
		s.Observations = append(s.Observations, obs...)
		s.ImagesSeen += imagesSeen
		s.FacesDetected += facesDetected
		s.State = StateAccumulating
		s.ExpiresAt = m.now().Add(m.ttl)
		return nil
	})
}

// CommitFunc persists a finalized session. It must respect ctx, which is
// bounded by the session's expiry.
type CommitFunc func(ctx context.Context, s *Session) error

// Finalize commits the buffered observations and destroys the session on
// success. The session is claimed in the store before commit runs, so
// concurrent or repeated finalizes never commit twice. A failed commit
// releases the claim and leaves the session in place so the caller can retry
// until it expires. Empty sessions are rejected.
func (m *Manager) Finalize(ctx context.Context, token string, commit CommitFunc) (*Session, error) {
	unlock, ok := m.finalizing.TryLock(token)
	if !ok {
		return nil, busy()
	}
	defer unlock()

	s, err := m.update(ctx, token, 0, func(s *Session) error {
		if s.State == StateFinalizing {
			return busy()
		}
		if len(s.Observations) == 0 {
			return face.NewError(face.KindValidation, "Session has no accepted faces to enroll.")
		}
		s.State = StateFinalizing
		return nil
	})
	if err != nil {
		return nil, err
	}

	commitCtx, cancel := context.WithTimeout(ctx, s.ExpiresAt.Sub(m.now()))
	defer cancel()

	bg := context.WithoutCancel(ctx)
	if err := commit(commitCtx, s); err != nil {
		if errors.Is(commitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			_ = m.store.Delete(bg, token)
			return nil, notFound(token)
		}
		_, _ = m.update(bg, token, 0, func(s *Session) error {
			s.State = StateAccumulating
			return nil
		})
		return nil, err
	}

	// The finalized marker outlives a failed delete until the key expires.
	_, _ = m.update(bg, token, 0, func(s *Session) error {
		s.State = StateFinalized
		return nil
	})
	_ = m.store.Delete(bg, token)

	s.State = StateFinalized
	return s, nil
}

// Cancel discards the session. A session whose finalize is in flight cannot
// be cancelled.
func (m *Manager) Cancel(ctx context.Context, token string) error {
	s, err := m.load(ctx, token)
	if err != nil {
		return err
	}
	if s.State == StateFinalizing {
		return busy()
	}
	if err := m.store.Delete(ctx, token); err != nil {
		return storageErr("delete session", err)
	}
	return nil
}

// Active returns the number of live sessions.
func (m *Manager) Active(ctx context.Context) (int, error) {
	return m.store.Len(ctx)
}
