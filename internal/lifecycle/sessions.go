package lifecycle

import (
	"context"

	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/face"
	"github.com/kozaktomas/face-identity/internal/session"
)

var errSessionsDisabled = face.NewError(face.KindValidation, "Enrollment sessions are not enabled.")

func sessionInfo(s *session.Session) SessionInfo {
	return SessionInfo{
		Token:         s.Token,
		PersonID:      s.PersonID,
		State:         s.State,
		ImagesSeen:    s.ImagesSeen,
		FacesDetected: s.FacesDetected,
		FacesAccepted: len(s.Observations),
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
	}
}

// StartSession opens a multi-call enrollment for a person.
func (c *Coordinator) StartSession(ctx context.Context, rawID string) (info *SessionInfo, err error) {
	defer c.record("session_start", &err)

	if c.sessions == nil {
		return nil, errSessionsDisabled
	}
	id, err := c.personID(rawID)
	if err != nil {
		return nil, err
	}

	if c.registerPolicy != config.RegisterMerge {
		exists, err := c.store.Exists(ctx, id)
		if err != nil {
			return nil, database.Classify(err)
		}
		if exists {
			return nil, alreadyExists(id)
		}
	}

	s, err := c.sessions.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	c.log.Info("Started enrollment session", "person_id", id, "expires_at", s.ExpiresAt)

	out := sessionInfo(s)
	return &out, nil
}

// GetSession returns the session state without extending its lifetime.
func (c *Coordinator) GetSession(ctx context.Context, token string) (*SessionInfo, error) {
	if c.sessions == nil {
		return nil, errSessionsDisabled
	}
	s, err := c.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	out := sessionInfo(s)
	return &out, nil
}

// AddSessionImages gates images and buffers the accepted faces in the
// session. Rejected images are reported but do not fail the call.
func (c *Coordinator) AddSessionImages(ctx context.Context, token string, images []Image, opts Options) (res *SessionAppendResult, err error) {
	defer c.record("session_add", &err)

	if c.sessions == nil {
		return nil, errSessionsDisabled
	}
	if _, err := c.sessions.Get(ctx, token); err != nil {
		return nil, err
	}
	if err := c.checkImages(images); err != nil {
		return nil, err
	}

	b, err := c.process(ctx, images, opts.AllowMultipleFaces)
	if err != nil {
		return nil, err
	}

	s, err := c.sessions.Append(ctx, token, b.accepted, len(images), b.facesDetected)
	if err != nil {
		return nil, err
	}

	return &SessionAppendResult{
		SessionInfo:      sessionInfo(s),
		FacesDetectedNow: b.facesDetected,
		FacesAcceptedNow: len(b.accepted),
		Images:           b.outcomes,
	}, nil
}

// FinalizeSession commits the buffered faces as a registration and closes
// the session. A failed commit leaves the session open for a retry.
func (c *Coordinator) FinalizeSession(ctx context.Context, token string) (res *EnrollResult, err error) {
	defer c.record("session_finalize", &err)

	if c.sessions == nil {
		return nil, errSessionsDisabled
	}

	var stored int
	var merged bool
	s, err := c.sessions.Finalize(ctx, token, func(ctx context.Context, s *session.Session) error {
		var err error
		stored, merged, err = c.commitRegistration(ctx, s.PersonID, s.Observations)
		return err
	})
	if err != nil {
		return nil, err
	}

	var sum float64
	for _, o := range s.Observations {
		sum += o.Quality
	}

	c.log.Info("Finalized enrollment session", "person_id", s.PersonID, "images", s.ImagesSeen,
		"faces_registered", len(s.Observations), "embeddings_stored", stored)

	return &EnrollResult{
		PersonID:         s.PersonID,
		FacesDetected:    s.FacesDetected,
		FacesAccepted:    len(s.Observations),
		EmbeddingsStored: stored,
		AverageQuality:   sum / float64(len(s.Observations)),
		Merged:           merged,
	}, nil
}

// CancelSession discards a session and everything buffered in it.
func (c *Coordinator) CancelSession(ctx context.Context, token string) (err error) {
	defer c.record("session_cancel", &err)

	if c.sessions == nil {
		return errSessionsDisabled
	}
	return c.sessions.Cancel(ctx, token)
}
