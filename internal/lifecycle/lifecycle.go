// Package lifecycle orchestrates enrollment, verification, update and
// deletion of face identities on top of the detector, the quality gate, the
// aggregation strategy, the embedding store and the matching engine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/face-identity/internal/aggregate"
	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/face"
	"github.com/kozaktomas/face-identity/internal/keylock"
	"github.com/kozaktomas/face-identity/internal/logger"
	"github.com/kozaktomas/face-identity/internal/matching"
	"github.com/kozaktomas/face-identity/internal/quality"
	"github.com/kozaktomas/face-identity/internal/session"
)

// Detector finds faces in an encoded image and embeds them.
type Detector interface {
	DetectAndEmbed(ctx context.Context, image []byte) ([]face.Observation, error)
	Ping(ctx context.Context) error
}

// Recorder receives operation level metrics.
type Recorder interface {
	Operation(op, result string)
	QualityRejection(reason string)
	MatchSimilarity(sim float64)
	SetSessionsActive(n int)
	SetIdentities(n int)
}

type nopRecorder struct{}

func (nopRecorder) Operation(string, string)  {}
func (nopRecorder) QualityRejection(string)   {}
func (nopRecorder) MatchSimilarity(float64)   {}
func (nopRecorder) SetSessionsActive(int)     {}
func (nopRecorder) SetIdentities(int)         {}

// Image is one uploaded image.
type Image struct {
	Name string
	Data []byte
}

// Options tune a single call.
type Options struct {
	// AllowMultipleFaces selects the largest face instead of rejecting
	// images with more than one face.
	AllowMultipleFaces bool
	// Mode overrides the configured update mode for Update.
	Mode aggregate.Mode
}

// ImageOutcome reports what happened to one input image.
type ImageOutcome struct {
	Index         int       `json:"index"`
	Name          string    `json:"name,omitempty"`
	FacesDetected int       `json:"faces_detected"`
	Accepted      bool      `json:"accepted"`
	Quality       float64   `json:"quality,omitempty"`
	Error         face.Kind `json:"error,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Message       string    `json:"message,omitempty"`
}

// EnrollResult is returned by Register, Update and FinalizeSession.
type EnrollResult struct {
	PersonID         string
	FacesDetected    int
	FacesAccepted    int
	EmbeddingsStored int
	AverageQuality   float64
	Merged           bool // an existing identity was extended
	Images           []ImageOutcome
}

// VerifyResult is a matching decision plus the quality of the probe face.
type VerifyResult struct {
	matching.Result
	FacesDetected int
	Quality       float64
}

// IdentityInfo summarizes a stored identity.
type IdentityInfo struct {
	PersonID           string
	Strategy           string
	EmbeddingCount     int
	SourceObservations int
	AverageQuality     float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SessionInfo summarizes an enrollment session.
type SessionInfo struct {
	Token         string
	PersonID      string
	State         session.State
	ImagesSeen    int
	FacesDetected int
	FacesAccepted int
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// SessionAppendResult is returned by AddSessionImages.
type SessionAppendResult struct {
	SessionInfo
	FacesDetectedNow int
	FacesAcceptedNow int
	Images           []ImageOutcome
}

// Health reports the state of external dependencies.
type Health struct {
	ModelLoaded bool
	ModelError  error
	DatabaseOK  bool
	StoreError  error
	Identities  int
	Sessions    int
}

// Coordinator implements the identity operations. It is safe for concurrent use.
type Coordinator struct {
	detector Detector
	store    database.Store
	sessions *session.Manager
	gate     *quality.Gate
	strategy aggregate.Strategy
	matcher  *matching.Engine
	locks    *keylock.Table
	log      *logger.Logger
	rec      Recorder

	registerPolicy string
	updateMode     aggregate.Mode
	maxImages      int
	concurrency    int
	searchTopK     int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.rec = r }
}

// WithSessions enables multi-call enrollment sessions.
func WithSessions(m *session.Manager) Option {
	return func(c *Coordinator) { c.sessions = m }
}

// New creates a Coordinator from validated configuration.
func New(cfg *config.Config, detector Detector, store database.Store, opts ...Option) (*Coordinator, error) {
	strategy, err := aggregate.New(cfg.Enrollment)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		detector:       detector,
		store:          store,
		gate:           quality.NewGateFromConfig(cfg.Quality, cfg.Embedding.Dim),
		strategy:       strategy,
		matcher:        matching.NewEngine(cfg.Matching),
		locks:          keylock.New(),
		log:            logger.Nop(),
		rec:            nopRecorder{},
		registerPolicy: cfg.Enrollment.RegisterPolicy,
		updateMode:     aggregate.Mode(cfg.Enrollment.UpdateMode),
		maxImages:      cfg.Enrollment.MaxImagesPerRegistration,
		concurrency:    max(cfg.Enrollment.DetectConcurrency, 1),
		searchTopK:     max(cfg.Matching.SearchTopK, 1),
	}
	if c.updateMode == "" {
		c.updateMode = aggregate.ModeAppend
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// record counts the outcome of op. Use with a named error return.
func (c *Coordinator) record(op string, err *error) {
	result := "ok"
	if *err != nil {
		result = string(face.KindOf(*err))
	}
	c.rec.Operation(op, result)
}

func (c *Coordinator) personID(raw string) (string, error) {
	id := face.NormalizePersonID(raw)
	if id == "" {
		return "", face.NewError(face.KindValidation, "person_id is required.")
	}
	return id, nil
}

func (c *Coordinator) checkImages(images []Image) error {
	if len(images) == 0 {
		return face.NewError(face.KindValidation, "At least one image is required.")
	}
	if c.maxImages > 0 && len(images) > c.maxImages {
		return face.NewError(face.KindValidation,
			fmt.Sprintf("Too many images (%d). At most %d are accepted per request.", len(images), c.maxImages))
	}
	for i, img := range images {
		if len(img.Data) == 0 {
			return face.NewError(face.KindValidation, fmt.Sprintf("Image %d is empty.", i+1))
		}
	}
	return nil
}

// batch is the gated outcome of a set of images.
type batch struct {
	accepted      []face.Observation
	outcomes      []ImageOutcome
	facesDetected int
}

func (b *batch) averageQuality() float64 {
	if len(b.accepted) == 0 {
		return 0
	}
	var sum float64
	for _, o := range b.accepted {
		sum += o.Quality
	}
	return sum / float64(len(b.accepted))
}

// RejectedError is returned when no image of a batch was usable. It carries
// the classified reason of the first image and the outcome of every image.
type RejectedError struct {
	Err    *face.Error
	Images []ImageOutcome
}

func (e *RejectedError) Error() string { return e.Err.Error() }

func (e *RejectedError) Unwrap() error { return e.Err }

// firstFailure is the operation error when no image was usable.
func (b *batch) firstFailure() error {
	cause := face.NewError(face.KindFaceNotDetected, "No usable face found in the provided images.")
	for _, o := range b.outcomes {
		if !o.Accepted {
			cause = &face.Error{Kind: o.Error, Reason: o.Reason, Message: o.Message}
			break
		}
	}
	return &RejectedError{Err: cause, Images: b.outcomes}
}

// process runs detection and the quality gate on every image with bounded
// concurrency. Bad images are reported per image; a detector failure aborts
// the whole batch.
func (c *Coordinator) process(ctx context.Context, images []Image, allowMultiple bool) (*batch, error) {
	outcomes := make([]ImageOutcome, len(images))
	selected := make([]*face.Observation, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, img := range images {
		g.Go(func() error {
			out := ImageOutcome{Index: i, Name: img.Name}
			defer func() { outcomes[i] = out }()

			obs, err := c.detector.DetectAndEmbed(gctx, img.Data)
			if err != nil {
				if face.KindOf(err) == face.KindValidation {
					out.Error, out.Message = face.KindValidation, face.MessageOf(err)
					var fe *face.Error
					if errors.As(err, &fe) {
						out.Reason = fe.Reason
					}
					return nil
				}
				if face.KindOf(err) != face.KindModel {
					err = face.Wrap(face.KindModel, "Face recognition model failed to process the image.", err)
				}
				return err
			}

			source := img.Name
			if source == "" {
				source = fmt.Sprintf("image-%d", i+1)
			}
			for j := range obs {
				obs[j].SourceImage = source
			}

			res := c.gate.EvaluateImage(obs, allowMultiple)
			out.FacesDetected = res.FacesDetected
			if !res.Verdict.Accepted {
				out.Error = res.Verdict.Reason.Kind()
				out.Reason = string(res.Verdict.Reason)
				out.Message = res.Verdict.Detail
				c.rec.QualityRejection(string(res.Verdict.Reason))
				return nil
			}
			out.Accepted = true
			out.Quality = res.Selected.Quality
			selected[i] = res.Selected
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.log.Warn("Face detection failed", "images", len(images), "error", err)
		return nil, err
	}

	b := &batch{outcomes: outcomes}
	for i := range images {
		b.facesDetected += outcomes[i].FacesDetected
		if selected[i] != nil {
			b.accepted = append(b.accepted, *selected[i])
		}
	}
	return b, nil
}

// Register enrolls a new person from one or more images.
func (c *Coordinator) Register(ctx context.Context, rawID string, images []Image, opts Options) (res *EnrollResult, err error) {
	defer c.record("register", &err)

	id, err := c.personID(rawID)
	if err != nil {
		return nil, err
	}
	if err := c.checkImages(images); err != nil {
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

	b, err := c.process(ctx, images, opts.AllowMultipleFaces)
	if err != nil {
		return nil, err
	}
	if len(b.accepted) == 0 {
		return nil, b.firstFailure()
	}

	stored, merged, err := c.commitRegistration(ctx, id, b.accepted)
	if err != nil {
		return nil, err
	}

	c.log.Info("Registered person", "person_id", id, "faces_detected", b.facesDetected,
		"faces_registered", len(b.accepted), "embeddings_stored", stored, "merged", merged)

	return &EnrollResult{
		PersonID:         id,
		FacesDetected:    b.facesDetected,
		FacesAccepted:    len(b.accepted),
		EmbeddingsStored: stored,
		AverageQuality:   b.averageQuality(),
		Merged:           merged,
		Images:           b.outcomes,
	}, nil
}

func alreadyExists(id string) error {
	return face.Wrap(face.KindPersonAlreadyExists, fmt.Sprintf("Person with ID '%s' already exists.", id),
		database.ErrAlreadyExists)
}

func notFound(id string) error {
	return face.Wrap(face.KindPersonNotFound, fmt.Sprintf("Person with ID '%s' not found.", id), database.ErrNotFound)
}

// commitRegistration stores obs for id under the person lock. Under the merge
// policy an existing identity is extended in append mode.
func (c *Coordinator) commitRegistration(ctx context.Context, id string, obs []face.Observation) (int, bool, error) {
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return 0, false, face.Wrap(face.KindStorage, "Timed out waiting for the person lock.", err)
	}
	defer unlock()

	existing, err := c.store.Get(ctx, id)
	switch {
	case err == nil && c.registerPolicy == config.RegisterMerge:
		embs, err := c.strategy.Merge(existing.Embeddings, obs, aggregate.ModeAppend)
		if err != nil {
			return 0, false, err
		}
		if err := c.store.Update(ctx, id, embs); err != nil {
			return 0, false, database.Classify(err)
		}
		return len(embs), true, nil
	case err == nil:
		return 0, false, alreadyExists(id)
	case !errors.Is(err, database.ErrNotFound) && !errors.Is(err, face.ErrPersonNotFound):
		return 0, false, database.Classify(err)
	}

	embs, err := c.strategy.Build(obs)
	if err != nil {
		return 0, false, err
	}
	now := time.Now().UTC()
	identity := &database.Identity{
		PersonID:   id,
		Strategy:   c.strategy.Name(),
		CreatedAt:  now,
		UpdatedAt:  now,
		Embeddings: embs,
	}
	if err := c.store.Insert(ctx, identity); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) || errors.Is(err, face.ErrPersonAlreadyExists) {
			return 0, false, alreadyExists(id)
		}
		return 0, false, database.Classify(err)
	}
	return len(embs), false, nil
}

// Verify identifies the single face in image against all enrolled persons.
func (c *Coordinator) Verify(ctx context.Context, image Image, opts Options) (res *VerifyResult, err error) {
	defer c.record("verify", &err)

	if err := c.checkImages([]Image{image}); err != nil {
		return nil, err
	}

	b, err := c.process(ctx, []Image{image}, opts.AllowMultipleFaces)
	if err != nil {
		return nil, err
	}
	if len(b.accepted) == 0 {
		return nil, b.firstFailure()
	}
	probe := b.accepted[0]

	cands, err := c.store.Search(ctx, probe.Embedding, c.searchTopK)
	if err != nil {
		return nil, database.Classify(err)
	}

	decision := c.matcher.Decide(cands)
	if len(cands) > 0 {
		c.rec.MatchSimilarity(decision.BestScore)
	}

	c.log.Debug("Verification decided", "found", decision.Found, "person_id", decision.PersonID,
		"best_score", decision.BestScore, "ambiguous", decision.Ambiguous, "candidates", len(cands))

	return &VerifyResult{
		Result:        decision,
		FacesDetected: b.facesDetected,
		Quality:       probe.Quality,
	}, nil
}

// Update adds images to (or replaces the embeddings of) an enrolled person.
func (c *Coordinator) Update(ctx context.Context, rawID string, images []Image, opts Options) (res *EnrollResult, err error) {
	defer c.record("update", &err)

	id, err := c.personID(rawID)
	if err != nil {
		return nil, err
	}
	if err := c.checkImages(images); err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = c.updateMode
	}
	if mode != aggregate.ModeAppend && mode != aggregate.ModeReplace {
		return nil, face.NewError(face.KindValidation, fmt.Sprintf("Unknown update mode %q.", mode))
	}

	exists, err := c.store.Exists(ctx, id)
	if err != nil {
		return nil, database.Classify(err)
	}
	if !exists {
		return nil, notFound(id)
	}

	b, err := c.process(ctx, images, opts.AllowMultipleFaces)
	if err != nil {
		return nil, err
	}
	if len(b.accepted) == 0 {
		return nil, b.firstFailure()
	}

	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return nil, face.Wrap(face.KindStorage, "Timed out waiting for the person lock.", err)
	}
	defer unlock()

	// The person may have been deleted while the images were processed.
	existing, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) || errors.Is(err, face.ErrPersonNotFound) {
			return nil, notFound(id)
		}
		return nil, database.Classify(err)
	}

	embs, err := c.strategy.Merge(existing.Embeddings, b.accepted, mode)
	if err != nil {
		return nil, err
	}
	if err := c.store.Update(ctx, id, embs); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, database.Classify(err)
	}

	c.log.Info("Updated person", "person_id", id, "mode", mode, "faces_updated", len(b.accepted),
		"embeddings_stored", len(embs))

	return &EnrollResult{
		PersonID:         id,
		FacesDetected:    b.facesDetected,
		FacesAccepted:    len(b.accepted),
		EmbeddingsStored: len(embs),
		AverageQuality:   b.averageQuality(),
		Merged:           true,
		Images:           b.outcomes,
	}, nil
}

// Delete removes a person and all of their embeddings.
func (c *Coordinator) Delete(ctx context.Context, rawID string) (err error) {
	defer c.record("delete", &err)

	id, err := c.personID(rawID)
	if err != nil {
		return err
	}

	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return face.Wrap(face.KindStorage, "Timed out waiting for the person lock.", err)
	}
	defer unlock()

	if err := c.store.Delete(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) || errors.Is(err, face.ErrPersonNotFound) {
			return notFound(id)
		}
		return database.Classify(err)
	}

	c.log.Info("Deleted person", "person_id", id)
	return nil
}

// Get returns the stored summary of a person.
func (c *Coordinator) Get(ctx context.Context, rawID string) (info *IdentityInfo, err error) {
	defer c.record("get", &err)

	id, err := c.personID(rawID)
	if err != nil {
		return nil, err
	}

	identity, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) || errors.Is(err, face.ErrPersonNotFound) {
			return nil, notFound(id)
		}
		return nil, database.Classify(err)
	}

	return &IdentityInfo{
		PersonID:           identity.PersonID,
		Strategy:           identity.Strategy,
		EmbeddingCount:     identity.EmbeddingCount(),
		SourceObservations: identity.SourceObservations(),
		AverageQuality:     identity.AverageQuality(),
		CreatedAt:          identity.CreatedAt,
		UpdatedAt:          identity.UpdatedAt,
	}, nil
}

// Health pings the detector and the store and counts identities and sessions.
func (c *Coordinator) Health(ctx context.Context) Health {
	var h Health

	if err := c.detector.Ping(ctx); err != nil {
		h.ModelError = err
	} else {
		h.ModelLoaded = true
	}

	if err := c.store.Ping(ctx); err != nil {
		h.StoreError = err
	} else {
		h.DatabaseOK = true
		if n, err := c.store.Count(ctx); err == nil {
			h.Identities = n
			c.rec.SetIdentities(n)
		}
	}

	if c.sessions != nil {
		if n, err := c.sessions.Active(ctx); err == nil {
			h.Sessions = n
			c.rec.SetSessionsActive(n)
		}
	}
	return h
}
