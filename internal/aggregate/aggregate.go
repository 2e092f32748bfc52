// Package aggregate reduces the accepted observations of one person to the
// vectors that get persisted. Aggregation never mixes people.
package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/face"
)

// Mode selects how new observations combine with already stored vectors.
type Mode string

const (
	ModeAppend  Mode = "append"
	ModeReplace Mode = "replace"
)

// Strategy turns observations into stored embeddings.
type Strategy interface {
	Name() string
	// Build produces the embeddings for a brand new identity.
	Build(obs []face.Observation) ([]database.StoredEmbedding, error)
	// Merge returns the complete embedding set after applying obs to existing.
	Merge(existing []database.StoredEmbedding, obs []face.Observation, mode Mode) ([]database.StoredEmbedding, error)
}

var errNoObservations = face.NewError(face.KindValidation, "No usable face observations to aggregate.")

var (
	versionMu   sync.Mutex
	lastVersion int64
)

// nextVersion returns a strictly increasing version based on wall clock nanoseconds.
func nextVersion() int64 {
	versionMu.Lock()
	defer versionMu.Unlock()
	v := time.Now().UnixNano()
	if v <= lastVersion {
		v = lastVersion + 1
	}
	lastVersion = v
	return v
}

// New returns the strategy configured in cfg.
func New(cfg config.EnrollmentConfig) (Strategy, error) {
	switch cfg.AggregationStrategy {
	case config.StrategyCentroid, "":
		return Centroid{}, nil
	case config.StrategyRetainAll:
		return RetainAll{Max: cfg.MaxEmbeddingsPerPerson, Eviction: cfg.EvictionPolicy}, nil
	default:
		return nil, fmt.Errorf("unknown aggregation strategy %q", cfg.AggregationStrategy)
	}
}

// Centroid keeps a single normalized mean vector per person.
type Centroid struct{}

func (Centroid) Name() string { return config.StrategyCentroid }

func (c Centroid) Build(obs []face.Observation) ([]database.StoredEmbedding, error) {
	if len(obs) == 0 {
		return nil, errNoObservations
	}

	parts := make([]weighted, len(obs))
	for i := range obs {
		parts[i] = weighted{vector: face.Normalize(obs[i].Embedding), weight: 1, quality: obs[i].Quality}
	}
	e, err := combine(parts)
	if err != nil {
		return nil, err
	}

	best := bestObservation(obs)
	e.DetScore = best.DetScore
	e.Sharpness = best.Sharpness
	e.SourceImage = best.SourceImage
	e.Strategy = c.Name()
	return []database.StoredEmbedding{e}, nil
}

// Merge folds the new centroid into the stored one, weighted by how many
// observations each side represents.
func (c Centroid) Merge(existing []database.StoredEmbedding, obs []face.Observation, mode Mode) ([]database.StoredEmbedding, error) {
	if mode == ModeReplace || len(existing) == 0 {
		return c.Build(obs)
	}
	if len(obs) == 0 {
		return nil, errNoObservations
	}

	parts := make([]weighted, 0, len(existing)+len(obs))
	for _, e := range existing {
		parts = append(parts, weighted{vector: face.Normalize(e.Vector), weight: max(e.SourceCount, 1), quality: e.Quality})
	}
	for i := range obs {
		parts = append(parts, weighted{vector: face.Normalize(obs[i].Embedding), weight: 1, quality: obs[i].Quality})
	}
	merged, err := combine(parts)
	if err != nil {
		return nil, err
	}

	// Keep the representative metadata of whichever side has the best source.
	best := bestObservation(obs)
	bestStored := existing[0]
	for _, e := range existing[1:] {
		if e.Quality > bestStored.Quality {
			bestStored = e
		}
	}
	if best.Quality >= bestStored.Quality {
		merged.DetScore, merged.Sharpness, merged.SourceImage = best.DetScore, best.Sharpness, best.SourceImage
	} else {
		merged.DetScore, merged.Sharpness, merged.SourceImage = bestStored.DetScore, bestStored.Sharpness, bestStored.SourceImage
	}
	merged.Strategy = c.Name()
	return []database.StoredEmbedding{merged}, nil
}

type weighted struct {
	vector  []float32
	weight  int
	quality float64
}

func combine(parts []weighted) (database.StoredEmbedding, error) {
	dim := len(parts[0].vector)
	sum := make([]float64, dim)
	var total int
	var qsum float64
	for _, p := range parts {
		if len(p.vector) != dim {
			return database.StoredEmbedding{}, face.NewError(face.KindValidation, "Embeddings have inconsistent dimensions.")
		}
		for i, x := range p.vector {
			sum[i] += float64(x) * float64(p.weight)
		}
		total += p.weight
		qsum += p.quality * float64(p.weight)
	}

	mean := make([]float32, dim)
	for i := range sum {
		mean[i] = float32(sum[i] / float64(total))
	}
	if face.IsZero(mean) {
		return database.StoredEmbedding{}, face.NewError(face.KindValidation, "Observations cancel out to a zero centroid.")
	}

	now := time.Now()
	return database.StoredEmbedding{
		Vector:      face.Normalize(mean),
		Quality:     qsum / float64(total),
		SourceCount: total,
		Version:     nextVersion(),
		CreatedAt:   now,
	}, nil
}

func bestObservation(obs []face.Observation) face.Observation {
	best := obs[0]
	for _, o := range obs[1:] {
		if o.Quality > best.Quality {
			best = o
		}
	}
	return best
}

// RetainAll keeps one vector per accepted observation, capped at Max per person.
type RetainAll struct {
	Max      int
	Eviction string
}

func (RetainAll) Name() string { return config.StrategyRetainAll }

func (r RetainAll) fromObservations(obs []face.Observation) []database.StoredEmbedding {
	now := time.Now()
	out := make([]database.StoredEmbedding, len(obs))
	for i, o := range obs {
		out[i] = database.StoredEmbedding{
			Vector:      face.Normalize(o.Embedding),
			Strategy:    r.Name(),
			Quality:     o.Quality,
			DetScore:    o.DetScore,
			Sharpness:   o.Sharpness,
			SourceImage: o.SourceImage,
			SourceCount: 1,
			Version:     nextVersion(),
			CreatedAt:   now,
		}
	}
	return out
}

func (r RetainAll) Build(obs []face.Observation) ([]database.StoredEmbedding, error) {
	if len(obs) == 0 {
		return nil, errNoObservations
	}
	return r.evict(r.fromObservations(obs)), nil
}

func (r RetainAll) Merge(existing []database.StoredEmbedding, obs []face.Observation, mode Mode) ([]database.StoredEmbedding, error) {
	if mode == ModeReplace {
		return r.Build(obs)
	}
	if len(obs) == 0 {
		return nil, errNoObservations
	}
	all := append(database.CloneEmbeddings(existing), r.fromObservations(obs)...)
	return r.evict(all), nil
}

// evict trims embeddings down to Max according to the eviction policy.
func (r RetainAll) evict(embs []database.StoredEmbedding) []database.StoredEmbedding {
	if r.Max <= 0 || len(embs) <= r.Max {
		return embs
	}

	sorted := append([]database.StoredEmbedding(nil), embs...)
	switch r.Eviction {
	case config.EvictOldest:
		// Keep the newest.
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Version > sorted[j].Version })
	default:
		// Keep the best, newer wins ties.
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Quality != sorted[j].Quality {
				return sorted[i].Quality > sorted[j].Quality
			}
			return sorted[i].Version > sorted[j].Version
		})
	}
	kept := sorted[:r.Max]

	// Restore chronological order for stable storage layout.
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Version < kept[j].Version })
	return kept
}

// IsValidation reports whether err is an aggregation input problem.
func IsValidation(err error) bool {
	return errors.Is(err, face.ErrValidation)
}
