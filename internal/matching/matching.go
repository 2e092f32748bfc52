// Package matching turns nearest-neighbor candidates into an accept or
// reject decision for a verification query.
package matching

import (
	"sort"

	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database"
)

// Alternative is another person that scored close to or below the winner.
type Alternative struct {
	PersonID string  `json:"person_id"`
	Score    float64 `json:"score"`
}

// Result is the outcome of a verification decision.
// Found implies Confidence >= the acceptance threshold.
type Result struct {
	Found         bool
	PersonID      string
	Confidence    float64
	LowConfidence bool
	Ambiguous     bool // the top two persons were within the tie epsilon
	BestScore     float64
	Alternatives  []Alternative
}

// Engine applies the threshold, per-person combination and tie-break policy.
type Engine struct {
	threshold    float64
	combine      string
	topN         int
	tieBreak     string
	epsilon      float64
	alternatives int
}

// NewEngine creates a decision engine from configuration.
func NewEngine(cfg config.MatchingConfig) *Engine {
	return &Engine{
		threshold:    cfg.SimilarityThreshold,
		combine:      cfg.Combine,
		topN:         max(cfg.TopN, 1),
		tieBreak:     cfg.TieBreakPolicy,
		epsilon:      cfg.TieEpsilon,
		alternatives: cfg.Alternatives,
	}
}

type personScore struct {
	personID string
	score    float64
}

// scores combines candidate similarities per person and returns them best first.
func (e *Engine) scores(cands []database.Candidate) []personScore {
	byPerson := make(map[string][]float64)
	for _, c := range cands {
		byPerson[c.PersonID] = append(byPerson[c.PersonID], c.Similarity)
	}

	scores := make([]personScore, 0, len(byPerson))
	for pid, sims := range byPerson {
		scores = append(scores, personScore{personID: pid, score: e.combineScores(sims)})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].personID < scores[j].personID
	})
	return scores
}

func (e *Engine) combineScores(sims []float64) float64 {
	sort.Sort(sort.Reverse(sort.Float64Slice(sims)))
	if e.combine != config.CombineTopNMean {
		return sims[0]
	}
	n := min(e.topN, len(sims))
	var sum float64
	for _, s := range sims[:n] {
		sum += s
	}
	return sum / float64(n)
}

// Decide interprets the candidates of one query.
func (e *Engine) Decide(cands []database.Candidate) Result {
	scores := e.scores(cands)
	if len(scores) == 0 {
		return Result{}
	}

	winner := scores[0]
	res := Result{BestScore: winner.score}
	if winner.score < e.threshold {
		return res
	}

	var tied []Alternative
	for _, s := range scores[1:] {
		if winner.score-s.score >= e.epsilon {
			break
		}
		tied = append(tied, Alternative{PersonID: s.personID, Score: s.score})
	}

	if len(tied) > 0 {
		res.Ambiguous = true
		if e.tieBreak != config.TieAlternatives {
			return res
		}
		res.Found = true
		res.PersonID = winner.personID
		res.Confidence = winner.score
		res.LowConfidence = true
		res.Alternatives = tied
		return res
	}

	res.Found = true
	res.PersonID = winner.personID
	res.Confidence = winner.score
	for _, s := range scores[1:] {
		if len(res.Alternatives) >= e.alternatives {
			break
		}
		res.Alternatives = append(res.Alternatives, Alternative{PersonID: s.personID, Score: s.score})
	}
	return res
}
