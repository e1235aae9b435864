// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"log/slog"
	"sync"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/adiadia/deskflow/internal/metrics"
	"github.com/google/uuid"
)

// Candidate is one transient cluster of similar sessions. It stays
// invisible to the execution engine and the UI until promoted.
type Candidate struct {
	ID             uuid.UUID
	Representative domain.Session
	tokens         []Token
	Occurrences    int
	similaritySum  float64 // includes 1.0 for the seed
	Promoted       bool
	WorkflowID     uuid.UUID
}

// Cohesion is the mean similarity of members against the
// representative sequence.
func (c *Candidate) Cohesion() float64 {
	if c.Occurrences == 0 {
		return 0
	}
	return c.similaritySum / float64(c.Occurrences)
}

// Assignment describes where a session landed.
type Assignment struct {
	Candidate  *Candidate
	Similarity float64
	IsNew      bool
	// PromoteNow is set the first time the candidate satisfies both
	// promotion criteria.
	PromoteNow bool
}

// Clusterer performs online nearest-cluster assignment: each closed
// session either joins its best-matching candidate or seeds a new
// one. There is no global re-clustering pass; cost stays linear in
// the number of candidates.
type Clusterer struct {
	mu            sync.Mutex
	candidates    []*Candidate
	joinThreshold float64
	minOccur      int
	minCohesion   float64
	logger        *slog.Logger
}

type ClustererConfig struct {
	JoinThreshold float64
	MinOccur      int
	MinCohesion   float64
	Logger        *slog.Logger
}

func NewClusterer(cfg ClustererConfig) *Clusterer {
	if cfg.JoinThreshold <= 0 {
		cfg.JoinThreshold = 0.75
	}
	if cfg.MinOccur <= 0 {
		cfg.MinOccur = 3
	}
	if cfg.MinCohesion <= 0 {
		cfg.MinCohesion = 0.8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Clusterer{
		joinThreshold: cfg.JoinThreshold,
		minOccur:      cfg.MinOccur,
		minCohesion:   cfg.MinCohesion,
		logger:        logger,
	}
}

// Assign places one closed session.
func (c *Clusterer) Assign(session domain.Session) Assignment {
	tokens := Tokenize(session)

	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Candidate
	bestSim := -1.0
	for _, cand := range c.candidates {
		sim := Similarity(cand.tokens, tokens)
		if sim > bestSim {
			best, bestSim = cand, sim
			continue
		}
		// Equal similarity: stability over novelty.
		if sim == bestSim && best != nil && cand.Occurrences > best.Occurrences {
			best = cand
		}
	}

	if best == nil || bestSim < c.joinThreshold {
		cand := &Candidate{
			ID:             uuid.New(),
			Representative: session,
			tokens:         tokens,
			Occurrences:    1,
			similaritySum:  1,
		}
		c.candidates = append(c.candidates, cand)
		metrics.SetClusterCount(len(c.candidates))
		c.logger.Debug("seeded candidate cluster",
			"candidate_id", cand.ID,
			"tokens", len(tokens),
		)
		return Assignment{Candidate: cand, Similarity: 1, IsNew: true}
	}

	best.Occurrences++
	best.similaritySum += bestSim

	assignment := Assignment{Candidate: best, Similarity: bestSim}
	if !best.Promoted && best.Occurrences >= c.minOccur && best.Cohesion() >= c.minCohesion {
		assignment.PromoteNow = true
	}

	c.logger.Debug("session joined candidate",
		"candidate_id", best.ID,
		"similarity", bestSim,
		"occurrences", best.Occurrences,
		"cohesion", best.Cohesion(),
	)
	return assignment
}

// MarkPromoted binds a candidate to its persisted workflow id.
func (c *Clusterer) MarkPromoted(candidateID, workflowID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cand := range c.candidates {
		if cand.ID == candidateID {
			cand.Promoted = true
			cand.WorkflowID = workflowID
			return
		}
	}
}

// Degenerate reports whether clustering has accumulated candidates
// without a single promotion. Informational only.
func (c *Clusterer) Degenerate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.candidates) == 0 {
		return false
	}
	for _, cand := range c.candidates {
		if cand.Promoted {
			return false
		}
	}
	return true
}

// Len reports the current candidate count.
func (c *Clusterer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}
