// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/adiadia/deskflow/internal/enrich"
	"github.com/adiadia/deskflow/internal/metrics"
	"github.com/adiadia/deskflow/internal/score"
	"github.com/google/uuid"
)

const updateConflictRetries = 3

// WorkflowStore is the slice of the repository the learner needs.
type WorkflowStore interface {
	Create(ctx context.Context, wf domain.Workflow) (domain.Workflow, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Workflow, error)
	List(ctx context.Context) ([]domain.Workflow, error)
	Update(ctx context.Context, wf domain.Workflow) (domain.Workflow, error)
}

type LearnerDeps struct {
	Sessions  <-chan domain.Session
	Clusterer *Clusterer
	Store     WorkflowStore
	Scorer    score.Scorer
	Describer enrich.Describer
	Logger    *slog.Logger
	// RescoreInterval drives the periodic confidence sweep.
	RescoreInterval time.Duration
}

// Learner turns closed sessions into workflow candidates and, past the
// promotion bar, into repository workflows. It also owns the periodic
// rescoring sweep that decays and auto-disables stale workflows.
type Learner struct {
	sessions        <-chan domain.Session
	clusterer       *Clusterer
	store           WorkflowStore
	scorer          score.Scorer
	describer       enrich.Describer
	logger          *slog.Logger
	rescoreInterval time.Duration
}

func NewLearner(deps LearnerDeps) *Learner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := deps.RescoreInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Learner{
		sessions:        deps.Sessions,
		clusterer:       deps.Clusterer,
		store:           deps.Store,
		scorer:          deps.Scorer,
		describer:       deps.Describer,
		logger:          logger,
		rescoreInterval: interval,
	}
}

// Run consumes closed sessions until the context ends or the session
// channel closes.
func (l *Learner) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.rescoreInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case session, ok := <-l.sessions:
			if !ok {
				return nil
			}
			l.Observe(ctx, session)
		case <-ticker.C:
			l.Rescore(ctx, time.Now())
		}
	}
}

// Observe assigns one closed session and applies its consequences:
// a promotion, or an occurrence bump on an already-promoted workflow.
func (l *Learner) Observe(ctx context.Context, session domain.Session) {
	assignment := l.clusterer.Assign(session)
	if assignment.IsNew {
		return
	}

	cand := assignment.Candidate
	if assignment.PromoteNow {
		if err := l.promote(ctx, cand); err != nil {
			l.logger.Error("workflow promotion failed",
				"candidate_id", cand.ID,
				"error", err,
			)
		}
		return
	}

	if cand.Promoted {
		if err := l.recordOccurrence(ctx, cand); err != nil {
			l.logger.Error("occurrence update failed",
				"workflow_id", cand.WorkflowID,
				"error", err,
			)
		}
	}
}

func (l *Learner) promote(ctx context.Context, cand *Candidate) error {
	steps := DeriveSteps(cand.Representative)
	if len(steps) == 0 {
		l.logger.Warn("candidate met promotion bar but has no replayable steps",
			"candidate_id", cand.ID,
		)
		return nil
	}

	wf := domain.Workflow{
		Name:            defaultWorkflowName(cand.Representative, len(steps)),
		Steps:           steps,
		Cohesion:        cand.Cohesion(),
		OccurrenceCount: cand.Occurrences,
		Enabled:         true,
	}

	if l.describer != nil {
		enrichment, err := l.describer.Describe(ctx, cand.Representative.App, steps)
		if err != nil {
			// Enrichment is cosmetic. Promote anyway.
			l.logger.Warn("workflow enrichment failed",
				"candidate_id", cand.ID,
				"error", err,
			)
		} else {
			if enrichment.Name != "" {
				wf.Name = enrichment.Name
			}
			wf.Description = enrichment.Description
			for _, idx := range enrichment.RiskySteps {
				if idx >= 0 && idx < len(wf.Steps) {
					wf.Steps[idx].Risky = true
				}
			}
		}
	}

	wf.Confidence = l.scorer.Confidence(wf, time.Now())

	created, err := l.store.Create(ctx, wf)
	if err != nil {
		return err
	}

	l.clusterer.MarkPromoted(cand.ID, created.ID)
	metrics.IncPromotion()
	l.logger.Info("workflow promoted",
		"workflow_id", created.ID,
		"name", created.Name,
		"steps", len(created.Steps),
		"occurrences", created.OccurrenceCount,
		"cohesion", created.Cohesion,
		"confidence", created.Confidence,
	)
	return nil
}

// recordOccurrence folds a repeat observation into the promoted
// workflow. Conflicts with concurrent feedback updates are re-read and
// retried a bounded number of times.
func (l *Learner) recordOccurrence(ctx context.Context, cand *Candidate) error {
	for attempt := 0; attempt <= updateConflictRetries; attempt++ {
		wf, err := l.store.Get(ctx, cand.WorkflowID)
		if err != nil {
			if errors.Is(err, domain.ErrWorkflowNotFound) {
				// Deleted by the operator. Stop tracking it.
				return nil
			}
			return err
		}

		wf.OccurrenceCount = cand.Occurrences
		wf.Cohesion = cand.Cohesion()
		wf.Confidence = l.scorer.Confidence(wf, time.Now())

		if _, err := l.store.Update(ctx, wf); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return domain.ErrConflict
}

// Rescore recomputes confidence for every workflow and disables the
// ones that fell under the floor. Disabling is one-way: re-enabling a
// decayed workflow is a manual act.
func (l *Learner) Rescore(ctx context.Context, now time.Time) {
	workflows, err := l.store.List(ctx)
	if err != nil {
		l.logger.Error("rescore sweep failed to list workflows", "error", err)
		return
	}

	for _, wf := range workflows {
		conf := l.scorer.Confidence(wf, now)
		disable := wf.Enabled && l.scorer.ShouldDisable(conf)
		if conf == wf.Confidence && !disable {
			continue
		}

		wf.Confidence = conf
		if disable {
			wf.Enabled = false
		}

		if _, err := l.store.Update(ctx, wf); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrWorkflowNotFound) {
				// A writer got there first. The next sweep catches up.
				continue
			}
			l.logger.Error("rescore update failed",
				"workflow_id", wf.ID,
				"error", err,
			)
			continue
		}

		if disable {
			l.logger.Warn("workflow auto-disabled by confidence decay",
				"workflow_id", wf.ID,
				"name", wf.Name,
				"confidence", conf,
			)
		}
	}
}

func defaultWorkflowName(s domain.Session, stepCount int) string {
	app := s.App
	if app == "" {
		app = "desktop"
	}
	return fmt.Sprintf("%s routine (%d steps)", app, stepCount)
}
