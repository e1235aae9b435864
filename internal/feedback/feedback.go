// SPDX-License-Identifier: Apache-2.0

// Package feedback routes terminal run outcomes back into workflow
// statistics and confidence.
package feedback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/adiadia/deskflow/internal/score"
	"github.com/google/uuid"
)

const updateConflictRetries = 3

// WorkflowUpdater is the slice of the repository feedback writes to.
type WorkflowUpdater interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Workflow, error)
	Update(ctx context.Context, wf domain.Workflow) (domain.Workflow, error)
	AppendRun(ctx context.Context, run domain.ExecutionRun) error
}

// Loop implements engine.OutcomeRecorder.
type Loop struct {
	store  WorkflowUpdater
	scorer score.Scorer
	logger *slog.Logger
}

func NewLoop(store WorkflowUpdater, scorer score.Scorer, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{store: store, scorer: scorer, logger: logger}
}

// RecordOutcome folds one terminal run into the workflow's counters
// and confidence, then appends the run to its history. Conflicts with
// concurrent learner updates are re-read and retried.
func (l *Loop) RecordOutcome(ctx context.Context, run domain.ExecutionRun) {
	if !run.Status.Terminal() {
		l.logger.Error("non-terminal run reached the feedback loop",
			"run_id", run.ID,
			"status", run.Status,
		)
		return
	}

	if err := l.updateWorkflow(ctx, run); err != nil {
		l.logger.Error("feedback update failed",
			"run_id", run.ID,
			"workflow_id", run.WorkflowID,
			"error", err,
		)
	}

	if err := l.store.AppendRun(ctx, run); err != nil {
		l.logger.Error("run history append failed",
			"run_id", run.ID,
			"workflow_id", run.WorkflowID,
			"error", err,
		)
	}
}

func (l *Loop) updateWorkflow(ctx context.Context, run domain.ExecutionRun) error {
	for attempt := 0; attempt <= updateConflictRetries; attempt++ {
		wf, err := l.store.Get(ctx, run.WorkflowID)
		if err != nil {
			if errors.Is(err, domain.ErrWorkflowNotFound) {
				// Deleted while the run was in flight. The run record
				// still lands in history below.
				return nil
			}
			return err
		}

		if run.Status == domain.RunCompleted {
			wf.SuccessCount++
		} else {
			wf.FailureCount++
		}
		wf.LastUsed = run.FinishedAt
		if wf.LastUsed.IsZero() {
			wf.LastUsed = time.Now().UTC()
		}

		wf.Confidence = l.scorer.Confidence(wf, time.Now())
		disabled := false
		if wf.Enabled && l.scorer.ShouldDisable(wf.Confidence) {
			wf.Enabled = false
			disabled = true
		}

		if _, err := l.store.Update(ctx, wf); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return err
		}

		if disabled {
			l.logger.Warn("workflow auto-disabled after run outcome",
				"workflow_id", wf.ID,
				"name", wf.Name,
				"confidence", wf.Confidence,
			)
		}
		return nil
	}
	return domain.ErrConflict
}
