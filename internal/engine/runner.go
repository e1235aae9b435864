// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/adiadia/deskflow/internal/metrics"
)

// execute drives one run through the state machine. Cancellation is
// checked at the top of every transition; side effects already applied
// are never rolled back.
func (e *Engine) execute(ctx context.Context, rs *runState, wf domain.Workflow) {
	e.transition(rs, domain.RunPreparing, -1, 0, "", nil)

	for i := range wf.Steps {
		step := wf.Steps[i]

		if ctx.Err() != nil {
			e.abort(ctx, rs)
			return
		}

		if gated(rs.run.Policy, i, step) {
			if err := e.awaitApproval(ctx, rs, i); err != nil {
				e.abort(ctx, rs)
				return
			}
		}

		outcome := e.runStep(ctx, rs, i, step)
		rs.mu.Lock()
		rs.run.Steps = append(rs.run.Steps, outcome)
		rs.mu.Unlock()

		if ctx.Err() != nil && !outcome.Matched {
			e.abort(ctx, rs)
			return
		}

		if !outcome.Matched {
			e.finish(rs, domain.RunFailed, i, failureDetail(outcome), &outcome.Verification)
			return
		}

		if i < len(wf.Steps)-1 {
			if err := sleepCtx(ctx, e.cfg.StepPause); err != nil {
				e.abort(ctx, rs)
				return
			}
		}
	}

	e.finish(rs, domain.RunCompleted, -1, "", nil)
}

// runStep attempts one step up to RetryCount+1 times.
func (e *Engine) runStep(ctx context.Context, rs *runState, index int, step domain.ActionStep) (outcome domain.StepOutcome) {
	outcome = domain.StepOutcome{
		Index:     index,
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		outcome.FinishedAt = time.Now().UTC()
	}()

	for attempt := 1; attempt <= e.cfg.RetryCount+1; attempt++ {
		if ctx.Err() != nil {
			return outcome
		}

		if attempt > 1 {
			e.transition(rs, domain.RunRetrying, index, attempt, "", &outcome.Verification)
			metrics.IncStepRetries()
			backoff := e.cfg.RetryBaseDelay * time.Duration(1<<(attempt-2))
			if err := sleepCtx(ctx, backoff); err != nil {
				return outcome
			}
		}

		outcome.Attempts = attempt
		attemptStep := jittered(step, attempt)

		e.transition(rs, domain.RunRunning, index, attempt, "", nil)
		started := time.Now()
		err := e.performer.Perform(ctx, attemptStep)
		metrics.ObserveStepDuration(time.Since(started))
		if err != nil {
			if ctx.Err() != nil {
				return outcome
			}
			outcome.Err = err.Error()
			e.logger.Warn("step dispatch failed",
				"run_id", rs.run.ID,
				"step", index,
				"attempt", attempt,
				"error", err,
			)
			continue
		}
		outcome.Err = ""

		e.transition(rs, domain.RunVerifying, index, attempt, "", nil)
		result := e.verify(ctx, attemptStep)
		metrics.ObserveVerifySimilarity(result.Similarity)
		outcome.Verification = result

		if result.Matched {
			outcome.Matched = true
			return outcome
		}

		e.logger.Warn("verification mismatch",
			"run_id", rs.run.ID,
			"step", index,
			"attempt", attempt,
			"similarity", result.Similarity,
			"expected", result.Expected,
			"observed", result.Observed,
		)
	}

	return outcome
}

func (e *Engine) awaitApproval(ctx context.Context, rs *runState, index int) error {
	rs.awaiting.Store(true)
	defer rs.awaiting.Store(false)

	e.transition(rs, domain.RunWaiting, index, 0, "approval required", nil)
	select {
	case <-rs.approve:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) transition(rs *runState, status domain.RunStatus, stepIndex, attempt int, detail string, result *domain.VerificationResult) {
	rs.mu.Lock()
	rs.run.Status = status
	rs.mu.Unlock()
	rs.log.append(status, stepIndex, attempt, detail, result)
}

func (e *Engine) abort(ctx context.Context, rs *runState) {
	detail := "canceled"
	switch {
	case rs.userCancel.Load():
		detail = "canceled by user"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		detail = "run timeout"
	}
	e.finish(rs, domain.RunAborted, -1, detail, nil)
}

func (e *Engine) finish(rs *runState, status domain.RunStatus, failedStep int, detail string, result *domain.VerificationResult) {
	rs.mu.Lock()
	rs.run.Status = status
	rs.run.FinishedAt = time.Now().UTC()
	rs.run.FailedStep = -1
	if status == domain.RunFailed {
		rs.run.FailedStep = failedStep
	}
	rs.run.LastError = detail
	rs.mu.Unlock()

	rs.log.append(status, failedStep, 0, detail, result)
	metrics.IncRunStatus(status)

	e.logger.Info("run finished",
		"run_id", rs.run.ID,
		"workflow_id", rs.run.WorkflowID,
		"status", status,
		"failed_step", failedStep,
		"detail", detail,
	)

	if e.recorder != nil {
		recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.recorder.RecordOutcome(recordCtx, rs.snapshot())
	}
}

// gated reports whether the policy requires approval before this step.
func gated(policy domain.RunPolicy, index int, step domain.ActionStep) bool {
	switch policy {
	case domain.PolicyManual:
		return index == 0
	case domain.PolicySemiAuto:
		return step.Risky
	}
	return false
}

// jittered re-resolves the target with a small positional jitter on
// the second and later attempts, to tolerate minor UI drift.
func jittered(step domain.ActionStep, attempt int) domain.ActionStep {
	if attempt < 2 {
		return step
	}
	params := make(map[string]string, len(step.Parameters)+2)
	for k, v := range step.Parameters {
		params[k] = v
	}
	params["reresolve"] = "true"
	params["jitter_px"] = strconv.Itoa(2 * (attempt - 1))
	step.Parameters = params
	return step
}

func failureDetail(outcome domain.StepOutcome) string {
	if outcome.Err != "" {
		return fmt.Sprintf("step %d failed after %d attempts: %s", outcome.Index, outcome.Attempts, outcome.Err)
	}
	return fmt.Sprintf("step %d failed verification after %d attempts (similarity %.2f)",
		outcome.Index, outcome.Attempts, outcome.Verification.Similarity)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
