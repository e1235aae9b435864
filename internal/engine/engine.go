// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/google/uuid"
)

// Engine owns the run registry, the per-workflow admission rule, and
// the process-wide input-channel lease. Each admitted run executes on
// its own goroutine.
type Engine struct {
	workflows    WorkflowSource
	performer    ActionPerformer
	observations ObservationSource
	recorder     OutcomeRecorder
	logger       *slog.Logger
	cfg          Config

	mu     sync.Mutex
	runs   map[uuid.UUID]*runState
	active map[uuid.UUID]uuid.UUID // workflow id -> in-flight run id

	// lease is the single input-action channel: whoever holds the
	// token may touch the desktop.
	lease chan struct{}

	wg sync.WaitGroup
}

type runState struct {
	mu     sync.Mutex
	run    domain.ExecutionRun
	log    *eventLog
	cancel context.CancelFunc

	userCancel atomic.Bool
	awaiting   atomic.Bool
	approve    chan struct{}
}

func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		workflows:    deps.Workflows,
		performer:    deps.Performer,
		observations: deps.Observations,
		recorder:     deps.Recorder,
		logger:       logger,
		cfg:          deps.Config.withDefaults(),
		runs:         make(map[uuid.UUID]*runState),
		active:       make(map[uuid.UUID]uuid.UUID),
		lease:        make(chan struct{}, 1),
	}
}

// Trigger admits and starts a run. Admission is synchronous so the
// caller gets RunInProgress or InputChannelBusy immediately; execution
// itself is asynchronous.
func (e *Engine) Trigger(ctx context.Context, workflowID uuid.UUID, policy domain.RunPolicy) (domain.ExecutionRun, error) {
	if policy == "" {
		policy = domain.PolicyManual
	}

	wf, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	if !wf.Enabled {
		return domain.ExecutionRun{}, domain.ErrWorkflowDisabled
	}

	rs := &runState{
		run: domain.ExecutionRun{
			ID:         uuid.New(),
			WorkflowID: workflowID,
			Policy:     policy,
			Status:     domain.RunPending,
			FailedStep: -1,
			StartedAt:  time.Now().UTC(),
		},
		approve: make(chan struct{}, 1),
	}
	rs.log = newEventLog(rs.run.ID)

	e.mu.Lock()
	e.pruneLocked(time.Now())
	if _, busy := e.active[workflowID]; busy {
		e.mu.Unlock()
		return domain.ExecutionRun{}, domain.ErrRunInProgress
	}
	e.active[workflowID] = rs.run.ID
	e.runs[rs.run.ID] = rs
	e.mu.Unlock()

	if err := e.acquireLease(ctx); err != nil {
		e.mu.Lock()
		delete(e.active, workflowID)
		delete(e.runs, rs.run.ID)
		e.mu.Unlock()
		return domain.ExecutionRun{}, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.RunTimeout)
	rs.mu.Lock()
	rs.cancel = cancel
	rs.mu.Unlock()

	rs.log.append(domain.RunPending, -1, 0, "run admitted", nil)
	e.logger.Info("run admitted",
		"run_id", rs.run.ID,
		"workflow_id", workflowID,
		"policy", policy,
		"steps", len(wf.Steps),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.releaseLease()
		defer e.clearActive(workflowID, rs.run.ID)
		e.execute(runCtx, rs, wf)
	}()

	return rs.snapshot(), nil
}

// Run returns a snapshot of one run's current state.
func (e *Engine) Run(runID uuid.UUID) (domain.ExecutionRun, error) {
	rs, err := e.state(runID)
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	return rs.snapshot(), nil
}

// Cancel requests cooperative cancellation. Cancelling a finished run
// is a no-op.
func (e *Engine) Cancel(runID uuid.UUID) error {
	rs, err := e.state(runID)
	if err != nil {
		return err
	}
	rs.userCancel.Store(true)
	rs.mu.Lock()
	cancel := rs.cancel
	rs.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Approve releases an open approval gate.
func (e *Engine) Approve(runID uuid.UUID) error {
	rs, err := e.state(runID)
	if err != nil {
		return err
	}
	if !rs.awaiting.Load() {
		return ErrNotAwaitingApproval
	}
	select {
	case rs.approve <- struct{}{}:
	default:
	}
	return nil
}

// Events returns the run's transition history past sinceSeq and
// whether the run has finished.
func (e *Engine) Events(runID uuid.UUID, sinceSeq int64) ([]domain.RunEvent, bool, error) {
	rs, err := e.state(runID)
	if err != nil {
		return nil, false, err
	}
	events, done := rs.log.after(sinceSeq)
	return events, done, nil
}

// EventsChanged returns a channel that closes on the run's next
// transition (immediately if the run already finished).
func (e *Engine) EventsChanged(runID uuid.UUID) (<-chan struct{}, error) {
	rs, err := e.state(runID)
	if err != nil {
		return nil, err
	}
	return rs.log.changed(), nil
}

// Wait blocks until every in-flight run has finished. Used on
// shutdown after the root context is cancelled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) state(runID uuid.UUID) (*runState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return rs, nil
}

func (e *Engine) acquireLease(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.InputChannelWait)
	defer timer.Stop()
	select {
	case e.lease <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrInputChannelBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) releaseLease() {
	<-e.lease
}

// pruneLocked evicts terminal runs past the retention window so the
// registry stays bounded on a long-lived agent. Evicted runs remain
// readable through the repository's run history. Caller holds e.mu.
func (e *Engine) pruneLocked(now time.Time) {
	for id, rs := range e.runs {
		rs.mu.Lock()
		terminal := rs.run.Status.Terminal()
		finishedAt := rs.run.FinishedAt
		rs.mu.Unlock()
		if terminal && now.Sub(finishedAt) >= e.cfg.RunRetention {
			delete(e.runs, id)
		}
	}
}

func (e *Engine) clearActive(workflowID, runID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[workflowID] == runID {
		delete(e.active, workflowID)
	}
}

func (rs *runState) snapshot() domain.ExecutionRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := rs.run
	out.Steps = append([]domain.StepOutcome(nil), rs.run.Steps...)
	return out
}
