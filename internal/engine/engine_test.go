// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/google/uuid"
)

type stubWorkflows struct {
	mu sync.Mutex
	m  map[uuid.UUID]domain.Workflow
}

func (s *stubWorkflows) add(wf domain.Workflow) domain.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[uuid.UUID]domain.Workflow)
	}
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	s.m[wf.ID] = wf
	return wf
}

func (s *stubWorkflows) Get(_ context.Context, id uuid.UUID) (domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.m[id]
	if !ok {
		return domain.Workflow{}, domain.ErrWorkflowNotFound
	}
	return wf, nil
}

// stubChannel plays both collaborators: it performs steps and reports
// back observations. Expectation payloads listed in misreport come
// back wrong, so their steps never verify.
type stubChannel struct {
	mu        sync.Mutex
	performed []domain.ActionStep
	lastSeen  string
	misreport map[string]bool

	// block, when set, makes Perform wait for release or context end.
	block   bool
	release chan struct{}
}

func (s *stubChannel) Perform(ctx context.Context, step domain.ActionStep) error {
	s.mu.Lock()
	blocked := s.block
	release := s.release
	s.mu.Unlock()

	if blocked {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.performed = append(s.performed, step)
	if s.misreport[step.Verification.Payload] {
		s.lastSeen = fmt.Sprintf("unrelated window content %d", len(s.performed))
	} else {
		s.lastSeen = step.Verification.Payload
	}
	return nil
}

func (s *stubChannel) LatestObservation(context.Context) (domain.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Observation{
		Kind:    domain.ObsText,
		Payload: s.lastSeen,
		App:     s.lastSeen,
	}, nil
}

func (s *stubChannel) performedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.performed)
}

type stubRecorder struct {
	done chan domain.ExecutionRun
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{done: make(chan domain.ExecutionRun, 4)}
}

func (r *stubRecorder) RecordOutcome(_ context.Context, run domain.ExecutionRun) {
	r.done <- run
}

func (r *stubRecorder) wait(t *testing.T) domain.ExecutionRun {
	t.Helper()
	select {
	case run := <-r.done:
		return run
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a terminal run")
		return domain.ExecutionRun{}
	}
}

func threeStepWorkflow() domain.Workflow {
	return domain.Workflow{
		Name:    "compose mail",
		Enabled: true,
		Steps: []domain.ActionStep{
			{
				ActionType:   domain.ActionClick,
				Target:       domain.TargetDescriptor{Text: "Compose", App: "mail"},
				Verification: domain.Expectation{Kind: domain.VerifyClickSuccess, Payload: "Compose"},
			},
			{
				ActionType:   domain.ActionTypeText,
				Target:       domain.TargetDescriptor{Text: "subject", App: "mail"},
				Verification: domain.Expectation{Kind: domain.VerifyTextInput, Payload: "subject"},
			},
			{
				ActionType:   domain.ActionClick,
				Target:       domain.TargetDescriptor{Text: "Send", App: "mail"},
				Verification: domain.Expectation{Kind: domain.VerifyClickSuccess, Payload: "Send"},
			},
		},
	}
}

func testEngine(source *stubWorkflows, ch *stubChannel, rec *stubRecorder, cfg Config) *Engine {
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	if cfg.StepPause == 0 {
		cfg.StepPause = -1
	}
	return New(Deps{
		Workflows:    source,
		Performer:    ch,
		Observations: ch,
		Recorder:     rec,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:       cfg,
	})
}

func TestRunCompletesWithZeroRetries(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(threeStepWorkflow())
	ch := &stubChannel{}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{})

	run, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	final := rec.wait(t)
	if final.ID != run.ID {
		t.Fatalf("recorded a different run: %s != %s", final.ID, run.ID)
	}
	if final.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want COMPLETED", final.Status)
	}
	if len(final.Steps) != 3 {
		t.Fatalf("step outcomes = %d, want 3", len(final.Steps))
	}
	for _, step := range final.Steps {
		if step.Attempts != 1 {
			t.Fatalf("step %d attempts = %d, want 1", step.Index, step.Attempts)
		}
		if !step.Matched {
			t.Fatalf("step %d did not match", step.Index)
		}
	}
	if final.FailedStep != -1 {
		t.Fatalf("failed step = %d, want -1", final.FailedStep)
	}
	if ch.performedCount() != 3 {
		t.Fatalf("performed = %d, want 3", ch.performedCount())
	}
}

func TestPersistentMismatchFailsAfterAllAttempts(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(threeStepWorkflow())
	ch := &stubChannel{misreport: map[string]bool{"Send": true}}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{RetryCount: 3})

	if _, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	final := rec.wait(t)
	if final.Status != domain.RunFailed {
		t.Fatalf("status = %s, want FAILED", final.Status)
	}
	if final.FailedStep != 2 {
		t.Fatalf("failed step = %d, want 2", final.FailedStep)
	}
	if len(final.Steps) != 3 {
		t.Fatalf("step outcomes = %d, want 3", len(final.Steps))
	}
	if !final.Steps[0].Matched || !final.Steps[1].Matched {
		t.Fatal("earlier steps should report matched=true")
	}
	if final.Steps[2].Attempts != 4 {
		t.Fatalf("failing step attempts = %d, want 4 (1 + 3 retries)", final.Steps[2].Attempts)
	}
	if final.Steps[2].Matched {
		t.Fatal("failing step must not report matched")
	}
	// 2 clean steps + 4 attempts of the failing one, nothing after it.
	if ch.performedCount() != 6 {
		t.Fatalf("performed = %d, want 6", ch.performedCount())
	}
	if final.LastError == "" {
		t.Fatal("terminal failure should carry a last error")
	}
}

func TestRetryAttemptsReResolveTarget(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(domain.Workflow{
		Name:    "one step",
		Enabled: true,
		Steps: []domain.ActionStep{{
			ActionType:   domain.ActionClick,
			Target:       domain.TargetDescriptor{Text: "Archive", App: "mail"},
			Verification: domain.Expectation{Kind: domain.VerifyClickSuccess, Payload: "Archive"},
		}},
	})
	ch := &stubChannel{misreport: map[string]bool{"Archive": true}}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{RetryCount: 2})

	if _, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	rec.wait(t)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.performed) != 3 {
		t.Fatalf("performed = %d, want 3", len(ch.performed))
	}
	if _, ok := ch.performed[0].Parameters["reresolve"]; ok {
		t.Fatal("first attempt must not re-resolve")
	}
	for i, step := range ch.performed[1:] {
		if step.Parameters["reresolve"] != "true" {
			t.Fatalf("retry attempt %d missing re-resolution", i+2)
		}
		if step.Parameters["jitter_px"] == "" {
			t.Fatalf("retry attempt %d missing jitter", i+2)
		}
	}
}

func TestRetryCountZeroMeansSingleAttempt(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(domain.Workflow{
		Name:    "one step",
		Enabled: true,
		Steps: []domain.ActionStep{{
			ActionType:   domain.ActionClick,
			Target:       domain.TargetDescriptor{Text: "Archive", App: "mail"},
			Verification: domain.Expectation{Kind: domain.VerifyClickSuccess, Payload: "Archive"},
		}},
	})
	ch := &stubChannel{misreport: map[string]bool{"Archive": true}}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{RetryCount: 0})

	if _, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	final := rec.wait(t)
	if final.Status != domain.RunFailed {
		t.Fatalf("status = %s, want FAILED", final.Status)
	}
	if final.Steps[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want exactly 1 with retries off", final.Steps[0].Attempts)
	}
	if ch.performedCount() != 1 {
		t.Fatalf("performed = %d, want 1", ch.performedCount())
	}
}

func TestTerminalRunsEvictedAfterRetention(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(threeStepWorkflow())
	ch := &stubChannel{}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{RunRetention: -1})

	first, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto)
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	rec.wait(t)
	e.Wait()

	// Terminal runs stay readable until the next admission sweeps.
	if _, err := e.Run(first.ID); err != nil {
		t.Fatalf("finished run should still be readable: %v", err)
	}

	second, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	rec.wait(t)
	e.Wait()

	if _, err := e.Run(first.ID); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound after eviction", err)
	}
	if _, err := e.Run(second.ID); err != nil {
		t.Fatalf("latest run must survive the sweep: %v", err)
	}
}

func TestRetryEventsKeepPerAttemptVerification(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(domain.Workflow{
		Name:    "one step",
		Enabled: true,
		Steps: []domain.ActionStep{{
			ActionType:   domain.ActionClick,
			Target:       domain.TargetDescriptor{Text: "Archive", App: "mail"},
			Verification: domain.Expectation{Kind: domain.VerifyClickSuccess, Payload: "Archive"},
		}},
	})
	ch := &stubChannel{misreport: map[string]bool{"Archive": true}}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{RetryCount: 3})

	run, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	rec.wait(t)

	all, done, err := e.Events(run.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !done {
		t.Fatal("expected a finished event log")
	}

	var retrying []domain.RunEvent
	for _, ev := range all {
		if ev.Status == domain.RunRetrying {
			retrying = append(retrying, ev)
		}
	}
	if len(retrying) != 3 {
		t.Fatalf("retrying events = %d, want 3", len(retrying))
	}
	for i, ev := range retrying {
		if ev.Result == nil {
			t.Fatalf("retrying event %d carries no verification result", i)
		}
		// Each retry reports the attempt it is abandoning, not the
		// final one.
		want := fmt.Sprintf("unrelated window content %d", i+1)
		if ev.Result.Observed != want {
			t.Fatalf("retrying event %d observed = %q, want %q", i, ev.Result.Observed, want)
		}
		if i > 0 && retrying[i].Result == retrying[i-1].Result {
			t.Fatal("retrying events must not share one verification result")
		}
	}
}

func TestTriggerRejectsDisabledAndUnknown(t *testing.T) {
	source := &stubWorkflows{}
	disabled := threeStepWorkflow()
	disabled.Enabled = false
	wf := source.add(disabled)
	e := testEngine(source, &stubChannel{}, newStubRecorder(), Config{})

	if _, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto); !errors.Is(err, domain.ErrWorkflowDisabled) {
		t.Fatalf("err = %v, want ErrWorkflowDisabled", err)
	}
	if _, err := e.Trigger(context.Background(), uuid.New(), domain.PolicyAuto); !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Fatalf("err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestConcurrentTriggerSameWorkflow(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(threeStepWorkflow())
	ch := &stubChannel{block: true, release: make(chan struct{})}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{InputChannelWait: 10 * time.Millisecond})

	if _, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if _, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto); !errors.Is(err, domain.ErrRunInProgress) {
		t.Fatalf("second trigger err = %v, want ErrRunInProgress", err)
	}

	close(ch.release)
	rec.wait(t)
	e.Wait()

	// The slot frees once the first run finishes.
	if _, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto); err != nil {
		t.Fatalf("trigger after completion: %v", err)
	}
	rec.wait(t)
}

func TestInputChannelLeaseIsProcessWide(t *testing.T) {
	source := &stubWorkflows{}
	first := source.add(threeStepWorkflow())
	second := source.add(threeStepWorkflow())
	ch := &stubChannel{block: true, release: make(chan struct{})}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{InputChannelWait: 10 * time.Millisecond})

	if _, err := e.Trigger(context.Background(), first.ID, domain.PolicyAuto); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if _, err := e.Trigger(context.Background(), second.ID, domain.PolicyAuto); !errors.Is(err, domain.ErrInputChannelBusy) {
		t.Fatalf("second trigger err = %v, want ErrInputChannelBusy", err)
	}

	close(ch.release)
	rec.wait(t)
}

func TestCancelAbortsWithoutFurtherSteps(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(threeStepWorkflow())
	ch := &stubChannel{block: true, release: make(chan struct{})}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{})

	run, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := e.Cancel(run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final := rec.wait(t)
	if final.Status != domain.RunAborted {
		t.Fatalf("status = %s, want ABORTED", final.Status)
	}
	if final.LastError != "canceled by user" {
		t.Fatalf("last error = %q", final.LastError)
	}
	if ch.performedCount() != 0 {
		t.Fatalf("performed = %d after cancel mid-dispatch, want 0", ch.performedCount())
	}
}

func TestRunTimeoutAborts(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(threeStepWorkflow())
	ch := &stubChannel{block: true, release: make(chan struct{})}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{RunTimeout: 20 * time.Millisecond})

	if _, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	final := rec.wait(t)
	if final.Status != domain.RunAborted {
		t.Fatalf("status = %s, want ABORTED", final.Status)
	}
	if final.LastError != "run timeout" {
		t.Fatalf("last error = %q", final.LastError)
	}
}

func TestManualPolicyGatesFirstStep(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(threeStepWorkflow())
	ch := &stubChannel{}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{})

	run, err := e.Trigger(context.Background(), wf.ID, domain.PolicyManual)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	waitForStatus(t, e, run.ID, domain.RunWaiting)
	if ch.performedCount() != 0 {
		t.Fatal("steps ran before approval")
	}

	if err := e.Approve(run.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	final := rec.wait(t)
	if final.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want COMPLETED", final.Status)
	}
}

func TestSemiAutoGatesOnlyRiskySteps(t *testing.T) {
	source := &stubWorkflows{}
	wf := threeStepWorkflow()
	wf.Steps[2].Risky = true
	created := source.add(wf)
	ch := &stubChannel{}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{})

	run, err := e.Trigger(context.Background(), created.ID, domain.PolicySemiAuto)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	waitForStatus(t, e, run.ID, domain.RunWaiting)
	if got := ch.performedCount(); got != 2 {
		t.Fatalf("performed = %d before the risky gate, want 2", got)
	}

	if err := e.Approve(run.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	final := rec.wait(t)
	if final.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want COMPLETED", final.Status)
	}
}

func TestApproveWithoutGate(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(threeStepWorkflow())
	ch := &stubChannel{block: true, release: make(chan struct{})}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{})

	run, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := e.Approve(run.ID); !errors.Is(err, ErrNotAwaitingApproval) {
		t.Fatalf("approve err = %v, want ErrNotAwaitingApproval", err)
	}
	if err := e.Approve(uuid.New()); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("approve unknown err = %v, want ErrRunNotFound", err)
	}

	close(ch.release)
	rec.wait(t)
}

func TestEventsCursorResume(t *testing.T) {
	source := &stubWorkflows{}
	wf := source.add(threeStepWorkflow())
	ch := &stubChannel{}
	rec := newStubRecorder()
	e := testEngine(source, ch, rec, Config{})

	run, err := e.Trigger(context.Background(), wf.ID, domain.PolicyAuto)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	rec.wait(t)

	all, done, err := e.Events(run.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !done {
		t.Fatal("finished run should report a closed event log")
	}
	if len(all) == 0 {
		t.Fatal("no events recorded")
	}
	if all[0].Status != domain.RunPending {
		t.Fatalf("first event = %s, want PENDING", all[0].Status)
	}
	if last := all[len(all)-1]; last.Status != domain.RunCompleted {
		t.Fatalf("last event = %s, want COMPLETED", last.Status)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq != all[i-1].Seq+1 {
			t.Fatalf("event sequence not contiguous at %d", i)
		}
	}

	cursor := all[2].Seq
	rest, _, err := e.Events(run.ID, cursor)
	if err != nil {
		t.Fatalf("events after cursor: %v", err)
	}
	if len(rest) != len(all)-3 {
		t.Fatalf("resume returned %d events, want %d", len(rest), len(all)-3)
	}
	if rest[0].Seq != cursor+1 {
		t.Fatalf("resume starts at seq %d, want %d", rest[0].Seq, cursor+1)
	}

	if _, _, err := e.Events(uuid.New(), 0); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("events for unknown run err = %v, want ErrRunNotFound", err)
	}
}

func waitForStatus(t *testing.T, e *Engine, runID uuid.UUID, want domain.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.Run(runID)
		if err != nil {
			t.Fatalf("run lookup: %v", err)
		}
		if run.Status == want {
			return
		}
		if run.Status.Terminal() {
			t.Fatalf("run reached terminal %s while waiting for %s", run.Status, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run never reached %s", want)
}
