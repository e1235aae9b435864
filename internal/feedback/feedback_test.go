// SPDX-License-Identifier: Apache-2.0

package feedback

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/adiadia/deskflow/internal/score"
	"github.com/google/uuid"
)

type fakeStore struct {
	workflows map[uuid.UUID]domain.Workflow
	runs      []domain.ExecutionRun
	conflicts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{workflows: make(map[uuid.UUID]domain.Workflow)}
}

func (s *fakeStore) add(wf domain.Workflow) domain.Workflow {
	wf.ID = uuid.New()
	wf.Version = 1
	s.workflows[wf.ID] = wf
	return wf
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (domain.Workflow, error) {
	wf, ok := s.workflows[id]
	if !ok {
		return domain.Workflow{}, domain.ErrWorkflowNotFound
	}
	return wf, nil
}

func (s *fakeStore) Update(_ context.Context, wf domain.Workflow) (domain.Workflow, error) {
	if s.conflicts > 0 {
		s.conflicts--
		return domain.Workflow{}, domain.ErrConflict
	}
	if _, ok := s.workflows[wf.ID]; !ok {
		return domain.Workflow{}, domain.ErrWorkflowNotFound
	}
	wf.Version++
	s.workflows[wf.ID] = wf
	return wf, nil
}

func (s *fakeStore) AppendRun(_ context.Context, run domain.ExecutionRun) error {
	s.runs = append(s.runs, run)
	return nil
}

func testLoop(store *fakeStore) *Loop {
	return NewLoop(store, score.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func healthyWorkflow() domain.Workflow {
	return domain.Workflow{
		Name:            "compose mail",
		Steps:           []domain.ActionStep{{ActionType: domain.ActionClick}},
		Cohesion:        0.9,
		OccurrenceCount: 5,
		Enabled:         true,
		CreatedAt:       time.Now().Add(-time.Hour),
	}
}

func terminalRun(workflowID uuid.UUID, status domain.RunStatus) domain.ExecutionRun {
	return domain.ExecutionRun{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Policy:     domain.PolicyAuto,
		Status:     status,
		FailedStep: -1,
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
	}
}

func TestCompletedRunIncrementsSuccess(t *testing.T) {
	store := newFakeStore()
	wf := store.add(healthyWorkflow())
	loop := testLoop(store)

	loop.RecordOutcome(context.Background(), terminalRun(wf.ID, domain.RunCompleted))

	got := store.workflows[wf.ID]
	if got.SuccessCount != 1 || got.FailureCount != 0 {
		t.Fatalf("counts = %d/%d, want 1/0", got.SuccessCount, got.FailureCount)
	}
	if got.LastUsed.IsZero() {
		t.Fatal("last used not stamped")
	}
	if got.Confidence <= wf.Confidence {
		t.Fatalf("confidence = %v, want raised above %v", got.Confidence, wf.Confidence)
	}
	if len(store.runs) != 1 {
		t.Fatalf("run history = %d, want 1", len(store.runs))
	}
}

func TestFailedAndAbortedRunsIncrementFailure(t *testing.T) {
	store := newFakeStore()
	wf := store.add(healthyWorkflow())
	loop := testLoop(store)

	loop.RecordOutcome(context.Background(), terminalRun(wf.ID, domain.RunFailed))
	loop.RecordOutcome(context.Background(), terminalRun(wf.ID, domain.RunAborted))

	got := store.workflows[wf.ID]
	if got.SuccessCount != 0 || got.FailureCount != 2 {
		t.Fatalf("counts = %d/%d, want 0/2", got.SuccessCount, got.FailureCount)
	}
	if len(store.runs) != 2 {
		t.Fatalf("run history = %d, want 2", len(store.runs))
	}
}

func TestConflictRetriesThenSucceeds(t *testing.T) {
	store := newFakeStore()
	wf := store.add(healthyWorkflow())
	store.conflicts = 2
	loop := testLoop(store)

	loop.RecordOutcome(context.Background(), terminalRun(wf.ID, domain.RunCompleted))

	got := store.workflows[wf.ID]
	if got.SuccessCount != 1 {
		t.Fatalf("success count = %d after conflict retries, want 1", got.SuccessCount)
	}
}

func TestRepeatedFailuresAutoDisable(t *testing.T) {
	store := newFakeStore()
	wf := store.add(domain.Workflow{
		Name:            "fragile routine",
		Steps:           []domain.ActionStep{{ActionType: domain.ActionClick}},
		Cohesion:        0.2,
		OccurrenceCount: 3,
		Enabled:         true,
		CreatedAt:       time.Now().Add(-time.Hour),
	})
	loop := testLoop(store)

	for i := 0; i < 6; i++ {
		loop.RecordOutcome(context.Background(), terminalRun(wf.ID, domain.RunFailed))
	}

	got := store.workflows[wf.ID]
	if got.Enabled {
		t.Fatalf("workflow still enabled at confidence %v after %d failures", got.Confidence, got.FailureCount)
	}
}

func TestOutcomeForDeletedWorkflowStillRecordsHistory(t *testing.T) {
	store := newFakeStore()
	loop := testLoop(store)

	loop.RecordOutcome(context.Background(), terminalRun(uuid.New(), domain.RunCompleted))

	if len(store.runs) != 1 {
		t.Fatalf("run history = %d, want 1", len(store.runs))
	}
}
