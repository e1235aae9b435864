// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/google/uuid"
)

func sampleWorkflow(name string) domain.Workflow {
	return domain.Workflow{
		Name:    name,
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
		},
	}
}

func TestCreateAssignsIdentityAndVersion(t *testing.T) {
	repo := NewWorkflowRepository(nil, nil)

	created, err := repo.Create(context.Background(), sampleWorkflow("mail-compose"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID == uuid.Nil {
		t.Fatal("expected assigned id")
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}
}

func TestCreateRejectsEmptySteps(t *testing.T) {
	repo := NewWorkflowRepository(nil, nil)

	_, err := repo.Create(context.Background(), domain.Workflow{Name: "empty"})
	if !errors.Is(err, domain.ErrInvalidWorkflow) {
		t.Fatalf("expected ErrInvalidWorkflow, got %v", err)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	repo := NewWorkflowRepository(nil, nil)
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleWorkflow("mail-compose"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	snap, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	// Mutating the snapshot must not leak into the stored record.
	snap.Steps[0].Target.Text = "tampered"
	again, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if again.Steps[0].Target.Text != "Compose" {
		t.Fatal("snapshot mutation leaked into the repository")
	}
}

func TestUpdateStaleVersionConflicts(t *testing.T) {
	repo := NewWorkflowRepository(nil, nil)
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleWorkflow("mail-compose"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first := created
	first.OccurrenceCount = 4
	if _, err := repo.Update(ctx, first); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	stale := created
	stale.OccurrenceCount = 9
	if _, err := repo.Update(ctx, stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale writer, got %v", err)
	}

	// The first writer's value survived.
	got, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.OccurrenceCount != 4 {
		t.Fatalf("expected occurrence_count=4, got %d", got.OccurrenceCount)
	}
}

func TestConcurrentStaleUpdatesLoseExactlyOnce(t *testing.T) {
	repo := NewWorkflowRepository(nil, nil)
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleWorkflow("mail-compose"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wf := created
			wf.OccurrenceCount = i + 1
			_, results[i] = repo.Update(ctx, wf)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning writer, got %d", wins)
	}
}

func TestSetEnabledAdvancesVersion(t *testing.T) {
	repo := NewWorkflowRepository(nil, nil)
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleWorkflow("mail-compose"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := repo.SetEnabled(ctx, created.ID, false)
	if err != nil {
		t.Fatalf("set enabled failed: %v", err)
	}
	if updated.Enabled {
		t.Fatal("expected disabled workflow")
	}
	if updated.Version != created.Version+1 {
		t.Fatalf("expected version bump, got %d", updated.Version)
	}

	// A writer still holding the pre-toggle version now conflicts.
	stale := created
	if _, err := repo.Update(ctx, stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict after toggle, got %v", err)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	repo := NewWorkflowRepository(nil, nil)
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleWorkflow("mail-compose"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := repo.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, created.ID); !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
	if err := repo.Delete(ctx, created.ID); !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound on double delete, got %v", err)
	}
}

func TestRunHistoryAppendAndFind(t *testing.T) {
	repo := NewWorkflowRepository(nil, nil)
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleWorkflow("mail-compose"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	run := domain.ExecutionRun{
		ID:         uuid.New(),
		WorkflowID: created.ID,
		Status:     domain.RunCompleted,
		FailedStep: -1,
	}
	if err := repo.AppendRun(ctx, run); err != nil {
		t.Fatalf("append run failed: %v", err)
	}

	runs, err := repo.Runs(ctx, created.ID)
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("unexpected history: %+v", runs)
	}

	found, err := repo.FindRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("find run failed: %v", err)
	}
	if found.Status != domain.RunCompleted {
		t.Fatalf("unexpected run status %s", found.Status)
	}

	if _, err := repo.FindRun(ctx, uuid.New()); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
