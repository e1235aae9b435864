// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/google/uuid"
)

// Archiver is the optional durability tier behind the in-memory
// authority. Failures there are logged, never surfaced to callers:
// the learning and execution paths must not stall on storage.
type Archiver interface {
	SaveWorkflow(ctx context.Context, w domain.Workflow) error
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error
	SaveRun(ctx context.Context, run domain.ExecutionRun) error
	LoadWorkflows(ctx context.Context) ([]domain.Workflow, error)
}

type record struct {
	mu   sync.Mutex
	wf   domain.Workflow
	runs []domain.ExecutionRun
}

// WorkflowRepository is the canonical owner of workflow records.
// Mutual exclusion is per id; readers get copy-on-read snapshots and
// never observe partial step-list edits. Updates are whole-record
// replace-and-version: a stale version yields ErrConflict.
type WorkflowRepository struct {
	mu       sync.RWMutex
	records  map[uuid.UUID]*record
	logger   *slog.Logger
	archiver Archiver
}

func NewWorkflowRepository(logger *slog.Logger, archiver Archiver) *WorkflowRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowRepository{
		records:  make(map[uuid.UUID]*record, 16),
		logger:   logger,
		archiver: archiver,
	}
}

// Hydrate loads archived workflows into memory. Called once at
// startup, before any writer exists.
func (r *WorkflowRepository) Hydrate(ctx context.Context) error {
	if r.archiver == nil {
		return nil
	}
	workflows, err := r.archiver.LoadWorkflows(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, wf := range workflows {
		r.records[wf.ID] = &record{wf: wf.Clone()}
	}
	r.mu.Unlock()

	r.logger.Info("repository hydrated", "workflows", len(workflows))
	return nil
}

// Create inserts a new workflow. ID and version are assigned here.
func (r *WorkflowRepository) Create(ctx context.Context, wf domain.Workflow) (domain.Workflow, error) {
	if len(wf.Steps) == 0 {
		return domain.Workflow{}, domain.ErrInvalidWorkflow
	}
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	now := time.Now()
	wf.Version = 1
	wf.CreatedAt = now
	wf.UpdatedAt = now

	r.mu.Lock()
	if _, exists := r.records[wf.ID]; exists {
		r.mu.Unlock()
		return domain.Workflow{}, domain.ErrConflict
	}
	r.records[wf.ID] = &record{wf: wf.Clone()}
	r.mu.Unlock()

	r.logger.Info("workflow created",
		"workflow_id", wf.ID,
		"name", wf.Name,
		"steps", len(wf.Steps),
	)
	r.archiveWorkflow(ctx, wf)
	return wf, nil
}

// Get returns a snapshot of one workflow.
func (r *WorkflowRepository) Get(ctx context.Context, id uuid.UUID) (domain.Workflow, error) {
	rec, err := r.record(id)
	if err != nil {
		return domain.Workflow{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.wf.Clone(), nil
}

// List returns snapshots of all workflows, newest first.
func (r *WorkflowRepository) List(ctx context.Context) ([]domain.Workflow, error) {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]domain.Workflow, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.wf.Clone())
		rec.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Update replaces the whole record if the caller's version matches.
// On ErrConflict the caller must re-read and retry.
func (r *WorkflowRepository) Update(ctx context.Context, wf domain.Workflow) (domain.Workflow, error) {
	if len(wf.Steps) == 0 {
		return domain.Workflow{}, domain.ErrInvalidWorkflow
	}
	rec, err := r.record(wf.ID)
	if err != nil {
		return domain.Workflow{}, err
	}

	rec.mu.Lock()
	if rec.wf.Version != wf.Version {
		current := rec.wf.Version
		rec.mu.Unlock()
		r.logger.Warn("workflow update conflict",
			"workflow_id", wf.ID,
			"caller_version", wf.Version,
			"current_version", current,
		)
		return domain.Workflow{}, domain.ErrConflict
	}

	wf.Version++
	wf.UpdatedAt = time.Now()
	wf.CreatedAt = rec.wf.CreatedAt
	rec.wf = wf.Clone()
	snapshot := rec.wf.Clone()
	rec.mu.Unlock()

	r.archiveWorkflow(ctx, snapshot)
	return snapshot, nil
}

// SetEnabled flips the enabled flag without requiring the caller to
// carry a version; the record still advances its version atomically.
func (r *WorkflowRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) (domain.Workflow, error) {
	rec, err := r.record(id)
	if err != nil {
		return domain.Workflow{}, err
	}

	rec.mu.Lock()
	rec.wf.Enabled = enabled
	rec.wf.Version++
	rec.wf.UpdatedAt = time.Now()
	snapshot := rec.wf.Clone()
	rec.mu.Unlock()

	r.logger.Info("workflow enabled flag set",
		"workflow_id", id,
		"enabled", enabled,
	)
	r.archiveWorkflow(ctx, snapshot)
	return snapshot, nil
}

// Delete removes a workflow and its run history.
func (r *WorkflowRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	_, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()

	if !ok {
		return domain.ErrWorkflowNotFound
	}

	r.logger.Info("workflow deleted", "workflow_id", id)
	if r.archiver != nil {
		if err := r.archiver.DeleteWorkflow(ctx, id); err != nil {
			r.logger.Error("workflow archive delete failed", "workflow_id", id, "error", err)
		}
	}
	return nil
}

// AppendRun attaches a completed run to its workflow's history.
func (r *WorkflowRepository) AppendRun(ctx context.Context, run domain.ExecutionRun) error {
	rec, err := r.record(run.WorkflowID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	rec.runs = append(rec.runs, run)
	rec.mu.Unlock()

	if r.archiver != nil {
		if err := r.archiver.SaveRun(ctx, run); err != nil {
			r.logger.Error("run archive failed",
				"run_id", run.ID,
				"workflow_id", run.WorkflowID,
				"error", err,
			)
		}
	}
	return nil
}

// Runs returns the recorded history for one workflow, oldest first.
func (r *WorkflowRepository) Runs(ctx context.Context, workflowID uuid.UUID) ([]domain.ExecutionRun, error) {
	rec, err := r.record(workflowID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]domain.ExecutionRun, len(rec.runs))
	copy(out, rec.runs)
	return out, nil
}

// FindRun looks a completed run up by id across all workflows.
func (r *WorkflowRepository) FindRun(ctx context.Context, runID uuid.UUID) (domain.ExecutionRun, error) {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
		for _, run := range rec.runs {
			if run.ID == runID {
				rec.mu.Unlock()
				return run, nil
			}
		}
		rec.mu.Unlock()
	}
	return domain.ExecutionRun{}, domain.ErrRunNotFound
}

func (r *WorkflowRepository) record(id uuid.UUID) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	return rec, nil
}

// archiveWorkflow mirrors a snapshot into the durability tier,
// outside any record lock.
func (r *WorkflowRepository) archiveWorkflow(ctx context.Context, wf domain.Workflow) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.SaveWorkflow(ctx, wf); err != nil {
		r.logger.Error("workflow archive failed",
			"workflow_id", wf.ID,
			"error", err,
		)
	}
}
