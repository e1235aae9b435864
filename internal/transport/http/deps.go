// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/google/uuid"
)

// WorkflowStore is the repository surface the router exposes.
type WorkflowStore interface {
	Create(ctx context.Context, wf domain.Workflow) (domain.Workflow, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Workflow, error)
	List(ctx context.Context) ([]domain.Workflow, error)
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) (domain.Workflow, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Runs(ctx context.Context, workflowID uuid.UUID) ([]domain.ExecutionRun, error)
	FindRun(ctx context.Context, runID uuid.UUID) (domain.ExecutionRun, error)
}

// RunController is the execution engine surface the router exposes.
type RunController interface {
	Trigger(ctx context.Context, workflowID uuid.UUID, policy domain.RunPolicy) (domain.ExecutionRun, error)
	Run(runID uuid.UUID) (domain.ExecutionRun, error)
	Cancel(runID uuid.UUID) error
	Approve(runID uuid.UUID) error
	Events(runID uuid.UUID, sinceSeq int64) ([]domain.RunEvent, bool, error)
	EventsChanged(runID uuid.UUID) (<-chan struct{}, error)
}

// ConfidenceGate decides whether an imported confidence is good enough
// to enable the workflow.
type ConfidenceGate interface {
	ShouldDisable(confidence float64) bool
}

// ObservationSink receives capture-layer observations for the intake
// buffer.
type ObservationSink interface {
	Push(obs domain.Observation)
}
