package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunPreparing RunStatus = "PREPARING"
	RunRunning   RunStatus = "RUNNING"
	RunVerifying RunStatus = "VERIFYING"
	RunRetrying  RunStatus = "RETRYING"
	RunWaiting   RunStatus = "WAITING_APPROVAL"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunAborted   RunStatus = "ABORTED"
)

// Terminal reports whether no further transitions can happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted:
		return true
	}
	return false
}

type RunPolicy string

const (
	// PolicyManual gates the run before the first step.
	PolicyManual RunPolicy = "manual"
	// PolicySemiAuto gates before every step flagged risky.
	PolicySemiAuto RunPolicy = "semiauto"
	// PolicyAuto never blocks.
	PolicyAuto RunPolicy = "auto"
)

func KnownRunPolicy(p RunPolicy) bool {
	switch p {
	case PolicyManual, PolicySemiAuto, PolicyAuto:
		return true
	}
	return false
}

// VerificationResult is produced after each step attempt.
type VerificationResult struct {
	Matched    bool    `json:"matched"`
	Observed   string  `json:"observed_payload"`
	Expected   string  `json:"expected_payload"`
	Similarity float64 `json:"similarity_score"`
}

// StepOutcome records one step of an ExecutionRun, including how many
// attempts it took and the last verification seen.
type StepOutcome struct {
	Index        int                `json:"index"`
	Attempts     int                `json:"attempts"`
	Matched      bool               `json:"matched"`
	Verification VerificationResult `json:"verification"`
	StartedAt    time.Time          `json:"started_at,omitzero"`
	FinishedAt   time.Time          `json:"finished_at,omitzero"`
	Err          string             `json:"error,omitempty"`
}

// ExecutionRun is one attempted replay of a Workflow. Immutable after
// it reaches a terminal status; appended to the Workflow's history.
type ExecutionRun struct {
	ID         uuid.UUID     `json:"id"`
	WorkflowID uuid.UUID     `json:"workflow_id"`
	Policy     RunPolicy     `json:"policy"`
	Status     RunStatus     `json:"status"`
	Steps      []StepOutcome `json:"steps"`
	FailedStep int           `json:"failed_step"` // -1 unless Status is FAILED
	LastError  string        `json:"last_error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

// RunEvent is one state transition of a run, streamed to subscribers.
type RunEvent struct {
	Seq       int64               `json:"seq"`
	RunID     uuid.UUID           `json:"run_id"`
	Status    RunStatus           `json:"status"`
	StepIndex int                 `json:"step_index"`
	Attempt   int                 `json:"attempt,omitempty"`
	Detail    string              `json:"detail,omitempty"`
	Result    *VerificationResult `json:"result,omitempty"`
	At        time.Time           `json:"at"`
}
