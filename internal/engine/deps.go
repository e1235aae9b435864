// SPDX-License-Identifier: Apache-2.0

// Package engine replays learned workflows through the input-action
// channel, verifying every step against fresh observations and
// retrying with backoff before giving up.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/google/uuid"
)

// ErrNotAwaitingApproval is returned when an approval arrives for a
// run that has no open gate.
var ErrNotAwaitingApproval = errors.New("run is not awaiting approval")

// ActionPerformer dispatches one step to the live desktop. It is the
// only side-effecting call the engine ever makes.
type ActionPerformer interface {
	Perform(ctx context.Context, step domain.ActionStep) error
}

// ObservationSource supplies a fresh observation snapshot for step
// verification.
type ObservationSource interface {
	LatestObservation(ctx context.Context) (domain.Observation, error)
}

// WorkflowSource is the slice of the repository the engine reads.
type WorkflowSource interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Workflow, error)
}

// OutcomeRecorder receives every terminal run. The feedback loop
// implements it.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, run domain.ExecutionRun)
}

type Config struct {
	VerifyThreshold float64
	// RetryCount is the number of retries after the first attempt.
	// Zero means a single attempt; negative selects the default.
	RetryCount       int
	RetryBaseDelay   time.Duration
	StepPause        time.Duration
	RunTimeout       time.Duration
	InputChannelWait time.Duration
	// RunRetention is how long a terminal run stays readable in the
	// live registry before admission evicts it. Durable history is the
	// repository's job. Negative means evict immediately.
	RunRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.VerifyThreshold <= 0 {
		c.VerifyThreshold = 0.85
	}
	if c.RetryCount < 0 {
		c.RetryCount = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.StepPause < 0 {
		c.StepPause = 0
	} else if c.StepPause == 0 {
		c.StepPause = 500 * time.Millisecond
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 5 * time.Minute
	}
	if c.InputChannelWait <= 0 {
		c.InputChannelWait = 2 * time.Second
	}
	if c.RunRetention < 0 {
		c.RunRetention = 0
	} else if c.RunRetention == 0 {
		c.RunRetention = time.Hour
	}
	return c
}

type Deps struct {
	Workflows    WorkflowSource
	Performer    ActionPerformer
	Observations ObservationSource
	Recorder     OutcomeRecorder
	Logger       *slog.Logger
	Config       Config
}
