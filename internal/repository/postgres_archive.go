// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresArchiver is the write-behind durability tier: workflow
// snapshots are upserted by id and completed runs appended for audit.
type PostgresArchiver struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresArchiver(pool *pgxpool.Pool, logger *slog.Logger) *PostgresArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresArchiver{
		pool:   pool,
		logger: logger,
	}
}

func (a *PostgresArchiver) SaveWorkflow(ctx context.Context, w domain.Workflow) error {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO workflows (
			id, name, description, steps, confidence, cohesion,
			occurrence_count, success_count, failure_count,
			last_used, enabled, version, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4::jsonb,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			steps = EXCLUDED.steps,
			confidence = EXCLUDED.confidence,
			cohesion = EXCLUDED.cohesion,
			occurrence_count = EXCLUDED.occurrence_count,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			last_used = EXCLUDED.last_used,
			enabled = EXCLUDED.enabled,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`,
		w.ID, w.Name, w.Description, steps, w.Confidence, w.Cohesion,
		w.OccurrenceCount, w.SuccessCount, w.FailureCount,
		nullableTime(w.LastUsed), w.Enabled, w.Version, w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (a *PostgresArchiver) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM execution_runs WHERE workflow_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM workflows WHERE id=$1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (a *PostgresArchiver) SaveRun(ctx context.Context, run domain.ExecutionRun) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("marshal step outcomes: %w", err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO execution_runs (
			id, workflow_id, policy, status, steps,
			failed_step, last_error, started_at, finished_at
		)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`,
		run.ID, run.WorkflowID, string(run.Policy), string(run.Status), steps,
		run.FailedStep, run.LastError, run.StartedAt, nullableTime(run.FinishedAt),
	)
	return err
}

func (a *PostgresArchiver) LoadWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, name, description, steps, confidence, cohesion,
		       occurrence_count, success_count, failure_count,
		       last_used, enabled, version, created_at, updated_at
		FROM workflows
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Workflow
	for rows.Next() {
		var (
			w        domain.Workflow
			steps    []byte
			lastUsed *time.Time
		)
		if err := rows.Scan(
			&w.ID, &w.Name, &w.Description, &steps, &w.Confidence, &w.Cohesion,
			&w.OccurrenceCount, &w.SuccessCount, &w.FailureCount,
			&lastUsed, &w.Enabled, &w.Version, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(steps, &w.Steps); err != nil {
			a.logger.Error("skipping workflow with corrupt steps",
				"workflow_id", w.ID,
				"error", err,
			)
			continue
		}
		if lastUsed != nil {
			w.LastUsed = *lastUsed
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
