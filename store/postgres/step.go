package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
)

const stepColumns = `id, execution_id, step_id, sequence, action_type, status, progress,
	version, retry_count, awaiting_event, external_workflow_id, handler_type, timeout_at,
	params, outputs, error_message, eta_ns, started_at, completed_at, created_at, updated_at`

// CreateSteps persists an execution's step records in one batch.
func (s *Store) CreateSteps(ctx context.Context, steps []*execution.Step) error {
	if len(steps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, step := range steps {
		params, err := json.Marshal(step.Params)
		if err != nil {
			return fmt.Errorf("conduct/postgres: encode step params: %w", err)
		}
		outputs, err := json.Marshal(step.Outputs)
		if err != nil {
			return fmt.Errorf("conduct/postgres: encode step outputs: %w", err)
		}

		version := step.Version
		if version == 0 {
			version = 1
		}

		batch.Queue(`
			INSERT INTO conduct_steps
				(id, execution_id, step_id, sequence, action_type, status, progress,
				 version, retry_count, awaiting_event, external_workflow_id,
				 handler_type, timeout_at, params, outputs, error_message, eta_ns,
				 started_at, completed_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW(), NOW())`,
			step.ID, step.ExecutionID, step.StepID, step.Sequence, step.ActionType,
			string(step.Status), step.Progress, version, step.RetryCount,
			step.AwaitingEvent, emptyToNil(step.ExternalWorkflowID),
			emptyToNil(step.HandlerType), step.TimeoutAt, params, outputs,
			emptyToNil(step.ErrorMessage), durationToNanos(step.ETA),
			step.StartedAt, step.CompletedAt,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range steps {
		if _, err := results.Exec(); err != nil {
			if isDuplicateKey(err) {
				return conduct.ErrExecutionExists
			}
			return fmt.Errorf("conduct/postgres: create steps: %w", err)
		}
	}
	return nil
}

// GetStep retrieves a step record by ID.
func (s *Store) GetStep(ctx context.Context, stepID id.StepID) (*execution.Step, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM conduct_steps WHERE id = $1`, stepID)
	step, err := scanStep(row)
	if isNoRows(err) {
		return nil, conduct.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: get step: %w", err)
	}
	return step, nil
}

// UpdateStep applies a version-checked update.
func (s *Store) UpdateStep(ctx context.Context, step *execution.Step, expectedVersion int64) (*execution.Step, error) {
	params, err := json.Marshal(step.Params)
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: encode step params: %w", err)
	}
	outputs, err := json.Marshal(step.Outputs)
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: encode step outputs: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE conduct_steps SET
			status = $2,
			progress = $3,
			retry_count = $4,
			awaiting_event = $5,
			external_workflow_id = $6,
			handler_type = $7,
			timeout_at = $8,
			params = $9,
			outputs = $10,
			error_message = $11,
			eta_ns = $12,
			started_at = $13,
			completed_at = $14,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $15
		RETURNING `+stepColumns,
		step.ID, string(step.Status), step.Progress, step.RetryCount,
		step.AwaitingEvent, emptyToNil(step.ExternalWorkflowID),
		emptyToNil(step.HandlerType), step.TimeoutAt, params, outputs,
		emptyToNil(step.ErrorMessage), durationToNanos(step.ETA),
		step.StartedAt, step.CompletedAt, expectedVersion,
	)
	updated, err := scanStep(row)
	if isNoRows(err) {
		return nil, s.stepConflict(ctx, step.ID, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: update step: %w", err)
	}
	return updated, nil
}

// ListSteps returns an execution's steps ordered by sequence.
func (s *Store) ListSteps(ctx context.Context, execID id.ExecutionID) ([]*execution.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM conduct_steps WHERE execution_id = $1 ORDER BY sequence, step_id`,
		execID)
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: list steps: %w", err)
	}
	defer rows.Close()

	var steps []*execution.Step
	for rows.Next() {
		step, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conduct/postgres: scan step: %w", scanErr)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// FindAwaitingStep returns the running step awaiting the given correlation id.
func (s *Store) FindAwaitingStep(ctx context.Context, externalWorkflowID string) (*execution.Step, error) {
	if externalWorkflowID == "" {
		return nil, conduct.ErrStepNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+stepColumns+` FROM conduct_steps
		WHERE awaiting_event = TRUE AND status = 'running' AND external_workflow_id = $1
		LIMIT 1`,
		externalWorkflowID)
	step, err := scanStep(row)
	if isNoRows(err) {
		return nil, conduct.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: find awaiting step: %w", err)
	}
	return step, nil
}

// ListTimedOutSteps returns awaiting steps whose deadline is strictly
// before now.
func (s *Store) ListTimedOutSteps(ctx context.Context, now time.Time) ([]*execution.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM conduct_steps
		WHERE awaiting_event = TRUE AND status = 'running' AND timeout_at < $1
		ORDER BY timeout_at`,
		now)
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: list timed-out steps: %w", err)
	}
	defer rows.Close()

	var steps []*execution.Step
	for rows.Next() {
		step, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conduct/postgres: scan step: %w", scanErr)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// stepConflict disambiguates a zero-row conditional update.
func (s *Store) stepConflict(ctx context.Context, stepID id.StepID, expected int64) error {
	var current int64
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM conduct_steps WHERE id = $1`, stepID).Scan(&current)
	if isNoRows(err) {
		return conduct.ErrStepNotFound
	}
	if err != nil {
		return fmt.Errorf("conduct/postgres: read step version: %w", err)
	}
	return execution.NewConflict("step", stepID, expected, current)
}

func scanStep(row pgx.Row) (*execution.Step, error) {
	var (
		step     execution.Step
		extID    *string
		handler  *string
		params   []byte
		outputs  []byte
		errMsg   *string
		etaNanos *int64
	)
	err := row.Scan(
		&step.ID, &step.ExecutionID, &step.StepID, &step.Sequence, &step.ActionType,
		&step.Status, &step.Progress, &step.Version, &step.RetryCount,
		&step.AwaitingEvent, &extID, &handler, &step.TimeoutAt, &params, &outputs,
		&errMsg, &etaNanos, &step.StartedAt, &step.CompletedAt,
		&step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &step.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &step.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	step.ExternalWorkflowID = nilToEmpty(extID)
	step.HandlerType = nilToEmpty(handler)
	step.ErrorMessage = nilToEmpty(errMsg)
	step.ETA = nanosToDuration(etaNanos)
	step.CreatedAt = step.CreatedAt.UTC()
	step.UpdatedAt = step.UpdatedAt.UTC()
	return &step, nil
}
