package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
)

const executionColumns = `id, definition_id, name, status, progress, version, params,
	final_outputs, error_info, initiator, eta_ns, subscriber_ids, payload_type,
	workflow_id_override, started_at, completed_at, created_at, updated_at`

// CreateExecution persists a new execution with version 1.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	params, err := json.Marshal(exec.Params)
	if err != nil {
		return fmt.Errorf("conduct/postgres: encode execution params: %w", err)
	}
	outputs, err := json.Marshal(exec.FinalOutputs)
	if err != nil {
		return fmt.Errorf("conduct/postgres: encode final outputs: %w", err)
	}

	version := exec.Version
	if version == 0 {
		version = 1
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conduct_executions
			(id, definition_id, name, status, progress, version, params,
			 final_outputs, error_info, initiator, eta_ns, subscriber_ids,
			 payload_type, workflow_id_override, started_at, completed_at,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())`,
		exec.ID, exec.DefinitionID, exec.Name, string(exec.Status), exec.Progress,
		version, params, outputs, emptyToNil(exec.ErrorInfo), emptyToNil(exec.Initiator),
		durationToNanos(exec.ETA), exec.SubscriberIDs, emptyToNil(exec.PayloadType),
		emptyToNil(exec.WorkflowIDOverride), exec.StartedAt, exec.CompletedAt,
	)
	if isDuplicateKey(err) {
		return conduct.ErrExecutionExists
	}
	if err != nil {
		return fmt.Errorf("conduct/postgres: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM conduct_executions WHERE id = $1`, execID)
	exec, err := scanExecution(row)
	if isNoRows(err) {
		return nil, conduct.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: get execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution applies a version-checked update.
func (s *Store) UpdateExecution(ctx context.Context, exec *execution.Execution, expectedVersion int64) (*execution.Execution, error) {
	params, err := json.Marshal(exec.Params)
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: encode execution params: %w", err)
	}
	outputs, err := json.Marshal(exec.FinalOutputs)
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: encode final outputs: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE conduct_executions SET
			status = $2,
			progress = $3,
			params = $4,
			final_outputs = $5,
			error_info = $6,
			eta_ns = $7,
			subscriber_ids = $8,
			payload_type = $9,
			workflow_id_override = $10,
			completed_at = $11,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $12
		RETURNING `+executionColumns,
		exec.ID, string(exec.Status), exec.Progress, params, outputs,
		emptyToNil(exec.ErrorInfo), durationToNanos(exec.ETA), exec.SubscriberIDs,
		emptyToNil(exec.PayloadType), emptyToNil(exec.WorkflowIDOverride),
		exec.CompletedAt, expectedVersion,
	)
	updated, err := scanExecution(row)
	if isNoRows(err) {
		return nil, s.executionConflict(ctx, exec.ID, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: update execution: %w", err)
	}
	return updated, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM conduct_executions`
	var args []any

	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += " WHERE status = $1"
	}
	query += " ORDER BY started_at DESC, id"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: list executions: %w", err)
	}
	defer rows.Close()

	var execs []*execution.Execution
	for rows.Next() {
		exec, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conduct/postgres: scan execution: %w", scanErr)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// executionConflict disambiguates a zero-row conditional update.
func (s *Store) executionConflict(ctx context.Context, execID id.ExecutionID, expected int64) error {
	var current int64
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM conduct_executions WHERE id = $1`, execID).Scan(&current)
	if isNoRows(err) {
		return conduct.ErrExecutionNotFound
	}
	if err != nil {
		return fmt.Errorf("conduct/postgres: read execution version: %w", err)
	}
	return execution.NewConflict("execution", execID, expected, current)
}

func scanExecution(row pgx.Row) (*execution.Execution, error) {
	var (
		exec       execution.Execution
		params     []byte
		outputs    []byte
		errorInfo  *string
		initiator  *string
		etaNanos   *int64
		payload    *string
		wfOverride *string
	)
	err := row.Scan(
		&exec.ID, &exec.DefinitionID, &exec.Name, &exec.Status, &exec.Progress,
		&exec.Version, &params, &outputs, &errorInfo, &initiator, &etaNanos,
		&exec.SubscriberIDs, &payload, &wfOverride, &exec.StartedAt,
		&exec.CompletedAt, &exec.CreatedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &exec.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &exec.FinalOutputs); err != nil {
			return nil, fmt.Errorf("decode final outputs: %w", err)
		}
	}
	exec.ErrorInfo = nilToEmpty(errorInfo)
	exec.Initiator = nilToEmpty(initiator)
	exec.ETA = nanosToDuration(etaNanos)
	exec.PayloadType = nilToEmpty(payload)
	exec.WorkflowIDOverride = nilToEmpty(wfOverride)
	exec.StartedAt = exec.StartedAt.UTC()
	exec.CreatedAt = exec.CreatedAt.UTC()
	exec.UpdatedAt = exec.UpdatedAt.UTC()
	return &exec, nil
}
