package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
	"github.com/xraph/conduct/pipeline"
)

const definitionColumns = `id, name, version, steps, owner_id, visibility, status, created_at, updated_at`

// CreateDefinition persists a new definition with version 1.
func (s *Store) CreateDefinition(ctx context.Context, def *pipeline.Definition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("conduct/postgres: encode definition steps: %w", err)
	}

	version := def.Version
	if version == 0 {
		version = 1
	}
	status := def.Status
	if status == "" {
		status = pipeline.StatusActive
	}
	visibility := def.Visibility
	if visibility == "" {
		visibility = pipeline.VisibilityPrivate
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conduct_definitions
			(id, name, version, steps, owner_id, visibility, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		def.ID, def.Name, version, steps, emptyToNil(def.OwnerID), string(visibility), string(status),
	)
	if isDuplicateKey(err) {
		return conduct.ErrDefinitionExists
	}
	if err != nil {
		return fmt.Errorf("conduct/postgres: create definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a definition by ID.
func (s *Store) GetDefinition(ctx context.Context, defID id.DefinitionID) (*pipeline.Definition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM conduct_definitions WHERE id = $1`, defID)
	def, err := scanDefinition(row)
	if isNoRows(err) {
		return nil, conduct.ErrDefinitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: get definition: %w", err)
	}
	return def, nil
}

// UpdateDefinition applies a version-checked update. The conditional
// UPDATE is the optimistic lock: zero rows affected means either a stale
// version or a missing row, disambiguated by a follow-up read.
func (s *Store) UpdateDefinition(ctx context.Context, def *pipeline.Definition, expectedVersion int64) (*pipeline.Definition, error) {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: encode definition steps: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE conduct_definitions SET
			name = $2,
			steps = $3,
			owner_id = $4,
			visibility = $5,
			status = $6,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $7
		RETURNING `+definitionColumns,
		def.ID, def.Name, steps, emptyToNil(def.OwnerID),
		string(def.Visibility), string(def.Status), expectedVersion,
	)
	updated, err := scanDefinition(row)
	if isNoRows(err) {
		return nil, s.definitionConflict(ctx, def.ID, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("conduct/postgres: update definition: %w", err)
	}
	return updated, nil
}

// DeleteDefinition soft-deletes under the version guard.
func (s *Store) DeleteDefinition(ctx context.Context, defID id.DefinitionID, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conduct_definitions SET
			status = $2,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $3`,
		defID, string(pipeline.StatusDeleted), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("conduct/postgres: delete definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.definitionConflict(ctx, defID, expectedVersion)
	}
	return nil
}

// ListDefinitions returns definitions matching the filter, newest first.
func (s *Store) ListDefinitions(ctx context.Context, opts pipeline.ListOpts) ([]*pipeline.Definition, error) {
	status := opts.Status
	if status == "" {
		status = pipeline.StatusActive
	}

	query := `SELECT ` + definitionColumns + ` FROM conduct_definitions WHERE status = $1`
	args := []any{string(status)}

	if opts.OwnerID != "" {
		args = append(args, opts.OwnerID)
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id"
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
		return nil, fmt.Errorf("conduct/postgres: list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*pipeline.Definition
	for rows.Next() {
		def, scanErr := scanDefinition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conduct/postgres: scan definition: %w", scanErr)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// definitionConflict disambiguates a zero-row conditional update.
func (s *Store) definitionConflict(ctx context.Context, defID id.DefinitionID, expected int64) error {
	var current int64
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM conduct_definitions WHERE id = $1`, defID).Scan(&current)
	if isNoRows(err) {
		return conduct.ErrDefinitionNotFound
	}
	if err != nil {
		return fmt.Errorf("conduct/postgres: read definition version: %w", err)
	}
	return execution.NewConflict("definition", defID, expected, current)
}

func scanDefinition(row pgx.Row) (*pipeline.Definition, error) {
	var (
		def        pipeline.Definition
		steps      []byte
		owner      *string
		visibility string
		status     string
	)
	err := row.Scan(
		&def.ID, &def.Name, &def.Version, &steps, &owner,
		&visibility, &status, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &def.Steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
	}
	def.OwnerID = nilToEmpty(owner)
	def.Visibility = pipeline.Visibility(visibility)
	def.Status = pipeline.Status(status)
	def.CreatedAt = def.CreatedAt.UTC()
	def.UpdatedAt = def.UpdatedAt.UTC()
	return &def, nil
}
