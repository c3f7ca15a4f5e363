// Package memory provides a fully in-memory store backend. It doubles as
// the fallback store the persistence service degrades to when the primary
// backend is unavailable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
	"github.com/xraph/conduct/pipeline"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ pipeline.Store  = (*Store)(nil)
	_ execution.Store = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store. Safe for
// concurrent access. Used for unit testing, development, and as the
// circuit-breaker fallback.
type Store struct {
	mu sync.RWMutex

	definitions map[string]*pipeline.Definition
	executions  map[string]*execution.Execution
	steps       map[string]*execution.Step
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		definitions: make(map[string]*pipeline.Definition),
		executions:  make(map[string]*execution.Execution),
		steps:       make(map[string]*execution.Step),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Pipeline definitions
// ──────────────────────────────────────────────────

// CreateDefinition persists a new definition with version 1.
func (m *Store) CreateDefinition(_ context.Context, def *pipeline.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := def.ID.String()
	if _, exists := m.definitions[key]; exists {
		return conduct.ErrDefinitionExists
	}

	cp := copyDefinition(def)
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.Status == "" {
		cp.Status = pipeline.StatusActive
	}
	m.definitions[key] = cp
	return nil
}

// GetDefinition retrieves a definition by ID.
func (m *Store) GetDefinition(_ context.Context, defID id.DefinitionID) (*pipeline.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.definitions[defID.String()]
	if !ok {
		return nil, conduct.ErrDefinitionNotFound
	}
	return copyDefinition(def), nil
}

// UpdateDefinition applies a version-checked update.
func (m *Store) UpdateDefinition(_ context.Context, def *pipeline.Definition, expectedVersion int64) (*pipeline.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.definitions[def.ID.String()]
	if !ok {
		return nil, conduct.ErrDefinitionNotFound
	}
	if stored.Version != expectedVersion {
		return nil, execution.NewConflict("definition", def.ID, expectedVersion, stored.Version)
	}

	cp := copyDefinition(def)
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	cp.Version = expectedVersion + 1
	m.definitions[def.ID.String()] = cp
	return copyDefinition(cp), nil
}

// DeleteDefinition soft-deletes: the record stays readable with status
// deleted.
func (m *Store) DeleteDefinition(_ context.Context, defID id.DefinitionID, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.definitions[defID.String()]
	if !ok {
		return conduct.ErrDefinitionNotFound
	}
	if stored.Version != expectedVersion {
		return execution.NewConflict("definition", defID, expectedVersion, stored.Version)
	}

	stored.Status = pipeline.StatusDeleted
	stored.Version = expectedVersion + 1
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

// ListDefinitions returns definitions matching the filter, newest first.
func (m *Store) ListDefinitions(_ context.Context, opts pipeline.ListOpts) ([]*pipeline.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := opts.Status
	if status == "" {
		status = pipeline.StatusActive
	}

	matches := make([]*pipeline.Definition, 0, len(m.definitions))
	for _, def := range m.definitions {
		if def.Status != status {
			continue
		}
		if opts.OwnerID != "" && def.OwnerID != opts.OwnerID {
			continue
		}
		matches = append(matches, def)
	}

	sort.Slice(matches, func(i, k int) bool {
		if !matches[i].CreatedAt.Equal(matches[k].CreatedAt) {
			return matches[i].CreatedAt.After(matches[k].CreatedAt)
		}
		return matches[i].ID.String() < matches[k].ID.String()
	})

	matches = paginate(matches, opts.Offset, opts.Limit)

	result := make([]*pipeline.Definition, len(matches))
	for i, def := range matches {
		result[i] = copyDefinition(def)
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────

// CreateExecution persists a new execution with version 1.
func (m *Store) CreateExecution(_ context.Context, exec *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := exec.ID.String()
	if _, exists := m.executions[key]; exists {
		return conduct.ErrExecutionExists
	}

	cp := copyExecution(exec)
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.executions[key] = cp
	return nil
}

// GetExecution retrieves an execution by ID.
func (m *Store) GetExecution(_ context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[execID.String()]
	if !ok {
		return nil, conduct.ErrExecutionNotFound
	}
	return copyExecution(exec), nil
}

// UpdateExecution applies a version-checked update and returns the record
// with the incremented version.
func (m *Store) UpdateExecution(_ context.Context, exec *execution.Execution, expectedVersion int64) (*execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.executions[exec.ID.String()]
	if !ok {
		return nil, conduct.ErrExecutionNotFound
	}
	if stored.Version != expectedVersion {
		return nil, execution.NewConflict("execution", exec.ID, expectedVersion, stored.Version)
	}

	cp := copyExecution(exec)
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	cp.Version = expectedVersion + 1
	m.executions[exec.ID.String()] = cp
	return copyExecution(cp), nil
}

// ListExecutions returns executions matching the filter, newest first.
func (m *Store) ListExecutions(_ context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*execution.Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		if opts.Status != "" && exec.Status != opts.Status {
			continue
		}
		matches = append(matches, exec)
	}

	sort.Slice(matches, func(i, k int) bool {
		if !matches[i].StartedAt.Equal(matches[k].StartedAt) {
			return matches[i].StartedAt.After(matches[k].StartedAt)
		}
		return matches[i].ID.String() < matches[k].ID.String()
	})

	matches = paginate(matches, opts.Offset, opts.Limit)

	result := make([]*execution.Execution, len(matches))
	for i, exec := range matches {
		result[i] = copyExecution(exec)
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Steps
// ──────────────────────────────────────────────────

// CreateSteps persists a batch of step records with version 1.
func (m *Store) CreateSteps(_ context.Context, steps []*execution.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, step := range steps {
		cp := copyStep(step)
		if cp.Version == 0 {
			cp.Version = 1
		}
		m.steps[step.ID.String()] = cp
	}
	return nil
}

// GetStep retrieves a step by record ID.
func (m *Store) GetStep(_ context.Context, stepID id.StepID) (*execution.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	step, ok := m.steps[stepID.String()]
	if !ok {
		return nil, conduct.ErrStepNotFound
	}
	return copyStep(step), nil
}

// UpdateStep applies a version-checked update and returns the record with
// the incremented version.
func (m *Store) UpdateStep(_ context.Context, step *execution.Step, expectedVersion int64) (*execution.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.steps[step.ID.String()]
	if !ok {
		return nil, conduct.ErrStepNotFound
	}
	if stored.Version != expectedVersion {
		return nil, execution.NewConflict("step", step.ID, expectedVersion, stored.Version)
	}

	cp := copyStep(step)
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	cp.Version = expectedVersion + 1
	m.steps[step.ID.String()] = cp
	return copyStep(cp), nil
}

// ListSteps returns an execution's steps ordered by sequence.
func (m *Store) ListSteps(_ context.Context, execID id.ExecutionID) ([]*execution.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*execution.Step, 0, 8)
	for _, step := range m.steps {
		if step.ExecutionID.String() == execID.String() {
			matches = append(matches, step)
		}
	}

	sort.Slice(matches, func(i, k int) bool {
		if matches[i].Sequence != matches[k].Sequence {
			return matches[i].Sequence < matches[k].Sequence
		}
		return matches[i].StepID < matches[k].StepID
	})

	result := make([]*execution.Step, len(matches))
	for i, step := range matches {
		result[i] = copyStep(step)
	}
	return result, nil
}

// FindAwaitingStep returns the running step awaiting an event with the
// given correlation id.
func (m *Store) FindAwaitingStep(_ context.Context, externalWorkflowID string) (*execution.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if externalWorkflowID == "" {
		return nil, conduct.ErrStepNotFound
	}
	for _, step := range m.steps {
		if step.AwaitingEvent && step.Status == execution.StatusRunning &&
			step.ExternalWorkflowID == externalWorkflowID {
			return copyStep(step), nil
		}
	}
	return nil, conduct.ErrStepNotFound
}

// ListTimedOutSteps returns awaiting steps whose deadline lies strictly
// before now.
func (m *Store) ListTimedOutSteps(_ context.Context, now time.Time) ([]*execution.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*execution.Step
	for _, step := range m.steps {
		if !step.AwaitingEvent || step.Status != execution.StatusRunning {
			continue
		}
		if step.TimeoutAt == nil || !step.TimeoutAt.Before(now) {
			continue
		}
		expired = append(expired, copyStep(step))
	}

	sort.Slice(expired, func(i, k int) bool {
		return expired[i].TimeoutAt.Before(*expired[k].TimeoutAt)
	})
	return expired, nil
}

// ──────────────────────────────────────────────────
// Copy helpers
// ──────────────────────────────────────────────────

// Records are copied on the way in and out so callers can mutate without
// racing with the store.

func copyDefinition(def *pipeline.Definition) *pipeline.Definition {
	cp := *def
	cp.Steps = make([]pipeline.StepTemplate, len(def.Steps))
	for i, st := range def.Steps {
		cp.Steps[i] = st
		cp.Steps[i].Params = copyMap(st.Params)
	}
	return &cp
}

func copyExecution(exec *execution.Execution) *execution.Execution {
	cp := *exec
	cp.Params = copyMap(exec.Params)
	cp.FinalOutputs = copyMap(exec.FinalOutputs)
	if exec.SubscriberIDs != nil {
		cp.SubscriberIDs = append([]string(nil), exec.SubscriberIDs...)
	}
	cp.ETA = copyDuration(exec.ETA)
	cp.CompletedAt = copyTime(exec.CompletedAt)
	return &cp
}

func copyStep(step *execution.Step) *execution.Step {
	cp := *step
	cp.Params = copyMap(step.Params)
	cp.Outputs = copyMap(step.Outputs)
	cp.TimeoutAt = copyTime(step.TimeoutAt)
	cp.ETA = copyDuration(step.ETA)
	cp.StartedAt = copyTime(step.StartedAt)
	cp.CompletedAt = copyTime(step.CompletedAt)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func copyDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
