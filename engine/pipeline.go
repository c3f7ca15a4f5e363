package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
	"github.com/xraph/conduct/pipeline"
)

// ── Definition CRUD ────────────────────────────

// CreateDefinition validates and stores a new pipeline definition.
// Every action type the DAG names must already be registered.
func (e *Engine) CreateDefinition(ctx context.Context, def *pipeline.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := e.checkActionTypes(def.Steps); err != nil {
		return err
	}

	if def.ID.IsNil() {
		def.ID = id.NewDefinitionID()
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if def.Visibility == "" {
		def.Visibility = pipeline.VisibilityPrivate
	}
	def.Status = pipeline.StatusActive
	if def.CreatedAt.IsZero() {
		def.Entity = conduct.NewEntity()
	}
	return e.persist.CreateDefinition(ctx, def)
}

// GetDefinition returns a definition by id, soft-deleted ones included.
func (e *Engine) GetDefinition(ctx context.Context, defID id.DefinitionID) (*pipeline.Definition, error) {
	return e.persist.GetDefinition(ctx, defID)
}

// UpdateDefinition applies a version-checked update.
func (e *Engine) UpdateDefinition(ctx context.Context, def *pipeline.Definition, expectedVersion int64) (*pipeline.Definition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkActionTypes(def.Steps); err != nil {
		return nil, err
	}
	return e.persist.UpdateDefinition(ctx, def, expectedVersion)
}

// DeleteDefinition soft-deletes a definition under the version guard.
func (e *Engine) DeleteDefinition(ctx context.Context, defID id.DefinitionID, expectedVersion int64) error {
	return e.persist.DeleteDefinition(ctx, defID, expectedVersion)
}

// ListDefinitions lists definitions with owner/status filters and
// pagination.
func (e *Engine) ListDefinitions(ctx context.Context, opts pipeline.ListOpts) ([]*pipeline.Definition, error) {
	return e.persist.ListDefinitions(ctx, opts)
}

func (e *Engine) checkActionTypes(steps []pipeline.StepTemplate) error {
	for _, tpl := range steps {
		if _, ok := e.actions.Meta(tpl.ActionType); !ok {
			return fmt.Errorf("%w: %q (step %q)", conduct.ErrActionNotFound, tpl.ActionType, tpl.StepID)
		}
	}
	return nil
}

// ── Submission ─────────────────────────────────

// SubmitOption carries optional submission metadata.
type SubmitOption func(*execution.Execution)

// WithInitiator records who started the execution.
func WithInitiator(initiator string) SubmitOption {
	return func(ex *execution.Execution) { ex.Initiator = initiator }
}

// WithSubscribers attaches subscriber ids for platform notifications.
func WithSubscribers(ids ...string) SubmitOption {
	return func(ex *execution.Execution) { ex.SubscriberIDs = ids }
}

// WithPayloadType sets the notification payload type.
func WithPayloadType(t string) SubmitOption {
	return func(ex *execution.Execution) { ex.PayloadType = t }
}

// WithWorkflowID overrides the workflow identifier carried on outbound
// envelopes. Defaults to the execution id.
func WithWorkflowID(wfID string) SubmitOption {
	return func(ex *execution.Execution) { ex.WorkflowIDOverride = wfID }
}

// SubmitPipeline starts one run of a stored definition. The execution
// and its step records are created in batch, the started hook fires, and
// the drive loop runs asynchronously. The returned execution reflects
// the state at submission.
func (e *Engine) SubmitPipeline(ctx context.Context, defID id.DefinitionID, params map[string]any, opts ...SubmitOption) (*execution.Execution, error) {
	def, err := e.persist.GetDefinition(ctx, defID)
	if err != nil {
		return nil, err
	}
	if def.Status == pipeline.StatusDeleted {
		return nil, fmt.Errorf("%w: %s is deleted", conduct.ErrDefinitionNotFound, defID)
	}
	return e.submit(ctx, def.ID, def.Name, def.Steps, params, opts)
}

// SubmitDAG starts an ad-hoc DAG that has no stored definition. The
// step templates are validated the same way a definition is.
func (e *Engine) SubmitDAG(ctx context.Context, name string, steps []pipeline.StepTemplate, params map[string]any, opts ...SubmitOption) (*execution.Execution, error) {
	probe := pipeline.Definition{Name: name, Steps: steps}
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	return e.submit(ctx, id.Nil, name, steps, params, opts)
}

func (e *Engine) submit(ctx context.Context, defID id.DefinitionID, name string, templates []pipeline.StepTemplate, params map[string]any, opts []SubmitOption) (*execution.Execution, error) {
	if err := e.checkActionTypes(templates); err != nil {
		return nil, err
	}
	if err := e.validateStepParams(templates, params); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &execution.Execution{
		Entity:       conduct.NewEntity(),
		ID:           id.NewExecutionID(),
		DefinitionID: defID,
		Name:         name,
		Status:       execution.StatusRunning,
		Version:      1,
		Params:       params,
		StartedAt:    now,
	}
	for _, opt := range opts {
		opt(exec)
	}

	ordered := make([]pipeline.StepTemplate, len(templates))
	copy(ordered, templates)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	steps := make([]*execution.Step, len(ordered))
	for i, tpl := range ordered {
		steps[i] = &execution.Step{
			Entity:      conduct.NewEntity(),
			ID:          id.NewStepID(),
			ExecutionID: exec.ID,
			StepID:      tpl.StepID,
			Sequence:    tpl.Sequence,
			ActionType:  tpl.ActionType,
			Status:      execution.StatusPending,
			Version:     1,
			Params:      tpl.Params,
		}
	}

	if err := e.persist.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.persist.CreateSteps(ctx, steps); err != nil {
		return nil, err
	}

	e.hooks.EmitExecutionStarted(ctx, exec)
	e.resume(ctx, exec.ID)
	return exec, nil
}

// validateStepParams runs each action's business-rule validation over
// the parameters its step will see.
func (e *Engine) validateStepParams(templates []pipeline.StepTemplate, pipelineParams map[string]any) error {
	for _, tpl := range templates {
		executor, err := e.actions.Executor(tpl.ActionType)
		if err != nil {
			return err
		}
		merged := mergeParams(pipelineParams, tpl.Params)
		if errs := executor.ValidateParams(merged); len(errs) > 0 {
			return fmt.Errorf("engine: step %q parameters rejected: %w", tpl.StepID, errs[0])
		}
	}
	return nil
}

// mergeParams overlays step params on the workflow-level params.
func mergeParams(pipelineParams, stepParams map[string]any) map[string]any {
	if len(pipelineParams) == 0 && len(stepParams) == 0 {
		return nil
	}
	merged := make(map[string]any, len(pipelineParams)+len(stepParams))
	for k, v := range pipelineParams {
		merged[k] = v
	}
	for k, v := range stepParams {
		merged[k] = v
	}
	return merged
}

// ── Query surface ──────────────────────────────

// GetExecution returns an execution snapshot.
func (e *Engine) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	return e.persist.GetExecution(ctx, execID)
}

// ListExecutions lists executions with a status filter and pagination.
func (e *Engine) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	return e.persist.ListExecutions(ctx, opts)
}

// ListSteps returns the step records of an execution in DAG order.
func (e *Engine) ListSteps(ctx context.Context, execID id.ExecutionID) ([]*execution.Step, error) {
	return e.persist.ListSteps(ctx, execID)
}
