package action

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/conduct/id"
)

// ServiceCall describes one outbound invocation through the platform's
// service mesh: a logical target name, a method path, and the usual HTTP
// shape. Actions build these; the configured ServiceInvoker carries them.
type ServiceCall struct {
	// Service is the logical target name resolved by the invoker.
	Service string

	// Path is the method path on the target service.
	Path string

	// Method is the HTTP verb. Empty defaults to GET without a body,
	// POST with one.
	Method string

	// Body is JSON-encoded when non-nil.
	Body any

	// Query parameters appended to the path.
	Query map[string]string

	// Timeout overrides the invoker's default for this call. Zero keeps
	// the default.
	Timeout time.Duration
}

// ServiceInvoker performs service calls on behalf of actions. Non-2xx
// responses return an error.
type ServiceInvoker interface {
	Invoke(ctx context.Context, call ServiceCall) (map[string]any, error)
}

// Context carries everything an Execute call may use: identifiers,
// resolved parameters, prior steps' outputs, and the single side-effecting
// capability of invoking another service.
type Context struct {
	ExecutionID id.ExecutionID
	StepRecord  id.StepID

	// StepID is the DAG node identifier from the definition.
	StepID string

	// Params are the step's resolved action parameters.
	Params map[string]any

	// PipelineParams are the workflow-level parameters supplied at
	// submission.
	PipelineParams map[string]any

	priorOutputs map[string]map[string]any
	invoker      ServiceInvoker
	logger       *slog.Logger
}

// NewContext builds an action context. priorOutputs maps DAG step ids of
// terminal predecessor steps to their recorded outputs.
func NewContext(
	execID id.ExecutionID,
	stepRecord id.StepID,
	stepID string,
	params, pipelineParams map[string]any,
	priorOutputs map[string]map[string]any,
	invoker ServiceInvoker,
	logger *slog.Logger,
) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		ExecutionID:    execID,
		StepRecord:     stepRecord,
		StepID:         stepID,
		Params:         params,
		PipelineParams: pipelineParams,
		priorOutputs:   priorOutputs,
		invoker:        invoker,
		logger:         logger,
	}
}

// Logger returns the context's structured logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Output looks up a named output recorded by an earlier step.
func (c *Context) Output(stepID, name string) (any, bool) {
	outputs, ok := c.priorOutputs[stepID]
	if !ok {
		return nil, false
	}
	v, ok := outputs[name]
	return v, ok
}

// Param returns a resolved parameter, falling back to the workflow-level
// parameters when the step does not define it.
func (c *Context) Param(name string) (any, bool) {
	if v, ok := c.Params[name]; ok {
		return v, true
	}
	v, ok := c.PipelineParams[name]
	return v, ok
}

// StringParam returns a parameter coerced to string, or def when absent
// or not a string.
func (c *Context) StringParam(name, def string) string {
	v, ok := c.Param(name)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// Invoke calls another service through the platform mesh.
func (c *Context) Invoke(ctx context.Context, call ServiceCall) (map[string]any, error) {
	if c.invoker == nil {
		return nil, fmt.Errorf("action: no service invoker configured")
	}
	return c.invoker.Invoke(ctx, call)
}

// EventContext carries an inbound event to an OnEvent call: the
// correlation identifiers, the raw structured payload, and the outputs
// recorded when Execute originally suspended the step.
type EventContext struct {
	ExecutionID        id.ExecutionID
	StepRecord         id.StepID
	StepID             string
	ExternalWorkflowID string

	// Payload is the inbound event's raw structured body.
	Payload map[string]any

	// Outputs are the step outputs stored at the original Execute call.
	Outputs map[string]any
}

// Lookup walks a dot-separated path through the payload, returning def
// when any segment is missing or not a nested object.
func (e *EventContext) Lookup(path string, def any) any {
	if path == "" {
		return def
	}

	var cur any = e.Payload
	for {
		m, ok := cur.(map[string]any)
		if !ok {
			return def
		}

		head := path
		rest := ""
		if i := strings.IndexByte(path, '.'); i >= 0 {
			head, rest = path[:i], path[i+1:]
		}

		cur, ok = m[head]
		if !ok {
			return def
		}
		if rest == "" {
			return cur
		}
		path = rest
	}
}
