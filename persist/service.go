// Package persist wraps the execution store with the resilience layer:
// bounded retry with backoff for transient storage failures, a circuit
// breaker that degrades to an in-memory fallback store when the primary
// is persistently unreachable, output sanitization before writes,
// operation timing, and lifecycle hook emission on state transitions.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/backoff"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/hook"
	"github.com/xraph/conduct/id"
	"github.com/xraph/conduct/pipeline"
	"github.com/xraph/conduct/progress"
	"github.com/xraph/conduct/store"
	"github.com/xraph/conduct/store/memory"
)

// Compile-time interface checks.
var _ store.Store = (*Service)(nil)

// Service is the resilience wrapper every store access goes through.
type Service struct {
	primary  store.Store
	fallback store.Store
	breaker  *Breaker
	strategy backoff.Strategy

	// maxRetries bounds retry attempts after the initial try.
	maxRetries int

	hooks   *hook.Registry
	tracker *progress.Tracker
	logger  *slog.Logger

	opDuration  metric.Float64Histogram
	fallbackOps metric.Int64Counter
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithHooks sets the lifecycle hook registry notified on transitions.
func WithHooks(hooks *hook.Registry) Option {
	return func(s *Service) { s.hooks = hooks }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// WithStrategy sets the retry delay strategy.
func WithStrategy(strategy backoff.Strategy) Option {
	return func(s *Service) { s.strategy = strategy }
}

// WithMaxRetries bounds retries per operation.
func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

// WithFallback replaces the default in-memory fallback store.
func WithFallback(fb store.Store) Option {
	return func(s *Service) { s.fallback = fb }
}

// New wraps the primary store.
func New(primary store.Store, opts ...Option) *Service {
	s := &Service{
		primary:    primary,
		fallback:   memory.New(),
		breaker:    NewBreaker(5, 30*time.Second),
		strategy:   backoff.DefaultStrategy(),
		maxRetries: 3,
		tracker:    progress.NewTracker(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := otel.Meter("github.com/xraph/conduct/persist")
	if hist, err := meter.Float64Histogram("conduct.persist.op_duration",
		metric.WithDescription("Store operation duration"),
		metric.WithUnit("s")); err == nil {
		s.opDuration = hist
	}
	if counter, err := meter.Int64Counter("conduct.persist.fallback_ops",
		metric.WithDescription("Operations served by the fallback store")); err == nil {
		s.fallbackOps = counter
	}
	return s
}

// Fallback returns the in-memory store serving operations while the
// breaker is open.
func (s *Service) Fallback() store.Store { return s.fallback }

// Breaker returns the circuit breaker.
func (s *Service) Breaker() *Breaker { return s.breaker }

// Tracker returns the per-execution monotonic progress tracker.
func (s *Service) Tracker() *progress.Tracker { return s.tracker }

// Degraded reports whether operations are currently served from the
// fallback store.
func (s *Service) Degraded() bool { return s.breaker.State() == BreakerOpen }

// ── store.Store lifecycle ──

// Migrate delegates to the primary store.
func (s *Service) Migrate(ctx context.Context) error { return s.primary.Migrate(ctx) }

// Ping reports primary health; while degraded it returns
// conduct.ErrStorageUnavailable so embedders can surface the durability
// caveat.
func (s *Service) Ping(ctx context.Context) error {
	if s.Degraded() {
		return conduct.ErrStorageUnavailable
	}
	return s.primary.Ping(ctx)
}

// Close closes the primary store.
func (s *Service) Close() error { return s.primary.Close() }

// ── resilience core ──

// isTransient reports whether a storage error is worth retrying.
// Domain outcomes (conflicts, not-found, duplicates, invalid
// transitions) and context cancellation are not.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, conduct.ErrVersionConflict),
		errors.Is(err, conduct.ErrDefinitionNotFound),
		errors.Is(err, conduct.ErrExecutionNotFound),
		errors.Is(err, conduct.ErrStepNotFound),
		errors.Is(err, conduct.ErrDefinitionExists),
		errors.Is(err, conduct.ErrExecutionExists),
		errors.Is(err, conduct.ErrInvalidTransition),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// invoke runs one store operation through the breaker and retry policy:
// primary with bounded retry while the breaker allows it, the fallback
// closure otherwise or once retries are exhausted.
func invoke[T any](ctx context.Context, s *Service, op string, primary, degraded func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	var zero T

	if !s.breaker.Allow() {
		out, err := degraded(ctx)
		s.recordOp(ctx, op, "fallback", start)
		return out, err
	}

	var (
		out T
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = primary(ctx)
		if err == nil {
			s.breaker.Success()
			s.recordOp(ctx, op, "ok", start)
			return out, nil
		}
		if !isTransient(err) {
			s.recordOp(ctx, op, "error", start)
			return zero, err
		}
		s.breaker.Failure()
		if attempt >= s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(s.strategy.Delay(attempt + 1)):
		}
	}

	s.logger.Warn("primary store unavailable, serving from fallback",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	out, ferr := degraded(ctx)
	s.recordOp(ctx, op, "fallback", start)
	if ferr != nil {
		return zero, ferr
	}
	return out, nil
}

func (s *Service) recordOp(ctx context.Context, op, outcome string, start time.Time) {
	if outcome == "fallback" && s.fallbackOps != nil {
		s.fallbackOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
	if s.opDuration != nil {
		s.opDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}
}

// ── pipeline.Store ──

// CreateDefinition persists a new pipeline definition.
func (s *Service) CreateDefinition(ctx context.Context, def *pipeline.Definition) error {
	_, err := invoke(ctx, s, "create_definition",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.primary.CreateDefinition(ctx, def)
		},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.fallback.CreateDefinition(ctx, def)
		},
	)
	return err
}

// GetDefinition retrieves a definition.
func (s *Service) GetDefinition(ctx context.Context, defID id.DefinitionID) (*pipeline.Definition, error) {
	return invoke(ctx, s, "get_definition",
		func(ctx context.Context) (*pipeline.Definition, error) {
			return s.primary.GetDefinition(ctx, defID)
		},
		func(ctx context.Context) (*pipeline.Definition, error) {
			return s.fallback.GetDefinition(ctx, defID)
		},
	)
}

// UpdateDefinition applies a version-checked definition update.
func (s *Service) UpdateDefinition(ctx context.Context, def *pipeline.Definition, expectedVersion int64) (*pipeline.Definition, error) {
	return invoke(ctx, s, "update_definition",
		func(ctx context.Context) (*pipeline.Definition, error) {
			return s.primary.UpdateDefinition(ctx, def, expectedVersion)
		},
		func(ctx context.Context) (*pipeline.Definition, error) {
			return s.fallback.UpdateDefinition(ctx, def, expectedVersion)
		},
	)
}

// DeleteDefinition soft-deletes a definition under the version guard.
func (s *Service) DeleteDefinition(ctx context.Context, defID id.DefinitionID, expectedVersion int64) error {
	_, err := invoke(ctx, s, "delete_definition",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.primary.DeleteDefinition(ctx, defID, expectedVersion)
		},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.fallback.DeleteDefinition(ctx, defID, expectedVersion)
		},
	)
	return err
}

// ListDefinitions lists definitions.
func (s *Service) ListDefinitions(ctx context.Context, opts pipeline.ListOpts) ([]*pipeline.Definition, error) {
	return invoke(ctx, s, "list_definitions",
		func(ctx context.Context) ([]*pipeline.Definition, error) {
			return s.primary.ListDefinitions(ctx, opts)
		},
		func(ctx context.Context) ([]*pipeline.Definition, error) {
			return s.fallback.ListDefinitions(ctx, opts)
		},
	)
}

// ── execution.Store ──

// CreateExecution persists a new execution.
func (s *Service) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	exec.FinalOutputs = Sanitize(exec.FinalOutputs)
	_, err := invoke(ctx, s, "create_execution",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.primary.CreateExecution(ctx, exec)
		},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.fallback.CreateExecution(ctx, exec)
		},
	)
	return err
}

// GetExecution retrieves an execution.
func (s *Service) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	return invoke(ctx, s, "get_execution",
		func(ctx context.Context) (*execution.Execution, error) {
			return s.primary.GetExecution(ctx, execID)
		},
		func(ctx context.Context) (*execution.Execution, error) {
			return s.fallback.GetExecution(ctx, execID)
		},
	)
}

// UpdateExecution applies a version-checked execution update.
func (s *Service) UpdateExecution(ctx context.Context, exec *execution.Execution, expectedVersion int64) (*execution.Execution, error) {
	exec.FinalOutputs = Sanitize(exec.FinalOutputs)
	return invoke(ctx, s, "update_execution",
		func(ctx context.Context) (*execution.Execution, error) {
			return s.primary.UpdateExecution(ctx, exec, expectedVersion)
		},
		func(ctx context.Context) (*execution.Execution, error) {
			return s.degradedUpdateExecution(ctx, exec, expectedVersion)
		},
	)
}

// ListExecutions lists executions.
func (s *Service) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	return invoke(ctx, s, "list_executions",
		func(ctx context.Context) ([]*execution.Execution, error) {
			return s.primary.ListExecutions(ctx, opts)
		},
		func(ctx context.Context) ([]*execution.Execution, error) {
			return s.fallback.ListExecutions(ctx, opts)
		},
	)
}

// CreateSteps persists the execution's step batch.
func (s *Service) CreateSteps(ctx context.Context, steps []*execution.Step) error {
	for _, step := range steps {
		step.Outputs = Sanitize(step.Outputs)
	}
	_, err := invoke(ctx, s, "create_steps",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.primary.CreateSteps(ctx, steps)
		},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.fallback.CreateSteps(ctx, steps)
		},
	)
	return err
}

// GetStep retrieves a step record.
func (s *Service) GetStep(ctx context.Context, stepID id.StepID) (*execution.Step, error) {
	return invoke(ctx, s, "get_step",
		func(ctx context.Context) (*execution.Step, error) {
			return s.primary.GetStep(ctx, stepID)
		},
		func(ctx context.Context) (*execution.Step, error) {
			return s.fallback.GetStep(ctx, stepID)
		},
	)
}

// UpdateStep applies a version-checked step update.
func (s *Service) UpdateStep(ctx context.Context, step *execution.Step, expectedVersion int64) (*execution.Step, error) {
	step.Outputs = Sanitize(step.Outputs)
	return invoke(ctx, s, "update_step",
		func(ctx context.Context) (*execution.Step, error) {
			return s.primary.UpdateStep(ctx, step, expectedVersion)
		},
		func(ctx context.Context) (*execution.Step, error) {
			return s.degradedUpdateStep(ctx, step, expectedVersion)
		},
	)
}

// ListSteps lists an execution's steps.
func (s *Service) ListSteps(ctx context.Context, execID id.ExecutionID) ([]*execution.Step, error) {
	return invoke(ctx, s, "list_steps",
		func(ctx context.Context) ([]*execution.Step, error) {
			return s.primary.ListSteps(ctx, execID)
		},
		func(ctx context.Context) ([]*execution.Step, error) {
			return s.fallback.ListSteps(ctx, execID)
		},
	)
}

// FindAwaitingStep routes an external correlation id to its awaiting step.
func (s *Service) FindAwaitingStep(ctx context.Context, externalWorkflowID string) (*execution.Step, error) {
	return invoke(ctx, s, "find_awaiting_step",
		func(ctx context.Context) (*execution.Step, error) {
			return s.primary.FindAwaitingStep(ctx, externalWorkflowID)
		},
		func(ctx context.Context) (*execution.Step, error) {
			return s.fallback.FindAwaitingStep(ctx, externalWorkflowID)
		},
	)
}

// ListTimedOutSteps returns awaiting steps past their deadline.
func (s *Service) ListTimedOutSteps(ctx context.Context, now time.Time) ([]*execution.Step, error) {
	return invoke(ctx, s, "list_timed_out_steps",
		func(ctx context.Context) ([]*execution.Step, error) {
			return s.primary.ListTimedOutSteps(ctx, now)
		},
		func(ctx context.Context) ([]*execution.Step, error) {
			return s.fallback.ListTimedOutSteps(ctx, now)
		},
	)
}

// ── degraded-mode seeding ──

// degradedUpdateExecution updates the execution in the fallback store,
// seeding the record first when the outage began before it was ever
// mirrored there. Availability wins over strict versioning while
// degraded; the caller's expected version becomes the seed's base.
func (s *Service) degradedUpdateExecution(ctx context.Context, exec *execution.Execution, expectedVersion int64) (*execution.Execution, error) {
	updated, err := s.fallback.UpdateExecution(ctx, exec, expectedVersion)
	if !errors.Is(err, conduct.ErrExecutionNotFound) {
		return updated, err
	}

	seed := *exec
	seed.Version = expectedVersion
	if createErr := s.fallback.CreateExecution(ctx, &seed); createErr != nil {
		return nil, fmt.Errorf("conduct/persist: seed fallback execution: %w", createErr)
	}
	return s.fallback.UpdateExecution(ctx, exec, expectedVersion)
}

// degradedUpdateStep mirrors degradedUpdateExecution for step records.
func (s *Service) degradedUpdateStep(ctx context.Context, step *execution.Step, expectedVersion int64) (*execution.Step, error) {
	updated, err := s.fallback.UpdateStep(ctx, step, expectedVersion)
	if !errors.Is(err, conduct.ErrStepNotFound) {
		return updated, err
	}

	seed := *step
	seed.Version = expectedVersion
	if createErr := s.fallback.CreateSteps(ctx, []*execution.Step{&seed}); createErr != nil {
		return nil, fmt.Errorf("conduct/persist: seed fallback step: %w", createErr)
	}
	return s.fallback.UpdateStep(ctx, step, expectedVersion)
}
