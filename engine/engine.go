package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/action"
	"github.com/xraph/conduct/hook"
	"github.com/xraph/conduct/mesh"
	mw "github.com/xraph/conduct/middleware"
	"github.com/xraph/conduct/notify"
	"github.com/xraph/conduct/persist"
	"github.com/xraph/conduct/store"
	"github.com/xraph/conduct/sweep"
)

// Engine coordinates the subsystems: the action registry, the resilient
// persistence service, the middleware chain around step execution, the
// event publisher, and the timeout sweeper. Build one per process.
type Engine struct {
	cfg    conduct.Config
	logger *slog.Logger

	actions   *action.Registry
	persist   *persist.Service
	hooks     *hook.Registry
	publisher *notify.Publisher
	sweeper   *sweep.Sweeper
	invoker   action.ServiceInvoker
	chain     mw.Middleware

	// wg tracks in-flight execution drive loops for graceful shutdown.
	wg sync.WaitGroup
}

// Option configures an Engine during Build.
type Option func(*builder)

type builder struct {
	transport  notify.Transport
	resolver   notify.TopicResolver
	invoker    action.ServiceInvoker
	middleware []mw.Middleware
	hooks      []hook.Hook
	fallback   store.Store
}

// WithTransport sets the notification transport. Defaults to the
// in-memory transport, which is only useful for tests and embedding.
func WithTransport(t notify.Transport) Option {
	return func(b *builder) { b.transport = t }
}

// WithResolver sets the callback-topic resolver consulted on every
// publish. Without one, only the platform notification topic is used.
func WithResolver(r notify.TopicResolver) Option {
	return func(b *builder) { b.resolver = r }
}

// WithInvoker sets the service invoker handed to action contexts.
func WithInvoker(inv action.ServiceInvoker) Option {
	return func(b *builder) { b.invoker = inv }
}

// WithMiddleware appends middleware inside the built-in chain
// (recover, logging, metrics, tracing).
func WithMiddleware(mws ...mw.Middleware) Option {
	return func(b *builder) { b.middleware = append(b.middleware, mws...) }
}

// WithHook registers an additional lifecycle hook.
func WithHook(h hook.Hook) Option {
	return func(b *builder) { b.hooks = append(b.hooks, h) }
}

// WithFallbackStore replaces the persistence service's in-memory
// fallback store.
func WithFallbackStore(s store.Store) Option {
	return func(b *builder) { b.fallback = s }
}

// Build wires an Engine onto the Orchestrator. The orchestrator's store
// must implement the composite store.Store interface.
func Build(o *conduct.Orchestrator, opts ...Option) (*Engine, error) {
	st, ok := o.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("engine: %w", conduct.ErrNoStore)
	}

	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}
	if b.transport == nil {
		b.transport = notify.NewMemory()
	}

	cfg := o.Config()
	logger := o.Logger()

	if b.invoker == nil && len(cfg.MeshTargets) > 0 {
		b.invoker = mesh.New(cfg.MeshTargets,
			mesh.WithTimeout(cfg.MeshTimeout),
			mesh.WithAuthToken(cfg.MeshAuthToken),
			mesh.WithLogger(logger),
		)
	}

	publisher := notify.NewPublisher(b.transport,
		notify.WithResolver(b.resolver),
		notify.WithNotificationTopic(cfg.NotificationTopic),
		notify.WithQueueCapacity(cfg.RetryQueueCapacity),
		notify.WithRedeliveryInterval(cfg.RedeliveryInterval),
		notify.WithMaxRetries(cfg.RedeliveryMaxRetries),
		notify.WithPublisherLogger(logger),
	)

	hooks := hook.NewRegistry(logger)
	hooks.Register(hook.NewNotifier(publisher))
	if metrics, err := hook.NewMetrics(); err != nil {
		logger.Warn("metrics hook disabled",
			slog.String("error", err.Error()),
		)
	} else {
		hooks.Register(metrics)
	}
	for _, h := range b.hooks {
		hooks.Register(h)
	}

	persistOpts := []persist.Option{
		persist.WithLogger(logger),
		persist.WithHooks(hooks),
		persist.WithBreaker(persist.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)),
		persist.WithMaxRetries(cfg.MaxWriteRetries),
	}
	if b.fallback != nil {
		persistOpts = append(persistOpts, persist.WithFallback(b.fallback))
	}
	svc := persist.New(st, persistOpts...)

	sweeper, err := sweep.New(svc, cfg.SweepSchedule, sweep.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	chain := []mw.Middleware{
		mw.Recover(logger),
		mw.Logging(logger),
		mw.Metrics(),
		mw.Tracing(),
	}
	chain = append(chain, b.middleware...)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		actions:   action.NewRegistry(logger),
		persist:   svc,
		hooks:     hooks,
		publisher: publisher,
		sweeper:   sweeper,
		invoker:   b.invoker,
		chain:     mw.Chain(chain...),
	}

	o.SetEngine(e)
	o.SetHooks(hooks)
	return e, nil
}

// ── Lifecycle ──────────────────────────────────

// Start launches the background loops: event redelivery and the timeout
// sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.publisher.Start()
	return e.sweeper.Start(ctx)
}

// Stop halts the background loops and waits up to the configured
// shutdown timeout for in-flight executions to settle. Executions still
// running after the deadline keep their durable state and resume safely
// on the next instance.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.sweeper.Stop(ctx)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("shutdown context cancelled with executions in flight")
	case <-time.After(e.cfg.ShutdownTimeout):
		e.logger.Warn("shutdown timeout with executions in flight",
			slog.Duration("timeout", e.cfg.ShutdownTimeout),
		)
	}

	e.publisher.Stop()
	return err
}

// ── Accessors ──────────────────────────────────

// Actions returns the engine's action registry.
func (e *Engine) Actions() *action.Registry { return e.actions }

// Persist returns the resilient persistence service.
func (e *Engine) Persist() *persist.Service { return e.persist }

// Hooks returns the lifecycle hook registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// Publisher returns the event publisher.
func (e *Engine) Publisher() *notify.Publisher { return e.publisher }

// ── Action registration ────────────────────────

// RegisterAction validates and adds one action type to the catalog.
func (e *Engine) RegisterAction(meta action.Meta, factory action.Factory) error {
	return e.actions.Register(meta, factory)
}

// RegisterManifest registers a whole plugin manifest, isolating and
// logging per-entry failures. Returns how many actions registered.
func (e *Engine) RegisterManifest(manifest []action.Registration) int {
	return e.actions.RegisterManifest(manifest)
}
