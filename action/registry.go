package action

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/conduct"
)

// Registration pairs an action's metadata with its executor factory.
// A slice of these forms a plugin manifest.
type Registration struct {
	Meta    Meta
	Factory Factory
}

// entry holds one registered action. The executor is instantiated lazily
// on first use; sync.Once makes concurrent first-use safe.
type entry struct {
	meta    Meta
	factory Factory

	once     sync.Once
	executor Executor
	initErr  error
}

// Registry is the process-wide catalog of action types. Construct one at
// startup and pass it by reference; it is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
}

// NewRegistry creates an empty action registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register validates the metadata and adds the action to the catalog.
// Duplicate types and invalid metadata are rejected.
func (r *Registry) Register(meta Meta, factory Factory) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("action %q: nil executor factory", meta.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[meta.Type]; exists {
		return fmt.Errorf("action %q: already registered", meta.Type)
	}
	r.entries[meta.Type] = &entry{meta: meta, factory: factory}
	return nil
}

// RegisterManifest registers a whole plugin manifest. Each invalid entry
// is logged and skipped without aborting the pass; the return value is
// the number of actions actually registered.
func (r *Registry) RegisterManifest(manifest []Registration) int {
	registered := 0
	for _, reg := range manifest {
		if err := r.Register(reg.Meta, reg.Factory); err != nil {
			r.logger.Warn("action registration rejected",
				slog.String("action_type", reg.Meta.Type),
				slog.String("error", err.Error()),
			)
			continue
		}
		registered++
	}
	return registered
}

// Meta returns the metadata for an action type.
func (r *Registry) Meta(actionType string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[actionType]
	if !ok {
		return Meta{}, false
	}
	return e.meta, true
}

// Executor returns the cached executor for an action type, instantiating
// it on first use. A factory failure is sticky: later calls keep
// returning the same error rather than re-running the factory.
func (r *Registry) Executor(actionType string) (Executor, error) {
	r.mu.RLock()
	e, ok := r.entries[actionType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", conduct.ErrActionNotFound, actionType)
	}

	e.once.Do(func() {
		e.executor, e.initErr = e.factory()
		if e.initErr == nil && e.executor == nil {
			e.initErr = fmt.Errorf("action %q: factory returned nil executor", e.meta.Type)
		}
	})
	if e.initErr != nil {
		return nil, fmt.Errorf("action %q: instantiate executor: %w", e.meta.Type, e.initErr)
	}
	return e.executor, nil
}

// Types returns all registered action type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}
