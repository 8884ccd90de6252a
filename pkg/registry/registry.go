// Package registry maps process-type tags to factories and owns the arena of
// live process instances, indexed by (vertex, process type).
package registry

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/process"
	"github.com/google/uuid"
)

// Instance is one live process bound to a vertex.
type Instance struct {
	Binding domain.Binding
	PID     string
	Process process.Process
	Started time.Time
}

// Owner runs the instances of a registry. Once attached, Destroy goes through
// the owner's kill path so the instance stops receiving messages.
type Owner interface {
	Kill(ctx context.Context, b domain.Binding) error
}

// Registry manages the available process types and their live instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]process.Factory
	instances map[domain.Binding]*Instance
	owner     Owner
	logger    *slog.Logger
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger configures a logger for hook failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a new empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		factories: make(map[string]process.Factory),
		instances: make(map[domain.Binding]*Instance),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a process type to the registry.
// If a type with the same tag exists, it is overwritten.
func (r *Registry) Register(tag string, fn process.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = fn
}

// Has reports whether the tag was registered.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok
}

// Tags returns the registered tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	return tags
}

// Instantiate builds a new instance for pc.Self() using the factory of its process tag.
// An instance already bound to the same binding is replaced, never merged; the caller
// is responsible for retiring it (see Release).
func (r *Registry) Instantiate(pc process.Context) (*Instance, error) {
	b := pc.Self()
	r.mu.RLock()
	fn, ok := r.factories[b.Process]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProcessType, b.Process)
	}

	proc, err := fn(pc)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s: %w", b, err)
	}

	inst := &Instance{
		Binding: b,
		PID:     uuid.NewString(),
		Process: proc,
		Started: time.Now(),
	}

	r.mu.Lock()
	r.instances[b] = inst
	r.mu.Unlock()
	return inst, nil
}

// Lookup returns the live instance for a binding.
func (r *Registry) Lookup(b domain.Binding) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[b]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProcessNotFound, b)
	}
	return inst, nil
}

// Attach hands the live instances to an owner. A registry has at most one.
func (r *Registry) Attach(o Owner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = o
}

// Destroy removes the instance and runs its kill hook. With an owner attached
// the owner stops the instance and the hook runs once it has retired.
func (r *Registry) Destroy(ctx context.Context, b domain.Binding) error {
	r.mu.Lock()
	inst, ok := r.instances[b]
	owner := r.owner
	if ok && owner == nil {
		delete(r.instances, b)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProcessNotFound, b)
	}
	if owner != nil {
		return owner.Kill(ctx, b)
	}
	r.beforeKill(ctx, inst)
	return nil
}

// Detach removes an instance from the arena without running its kill hook,
// unless it has already been replaced.
func (r *Registry) Detach(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.instances[inst.Binding]; ok && cur == inst {
		delete(r.instances, inst.Binding)
	}
}

// Release retires a specific instance: its kill hook always runs, but it is only
// removed from the arena if it has not already been replaced.
func (r *Registry) Release(ctx context.Context, inst *Instance) {
	r.Detach(inst)
	r.beforeKill(ctx, inst)
}

// Bindings returns every live binding, sorted by vertex then process.
func (r *Registry) Bindings() []domain.Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Binding, 0, len(r.instances))
	for b := range r.instances {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b domain.Binding) int {
		if c := cmp.Compare(a.Vertex, b.Vertex); c != 0 {
			return c
		}
		return cmp.Compare(a.Process, b.Process)
	})
	return out
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) beforeKill(ctx context.Context, inst *Instance) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("beforeKill hook panicked", "binding", inst.Binding.String(), "panic", rec)
		}
	}()
	inst.Process.OnBeforeKill(ctx)
}
