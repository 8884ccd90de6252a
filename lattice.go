package lattice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/internal/runtime"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/adapters/redis"
	"github.com/aretw0/lattice/pkg/clock"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/endpoint"
	"github.com/aretw0/lattice/pkg/gates"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/process"
	"github.com/aretw0/lattice/pkg/registry"
	backend "github.com/redis/go-redis/v9"
)

// Lattice is the high-level entry point for the library.
// It wires a graph store, the process registry, the actor runtime, the clock
// driver and the endpoint hub, and exposes a simplified API over them.
type Lattice struct {
	graph    ports.GraphStore
	registry *registry.Registry
	runtime  *runtime.Engine
	clock    *clock.Driver
	hub      *endpoint.Hub

	runtimeOpts []runtime.EngineOption
	clockOpts   []clock.Option
	hubOpts     []endpoint.Option
	factories   map[string]process.Factory
	hooks       domain.LifecycleHooks
	logger      *slog.Logger
	closers     []func() error
	Name        string
}

// Option defines a functional option for configuring a Lattice.
type Option func(*Lattice)

// WithGraph injects a graph store. The default is an in-memory graph.
func WithGraph(g ports.GraphStore) Option {
	return func(l *Lattice) {
		l.graph = g
	}
}

// WithRedis stores the graph in Redis under prefix and forwards endpoint
// publications to Redis channels. The client is closed with the Lattice.
func WithRedis(client *backend.Client, prefix string) Option {
	return func(l *Lattice) {
		var opts []redis.Option
		if prefix != "" {
			opts = append(opts, redis.WithPrefix(prefix+"graph:"))
		}
		l.graph = redis.NewFromClient(client, opts...)
		channels := ""
		if prefix != "" {
			channels = prefix + "endpoint:"
		}
		l.hubOpts = append(l.hubOpts, endpoint.WithSink(redis.NewEndpointSink(client, channels)))
		l.closers = append(l.closers, client.Close)
	}
}

// WithName labels the graph in log records.
func WithName(name string) Option {
	return func(l *Lattice) {
		l.Name = name
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lattice) {
		l.logger = logger
	}
}

// WithLifecycleHooks registers observability hooks on the runtime and the clock.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(l *Lattice) {
		l.hooks = l.hooks.Merge(hooks)
	}
}

// WithLazySpawn creates processes on their first message. See runtime.WithLazySpawn.
func WithLazySpawn(enabled bool) Option {
	return func(l *Lattice) {
		l.runtimeOpts = append(l.runtimeOpts, runtime.WithLazySpawn(enabled))
	}
}

// WithMailboxCapacity bounds every process mailbox. Zero means unbounded.
func WithMailboxCapacity(n int) Option {
	return func(l *Lattice) {
		l.runtimeOpts = append(l.runtimeOpts, runtime.WithMailboxCapacity(n))
	}
}

// WithClockOptions configures the clock driver.
func WithClockOptions(opts ...clock.Option) Option {
	return func(l *Lattice) {
		l.clockOpts = append(l.clockOpts, opts...)
	}
}

// WithEndpointOptions configures the endpoint hub.
func WithEndpointOptions(opts ...endpoint.Option) Option {
	return func(l *Lattice) {
		l.hubOpts = append(l.hubOpts, opts...)
	}
}

// WithProcess registers an extra process type next to the built-in gates.
// Registering a built-in tag replaces it.
func WithProcess(tag string, factory process.Factory) Option {
	return func(l *Lattice) {
		l.factories[tag] = factory
	}
}

// New assembles a Lattice. Without WithGraph or WithRedis the graph lives in memory.
func New(opts ...Option) (*Lattice, error) {
	l := &Lattice{factories: make(map[string]process.Factory)}
	for _, opt := range opts {
		opt(l)
	}

	if l.logger == nil {
		l.logger = logging.NewNop()
	}
	if l.Name != "" {
		l.logger = l.logger.With("graph", l.Name)
	}
	if l.graph == nil {
		l.graph = memory.NewGraph()
	}

	l.registry = registry.New(registry.WithLogger(l.logger))
	gates.RegisterAll(l.registry)
	for tag, fn := range l.factories {
		l.registry.Register(tag, fn)
	}

	l.hub = endpoint.New(append([]endpoint.Option{endpoint.WithLogger(l.logger)}, l.hubOpts...)...)

	runtimeOpts := []runtime.EngineOption{
		runtime.WithLogger(l.logger),
		runtime.WithLifecycleHooks(l.hooks),
		runtime.WithEndpoints(l.hub),
	}
	l.runtime = runtime.NewEngine(l.graph, l.registry, append(runtimeOpts, l.runtimeOpts...)...)

	clockOpts := []clock.Option{
		clock.WithLogger(l.logger),
		clock.WithLifecycleHooks(l.hooks),
	}
	l.clock = clock.New(l.runtime, append(clockOpts, l.clockOpts...)...)
	l.runtime.SetRearmer(l.clock)
	l.graph.Observe(l.runtime)

	return l, nil
}

// Logger returns the logger shared by every component.
func (l *Lattice) Logger() *slog.Logger {
	return l.logger
}

// Graph returns the graph store. Mutations notify the runtime.
func (l *Lattice) Graph() ports.GraphStore {
	return l.graph
}

// Registry returns the process registry.
func (l *Lattice) Registry() *registry.Registry {
	return l.registry
}

// Clock returns the clock driver.
func (l *Lattice) Clock() *clock.Driver {
	return l.clock
}

// Endpoints returns the endpoint hub.
func (l *Lattice) Endpoints() *endpoint.Hub {
	return l.hub
}

// Seed adds vertices then edges to the graph.
func (l *Lattice) Seed(ctx context.Context, vertices []domain.Vertex, edges []domain.Edge) error {
	for _, v := range vertices {
		if err := l.graph.AddVertex(ctx, v); err != nil {
			return fmt.Errorf("seed vertex %s: %w", v.Key, err)
		}
	}
	for _, e := range edges {
		if err := l.graph.AddEdge(ctx, e); err != nil {
			return fmt.Errorf("seed edge %s: %w", e.Key, err)
		}
	}
	return nil
}

// Spawn binds a process of the given type to a vertex, replacing any
// existing instance for the same binding.
func (l *Lattice) Spawn(ctx context.Context, b domain.Binding, options map[string]any) (*registry.Instance, error) {
	return l.runtime.Spawn(ctx, b, options)
}

// Kill destroys the instance for b.
func (l *Lattice) Kill(ctx context.Context, b domain.Binding) error {
	return l.runtime.Kill(ctx, b)
}

// Emit delivers msg to one binding.
func (l *Lattice) Emit(ctx context.Context, to domain.Binding, msg domain.Message) error {
	return l.runtime.Emit(ctx, to, msg)
}

// EmitByQuery delivers msg to every process matching filter and returns how
// many were reached.
func (l *Lattice) EmitByQuery(ctx context.Context, filter string, msg domain.Message) (int, error) {
	return l.runtime.EmitByQuery(ctx, filter, msg)
}

// Processes returns the live process records matching filter.
func (l *Lattice) Processes(filter string) ([]domain.Record, error) {
	return l.runtime.Processes(filter)
}

// Pulse sends one clock pulse to target through the clock driver.
func (l *Lattice) Pulse(ctx context.Context, target domain.Binding) error {
	return l.clock.Pulse(ctx, target)
}

// Stats reports live actors and queued messages.
func (l *Lattice) Stats() (actors, queued int) {
	return l.runtime.Stats()
}

// Run drives the clock until ctx is done.
func (l *Lattice) Run(ctx context.Context) error {
	return l.clock.Run(ctx)
}

// Close stops the clock, kills every process and releases the backends.
func (l *Lattice) Close(ctx context.Context) error {
	l.clock.Stop()
	errs := []error{l.runtime.Close(ctx)}
	l.hub.Close()
	for _, c := range l.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
