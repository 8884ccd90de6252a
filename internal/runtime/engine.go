package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/process"
	"github.com/aretw0/lattice/pkg/query"
	"github.com/aretw0/lattice/pkg/registry"
)

// Rearmer schedules a new clock pulse for a binding.
type Rearmer interface {
	Rearm(ctx context.Context, target domain.Binding) error
}

// Engine hosts process instances as actors and routes messages between them.
type Engine struct {
	graph     ports.GraphIndex
	registry  *registry.Registry
	endpoints ports.EndpointPublisher
	hooks     domain.LifecycleHooks
	logger    *slog.Logger

	lazySpawn       bool
	mailboxCapacity int

	rearmMu sync.RWMutex
	rearmer Rearmer

	mu      sync.Mutex
	actors  map[domain.Binding]*actor
	options map[domain.Binding]map[string]any
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) EngineOption {
	return func(e *Engine) {
		e.hooks = e.hooks.Merge(hooks)
	}
}

// WithLazySpawn creates a process on first direct message when its tag is
// registered and its vertex exists.
func WithLazySpawn(enabled bool) EngineOption {
	return func(e *Engine) {
		e.lazySpawn = enabled
	}
}

// WithMailboxCapacity bounds each actor's queue. Zero means unbounded.
func WithMailboxCapacity(n int) EngineOption {
	return func(e *Engine) {
		e.mailboxCapacity = n
	}
}

// WithEndpoints sets the sink used by process Publish calls.
func WithEndpoints(p ports.EndpointPublisher) EngineOption {
	return func(e *Engine) {
		e.endpoints = p
	}
}

// WithRearmer sets the clock used by process Rearm calls.
func WithRearmer(r Rearmer) EngineOption {
	return func(e *Engine) {
		e.rearmer = r
	}
}

// NewEngine creates a runtime over a graph index and a process registry.
func NewEngine(graph ports.GraphIndex, reg *registry.Registry, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		graph:    graph,
		registry: reg,
		logger:   logging.NewNop(),
		actors:   make(map[domain.Binding]*actor),
		options:  make(map[domain.Binding]map[string]any),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	reg.Attach(e)
	return e
}

// SetRearmer attaches the clock after construction; the clock usually needs
// the engine as its emitter, so the two are wired in two steps.
func (e *Engine) SetRearmer(r Rearmer) {
	e.rearmMu.Lock()
	defer e.rearmMu.Unlock()
	e.rearmer = r
}

// Registry returns the process registry.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Graph returns the graph index processes consult.
func (e *Engine) Graph() ports.GraphIndex {
	return e.graph
}

// Spawn binds a new process instance to a vertex. An existing instance for the
// same binding is killed first; its state is not carried over.
func (e *Engine) Spawn(ctx context.Context, b domain.Binding, options map[string]any) (*registry.Instance, error) {
	if !e.registry.Has(b.Process) {
		err := fmt.Errorf("%w: %s", domain.ErrUnknownProcessType, b.Process)
		e.logger.Error("spawn failed", "binding", b.String(), "err", err)
		return nil, err
	}
	if _, err := e.graph.Vertex(ctx, b.Vertex); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", b, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrRuntimeClosed
	}
	if old, ok := e.actors[b]; ok {
		delete(e.actors, b)
		_ = old.box.push(envelope{kind: kindKill})
	}
	if options != nil {
		e.options[b] = options
	}
	return e.spawnLocked(ctx, b)
}

func (e *Engine) spawnLocked(ctx context.Context, b domain.Binding) (*registry.Instance, error) {
	pc := &processContext{engine: e, self: b, options: e.options[b]}
	pc.logger = e.logger.With("vertex", b.Vertex, "process", b.Process)

	inst, err := e.registry.Instantiate(pc)
	if err != nil {
		e.logger.Error("spawn failed", "binding", b.String(), "err", err)
		return nil, err
	}

	a := newActor(e, inst)
	e.actors[b] = a
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		a.run(e.ctx)
	}()

	e.logger.Debug("process started", "binding", b.String(), "pid", inst.PID)
	if h := e.hooks.OnSpawn; h != nil {
		h(ctx, &domain.ProcessEvent{
			EventBase: domain.EventBase{Timestamp: time.Now(), Type: domain.EventProcessSpawn},
			Binding:   b,
		})
	}
	return inst, nil
}

// Kill stops a process after the message it is currently handling.
func (e *Engine) Kill(ctx context.Context, b domain.Binding) error {
	e.mu.Lock()
	a, ok := e.actors[b]
	if ok {
		delete(e.actors, b)
		delete(e.options, b)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProcessNotFound, b)
	}
	e.registry.Detach(a.inst)
	_ = a.box.push(envelope{kind: kindKill})
	return nil
}

// KillAll stops every process and waits for them to finish their current message.
func (e *Engine) KillAll(ctx context.Context) error {
	e.mu.Lock()
	actors := make([]*actor, 0, len(e.actors))
	for b, a := range e.actors {
		actors = append(actors, a)
		delete(e.actors, b)
	}
	clear(e.options)
	e.mu.Unlock()

	for _, a := range actors {
		e.registry.Detach(a.inst)
		_ = a.box.push(envelope{kind: kindKill})
	}
	for _, a := range actors {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close kills every process and rejects further work.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	err := e.KillAll(ctx)
	if err != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.cancel()
	return err
}

// Lookup reports whether a binding is live.
func (e *Engine) Lookup(b domain.Binding) (*registry.Instance, error) {
	e.mu.Lock()
	a, ok := e.actors[b]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProcessNotFound, b)
	}
	return a.inst, nil
}

// Emit delivers a message to one binding without waiting for it to be handled.
// Messages from one caller to one binding are handled in send order.
func (e *Engine) Emit(ctx context.Context, to domain.Binding, msg domain.Message) error {
	a, err := e.resolve(ctx, to)
	if err != nil {
		e.dropped(ctx, to, msg, "no_process")
		return fmt.Errorf("%w: %w", domain.ErrEmissionFailure, err)
	}
	return e.deliver(ctx, a, msg)
}

// resolve finds the actor for a binding, spawning it lazily when allowed.
// Creation and kill both happen under e.mu, so a lazy create cannot interleave
// with a kill of the same binding.
func (e *Engine) resolve(ctx context.Context, b domain.Binding) (*actor, error) {
	e.mu.Lock()
	a, ok := e.actors[b]
	closed := e.closed
	e.mu.Unlock()
	if ok {
		return a, nil
	}
	if closed {
		return nil, domain.ErrRuntimeClosed
	}
	if !e.lazySpawn || !e.registry.Has(b.Process) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProcessNotFound, b)
	}
	if _, err := e.graph.Vertex(ctx, b.Vertex); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrRuntimeClosed
	}
	if a, ok := e.actors[b]; ok {
		return a, nil
	}
	if _, err := e.spawnLocked(ctx, b); err != nil {
		return nil, err
	}
	return e.actors[b], nil
}

func (e *Engine) deliver(ctx context.Context, a *actor, msg domain.Message) error {
	if err := a.box.push(envelope{kind: kindMessage, msg: msg}); err != nil {
		reason := "mailbox_closed"
		if errors.Is(err, ErrMailboxFull) {
			reason = "mailbox_full"
		}
		e.dropped(ctx, a.inst.Binding, msg, reason)
		return fmt.Errorf("%w: %s: %w", domain.ErrEmissionFailure, a.inst.Binding, err)
	}
	return nil
}

// EmitByQuery delivers the message once to every matched binding.
// The filter is evaluated against the process index and against the graph
// index, where a matched vertex stands for every process bound to it.
func (e *Engine) EmitByQuery(ctx context.Context, filter string, msg domain.Message) (int, error) {
	q, err := query.Parse(filter)
	if err != nil {
		return 0, err
	}

	targets := make(map[domain.Binding]*actor)
	e.mu.Lock()
	for b, a := range e.actors {
		if q.Match(instanceRecord(a.inst)) {
			targets[b] = a
		}
	}
	e.mu.Unlock()

	vertices, err := e.matchedVertices(ctx, q, filter)
	if err != nil {
		return 0, err
	}
	if len(vertices) > 0 {
		e.mu.Lock()
		for b, a := range e.actors {
			if _, ok := vertices[b.Vertex]; ok {
				targets[b] = a
			}
		}
		e.mu.Unlock()
	}

	if len(targets) == 0 {
		e.logger.Debug("emitByQuery matched nothing", "query", filter)
		return 0, nil
	}

	delivered := 0
	var errs []error
	for _, a := range targets {
		if err := e.deliver(ctx, a, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// matchedVertices returns the keys of the vertices a filter selects. Filters
// that can only match process records skip the graph index.
func (e *Engine) matchedVertices(ctx context.Context, q query.Query, filter string) (map[string]struct{}, error) {
	if q.ProcessOnly() {
		return nil, nil
	}
	recs, err := e.graph.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrQueryFailure, err)
	}
	vertices := make(map[string]struct{})
	for _, r := range recs {
		if r.Type() == domain.TypeVertex {
			vertices[r.Key()] = struct{}{}
		}
	}
	return vertices, nil
}

// Processes returns the process index records matching a filter.
func (e *Engine) Processes(filter string) ([]domain.Record, error) {
	var q query.Query
	all := filter == ""
	if !all {
		var err error
		if q, err = query.Parse(filter); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	recs := make([]domain.Record, 0, len(e.actors))
	for _, a := range e.actors {
		r := instanceRecord(a.inst)
		if all || q.Match(r) {
			recs = append(recs, r)
		}
	}
	e.mu.Unlock()
	sortRecords(recs)
	return recs, nil
}

// Stats reports the number of live actors and queued mailbox items.
func (e *Engine) Stats() (actors, queued int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.actors {
		queued += a.box.len()
	}
	return len(e.actors), queued
}

func (e *Engine) publish(ctx context.Context, endpoint string, payload any) error {
	if e.endpoints == nil {
		return fmt.Errorf("%w: no endpoint publisher configured", domain.ErrEmissionFailure)
	}
	return e.endpoints.Publish(ctx, endpoint, payload)
}

func (e *Engine) rearm(ctx context.Context, target domain.Binding) error {
	e.rearmMu.RLock()
	r := e.rearmer
	e.rearmMu.RUnlock()
	if r == nil {
		return fmt.Errorf("%w: no clock attached", domain.ErrEmissionFailure)
	}
	return r.Rearm(ctx, target)
}

func (e *Engine) dropped(ctx context.Context, b domain.Binding, msg domain.Message, reason string) {
	e.logger.Debug("message dropped", "binding", b.String(), "msg_type", msg.Type(), "reason", reason)
	if h := e.hooks.OnDrop; h != nil {
		h(ctx, &domain.MessageEvent{
			EventBase:   domain.EventBase{Timestamp: time.Now(), Type: domain.EventDrop},
			Binding:     b,
			MessageType: msg.Type(),
			Reason:      reason,
		})
	}
}

func (e *Engine) fireKill(ctx context.Context, b domain.Binding) {
	if h := e.hooks.OnKill; h != nil {
		h(ctx, &domain.ProcessEvent{
			EventBase: domain.EventBase{Timestamp: time.Now(), Type: domain.EventProcessKill},
			Binding:   b,
		})
	}
}

// processContext is the process.Context handed to each instance.
type processContext struct {
	engine  *Engine
	self    domain.Binding
	options map[string]any
	logger  *slog.Logger
}

var _ process.Context = (*processContext)(nil)

var _ registry.Owner = (*Engine)(nil)

func (p *processContext) Self() domain.Binding    { return p.self }
func (p *processContext) Graph() ports.GraphIndex { return p.engine.graph }
func (p *processContext) Options() map[string]any { return p.options }
func (p *processContext) Logger() *slog.Logger    { return p.logger }

func (p *processContext) Emit(ctx context.Context, to domain.Binding, msg domain.Message) error {
	return p.engine.Emit(ctx, to, msg)
}

func (p *processContext) EmitByQuery(ctx context.Context, filter string, msg domain.Message) (int, error) {
	return p.engine.EmitByQuery(ctx, filter, msg)
}

func (p *processContext) Publish(ctx context.Context, endpoint string, payload any) error {
	return p.engine.publish(ctx, endpoint, payload)
}

func (p *processContext) Rearm(ctx context.Context, target domain.Binding) error {
	return p.engine.rearm(ctx, target)
}
