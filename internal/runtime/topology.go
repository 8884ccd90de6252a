package runtime

import (
	"cmp"
	"context"
	"slices"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/registry"
)

var _ ports.TopologyObserver = (*Engine)(nil)

// BeforeRemoveVertex notifies every process bound to the vertex.
func (e *Engine) BeforeRemoveVertex(ctx context.Context, v domain.Vertex) {
	ctx = context.WithoutCancel(ctx)
	e.notify(v.Key, func(a *actor) func() {
		return func() { a.inst.Process.OnBeforeRemoveVertex(ctx, v) }
	})
}

// AfterRemoveVertex kills the processes of a vertex that no longer exists.
// Their hook envelopes are already queued, so they run before the kill.
func (e *Engine) AfterRemoveVertex(ctx context.Context, v domain.Vertex) {
	for _, b := range e.bindingsOf(v.Key) {
		if err := e.Kill(ctx, b); err == nil {
			e.logger.Debug("killed process of removed vertex", "binding", b.String())
		}
	}
}

// BeforeRemoveEdge notifies the processes on both endpoints of the edge.
func (e *Engine) BeforeRemoveEdge(ctx context.Context, edge domain.Edge) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range edgeEnds(edge) {
		e.notify(key, func(a *actor) func() {
			return func() { a.inst.Process.OnBeforeRemoveEdge(ctx, edge) }
		})
	}
}

// AfterRemoveEdge notifies the processes on both endpoints of the edge.
func (e *Engine) AfterRemoveEdge(ctx context.Context, edge domain.Edge) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range edgeEnds(edge) {
		e.notify(key, func(a *actor) func() {
			return func() { a.inst.Process.OnAfterRemoveEdge(ctx, edge) }
		})
	}
}

func edgeEnds(edge domain.Edge) []string {
	if edge.Source == edge.Target {
		return []string{edge.Source}
	}
	return []string{edge.Source, edge.Target}
}

// notify queues a hook on every actor bound to vertex. Hooks go through the
// mailbox so they never overlap with message handling.
func (e *Engine) notify(vertex string, hook func(*actor) func()) {
	e.mu.Lock()
	targets := make([]*actor, 0)
	for b, a := range e.actors {
		if b.Vertex == vertex {
			targets = append(targets, a)
		}
	}
	e.mu.Unlock()

	for _, a := range targets {
		_ = a.box.push(envelope{kind: kindHook, hook: hook(a)})
	}
}

func (e *Engine) bindingsOf(vertex string) []domain.Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Binding
	for b := range e.actors {
		if b.Vertex == vertex {
			out = append(out, b)
		}
	}
	return out
}

// instanceRecord renders a live instance as a process index record.
func instanceRecord(inst *registry.Instance) domain.Record {
	return domain.Record{
		domain.FieldType:         domain.TypeProcess,
		domain.FieldKey:          inst.Binding.InstanceName(),
		domain.FieldObjectKey:    inst.Binding.Vertex,
		domain.FieldObjectType:   domain.TypeVertex,
		domain.FieldInstanceName: inst.Binding.InstanceName(),
		domain.FieldProcess:      inst.Binding.Process,
		domain.FieldStartTime:    inst.Started.UnixMilli(),
		domain.FieldPID:          inst.PID,
	}
}

func sortRecords(recs []domain.Record) {
	slices.SortFunc(recs, func(a, b domain.Record) int {
		return cmp.Compare(a.Key(), b.Key())
	})
}
