// Package process defines the contract every vertex-bound actor implements and
// the context the runtime hands to it.
package process

import (
	"context"
	"log/slog"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// Process is a stateful handler bound to one vertex. The runtime never calls
// any of these methods concurrently for the same instance.
type Process interface {
	// OnMessage is the sole entry point for application logic.
	// Unrecognized types should return domain.ErrUnknownMessageType.
	OnMessage(ctx context.Context, msg domain.Message) error

	// OnBeforeKill runs before the instance is destroyed. It cannot veto destruction.
	OnBeforeKill(ctx context.Context)

	OnBeforeRemoveVertex(ctx context.Context, v domain.Vertex)
	OnBeforeRemoveEdge(ctx context.Context, e domain.Edge)
	OnAfterRemoveEdge(ctx context.Context, e domain.Edge)
}

// Factory constructs a new instance bound to the context's vertex.
type Factory func(pc Context) (Process, error)

// Context is what a process instance can see of the runtime.
type Context interface {
	// Self is the binding this instance serves.
	Self() domain.Binding

	// Graph is the shared graph index.
	Graph() ports.GraphIndex

	// Emit delivers a message to one binding.
	Emit(ctx context.Context, to domain.Binding, msg domain.Message) error

	// EmitByQuery delivers a message to every process matching the filter.
	EmitByQuery(ctx context.Context, filter string, msg domain.Message) (int, error)

	// Publish sends a payload to a named endpoint sink.
	Publish(ctx context.Context, endpoint string, payload any) error

	// Rearm asks the clock driver to pulse the binding again.
	Rearm(ctx context.Context, target domain.Binding) error

	// Options are the raw per-instance options from configuration.
	Options() map[string]any

	Logger() *slog.Logger
}

// Base provides logging implementations of the lifecycle hooks.
// Embed it and override what the process cares about.
type Base struct {
	Log *slog.Logger
}

func (b Base) logger() *slog.Logger {
	if b.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.Log
}

func (b Base) OnBeforeKill(ctx context.Context) {
	b.logger().DebugContext(ctx, "beforeKill")
}

func (b Base) OnBeforeRemoveVertex(ctx context.Context, v domain.Vertex) {
	b.logger().DebugContext(ctx, "beforeRemoveVertex", "vertex", v.Key)
}

func (b Base) OnBeforeRemoveEdge(ctx context.Context, e domain.Edge) {
	b.logger().DebugContext(ctx, "beforeRemoveEdge", "edge", e.Key)
}

func (b Base) OnAfterRemoveEdge(ctx context.Context, e domain.Edge) {
	b.logger().DebugContext(ctx, "afterRemoveEdge", "edge", e.Key)
}
