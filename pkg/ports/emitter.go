package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// Emitter delivers messages to process instances.
// Both calls enqueue and return without waiting for the receiver to run.
type Emitter interface {
	// Emit delivers to one explicitly named binding.
	Emit(ctx context.Context, to domain.Binding, msg domain.Message) error

	// EmitByQuery delivers to every process matched by the filter and returns
	// how many bindings were reached. Zero matches is not an error.
	EmitByQuery(ctx context.Context, filter string, msg domain.Message) (int, error)
}

// EndpointPublisher is a named fire-and-forget sink.
type EndpointPublisher interface {
	Publish(ctx context.Context, endpoint string, payload any) error
}
