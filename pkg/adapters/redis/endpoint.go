package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aretw0/lattice/pkg/endpoint"
	backend "github.com/redis/go-redis/v9"
)

// EndpointSink forwards endpoint publications to Redis PUBLISH channels
// named "<prefix><endpoint>".
type EndpointSink struct {
	client *backend.Client
	prefix string
}

var _ endpoint.Sink = (*EndpointSink)(nil)

// NewEndpointSink creates a sink on an existing client.
func NewEndpointSink(client *backend.Client, prefix string) *EndpointSink {
	if prefix == "" {
		prefix = "lattice:endpoint:"
	}
	return &EndpointSink{client: client, prefix: prefix}
}

// Channel returns the Redis channel an endpoint publishes to.
func (s *EndpointSink) Channel(name string) string {
	return s.prefix + name
}

// Forward publishes the envelope as JSON.
func (s *EndpointSink) Forward(ctx context.Context, name string, env endpoint.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(name), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.Channel(name), err)
	}
	return nil
}
