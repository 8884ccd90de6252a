package endpoint_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkFunc func(ctx context.Context, name string, env endpoint.Envelope) error

func (f sinkFunc) Forward(ctx context.Context, name string, env endpoint.Envelope) error {
	return f(ctx, name, env)
}

func TestHub_PublishWrapsPayload(t *testing.T) {
	h := endpoint.New()
	ch, unsubscribe := h.Subscribe("test_endpoint")
	defer unsubscribe()

	require.NoError(t, h.Publish(context.Background(), "test_endpoint", map[string]any{"g1": 1}))

	env := <-ch
	assert.Equal(t, "test_endpoint", env.From)
	assert.Equal(t, map[string]any{"g1": 1}, env.Msg)
}

func TestHub_OnlyMatchingEndpointReceives(t *testing.T) {
	h := endpoint.New()
	a, ua := h.Subscribe("a")
	defer ua()
	b, ub := h.Subscribe("b")
	defer ub()

	require.NoError(t, h.Publish(context.Background(), "a", "hello"))
	assert.Len(t, a, 1)
	assert.Len(t, b, 0)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := endpoint.New(endpoint.WithBuffer(1))
	ch, unsubscribe := h.Subscribe("e")
	defer unsubscribe()

	for range 5 {
		require.NoError(t, h.Publish(context.Background(), "e", "x"))
	}
	assert.Len(t, ch, 1)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := endpoint.New()
	ch, unsubscribe := h.Subscribe("e")
	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, h.Publish(context.Background(), "e", "x"))
}

func TestHub_StrictEndpoints(t *testing.T) {
	h := endpoint.New(endpoint.WithStrictEndpoints())
	err := h.Publish(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, domain.ErrEmissionFailure)

	require.NoError(t, h.Create("yes"))
	require.NoError(t, h.Publish(context.Background(), "yes", "x"))
	assert.Equal(t, []string{"yes"}, h.Endpoints())
}

func TestHub_Sinks(t *testing.T) {
	var forwarded []endpoint.Envelope
	ok := sinkFunc(func(_ context.Context, _ string, env endpoint.Envelope) error {
		forwarded = append(forwarded, env)
		return nil
	})
	h := endpoint.New(endpoint.WithSink(ok))
	require.NoError(t, h.Publish(context.Background(), "e", 1))
	require.Len(t, forwarded, 1)
	assert.Equal(t, "e", forwarded[0].From)

	failing := sinkFunc(func(context.Context, string, endpoint.Envelope) error {
		return errors.New("down")
	})
	h = endpoint.New(endpoint.WithSink(failing))
	assert.ErrorIs(t, h.Publish(context.Background(), "e", 1), domain.ErrEmissionFailure)
}

func TestHub_Close(t *testing.T) {
	h := endpoint.New()
	ch, unsubscribe := h.Subscribe("e")
	h.Close()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}
