package redis_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aretw0/lattice/internal/testutils"
	"github.com/aretw0/lattice/pkg/adapters/redis"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/endpoint"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisGraph_Contract(t *testing.T) {
	ports.RunGraphStoreContract(t, func(t *testing.T) ports.GraphStore {
		_, client := testutils.SetupRedis(t)
		return redis.NewFromClient(client)
	})
}

func TestRedisGraph_Layout(t *testing.T) {
	mr, client := testutils.SetupRedis(t)
	g := redis.NewFromClient(client, redis.WithPrefix("test:"))
	ctx := context.Background()
	require.NoError(t, ports.SeedGateGraph(ctx, g))

	assert.True(t, mr.Exists("test:vertices"))
	assert.True(t, mr.Exists("test:edges"))
	members, err := mr.SMembers("test:in:g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e-in1-g1", "e-in2-g1"}, members)

	vertices, edges, err := g.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, vertices)
	assert.EqualValues(t, 4, edges)

	// The topology lock is released after each mutation.
	assert.False(t, mr.Exists("test:lock:topology"))
}

func TestRedisGraph_SharedAcrossStores(t *testing.T) {
	_, client := testutils.SetupRedis(t)
	ctx := context.Background()
	writer := redis.NewFromClient(client)
	reader := redis.NewFromClient(client)
	require.NoError(t, ports.SeedGateGraph(ctx, writer))

	recs, err := reader.Query(ctx, "_type:e _target:g1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestRedisGraph_PropsKeepNumbers(t *testing.T) {
	_, client := testutils.SetupRedis(t)
	g := redis.NewFromClient(client)
	ctx := context.Background()
	require.NoError(t, g.AddVertex(ctx, domain.Vertex{Key: "a", Props: map[string]any{"weight": 3}}))

	recs, err := g.Query(ctx, "weight:3")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Key())
}

func TestRedisGraph_ReplaceEdgeRelinks(t *testing.T) {
	_, client := testutils.SetupRedis(t)
	g := redis.NewFromClient(client)
	ctx := context.Background()
	require.NoError(t, ports.SeedGateGraph(ctx, g))

	require.NoError(t, g.AddEdge(ctx, domain.Edge{Key: "e-g1-out", Source: "g1", Target: "aux", Label: domain.LabelSignal}))
	outs, err := g.Neighbors(ctx, "g1", ports.Outgoing, domain.LabelSignal)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "aux", outs[0].Key)

	ins, err := g.Neighbors(ctx, "out", ports.Incoming)
	require.NoError(t, err)
	assert.Empty(t, ins)
}

func TestLocker_Contention(t *testing.T) {
	_, client := testutils.SetupRedis(t)
	l1 := redis.NewLocker(client, "test:")
	l2 := redis.NewLocker(client, "test:")
	ctx := context.Background()

	unlock, err := l1.Lock(ctx, "r", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_, err = l2.Lock(short, "r", 5*time.Second)
	assert.ErrorIs(t, err, redis.ErrLockAcquire)

	require.NoError(t, unlock(ctx))
	unlock2, err := l2.Lock(ctx, "r", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}

func TestLocker_ExpiredContextIsContention(t *testing.T) {
	_, client := testutils.SetupRedis(t)
	ctx := context.Background()
	unlock, err := redis.NewLocker(client, "test:").Lock(ctx, "r", 5*time.Second)
	require.NoError(t, err)
	defer unlock(ctx)

	expired, cancel := context.WithCancel(ctx)
	cancel()
	_, err = redis.NewLocker(client, "test:").Lock(expired, "r", 5*time.Second)
	assert.ErrorIs(t, err, redis.ErrLockAcquire)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocker_BackendFailureIsNotContention(t *testing.T) {
	_, client := testutils.SetupRedis(t)
	require.NoError(t, client.Close())

	_, err := redis.NewLocker(client, "test:").Lock(context.Background(), "r", time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, redis.ErrLockAcquire)
}

func TestEndpointSink_PublishesEnvelope(t *testing.T) {
	_, client := testutils.SetupRedis(t)
	ctx := context.Background()
	sink := redis.NewEndpointSink(client, "")

	sub := client.Subscribe(ctx, sink.Channel("test_endpoint"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	hub := endpoint.New(endpoint.WithSink(sink))
	require.NoError(t, hub.Publish(ctx, "test_endpoint", map[string]any{"g1": 1}))

	select {
	case m := <-sub.Channel():
		var env struct {
			From string         `json:"from"`
			Msg  map[string]any `json:"msg"`
		}
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &env))
		assert.Equal(t, "test_endpoint", env.From)
		assert.EqualValues(t, 1, env.Msg["g1"])
	case <-time.After(time.Second):
		t.Fatal("no message on redis channel")
	}
}
