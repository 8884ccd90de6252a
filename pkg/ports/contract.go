package ports

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RecordingObserver is a TopologyObserver that remembers the notifications it received.
type RecordingObserver struct {
	mu     sync.Mutex
	Events []string
}

func (o *RecordingObserver) add(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Events = append(o.Events, s)
}

// Snapshot returns a copy of the recorded events.
func (o *RecordingObserver) Snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.Events...)
}

func (o *RecordingObserver) BeforeRemoveVertex(_ context.Context, v domain.Vertex) {
	o.add("before_remove_vertex:" + v.Key)
}

func (o *RecordingObserver) AfterRemoveVertex(_ context.Context, v domain.Vertex) {
	o.add("after_remove_vertex:" + v.Key)
}

func (o *RecordingObserver) BeforeRemoveEdge(_ context.Context, e domain.Edge) {
	o.add("before_remove_edge:" + e.Key)
}

func (o *RecordingObserver) AfterRemoveEdge(_ context.Context, e domain.Edge) {
	o.add("after_remove_edge:" + e.Key)
}

// SeedGateGraph loads the two-input gate topology used across tests:
//
//	in1 --signal--> g1 --signal--> out
//	in2 --signal--> g1 --wire----> aux
func SeedGateGraph(ctx context.Context, store GraphStore) error {
	for _, v := range []domain.Vertex{
		{Key: "in1", Props: map[string]any{"kind": "input"}},
		{Key: "in2", Props: map[string]any{"kind": "input"}},
		{Key: "g1", Props: map[string]any{"kind": "gate", "gate": "AND"}},
		{Key: "out", Props: map[string]any{"kind": "output"}},
		{Key: "aux", Props: map[string]any{"kind": "output"}},
	} {
		if err := store.AddVertex(ctx, v); err != nil {
			return fmt.Errorf("seed vertex %s: %w", v.Key, err)
		}
	}
	for _, e := range []domain.Edge{
		{Key: "e-in1-g1", Source: "in1", Target: "g1", Label: domain.LabelSignal},
		{Key: "e-in2-g1", Source: "in2", Target: "g1", Label: domain.LabelSignal},
		{Key: "e-g1-out", Source: "g1", Target: "out", Label: domain.LabelSignal},
		{Key: "e-g1-aux", Source: "g1", Target: "aux", Label: "wire"},
	} {
		if err := store.AddEdge(ctx, e); err != nil {
			return fmt.Errorf("seed edge %s: %w", e.Key, err)
		}
	}
	return nil
}

func keysOf(vs []domain.Vertex) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Key
	}
	return out
}

// RunGraphStoreContract runs a suite of tests to verify that a GraphStore implementation
// adheres to the defined interface contract. newStore must return an empty store.
func RunGraphStoreContract(t *testing.T, newStore func(t *testing.T) GraphStore) {
	ctx := context.Background()

	t.Run("Vertex lookup", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, SeedGateGraph(ctx, store))

		v, err := store.Vertex(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, "g1", v.Key)
		assert.Equal(t, "AND", domain.Stringify(v.Props["gate"]))

		_, err = store.Vertex(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrVertexNotFound)
	})

	t.Run("Edge requires endpoints", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.AddVertex(ctx, domain.Vertex{Key: "a"}))
		err := store.AddEdge(ctx, domain.Edge{Key: "e", Source: "a", Target: "nope", Label: domain.LabelSignal})
		assert.ErrorIs(t, err, domain.ErrVertexNotFound)
	})

	t.Run("Keys must be addressable", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.AddVertex(ctx, domain.Vertex{Key: "a"}))
		require.NoError(t, store.AddVertex(ctx, domain.Vertex{Key: "ab"}))
		for _, key := range []string{"", "a b", "a\tb", "a*"} {
			assert.ErrorIs(t, store.AddVertex(ctx, domain.Vertex{Key: key}), domain.ErrInvalidKey, "vertex %q", key)
			assert.ErrorIs(t, store.AddEdge(ctx, domain.Edge{Key: key, Source: "a", Target: "ab"}), domain.ErrInvalidKey, "edge %q", key)
		}

		recs, err := store.Query(ctx, "_type:v")
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("Fan-in query", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, SeedGateGraph(ctx, store))

		recs, err := store.Query(ctx, "_type:e _target:g1")
		require.NoError(t, err)
		sources := make([]string, 0, len(recs))
		for _, r := range recs {
			sources = append(sources, r.String(domain.FieldSource))
		}
		assert.ElementsMatch(t, []string{"in1", "in2"}, sources)
	})

	t.Run("Vertex property query", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, SeedGateGraph(ctx, store))

		recs, err := store.Query(ctx, "_type:v kind:input")
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("Zero-result query", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, SeedGateGraph(ctx, store))

		recs, err := store.Query(ctx, "_type:e _target:nobody")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("Invalid query", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Query(ctx, "  ")
		assert.ErrorIs(t, err, domain.ErrInvalidQuery)
	})

	t.Run("Neighbors", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, SeedGateGraph(ctx, store))

		out, err := store.Neighbors(ctx, "g1", Outgoing, domain.LabelSignal)
		require.NoError(t, err)
		assert.Equal(t, []string{"out"}, keysOf(out))

		all, err := store.Neighbors(ctx, "g1", Outgoing)
		require.NoError(t, err)
		assert.Equal(t, []string{"aux", "out"}, keysOf(all))

		in, err := store.Neighbors(ctx, "g1", Incoming, domain.LabelSignal)
		require.NoError(t, err)
		assert.Equal(t, []string{"in1", "in2"}, keysOf(in))

		both, err := store.Neighbors(ctx, "g1", Both)
		require.NoError(t, err)
		assert.Equal(t, []string{"aux", "in1", "in2", "out"}, keysOf(both))

		_, err = store.Neighbors(ctx, "missing", Outgoing)
		assert.ErrorIs(t, err, domain.ErrVertexNotFound)
	})

	t.Run("Remove edge notifies", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, SeedGateGraph(ctx, store))
		obs := &RecordingObserver{}
		store.Observe(obs)

		require.NoError(t, store.RemoveEdge(ctx, "e-in2-g1"))
		assert.Equal(t, []string{"before_remove_edge:e-in2-g1", "after_remove_edge:e-in2-g1"}, obs.Snapshot())

		recs, err := store.Query(ctx, "_type:e _target:g1")
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		_, err = store.Edge(ctx, "e-in2-g1")
		assert.ErrorIs(t, err, domain.ErrEdgeNotFound)
		assert.ErrorIs(t, store.RemoveEdge(ctx, "e-in2-g1"), domain.ErrEdgeNotFound)
	})

	t.Run("Remove vertex cascades", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, SeedGateGraph(ctx, store))
		obs := &RecordingObserver{}
		store.Observe(obs)

		require.NoError(t, store.RemoveVertex(ctx, "out"))
		assert.Equal(t, []string{
			"before_remove_vertex:out",
			"before_remove_edge:e-g1-out",
			"after_remove_edge:e-g1-out",
			"after_remove_vertex:out",
		}, obs.Snapshot())

		_, err := store.Vertex(ctx, "out")
		assert.ErrorIs(t, err, domain.ErrVertexNotFound)

		outs, err := store.Neighbors(ctx, "g1", Outgoing, domain.LabelSignal)
		require.NoError(t, err)
		assert.Empty(t, outs)

		assert.ErrorIs(t, store.RemoveVertex(ctx, "out"), domain.ErrVertexNotFound)
	})
}
