package runtime_test

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/lattice/internal/runtime"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/process"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a test process that remembers what it saw.
type recorder struct {
	process.Base
	self  domain.Binding
	sink  *journal
	delay time.Duration

	active atomic.Int32
}

type journal struct {
	mu      sync.Mutex
	entries []string
	overlap atomic.Bool
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (r *recorder) OnMessage(_ context.Context, msg domain.Message) error {
	if r.active.Add(1) > 1 {
		r.sink.overlap.Store(true)
	}
	defer r.active.Add(-1)
	if msg.Type() == "bogus" {
		return domain.ErrUnknownMessageType
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.sink.add(r.self.String() + ":" + msg.Type() + ":" + msg.String("seq"))
	return nil
}

func (r *recorder) OnBeforeKill(context.Context) {
	r.sink.add(r.self.String() + ":kill")
}

func (r *recorder) OnBeforeRemoveVertex(_ context.Context, v domain.Vertex) {
	r.sink.add(r.self.String() + ":before_remove_vertex:" + v.Key)
}

func (r *recorder) OnBeforeRemoveEdge(_ context.Context, e domain.Edge) {
	r.sink.add(r.self.String() + ":before_remove_edge:" + e.Key)
}

type fixture struct {
	graph  *memory.Graph
	engine *runtime.Engine
	sink   *journal
	hooks  *hookCounts
}

type hookCounts struct {
	spawned, killed, delivered, dropped atomic.Int32
	mu                                  sync.Mutex
	reasons                             []string
}

func newFixture(t *testing.T, delay time.Duration, opts ...runtime.EngineOption) *fixture {
	t.Helper()
	ctx := context.Background()
	g := memory.NewGraph()
	require.NoError(t, ports.SeedGateGraph(ctx, g))

	sink := &journal{}
	reg := registry.New()
	reg.Register("rec", func(pc process.Context) (process.Process, error) {
		return &recorder{self: pc.Self(), sink: sink, delay: delay}, nil
	})

	counts := &hookCounts{}
	hooks := domain.LifecycleHooks{
		OnSpawn:   func(context.Context, *domain.ProcessEvent) { counts.spawned.Add(1) },
		OnKill:    func(context.Context, *domain.ProcessEvent) { counts.killed.Add(1) },
		OnDeliver: func(context.Context, *domain.MessageEvent) { counts.delivered.Add(1) },
		OnDrop: func(_ context.Context, e *domain.MessageEvent) {
			counts.dropped.Add(1)
			counts.mu.Lock()
			counts.reasons = append(counts.reasons, e.Reason)
			counts.mu.Unlock()
		},
	}

	opts = append([]runtime.EngineOption{runtime.WithLifecycleHooks(hooks)}, opts...)
	e := runtime.NewEngine(g, reg, opts...)
	g.Observe(e)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return &fixture{graph: g, engine: e, sink: sink, hooks: counts}
}

func seq(n string) domain.Message {
	return domain.NewMessage("ping", map[string]any{"seq": n})
}

func TestEngine_SpawnRequiresRegisteredTypeAndVertex(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.engine.Spawn(ctx, domain.NewBinding("g1", "nope"), nil)
	assert.ErrorIs(t, err, domain.ErrUnknownProcessType)

	_, err = f.engine.Spawn(ctx, domain.NewBinding("ghost", "rec"), nil)
	assert.ErrorIs(t, err, domain.ErrVertexNotFound)

	inst, err := f.engine.Spawn(ctx, domain.NewBinding("g1", "rec"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, inst.PID)
	assert.EqualValues(t, 1, f.hooks.spawned.Load())
}

func TestEngine_EmitPreservesOrderPerSender(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	b := domain.NewBinding("g1", "rec")
	_, err := f.engine.Spawn(ctx, b, nil)
	require.NoError(t, err)

	want := []string{}
	for _, n := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, f.engine.Emit(ctx, b, seq(n)))
		want = append(want, "g1/rec:ping:"+n)
	}

	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, f.sink.snapshot())
}

func TestEngine_HandlesOneMessageAtATime(t *testing.T) {
	f := newFixture(t, 2*time.Millisecond)
	ctx := context.Background()
	b := domain.NewBinding("g1", "rec")
	_, err := f.engine.Spawn(ctx, b, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.engine.Emit(ctx, b, seq("x"))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 8 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.sink.overlap.Load(), "handler ran concurrently with itself")
}

func TestEngine_EmitToUnknownBinding(t *testing.T) {
	f := newFixture(t, 0)
	err := f.engine.Emit(context.Background(), domain.NewBinding("g1", "rec"), seq("1"))
	assert.ErrorIs(t, err, domain.ErrEmissionFailure)
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
	assert.EqualValues(t, 1, f.hooks.dropped.Load())
}

func TestEngine_LazySpawn(t *testing.T) {
	f := newFixture(t, 0, runtime.WithLazySpawn(true))
	ctx := context.Background()

	require.NoError(t, f.engine.Emit(ctx, domain.NewBinding("g1", "rec"), seq("1")))
	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	err := f.engine.Emit(ctx, domain.NewBinding("ghost", "rec"), seq("1"))
	assert.ErrorIs(t, err, domain.ErrVertexNotFound)

	err = f.engine.Emit(ctx, domain.NewBinding("g1", "unknown"), seq("1"))
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
}

func TestEngine_EmitByQueryReachesEachBindingOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for _, v := range []string{"in1", "in2", "g1", "out"} {
		_, err := f.engine.Spawn(ctx, domain.NewBinding(v, "rec"), nil)
		require.NoError(t, err)
	}

	// Matches through both the process index and the vertex records.
	n, err := f.engine.EmitByQuery(ctx, "obj_key:in*", seq("q"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.engine.EmitByQuery(ctx, "kind:input", seq("v"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.engine.EmitByQuery(ctx, "_type:p process:rec", seq("all"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = f.engine.EmitByQuery(ctx, "_type:p obj_key:aux", seq("none"))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.engine.EmitByQuery(ctx, "", seq("bad"))
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)

	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 8 }, time.Second, 5*time.Millisecond)
}

func TestEngine_DeliverReportsQueueWait(t *testing.T) {
	var mu sync.Mutex
	waited := map[string]time.Duration{}
	hooks := domain.LifecycleHooks{OnDeliver: func(_ context.Context, e *domain.MessageEvent) {
		mu.Lock()
		defer mu.Unlock()
		waited[e.MessageType] = e.Waited
	}}
	f := newFixture(t, 30*time.Millisecond, runtime.WithLifecycleHooks(hooks))
	ctx := context.Background()
	b := domain.NewBinding("g1", "rec")
	_, err := f.engine.Spawn(ctx, b, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.Emit(ctx, b, domain.NewMessage("first", nil)))
	require.NoError(t, f.engine.Emit(ctx, b, domain.NewMessage("second", nil)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(waited) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, waited["second"], 20*time.Millisecond)
	assert.GreaterOrEqual(t, waited["second"], waited["first"])
}

// countingIndex counts the queries that reach the graph index.
type countingIndex struct {
	ports.GraphIndex
	queries atomic.Int32
}

func (c *countingIndex) Query(ctx context.Context, filter string) ([]domain.Record, error) {
	c.queries.Add(1)
	return c.GraphIndex.Query(ctx, filter)
}

func TestEngine_ProcessFiltersSkipGraphIndex(t *testing.T) {
	ctx := context.Background()
	g := memory.NewGraph()
	require.NoError(t, ports.SeedGateGraph(ctx, g))
	idx := &countingIndex{GraphIndex: g}

	sink := &journal{}
	reg := registry.New()
	reg.Register("rec", func(pc process.Context) (process.Process, error) {
		return &recorder{self: pc.Self(), sink: sink}, nil
	})
	e := runtime.NewEngine(idx, reg)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	for _, v := range []string{"g1", "out"} {
		_, err := e.Spawn(ctx, domain.NewBinding(v, "rec"), nil)
		require.NoError(t, err)
	}
	idx.queries.Store(0)

	for _, filter := range []string{"_type:p obj_key:out", "obj_key:out", "process:rec instance_name:g1-rec"} {
		n, err := e.EmitByQuery(ctx, filter, seq(filter))
		require.NoError(t, err)
		assert.Equal(t, 1, n, filter)
	}
	assert.Zero(t, idx.queries.Load())

	n, err := e.EmitByQuery(ctx, "gate:AND", seq("vertex"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, idx.queries.Load())
}

func TestEngine_UnknownMessageTypeIsDropped(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	b := domain.NewBinding("g1", "rec")
	_, err := f.engine.Spawn(ctx, b, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.Emit(ctx, b, domain.NewMessage("bogus", nil)))
	require.NoError(t, f.engine.Emit(ctx, b, seq("after")))

	require.Eventually(t, func() bool { return f.hooks.delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, f.hooks.dropped.Load())
	assert.Len(t, f.sink.snapshot(), 1)
}

func TestEngine_KillRunsHookAndRemovesInstance(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	b := domain.NewBinding("g1", "rec")
	_, err := f.engine.Spawn(ctx, b, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.Kill(ctx, b))
	assert.ErrorIs(t, f.engine.Kill(ctx, b), domain.ErrProcessNotFound)

	require.Eventually(t, func() bool { return f.hooks.killed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"g1/rec:kill"}, f.sink.snapshot())

	_, err = f.engine.Lookup(b)
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
	assert.ErrorIs(t, f.engine.Emit(ctx, b, seq("1")), domain.ErrProcessNotFound)
}

func TestEngine_RespawnReplacesInstance(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	b := domain.NewBinding("g1", "rec")
	first, err := f.engine.Spawn(ctx, b, nil)
	require.NoError(t, err)
	second, err := f.engine.Spawn(ctx, b, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, second.PID)

	require.Eventually(t, func() bool { return f.hooks.killed.Load() == 1 }, time.Second, 5*time.Millisecond)
	live, err := f.engine.Lookup(b)
	require.NoError(t, err)
	assert.Equal(t, second.PID, live.PID)
	assert.Equal(t, 1, f.engine.Registry().Len())
}

func TestEngine_RemoveVertexNotifiesThenKills(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for _, v := range []string{"g1", "out"} {
		_, err := f.engine.Spawn(ctx, domain.NewBinding(v, "rec"), nil)
		require.NoError(t, err)
	}

	require.NoError(t, f.graph.RemoveVertex(ctx, "out"))

	require.Eventually(t, func() bool { return f.hooks.killed.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return slices.Contains(f.sink.snapshot(), "g1/rec:before_remove_edge:e-g1-out")
	}, time.Second, 5*time.Millisecond)
	entries := f.sink.snapshot()

	var outSeen []string
	for _, e := range entries {
		if strings.HasPrefix(e, "out/rec:") {
			outSeen = append(outSeen, e)
		}
	}
	assert.Equal(t, []string{
		"out/rec:before_remove_vertex:out",
		"out/rec:before_remove_edge:e-g1-out",
		"out/rec:kill",
	}, outSeen)

	_, err := f.engine.Lookup(domain.NewBinding("out", "rec"))
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
}

func TestEngine_ProcessesAndStats(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for _, v := range []string{"in2", "in1"} {
		_, err := f.engine.Spawn(ctx, domain.NewBinding(v, "rec"), nil)
		require.NoError(t, err)
	}

	recs, err := f.engine.Processes("")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "in1-rec", recs[0].String(domain.FieldInstanceName))
	assert.Equal(t, "in1", recs[0].String(domain.FieldObjectKey))

	recs, err = f.engine.Processes("obj_key:in2")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	actors, _ := f.engine.Stats()
	assert.Equal(t, 2, actors)
}

func TestEngine_MailboxCapacity(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, runtime.WithMailboxCapacity(1))
	ctx := context.Background()
	b := domain.NewBinding("g1", "rec")
	_, err := f.engine.Spawn(ctx, b, nil)
	require.NoError(t, err)

	var failed int
	for i := 0; i < 5; i++ {
		if err := f.engine.Emit(ctx, b, seq("x")); err != nil {
			assert.ErrorIs(t, err, runtime.ErrMailboxFull)
			failed++
		}
	}
	assert.Positive(t, failed)
}

func TestEngine_CloseRejectsWork(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	b := domain.NewBinding("g1", "rec")
	_, err := f.engine.Spawn(ctx, b, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.Close(ctx))
	assert.EqualValues(t, 1, f.hooks.killed.Load())

	_, err = f.engine.Spawn(ctx, b, nil)
	assert.ErrorIs(t, err, domain.ErrRuntimeClosed)
	assert.ErrorIs(t, f.engine.Emit(ctx, b, seq("1")), domain.ErrRuntimeClosed)
}
