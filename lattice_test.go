package lattice_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/testutils"
	"github.com/aretw0/lattice/pkg/clock"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/gates"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tap forwards every state it receives to a channel.
type tap struct {
	process.Base
	states chan string
}

func (p *tap) OnMessage(_ context.Context, msg domain.Message) error {
	if msg.Type() != domain.MessageState {
		return domain.ErrUnknownMessageType
	}
	p.states <- msg.From() + "=" + domain.Stringify(msg.State())
	return nil
}

func newLattice(t *testing.T, opts ...lattice.Option) (*lattice.Lattice, chan string) {
	t.Helper()
	states := make(chan string, 16)
	opts = append(opts, lattice.WithProcess("Tap", func(pc process.Context) (process.Process, error) {
		return &tap{Base: process.Base{Log: pc.Logger()}, states: states}, nil
	}))
	l, err := lattice.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(context.Background()) })

	ctx := context.Background()
	require.NoError(t, ports.SeedGateGraph(ctx, l.Graph()))
	_, err = l.Spawn(ctx, domain.NewBinding("out", "Tap"), nil)
	require.NoError(t, err)
	return l, states
}

func next(t *testing.T, states chan string) string {
	t.Helper()
	select {
	case s := <-states:
		return s
	case <-time.After(time.Second):
		t.Fatal("no state reached the output")
		return ""
	}
}

func TestFacade_GateScenarios(t *testing.T) {
	cases := []struct {
		gate   string
		inputs map[string]int
		want   string
	}{
		{gates.TagAND, map[string]int{"in1": 1, "in2": 1}, "g1=1"},
		{gates.TagAND, map[string]int{"in1": 1, "in2": 0}, "g1=0"},
		{gates.TagAND, map[string]int{"in1": 1}, "g1=0"},
		{gates.TagOR, map[string]int{"in1": 0, "in2": 1}, "g1=1"},
		{gates.TagOR, map[string]int{"in1": 0, "in2": 0}, "g1=0"},
		{gates.TagOR, map[string]int{}, "g1=0"},
	}
	for _, tc := range cases {
		t.Run(tc.gate, func(t *testing.T) {
			l, states := newLattice(t)
			ctx := context.Background()
			g1 := domain.NewBinding("g1", tc.gate)
			_, err := l.Spawn(ctx, g1, nil)
			require.NoError(t, err)

			for from, v := range tc.inputs {
				require.NoError(t, l.Emit(ctx, g1, domain.NewState(from, v)))
			}
			require.NoError(t, l.Pulse(ctx, g1))
			assert.Equal(t, tc.want, next(t, states))

			// Inputs were cleared: a bare pulse evaluates low.
			require.NoError(t, l.Pulse(ctx, g1))
			assert.Equal(t, "g1=0", next(t, states))
		})
	}
}

func TestFacade_QueryFanOut(t *testing.T) {
	l, _ := newLattice(t)
	ctx := context.Background()
	for _, v := range []string{"in1", "in2"} {
		_, err := l.Spawn(ctx, domain.NewBinding(v, gates.TagLogger), nil)
		require.NoError(t, err)
	}

	n, err := l.EmitByQuery(ctx, "obj_key:in*", domain.NewState("test", 1))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.EmitByQuery(ctx, "obj_key:nobody", domain.NewState("test", 1))
	require.NoError(t, err)
	assert.Zero(t, n)

	recs, err := l.Processes("process:Logger")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestFacade_RearmIsCapped(t *testing.T) {
	l, states := newLattice(t, lattice.WithClockOptions(clock.WithMaxPulses(3)))
	ctx := context.Background()
	g1 := domain.NewBinding("g1", gates.TagAND)
	_, err := l.Spawn(ctx, g1, map[string]any{"rearm_target": "g1/AND"})
	require.NoError(t, err)

	require.NoError(t, l.Pulse(ctx, g1))
	for range 3 {
		assert.Equal(t, "g1=0", next(t, states))
	}
	select {
	case s := <-states:
		t.Fatalf("unexpected state after cap: %s", s)
	case <-time.After(100 * time.Millisecond):
	}
	assert.EqualValues(t, 3, l.Clock().Pulses())
}

func TestFacade_RemoveVertexKillsProcesses(t *testing.T) {
	l, _ := newLattice(t)
	ctx := context.Background()
	_, err := l.Spawn(ctx, domain.NewBinding("g1", gates.TagOR), nil)
	require.NoError(t, err)

	require.NoError(t, l.Graph().RemoveVertex(ctx, "g1"))
	require.Eventually(t, func() bool {
		recs, _ := l.Processes("obj_key:g1")
		return len(recs) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFacade_RegistryDestroyStopsDelivery(t *testing.T) {
	l, states := newLattice(t)
	ctx := context.Background()
	g1 := domain.NewBinding("g1", gates.TagOR)
	_, err := l.Spawn(ctx, g1, nil)
	require.NoError(t, err)

	require.NoError(t, l.Registry().Destroy(ctx, g1))

	_, err = l.Registry().Lookup(g1)
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
	recs, err := l.Processes("obj_key:g1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.ErrorIs(t, l.Emit(ctx, g1, domain.NewState("in1", 1)), domain.ErrProcessNotFound)
	assert.Error(t, l.Pulse(ctx, g1))
	select {
	case s := <-states:
		t.Fatalf("destroyed process emitted %s", s)
	case <-time.After(100 * time.Millisecond):
	}
	assert.ErrorIs(t, l.Registry().Destroy(ctx, g1), domain.ErrProcessNotFound)
}

func TestFacade_DefaultLoggerIsSilent(t *testing.T) {
	l, err := lattice.New()
	require.NoError(t, err)
	defer l.Close(context.Background())
	assert.False(t, l.Logger().Enabled(context.Background(), slog.LevelError))
}

func TestFacade_Redis(t *testing.T) {
	mr, client := testutils.SetupRedis(t)
	l, states := newLattice(t, lattice.WithRedis(client, "t:"))
	ctx := context.Background()
	assert.True(t, mr.Exists("t:graph:vertices"))

	g1 := domain.NewBinding("g1", gates.TagOR)
	_, err := l.Spawn(ctx, g1, nil)
	require.NoError(t, err)
	require.NoError(t, l.Emit(ctx, g1, domain.NewState("in1", 1)))
	require.NoError(t, l.Pulse(ctx, g1))
	assert.Equal(t, "g1=1", next(t, states))
}
