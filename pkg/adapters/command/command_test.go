package command_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/lattice/internal/runtime"
	"github.com/aretw0/lattice/pkg/adapters/command"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/clock"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/endpoint"
	"github.com/aretw0/lattice/pkg/gates"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	graph  *memory.Graph
	engine *runtime.Engine
	hub    *endpoint.Hub
	dialer *command.Dialer
}

func startServer(t *testing.T) *harness {
	t.Helper()
	g := memory.NewGraph()
	reg := registry.New()
	gates.RegisterAll(reg)
	hub := endpoint.New()
	engine := runtime.NewEngine(g, reg, runtime.WithEndpoints(hub))
	g.Observe(engine)
	clk := clock.New(engine)
	engine.SetRearmer(clk)

	srv := command.NewServer(g, engine,
		command.WithNamespace("logic"),
		command.WithPulser(clk),
		command.WithEndpoints(hub),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		_ = engine.Close(context.Background())
	})
	return &harness{
		graph:  g,
		engine: engine,
		hub:    hub,
		dialer: &command.Dialer{Addr: ln.Addr().String(), Namespace: "logic", Timeout: time.Second},
	}
}

func TestSession_RequiresUse(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	raw := &command.Dialer{Addr: h.dialer.Addr}
	err := command.WithSession(ctx, raw, func(s ports.CommandSession) error {
		_, err := s.Exec(ctx, "get anything")
		assert.ErrorIs(t, err, domain.ErrCommandFailed)
		assert.Contains(t, err.Error(), "REQUIRE_USE_DB")

		_, err = s.Exec(ctx, "use other")
		assert.ErrorIs(t, err, domain.ErrCommandFailed)

		_, err = s.Exec(ctx, "use logic")
		return err
	})
	require.NoError(t, err)
}

func TestSession_GraphCommands(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	err := command.WithSession(ctx, h.dialer, func(s ports.CommandSession) error {
		for _, line := range []string{
			`cvert in1 {"kind":"input"}`,
			`cvert in2 {"kind":"input"}`,
			`cvert g1 {"kind":"gate"}`,
			`cvert out`,
			`cedge e1 in1 g1 signal {}`,
			`cedge e2 in2 g1 signal 2.5 {"note":"x"}`,
			`cedge e3 g1 out signal`,
		} {
			_, err := s.Exec(ctx, line)
			require.NoError(t, err, line)
		}

		body, err := s.Exec(ctx, "get e2")
		require.NoError(t, err)
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(body), &rec))
		assert.Equal(t, "in2", rec["_source"])
		assert.EqualValues(t, 2.5, rec["_weight"])

		body, err = s.Exec(ctx, "q _type:e _target:g1")
		require.NoError(t, err)
		var res struct {
			Results []map[string]any `json:"results"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &res))
		assert.Len(t, res.Results, 2)

		body, err = s.Exec(ctx, "exists g1")
		require.NoError(t, err)
		assert.Equal(t, "true g1", body)
		body, err = s.Exec(ctx, "exists nope")
		require.NoError(t, err)
		assert.Equal(t, "false nope", body)

		_, err = s.Exec(ctx, "get nope")
		assert.ErrorIs(t, err, command.ErrNotFound)

		_, err = s.Exec(ctx, "del e1")
		require.NoError(t, err)
		_, err = s.Exec(ctx, "del out")
		require.NoError(t, err)
		_, err = s.Exec(ctx, "del out")
		assert.ErrorIs(t, err, command.ErrNotFound)

		_, err = s.Exec(ctx, `cvert bad {not json`)
		assert.ErrorIs(t, err, domain.ErrCommandFailed)

		_, err = s.Exec(ctx, "frobnicate")
		assert.ErrorIs(t, err, domain.ErrCommandFailed)
		assert.Contains(t, err.Error(), "unknown command: frobnicate")
		return nil
	})
	require.NoError(t, err)

	vertices, edges := h.graph.Stats()
	assert.Equal(t, 3, vertices)
	assert.Equal(t, 1, edges)
}

func TestSession_ProcessCommands(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()
	require.NoError(t, ports.SeedGateGraph(ctx, h.graph))

	events, unsubscribe := h.hub.Subscribe("walks")
	defer unsubscribe()

	err := command.WithSession(ctx, h.dialer, func(s ports.CommandSession) error {
		pid, err := s.Exec(ctx, `sproc g1 Traversal {"endpoint":"walks"}`)
		require.NoError(t, err)
		assert.NotEmpty(t, pid)
		for _, v := range []string{"out", "aux"} {
			_, err := s.Exec(ctx, "sproc "+v+" Traversal "+`{"endpoint":"walks"}`)
			require.NoError(t, err)
		}

		body, err := s.Exec(ctx, "qp obj_key:g1")
		require.NoError(t, err)
		assert.Contains(t, body, `"instance_name":"g1-Traversal"`)

		body, err = s.Exec(ctx, "ps")
		require.NoError(t, err)
		assert.Equal(t, 3, strings.Count(body, `"_type":"p"`))

		_, err = s.Exec(ctx, `emit g1 Traversal {"type":"walk"}`)
		require.NoError(t, err)

		body, err = s.Exec(ctx, `emitq obj_key:nobody {"type":"walk"}`)
		require.NoError(t, err)
		assert.Equal(t, "0", body)

		_, err = s.Exec(ctx, `emit g1 Traversal {"no_type":1}`)
		assert.ErrorIs(t, err, domain.ErrCommandFailed)

		_, err = s.Exec(ctx, "sproc g1 Nope")
		assert.ErrorIs(t, err, domain.ErrCommandFailed)

		_, err = s.Exec(ctx, "sproc in1 Logger")
		require.NoError(t, err)
		_, err = s.Exec(ctx, "kill in1 Logger")
		require.NoError(t, err)
		_, err = s.Exec(ctx, "kill in1 Logger")
		assert.ErrorIs(t, err, command.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	// g1 forwards to aux and out; both are dead ends and publish.
	for range 2 {
		select {
		case env := <-events:
			assert.Equal(t, "walks", env.From)
		case <-time.After(time.Second):
			t.Fatal("traversal did not publish")
		}
	}
}

func TestSession_PulseAndPublish(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()
	require.NoError(t, ports.SeedGateGraph(ctx, h.graph))

	events, unsubscribe := h.hub.Subscribe("news")
	defer unsubscribe()

	err := command.WithSession(ctx, h.dialer, func(s ports.CommandSession) error {
		_, err := s.Exec(ctx, "sproc g1 AND")
		require.NoError(t, err)
		_, err = s.Exec(ctx, "pulse g1 AND")
		require.NoError(t, err)

		_, err = s.Exec(ctx, `publish news {"hello":"world"}`)
		return err
	})
	require.NoError(t, err)

	env := <-events
	assert.Equal(t, "news", env.From)
	assert.Equal(t, map[string]any{"hello": "world"}, env.Msg)
}

func TestWithSession_ClosesOnError(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var held ports.CommandSession
	err := command.WithSession(ctx, h.dialer, func(s ports.CommandSession) error {
		held = s
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = held.Exec(ctx, "ps")
	assert.ErrorIs(t, err, domain.ErrCommandFailed)
	assert.NoError(t, held.Close())
}

func TestDialer_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d := &command.Dialer{Addr: addr, Timeout: 200 * time.Millisecond}
	err = command.WithSession(context.Background(), d, func(ports.CommandSession) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrCommandFailed)
}

func TestRemoteEmitter(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()
	require.NoError(t, ports.SeedGateGraph(ctx, h.graph))
	_, err := h.engine.Spawn(ctx, domain.NewBinding("out", gates.TagTraversal), nil)
	require.NoError(t, err)

	events, unsubscribe := h.hub.Subscribe(gates.DefaultTraversalEndpoint)
	defer unsubscribe()

	remote := command.NewRemoteEmitter(h.dialer)
	require.NoError(t, remote.Emit(ctx, domain.NewBinding("out", gates.TagTraversal), domain.NewMessage("walk", nil)))

	select {
	case env := <-events:
		assert.Contains(t, env.Msg, "out")
	case <-time.After(time.Second):
		t.Fatal("remote emit was not delivered")
	}

	n, err := remote.EmitByQuery(ctx, "obj_key:out", domain.NewMessage("walk", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = remote.Emit(ctx, domain.NewBinding("nobody", "AND"), domain.NewClock())
	assert.ErrorIs(t, err, domain.ErrCommandFailed)

	require.NoError(t, remote.Pulse(ctx, domain.NewBinding("out", gates.TagTraversal)))
}
