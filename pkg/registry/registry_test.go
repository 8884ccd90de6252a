package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/process"
	"github.com/aretw0/lattice/pkg/process/processtest"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcess struct {
	process.Base
	killed *int
	panics bool
}

func (s *stubProcess) OnMessage(ctx context.Context, msg domain.Message) error { return nil }

func (s *stubProcess) OnBeforeKill(ctx context.Context) {
	*s.killed++
	if s.panics {
		panic("boom")
	}
}

func stubFactory(killed *int, panics bool) process.Factory {
	return func(pc process.Context) (process.Process, error) {
		return &stubProcess{killed: killed, panics: panics}, nil
	}
}

func TestRegistry_UnknownProcessType(t *testing.T) {
	r := registry.New()
	_, err := r.Instantiate(processtest.New(domain.NewBinding("g1", "XOR"), nil))
	assert.ErrorIs(t, err, domain.ErrUnknownProcessType)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_FactoryError(t *testing.T) {
	r := registry.New()
	r.Register("BAD", func(pc process.Context) (process.Process, error) {
		return nil, errors.New("bad options")
	})
	_, err := r.Instantiate(processtest.New(domain.NewBinding("g1", "BAD"), nil))
	assert.ErrorContains(t, err, "bad options")
}

func TestRegistry_InstantiateLookupDestroy(t *testing.T) {
	killed := 0
	r := registry.New()
	r.Register("AND", stubFactory(&killed, false))
	assert.True(t, r.Has("AND"))
	assert.Equal(t, []string{"AND"}, r.Tags())

	b := domain.NewBinding("g1", "AND")
	inst, err := r.Instantiate(processtest.New(b, nil))
	require.NoError(t, err)
	assert.NotEmpty(t, inst.PID)

	got, err := r.Lookup(b)
	require.NoError(t, err)
	assert.Same(t, inst, got)

	require.NoError(t, r.Destroy(context.Background(), b))
	assert.Equal(t, 1, killed)

	_, err = r.Lookup(b)
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
	assert.ErrorIs(t, r.Destroy(context.Background(), b), domain.ErrProcessNotFound)
}

type killRecorder struct {
	r      *registry.Registry
	killed []domain.Binding
}

func (k *killRecorder) Kill(ctx context.Context, b domain.Binding) error {
	k.killed = append(k.killed, b)
	inst, err := k.r.Lookup(b)
	if err != nil {
		return err
	}
	k.r.Release(ctx, inst)
	return nil
}

func TestRegistry_DestroyGoesThroughOwner(t *testing.T) {
	killed := 0
	r := registry.New()
	r.Register("OR", stubFactory(&killed, false))
	owner := &killRecorder{r: r}
	r.Attach(owner)

	b := domain.NewBinding("g1", "OR")
	_, err := r.Instantiate(processtest.New(b, nil))
	require.NoError(t, err)

	require.NoError(t, r.Destroy(context.Background(), b))
	assert.Equal(t, []domain.Binding{b}, owner.killed)
	assert.Equal(t, 1, killed)
	assert.Equal(t, 0, r.Len())

	assert.ErrorIs(t, r.Destroy(context.Background(), b), domain.ErrProcessNotFound)
	assert.Len(t, owner.killed, 1)
}

func TestRegistry_DetachSkipsHookAndSuccessor(t *testing.T) {
	killed := 0
	r := registry.New()
	r.Register("AND", stubFactory(&killed, false))
	b := domain.NewBinding("g1", "AND")

	first, err := r.Instantiate(processtest.New(b, nil))
	require.NoError(t, err)
	second, err := r.Instantiate(processtest.New(b, nil))
	require.NoError(t, err)

	r.Detach(first)
	cur, err := r.Lookup(b)
	require.NoError(t, err)
	assert.Same(t, second, cur)

	r.Detach(second)
	assert.Equal(t, 0, r.Len())
	assert.Zero(t, killed)
}

func TestRegistry_ReinstantiateReplaces(t *testing.T) {
	killed := 0
	r := registry.New()
	r.Register("AND", stubFactory(&killed, false))
	b := domain.NewBinding("g1", "AND")

	first, err := r.Instantiate(processtest.New(b, nil))
	require.NoError(t, err)
	second, err := r.Instantiate(processtest.New(b, nil))
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, r.Len())

	// Retiring the replaced instance must not evict its successor.
	r.Release(context.Background(), first)
	assert.Equal(t, 1, killed)
	cur, err := r.Lookup(b)
	require.NoError(t, err)
	assert.Same(t, second, cur)

	r.Release(context.Background(), second)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_PanickingHookDoesNotBlockDestroy(t *testing.T) {
	killed := 0
	r := registry.New()
	r.Register("P", stubFactory(&killed, true))
	b := domain.NewBinding("v", "P")
	_, err := r.Instantiate(processtest.New(b, nil))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		require.NoError(t, r.Destroy(context.Background(), b))
	})
	assert.Equal(t, 1, killed)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_BindingsSorted(t *testing.T) {
	killed := 0
	r := registry.New()
	r.Register("A", stubFactory(&killed, false))
	r.Register("B", stubFactory(&killed, false))
	for _, b := range []domain.Binding{{Vertex: "v2", Process: "A"}, {Vertex: "v1", Process: "B"}, {Vertex: "v1", Process: "A"}} {
		_, err := r.Instantiate(processtest.New(b, nil))
		require.NoError(t, err)
	}
	assert.Equal(t, []domain.Binding{{Vertex: "v1", Process: "A"}, {Vertex: "v1", Process: "B"}, {Vertex: "v2", Process: "A"}}, r.Bindings())
}
