package gates

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/process"
)

// DefaultTraversalEndpoint receives the visited map when a walk dead-ends.
const DefaultTraversalEndpoint = "test_endpoint"

// TraversalOptions configure a traversal tester.
type TraversalOptions struct {
	Endpoint string `mapstructure:"endpoint"`
}

type traversal struct {
	process.Base
	pc       process.Context
	endpoint string
	now      func() time.Time
}

// NewTraversal creates a process that walks outgoing edges depth-first,
// carrying the set of visited vertices in the message.
func NewTraversal(pc process.Context) (process.Process, error) {
	opts := TraversalOptions{Endpoint: DefaultTraversalEndpoint}
	if err := decodeOptions(pc.Options(), &opts); err != nil {
		return nil, err
	}
	return &traversal{
		Base:     process.Base{Log: pc.Logger()},
		pc:       pc,
		endpoint: opts.Endpoint,
		now:      time.Now,
	}, nil
}

func visitedOf(msg domain.Message) (map[string]any, error) {
	raw, ok := msg.Get("visited")
	if !ok || raw == nil {
		return map[string]any{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("visited must be an object, got %T", raw)
	}
	return maps.Clone(m), nil
}

func (t *traversal) OnMessage(ctx context.Context, msg domain.Message) error {
	visited, err := visitedOf(msg)
	if err != nil {
		return err
	}
	self := t.pc.Self()
	if _, seen := visited[self.Vertex]; seen {
		return nil
	}
	visited[self.Vertex] = t.now().UnixNano()

	next, err := t.pc.Graph().Neighbors(ctx, self.Vertex, ports.Outgoing)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrQueryFailure, err)
	}

	sent := 0
	for _, v := range next {
		if _, seen := visited[v.Key]; seen {
			continue
		}
		fwd := msg.With("visited", maps.Clone(visited))
		if err := t.pc.Emit(ctx, domain.NewBinding(v.Key, self.Process), fwd); err != nil {
			t.pc.Logger().Warn("traversal step failed", "to", v.Key, "err", err)
			continue
		}
		visited[v.Key] = t.now().UnixNano()
		sent++
	}

	if sent == 0 {
		t.pc.Logger().Debug("traversal finished", "visited", len(visited), "endpoint", t.endpoint)
		return t.pc.Publish(ctx, t.endpoint, visited)
	}
	return nil
}
