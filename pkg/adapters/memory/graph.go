package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/query"
)

// Graph implements ports.GraphStore in memory.
// Safe for concurrent use.
type Graph struct {
	mu       sync.RWMutex
	vertices map[string]domain.Vertex
	edges    map[string]domain.Edge
	out      map[string]map[string]struct{} // vertex -> outgoing edge keys
	in       map[string]map[string]struct{} // vertex -> incoming edge keys

	obsMu     sync.RWMutex
	observers []ports.TopologyObserver
}

var _ ports.GraphStore = (*Graph)(nil)

// NewGraph creates an empty in-memory graph.
func NewGraph() *Graph {
	return &Graph{
		vertices: make(map[string]domain.Vertex),
		edges:    make(map[string]domain.Edge),
		out:      make(map[string]map[string]struct{}),
		in:       make(map[string]map[string]struct{}),
	}
}

// Observe registers a topology observer.
func (g *Graph) Observe(o ports.TopologyObserver) {
	g.obsMu.Lock()
	defer g.obsMu.Unlock()
	g.observers = append(g.observers, o)
}

func (g *Graph) notify(fn func(ports.TopologyObserver)) {
	g.obsMu.RLock()
	obs := slices.Clone(g.observers)
	g.obsMu.RUnlock()
	for _, o := range obs {
		fn(o)
	}
}

// AddVertex inserts or replaces a vertex. Props are copied.
func (g *Graph) AddVertex(_ context.Context, v domain.Vertex) error {
	if err := domain.ValidateKey(v.Key); err != nil {
		return fmt.Errorf("vertex: %w", err)
	}
	v.Props = maps.Clone(v.Props)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vertices[v.Key] = v
	return nil
}

// AddEdge inserts or replaces an edge.
func (g *Graph) AddEdge(_ context.Context, e domain.Edge) error {
	if err := domain.ValidateKey(e.Key); err != nil {
		return fmt.Errorf("edge: %w", err)
	}
	e.Props = maps.Clone(e.Props)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range []string{e.Source, e.Target} {
		if _, ok := g.vertices[k]; !ok {
			return fmt.Errorf("%w: %s", domain.ErrVertexNotFound, k)
		}
	}
	if old, ok := g.edges[e.Key]; ok {
		g.unlinkLocked(old)
	}
	g.edges[e.Key] = e
	link(g.out, e.Source, e.Key)
	link(g.in, e.Target, e.Key)
	return nil
}

func link(idx map[string]map[string]struct{}, vertex, edge string) {
	set, ok := idx[vertex]
	if !ok {
		set = make(map[string]struct{})
		idx[vertex] = set
	}
	set[edge] = struct{}{}
}

func (g *Graph) unlinkLocked(e domain.Edge) {
	delete(g.out[e.Source], e.Key)
	delete(g.in[e.Target], e.Key)
	delete(g.edges, e.Key)
}

// Vertex returns a vertex by key.
func (g *Graph) Vertex(_ context.Context, key string) (domain.Vertex, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vertices[key]
	if !ok {
		return domain.Vertex{}, fmt.Errorf("%w: %s", domain.ErrVertexNotFound, key)
	}
	v.Props = maps.Clone(v.Props)
	return v, nil
}

// Edge returns an edge by key.
func (g *Graph) Edge(_ context.Context, key string) (domain.Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[key]
	if !ok {
		return domain.Edge{}, fmt.Errorf("%w: %s", domain.ErrEdgeNotFound, key)
	}
	e.Props = maps.Clone(e.Props)
	return e, nil
}

// Query returns vertex and edge records matching the filter.
// Exact _key, _source and _target terms narrow the scan.
func (g *Graph) Query(_ context.Context, filter string) ([]domain.Record, error) {
	q, err := query.Parse(filter)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var candidates []domain.Record
	switch {
	case hasExact(q, domain.FieldKey):
		key, _ := q.Exact(domain.FieldKey)
		if v, ok := g.vertices[key]; ok {
			candidates = append(candidates, v.Record())
		}
		if e, ok := g.edges[key]; ok {
			candidates = append(candidates, e.Record())
		}
	case hasExact(q, domain.FieldTarget):
		key, _ := q.Exact(domain.FieldTarget)
		candidates = g.edgeRecordsLocked(g.in[key])
	case hasExact(q, domain.FieldSource):
		key, _ := q.Exact(domain.FieldSource)
		candidates = g.edgeRecordsLocked(g.out[key])
	default:
		candidates = make([]domain.Record, 0, len(g.vertices)+len(g.edges))
		for _, k := range slices.Sorted(maps.Keys(g.vertices)) {
			candidates = append(candidates, g.vertices[k].Record())
		}
		for _, k := range slices.Sorted(maps.Keys(g.edges)) {
			candidates = append(candidates, g.edges[k].Record())
		}
	}
	return query.Filter(q, candidates), nil
}

func hasExact(q query.Query, field string) bool {
	_, ok := q.Exact(field)
	return ok
}

func (g *Graph) edgeRecordsLocked(keys map[string]struct{}) []domain.Record {
	out := make([]domain.Record, 0, len(keys))
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		out = append(out, g.edges[k].Record())
	}
	return out
}

// Neighbors returns adjacent vertices ordered by key.
func (g *Graph) Neighbors(_ context.Context, key string, dir ports.Direction, labels ...string) ([]domain.Vertex, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.vertices[key]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrVertexNotFound, key)
	}

	seen := make(map[string]struct{})
	collect := func(edgeKeys map[string]struct{}, far func(domain.Edge) string) {
		for ek := range edgeKeys {
			e := g.edges[ek]
			if len(labels) > 0 && !slices.Contains(labels, e.Label) {
				continue
			}
			seen[far(e)] = struct{}{}
		}
	}
	if dir == ports.Outgoing || dir == ports.Both {
		collect(g.out[key], func(e domain.Edge) string { return e.Target })
	}
	if dir == ports.Incoming || dir == ports.Both {
		collect(g.in[key], func(e domain.Edge) string { return e.Source })
	}

	out := make([]domain.Vertex, 0, len(seen))
	for k := range seen {
		v := g.vertices[k]
		v.Props = maps.Clone(v.Props)
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b domain.Vertex) int { return cmp.Compare(a.Key, b.Key) })
	return out, nil
}

// RemoveEdge deletes an edge, notifying observers before and after.
func (g *Graph) RemoveEdge(ctx context.Context, key string) error {
	e, err := g.Edge(ctx, key)
	if err != nil {
		return err
	}
	g.removeEdge(ctx, e)
	return nil
}

func (g *Graph) removeEdge(ctx context.Context, e domain.Edge) {
	g.notify(func(o ports.TopologyObserver) { o.BeforeRemoveEdge(ctx, e) })
	g.mu.Lock()
	g.unlinkLocked(e)
	g.mu.Unlock()
	g.notify(func(o ports.TopologyObserver) { o.AfterRemoveEdge(ctx, e) })
}

// RemoveVertex deletes a vertex and its incident edges.
func (g *Graph) RemoveVertex(ctx context.Context, key string) error {
	v, err := g.Vertex(ctx, key)
	if err != nil {
		return err
	}
	g.notify(func(o ports.TopologyObserver) { o.BeforeRemoveVertex(ctx, v) })

	g.mu.RLock()
	incident := make([]domain.Edge, 0)
	for _, ek := range slices.Sorted(maps.Keys(g.out[key])) {
		incident = append(incident, g.edges[ek])
	}
	for _, ek := range slices.Sorted(maps.Keys(g.in[key])) {
		if _, dup := g.out[key][ek]; !dup {
			incident = append(incident, g.edges[ek])
		}
	}
	g.mu.RUnlock()

	for _, e := range incident {
		g.removeEdge(ctx, e)
	}

	g.mu.Lock()
	delete(g.vertices, key)
	delete(g.out, key)
	delete(g.in, key)
	g.mu.Unlock()

	g.notify(func(o ports.TopologyObserver) { o.AfterRemoveVertex(ctx, v) })
	return nil
}

// Stats returns vertex and edge counts.
func (g *Graph) Stats() (vertices, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vertices), len(g.edges)
}
