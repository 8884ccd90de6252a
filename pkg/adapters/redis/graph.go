// Package redis stores the graph in Redis so several runtimes can share one
// topology, and forwards endpoint publications onto Redis channels.
package redis

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/query"
	backend "github.com/redis/go-redis/v9"
)

// Graph implements ports.GraphStore on Redis.
//
// Layout under the prefix:
//
//	vertices      HASH key -> vertex JSON
//	edges         HASH key -> edge JSON
//	out:<vertex>  SET of outgoing edge keys
//	in:<vertex>   SET of incoming edge keys
type Graph struct {
	client  *backend.Client
	prefix  string
	locker  *Locker
	lockTTL time.Duration

	obsMu     sync.RWMutex
	observers []ports.TopologyObserver
}

var _ ports.GraphStore = (*Graph)(nil)

// Option configures the Graph.
type Option func(*Graph)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(g *Graph) {
		g.prefix = prefix
	}
}

// WithLockTTL bounds how long a topology mutation may hold the shared lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(g *Graph) {
		g.lockTTL = ttl
	}
}

// New creates a Redis graph store with a new client.
func New(address, password string, db int, opts ...Option) *Graph {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a Redis graph store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Graph {
	g := &Graph{
		client:  client,
		prefix:  "lattice:graph:",
		lockTTL: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.locker = NewLocker(client, g.prefix)
	return g
}

func (g *Graph) verticesKey() string    { return g.prefix + "vertices" }
func (g *Graph) edgesKey() string       { return g.prefix + "edges" }
func (g *Graph) outKey(v string) string { return g.prefix + "out:" + v }
func (g *Graph) inKey(v string) string  { return g.prefix + "in:" + v }

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

// mutate runs fn while holding the topology lock.
func (g *Graph) mutate(ctx context.Context, fn func() error) error {
	unlock, err := g.locker.Lock(ctx, "topology", g.lockTTL)
	if err != nil {
		return err
	}
	defer func() {
		_ = unlock(context.WithoutCancel(ctx))
	}()
	return fn()
}

func decode[T any](raw string) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode graph record: %w", err)
	}
	return out, nil
}

// AddVertex inserts or replaces a vertex.
func (g *Graph) AddVertex(ctx context.Context, v domain.Vertex) error {
	if err := domain.ValidateKey(v.Key); err != nil {
		return fmt.Errorf("vertex: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal vertex: %w", err)
	}
	if err := g.client.HSet(ctx, g.verticesKey(), v.Key, data).Err(); err != nil {
		return fmt.Errorf("failed to save vertex: %w", err)
	}
	return nil
}

// AddEdge inserts or replaces an edge. Both endpoints must exist.
func (g *Graph) AddEdge(ctx context.Context, e domain.Edge) error {
	if err := domain.ValidateKey(e.Key); err != nil {
		return fmt.Errorf("edge: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal edge: %w", err)
	}

	return g.mutate(ctx, func() error {
		for _, k := range []string{e.Source, e.Target} {
			ok, err := g.client.HExists(ctx, g.verticesKey(), k).Result()
			if err != nil {
				return fmt.Errorf("failed to check vertex: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrVertexNotFound, k)
			}
		}
		old, err := g.Edge(ctx, e.Key)
		hasOld := err == nil
		if err != nil && !errors.Is(err, domain.ErrEdgeNotFound) {
			return err
		}

		pipe := g.client.TxPipeline()
		if hasOld {
			pipe.SRem(ctx, g.outKey(old.Source), old.Key)
			pipe.SRem(ctx, g.inKey(old.Target), old.Key)
		}
		pipe.HSet(ctx, g.edgesKey(), e.Key, data)
		pipe.SAdd(ctx, g.outKey(e.Source), e.Key)
		pipe.SAdd(ctx, g.inKey(e.Target), e.Key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save edge: %w", err)
		}
		return nil
	})
}

// Vertex returns a vertex by key.
func (g *Graph) Vertex(ctx context.Context, key string) (domain.Vertex, error) {
	raw, err := g.client.HGet(ctx, g.verticesKey(), key).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return domain.Vertex{}, fmt.Errorf("%w: %s", domain.ErrVertexNotFound, key)
		}
		return domain.Vertex{}, fmt.Errorf("failed to get vertex: %w", err)
	}
	return decode[domain.Vertex](raw)
}

// Edge returns an edge by key.
func (g *Graph) Edge(ctx context.Context, key string) (domain.Edge, error) {
	raw, err := g.client.HGet(ctx, g.edgesKey(), key).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return domain.Edge{}, fmt.Errorf("%w: %s", domain.ErrEdgeNotFound, key)
		}
		return domain.Edge{}, fmt.Errorf("failed to get edge: %w", err)
	}
	return decode[domain.Edge](raw)
}

func (g *Graph) edgesByKeys(ctx context.Context, keys []string) ([]domain.Edge, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	slices.Sort(keys)
	vals, err := g.client.HMGet(ctx, g.edgesKey(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get edges: %w", err)
	}
	out := make([]domain.Edge, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decode[domain.Edge](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (g *Graph) adjacent(ctx context.Context, setKey string) ([]domain.Edge, error) {
	keys, err := g.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read adjacency: %w", err)
	}
	return g.edgesByKeys(ctx, keys)
}

// Query returns vertex and edge records matching the filter.
func (g *Graph) Query(ctx context.Context, filter string) ([]domain.Record, error) {
	q, err := query.Parse(filter)
	if err != nil {
		return nil, err
	}

	var candidates []domain.Record
	switch {
	case exact(q, domain.FieldKey) != "":
		key := exact(q, domain.FieldKey)
		if v, err := g.Vertex(ctx, key); err == nil {
			candidates = append(candidates, v.Record())
		} else if !errors.Is(err, domain.ErrVertexNotFound) {
			return nil, err
		}
		if e, err := g.Edge(ctx, key); err == nil {
			candidates = append(candidates, e.Record())
		} else if !errors.Is(err, domain.ErrEdgeNotFound) {
			return nil, err
		}
	case exact(q, domain.FieldTarget) != "":
		edges, err := g.adjacent(ctx, g.inKey(exact(q, domain.FieldTarget)))
		if err != nil {
			return nil, err
		}
		candidates = edgeRecords(edges)
	case exact(q, domain.FieldSource) != "":
		edges, err := g.adjacent(ctx, g.outKey(exact(q, domain.FieldSource)))
		if err != nil {
			return nil, err
		}
		candidates = edgeRecords(edges)
	default:
		candidates, err = g.scan(ctx, exact(q, domain.FieldType))
		if err != nil {
			return nil, err
		}
	}
	return query.Filter(q, candidates), nil
}

// scan loads every vertex and edge record, skipping a kind the filter excludes.
func (g *Graph) scan(ctx context.Context, typ string) ([]domain.Record, error) {
	var out []domain.Record
	if typ == "" || typ == domain.TypeVertex {
		all, err := g.client.HGetAll(ctx, g.verticesKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan vertices: %w", err)
		}
		vs := make([]domain.Vertex, 0, len(all))
		for _, raw := range all {
			v, err := decode[domain.Vertex](raw)
			if err != nil {
				return nil, err
			}
			vs = append(vs, v)
		}
		slices.SortFunc(vs, func(a, b domain.Vertex) int { return cmp.Compare(a.Key, b.Key) })
		for _, v := range vs {
			out = append(out, v.Record())
		}
	}
	if typ == "" || typ == domain.TypeEdge {
		keys, err := g.client.HKeys(ctx, g.edgesKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan edges: %w", err)
		}
		edges, err := g.edgesByKeys(ctx, keys)
		if err != nil {
			return nil, err
		}
		out = append(out, edgeRecords(edges)...)
	}
	return out, nil
}

func exact(q query.Query, field string) string {
	v, _ := q.Exact(field)
	return v
}

func edgeRecords(edges []domain.Edge) []domain.Record {
	out := make([]domain.Record, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.Record())
	}
	return out
}

// Neighbors returns adjacent vertices ordered by key.
func (g *Graph) Neighbors(ctx context.Context, key string, dir ports.Direction, labels ...string) ([]domain.Vertex, error) {
	if _, err := g.Vertex(ctx, key); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	collect := func(setKey string, far func(domain.Edge) string) error {
		edges, err := g.adjacent(ctx, setKey)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if len(labels) > 0 && !slices.Contains(labels, e.Label) {
				continue
			}
			seen[far(e)] = struct{}{}
		}
		return nil
	}
	if dir == ports.Outgoing || dir == ports.Both {
		if err := collect(g.outKey(key), func(e domain.Edge) string { return e.Target }); err != nil {
			return nil, err
		}
	}
	if dir == ports.Incoming || dir == ports.Both {
		if err := collect(g.inKey(key), func(e domain.Edge) string { return e.Source }); err != nil {
			return nil, err
		}
	}
	if len(seen) == 0 {
		return []domain.Vertex{}, nil
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	vals, err := g.client.HMGet(ctx, g.verticesKey(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get neighbors: %w", err)
	}
	out := make([]domain.Vertex, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		vx, err := decode[domain.Vertex](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, vx)
	}
	return out, nil
}

// RemoveEdge deletes an edge, notifying observers before and after.
func (g *Graph) RemoveEdge(ctx context.Context, key string) error {
	return g.mutate(ctx, func() error {
		e, err := g.Edge(ctx, key)
		if err != nil {
			return err
		}
		return g.removeEdge(ctx, e)
	})
}

func (g *Graph) removeEdge(ctx context.Context, e domain.Edge) error {
	g.notify(func(o ports.TopologyObserver) { o.BeforeRemoveEdge(ctx, e) })
	pipe := g.client.TxPipeline()
	pipe.HDel(ctx, g.edgesKey(), e.Key)
	pipe.SRem(ctx, g.outKey(e.Source), e.Key)
	pipe.SRem(ctx, g.inKey(e.Target), e.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove edge: %w", err)
	}
	g.notify(func(o ports.TopologyObserver) { o.AfterRemoveEdge(ctx, e) })
	return nil
}

// RemoveVertex deletes a vertex and its incident edges.
func (g *Graph) RemoveVertex(ctx context.Context, key string) error {
	return g.mutate(ctx, func() error {
		v, err := g.Vertex(ctx, key)
		if err != nil {
			return err
		}
		g.notify(func(o ports.TopologyObserver) { o.BeforeRemoveVertex(ctx, v) })

		outgoing, err := g.adjacent(ctx, g.outKey(key))
		if err != nil {
			return err
		}
		incoming, err := g.adjacent(ctx, g.inKey(key))
		if err != nil {
			return err
		}
		incident := outgoing
		for _, e := range incoming {
			if e.Source != key {
				incident = append(incident, e)
			}
		}
		for _, e := range incident {
			if err := g.removeEdge(ctx, e); err != nil {
				return err
			}
		}

		pipe := g.client.TxPipeline()
		pipe.HDel(ctx, g.verticesKey(), key)
		pipe.Del(ctx, g.outKey(key), g.inKey(key))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to remove vertex: %w", err)
		}
		g.notify(func(o ports.TopologyObserver) { o.AfterRemoveVertex(ctx, v) })
		return nil
	})
}

// Stats returns vertex and edge counts.
func (g *Graph) Stats(ctx context.Context) (vertices, edges int64, err error) {
	pipe := g.client.Pipeline()
	vc := pipe.HLen(ctx, g.verticesKey())
	ec := pipe.HLen(ctx, g.edgesKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to count graph: %w", err)
	}
	return vc.Val(), ec.Val(), nil
}

// Close closes the redis client.
func (g *Graph) Close() error {
	return g.client.Close()
}
