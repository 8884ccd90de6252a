package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// Direction selects which side of a vertex's edges a neighbor lookup follows.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "out"
	case Incoming:
		return "in"
	default:
		return "both"
	}
}

// GraphIndex is the read side of the graph consulted by processes.
type GraphIndex interface {
	// Query returns every record matching a field-filter string.
	// A filter matching nothing yields an empty slice, not an error.
	Query(ctx context.Context, filter string) ([]domain.Record, error)

	// Vertex returns one vertex or domain.ErrVertexNotFound.
	Vertex(ctx context.Context, key string) (domain.Vertex, error)

	// Neighbors returns the vertices adjacent to key, ordered by key.
	// When labels are given, only edges carrying one of them are followed.
	Neighbors(ctx context.Context, key string, dir Direction, labels ...string) ([]domain.Vertex, error)
}

// GraphStore extends GraphIndex with topology mutation.
type GraphStore interface {
	GraphIndex

	// AddVertex inserts or replaces a vertex.
	AddVertex(ctx context.Context, v domain.Vertex) error

	// AddEdge inserts or replaces an edge. Both endpoints must exist.
	AddEdge(ctx context.Context, e domain.Edge) error

	// Edge returns one edge or domain.ErrEdgeNotFound.
	Edge(ctx context.Context, key string) (domain.Edge, error)

	// RemoveEdge deletes an edge, notifying observers before and after.
	RemoveEdge(ctx context.Context, key string) error

	// RemoveVertex deletes a vertex and every incident edge.
	RemoveVertex(ctx context.Context, key string) error

	// Observe registers a topology observer.
	Observe(o TopologyObserver)
}

// TopologyObserver receives removal notifications from a GraphStore.
type TopologyObserver interface {
	BeforeRemoveVertex(ctx context.Context, v domain.Vertex)
	AfterRemoveVertex(ctx context.Context, v domain.Vertex)
	BeforeRemoveEdge(ctx context.Context, e domain.Edge)
	AfterRemoveEdge(ctx context.Context, e domain.Edge)
}
