/*
Package domain contains the core domain models for the Lattice runtime.

It defines the property graph as seen by processes (Vertex, Edge, Record), the
addressing of process instances (Binding) and the immutable Message records that
flow between them. This package is kept pure and free of external dependencies
like I/O or persistence.

# Key Entities

  - Vertex / Edge: Read-only views of graph objects owned by an external store.
  - Record: A flat field map returned by index queries (vertices, edges, processes).
  - Binding: The (vertex key, process type) pair that identifies one actor.
  - Message: A JSON-serializable record discriminated by its "type" field.
*/
package domain
