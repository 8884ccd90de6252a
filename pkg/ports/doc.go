/*
Package ports defines the driven ports (interfaces) of the Lattice runtime.

These interfaces decouple the actor runtime from the graph storage engine, the
endpoint sinks and the external control service, so each can be swapped (memory,
Redis, remote) without touching process code.

# Key Interfaces

  - GraphIndex: Field-filter queries and neighbor lookups consulted by processes.
  - GraphStore: GraphIndex plus topology mutation and removal notifications.
  - Emitter: Direct and by-query message delivery.
  - EndpointPublisher: Named fire-and-forget sinks for terminal results.
  - CommandDialer / CommandSession: Scoped request/response control sessions.
*/
package ports
