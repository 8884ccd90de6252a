/*
Package lattice is a vertex-centric actor runtime over a property graph.

Every process is a small stateful handler bound to one vertex. Processes talk
only by sending messages: directly to a binding (vertex and process type), or
to every process selected by a query over the graph and the live process
index. Each binding owns a mailbox and handles one message at a time, so a
process never needs locks of its own.

# Concept

The graph holds topology: vertices, and directed labeled edges between them.
The runtime holds behavior: which process types are registered, which
instances are alive, and the messages waiting for them. A clock driver injects
"clock" pulses with a cap and a rate limit on re-arms, and endpoints carry
results out of the runtime to subscribers (SSE, Redis channels).

# Key Features

  - Serialized actors: one mailbox per binding, FIFO per sender.
  - Query-addressed emission: "obj_key:g1", "_type:p process:AND", prefix terms with "*".
  - Pluggable graph: in-memory, or Redis shared by several runtimes.
  - Reference gates: AND, OR, Logger, Random and a Traversal tester.
  - Control surfaces: a line protocol over TCP and an HTTP admin API.

# Usage

	package main

	import (
		"context"
		"log"

		"github.com/aretw0/lattice"
		"github.com/aretw0/lattice/pkg/domain"
	)

	func main() {
		l, err := lattice.New()
		if err != nil {
			log.Fatal(err)
		}
		ctx := context.Background()
		defer l.Close(ctx)

		_ = l.Seed(ctx,
			[]domain.Vertex{{Key: "in1"}, {Key: "g1"}, {Key: "out"}},
			[]domain.Edge{
				{Key: "e1", Source: "in1", Target: "g1", Label: domain.LabelSignal},
				{Key: "e2", Source: "g1", Target: "out", Label: domain.LabelSignal},
			},
		)
		if _, err := l.Spawn(ctx, domain.NewBinding("g1", "AND"), nil); err != nil {
			log.Fatal(err)
		}
		_ = l.Emit(ctx, domain.NewBinding("g1", "AND"), domain.NewState("in1", 1))
		_ = l.Pulse(ctx, domain.NewBinding("g1", "AND"))
	}

See cmd/lattice for the server binary and its configuration file.
*/
package lattice
