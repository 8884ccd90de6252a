package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/internal/presentation/graph"
	"github.com/aretw0/lattice/pkg/adapters/command"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// Topology is a point-in-time view of a lattice.
type Topology struct {
	Vertices []domain.Vertex
	Edges    []domain.Edge
	Bindings []domain.Binding
}

// Mermaid renders the topology as a Mermaid flowchart.
func (t Topology) Mermaid(highlight ...string) string {
	return graph.GenerateMermaid(t.Vertices, t.Edges, &graph.GraphOverlay{
		Bindings:  t.Bindings,
		Highlight: highlight,
	})
}

// ConfigTopology returns the topology a config file declares.
func ConfigTopology(cfg *config.Config) Topology {
	t := Topology{
		Vertices: cfg.Graph.DomainVertices(),
		Edges:    cfg.Graph.DomainEdges(),
	}
	for _, p := range cfg.Processes {
		t.Bindings = append(t.Bindings, domain.NewBinding(p.Vertex, p.Type))
	}
	return t
}

// LiveTopology reads the topology of a running lattice over its control server.
func LiveTopology(ctx context.Context, dialer ports.CommandDialer) (Topology, error) {
	var t Topology
	err := command.WithSession(ctx, dialer, func(s ports.CommandSession) error {
		vertices, err := fetch(ctx, s, command.CmdQuery+" "+domain.FieldType+":"+domain.TypeVertex)
		if err != nil {
			return err
		}
		edges, err := fetch(ctx, s, command.CmdQuery+" "+domain.FieldType+":"+domain.TypeEdge)
		if err != nil {
			return err
		}
		procs, err := fetch(ctx, s, command.CmdPS)
		if err != nil {
			return err
		}
		for _, r := range vertices {
			t.Vertices = append(t.Vertices, r.Vertex())
		}
		for _, r := range edges {
			t.Edges = append(t.Edges, r.Edge())
		}
		for _, r := range procs {
			t.Bindings = append(t.Bindings, domain.NewBinding(r.String(domain.FieldObjectKey), r.String(domain.FieldProcess)))
		}
		return nil
	})
	return t, err
}

func fetch(ctx context.Context, s ports.CommandSession, line string) ([]domain.Record, error) {
	body, err := s.Exec(ctx, line)
	if err != nil {
		return nil, err
	}
	var res struct {
		Results []domain.Record `json:"results"`
	}
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, fmt.Errorf("%s: decode reply: %w", line, err)
	}
	return res.Results, nil
}
