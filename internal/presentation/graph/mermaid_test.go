package graph_test

import (
	"strings"
	"testing"

	"github.com/aretw0/lattice/internal/presentation/graph"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func TestGenerateMermaid(t *testing.T) {
	vertices := []domain.Vertex{{Key: "in1"}, {Key: "g1"}, {Key: "out"}, {Key: "walk.er"}, {Key: "aux-1"}}
	edges := []domain.Edge{
		{Key: "e1", Source: "in1", Target: "g1", Label: domain.LabelSignal},
		{Key: "e2", Source: "g1", Target: "out", Label: domain.LabelSignal, Props: map[string]any{domain.FieldWeight: 2.5}},
		{Key: "e3", Source: "g1", Target: "aux-1", Label: "wire"},
	}

	tests := []struct {
		name     string
		overlay  *graph.GraphOverlay
		contains []string
		excludes []string
	}{
		{
			name: "Plain Topology",
			contains: []string{
				"graph LR\n",
				`g1["g1"]`,
				"in1 --> g1",
				`g1 -- "2.5" --> out`,
				`g1 -. "wire" .-> aux_1`,
				`walk_er["walk.er"]`,
			},
			excludes: []string{"classDef"},
		},
		{
			name: "Process Shapes",
			overlay: &graph.GraphOverlay{Bindings: []domain.Binding{
				domain.NewBinding("g1", "AND"),
				domain.NewBinding("g1", "Logger"),
				domain.NewBinding("out", "Logger"),
				domain.NewBinding("walk.er", "Traversal"),
			}},
			contains: []string{
				`g1{{"g1 <br/> AND, Logger"}}`,
				`out[/"out <br/> Logger"/]`,
				`walk_er[["walk.er <br/> Traversal"]]`,
			},
		},
		{
			name:    "Highlight Overlay",
			overlay: &graph.GraphOverlay{Highlight: []string{"g1", "g1", "aux-1"}},
			contains: []string{
				"classDef active",
				"class g1 active;",
				"class aux_1 active;",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := graph.GenerateMermaid(vertices, edges, tt.overlay)
			for _, want := range tt.contains {
				assert.Contains(t, got, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, got, unwanted)
			}
		})
	}
}

func TestGenerateMermaid_DedupesHighlight(t *testing.T) {
	got := graph.GenerateMermaid([]domain.Vertex{{Key: "g1"}}, nil, &graph.GraphOverlay{Highlight: []string{"g1", "g1", ""}})
	assert.Equal(t, 1, strings.Count(got, "class g1 active;"))
	assert.NotContains(t, got, "class  active;")
}
