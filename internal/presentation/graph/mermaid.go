package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/gates"
)

// GraphOverlay contains runtime data to visualize on the graph.
type GraphOverlay struct {
	// Bindings are the live processes; their tags are shown inside the vertex.
	Bindings []domain.Binding
	// Highlight lists vertices drawn with the "active" style.
	Highlight []string
}

// GenerateMermaid produces a Mermaid flowchart from vertices and edges.
// It applies semantic styling by the processes bound to a vertex:
// - AND/OR gate: {{Hexagon}}
// - Traversal: [[Subroutine]]
// - Logger: [/Parallelogram/]
// - Default: [Rectangle]
// Signal edges are solid; every other label is drawn dotted with its name.
func GenerateMermaid(vertices []domain.Vertex, edges []domain.Edge, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph LR\n")

	bound := make(map[string][]string)
	if overlay != nil {
		for _, b := range overlay.Bindings {
			bound[b.Vertex] = append(bound[b.Vertex], b.Process)
		}
	}

	for _, v := range vertices {
		safeID := sanitizeMermaidID(v.Key)
		tags := bound[v.Key]
		sort.Strings(tags)

		opener, closer := shapeOf(tags)
		text := v.Key
		if len(tags) > 0 {
			text = fmt.Sprintf("%s <br/> %s", v.Key, strings.Join(tags, ", "))
		}
		sb.WriteString(fmt.Sprintf("    %s%s\"%s\"%s\n", safeID, opener, text, closer))
	}

	for _, e := range edges {
		from, to := sanitizeMermaidID(e.Source), sanitizeMermaidID(e.Target)
		arrow := "-->"
		switch {
		case e.Label != domain.LabelSignal:
			arrow = fmt.Sprintf("-. \"%s\" .->", strings.ReplaceAll(e.Label, "\"", "'"))
		case e.Props[domain.FieldWeight] != nil:
			arrow = fmt.Sprintf("-- \"%s\" -->", domain.Stringify(e.Props[domain.FieldWeight]))
		}
		sb.WriteString(fmt.Sprintf("    %s %s %s\n", from, arrow, to))
	}

	if overlay != nil && len(overlay.Highlight) > 0 {
		sb.WriteString("\n    %% Overlay Styles\n")
		sb.WriteString("    classDef active fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")
		seen := make(map[string]bool)
		for _, key := range overlay.Highlight {
			safeID := sanitizeMermaidID(key)
			if safeID != "" && !seen[safeID] {
				seen[safeID] = true
				sb.WriteString(fmt.Sprintf("    class %s active;\n", safeID))
			}
		}
	}

	return sb.String()
}

func shapeOf(tags []string) (opener, closer string) {
	for _, tag := range tags {
		switch tag {
		case gates.TagAND, gates.TagOR:
			return "{{", "}}"
		case gates.TagTraversal:
			return "[[", "]]"
		case gates.TagLogger:
			return "[/", "/]"
		}
	}
	return "[", "]"
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
