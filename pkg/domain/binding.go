package domain

import (
	"fmt"
	"strings"
)

// Binding identifies one process instance: a process type bound to a vertex.
type Binding struct {
	Vertex  string `json:"vertex" mapstructure:"vertex"`
	Process string `json:"process" mapstructure:"process"`
}

// NewBinding is a convenience constructor.
func NewBinding(vertex, process string) Binding {
	return Binding{Vertex: vertex, Process: process}
}

// InstanceName is the "<vertex>-<process>" name indexed for by-query emission.
func (b Binding) InstanceName() string {
	return b.Vertex + "-" + b.Process
}

// String renders the binding as "vertex/process".
func (b Binding) String() string {
	return b.Vertex + "/" + b.Process
}

// IsZero reports whether the binding is unset.
func (b Binding) IsZero() bool {
	return b.Vertex == "" && b.Process == ""
}

// ParseBinding parses the "vertex/process" form.
func ParseBinding(s string) (Binding, error) {
	vertex, process, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || vertex == "" || process == "" {
		return Binding{}, fmt.Errorf("invalid binding %q: expected vertex/process", s)
	}
	return Binding{Vertex: vertex, Process: process}, nil
}
