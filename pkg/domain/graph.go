package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"unicode"
)

// ValidateKey rejects keys that would not survive as the value of a filter
// term: empty keys, keys containing whitespace and keys ending in "*".
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: key is required", ErrInvalidKey)
	case strings.ContainsFunc(key, unicode.IsSpace):
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidKey, key)
	case strings.HasSuffix(key, "*"):
		return fmt.Errorf("%w: %q ends with a wildcard", ErrInvalidKey, key)
	}
	return nil
}

// Vertex is a read-only view of a graph vertex.
type Vertex struct {
	Key   string         `json:"_key"`
	Props map[string]any `json:"props,omitempty"`
}

// Get returns a property by name. The "_key" field is always available.
func (v Vertex) Get(field string) (any, bool) {
	if field == FieldKey {
		return v.Key, true
	}
	val, ok := v.Props[field]
	return val, ok
}

// Record flattens the vertex into an index record.
func (v Vertex) Record() Record {
	r := make(Record, len(v.Props)+2)
	maps.Copy(r, v.Props)
	r[FieldType] = TypeVertex
	r[FieldKey] = v.Key
	return r
}

// Edge is a directed, labeled connection between two vertices.
type Edge struct {
	Key    string         `json:"_key"`
	Source string         `json:"_source"`
	Target string         `json:"_target"`
	Label  string         `json:"_rel"`
	Props  map[string]any `json:"props,omitempty"`
}

// Record flattens the edge into an index record.
func (e Edge) Record() Record {
	r := make(Record, len(e.Props)+5)
	maps.Copy(r, e.Props)
	r[FieldType] = TypeEdge
	r[FieldKey] = e.Key
	r[FieldSource] = e.Source
	r[FieldTarget] = e.Target
	r[FieldRelation] = e.Label
	return r
}

// Record is a flat field map returned by index queries.
type Record map[string]any

// String returns the field rendered as a string, or "" if absent.
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	return Stringify(v)
}

// Key returns the "_key" field.
func (r Record) Key() string { return r.String(FieldKey) }

// Type returns the "_type" field.
func (r Record) Type() string { return r.String(FieldType) }

// Vertex converts a vertex record back into a Vertex.
func (r Record) Vertex() Vertex {
	props := make(map[string]any, len(r))
	for k, v := range r {
		if k == FieldKey || k == FieldType {
			continue
		}
		props[k] = v
	}
	return Vertex{Key: r.Key(), Props: props}
}

// Edge converts an edge record back into an Edge.
func (r Record) Edge() Edge {
	props := make(map[string]any, len(r))
	for k, v := range r {
		switch k {
		case FieldKey, FieldType, FieldSource, FieldTarget, FieldRelation:
			continue
		}
		props[k] = v
	}
	return Edge{
		Key:    r.Key(),
		Source: r.String(FieldSource),
		Target: r.String(FieldTarget),
		Label:  r.String(FieldRelation),
		Props:  props,
	}
}

// Stringify renders scalar and JSON values the way the index stores them.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
