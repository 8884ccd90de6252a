// Package query implements the field-filter language used to address graph and
// process records: space-separated "field:value" terms, all of which must match.
//
// A value ending in "*" matches by prefix, and "*" alone only requires the field
// to be present. A bare term without a colon is matched against "_key".
package query

import (
	"fmt"
	"strings"

	"github.com/aretw0/lattice/pkg/domain"
)

// Term is a single field filter.
type Term struct {
	Field  string
	Value  string
	Prefix bool
}

// Match reports whether the record satisfies the term.
func (t Term) Match(r domain.Record) bool {
	v, ok := r[t.Field]
	if !ok || v == nil {
		return false
	}
	s := domain.Stringify(v)
	if t.Prefix {
		return strings.HasPrefix(s, t.Value)
	}
	return s == t.Value
}

func (t Term) String() string {
	if t.Prefix {
		return t.Field + ":" + t.Value + "*"
	}
	return t.Field + ":" + t.Value
}

// Query is a conjunction of terms.
type Query struct {
	Terms []Term
}

// Parse parses a filter string. An empty filter is rejected.
func Parse(s string) (Query, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Query{}, fmt.Errorf("%w: empty filter", domain.ErrInvalidQuery)
	}
	q := Query{Terms: make([]Term, 0, len(fields))}
	for _, f := range fields {
		field, value, ok := strings.Cut(f, ":")
		if !ok {
			field, value = domain.FieldKey, f
		}
		if field == "" || value == "" {
			return Query{}, fmt.Errorf("%w: malformed term %q", domain.ErrInvalidQuery, f)
		}
		t := Term{Field: field, Value: value}
		if strings.HasSuffix(value, "*") {
			t.Value = strings.TrimSuffix(value, "*")
			t.Prefix = true
		}
		q.Terms = append(q.Terms, t)
	}
	return q, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Query {
	q, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return q
}

// New builds a query from exact terms given as field/value pairs.
func New(pairs ...string) Query {
	q := Query{}
	for i := 0; i+1 < len(pairs); i += 2 {
		q.Terms = append(q.Terms, Term{Field: pairs[i], Value: pairs[i+1]})
	}
	return q
}

// Match reports whether every term matches the record.
func (q Query) Match(r domain.Record) bool {
	for _, t := range q.Terms {
		if !t.Match(r) {
			return false
		}
	}
	return true
}

// Exact returns the value of the first exact (non-prefix) term on field.
// Stores use it to narrow a scan to an index.
func (q Query) Exact(field string) (string, bool) {
	for _, t := range q.Terms {
		if t.Field == field && !t.Prefix {
			return t.Value, true
		}
	}
	return "", false
}

// processFields only ever appear on process index records.
var processFields = map[string]bool{
	domain.FieldObjectKey:    true,
	domain.FieldObjectType:   true,
	domain.FieldInstanceName: true,
	domain.FieldProcess:      true,
	domain.FieldStartTime:    true,
	domain.FieldPID:          true,
}

// ProcessOnly reports whether q can only match process index records, so the
// graph index need not be consulted. It holds when q pins "_type" to processes
// or when every term is on a process index field.
func (q Query) ProcessOnly() bool {
	if v, ok := q.Exact(domain.FieldType); ok && v == domain.TypeProcess {
		return true
	}
	for _, t := range q.Terms {
		if !processFields[t.Field] {
			return false
		}
	}
	return len(q.Terms) > 0
}

func (q Query) String() string {
	parts := make([]string, len(q.Terms))
	for i, t := range q.Terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " ")
}

// Filter returns the records matching q, preserving order.
func Filter(q Query, records []domain.Record) []domain.Record {
	out := make([]domain.Record, 0)
	for _, r := range records {
		if q.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// IncomingEdges is the fan-in filter for a vertex: every edge targeting it.
func IncomingEdges(key string) string {
	return domain.FieldType + ":" + domain.TypeEdge + " " + domain.FieldTarget + ":" + key
}

// ProcessesOf addresses every process bound to a vertex.
func ProcessesOf(key string) string {
	return domain.FieldType + ":" + domain.TypeProcess + " " + domain.FieldObjectKey + ":" + key
}

// Instance addresses one process by instance name.
func Instance(b domain.Binding) string {
	return domain.FieldType + ":" + domain.TypeProcess + " " + domain.FieldInstanceName + ":" + b.InstanceName()
}
