package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Message is an immutable record exchanged between processes.
// The "type" field is required; every other field depends on it.
type Message struct {
	fields map[string]any
}

// NewMessage builds a message of the given type. The fields map is copied.
func NewMessage(msgType string, fields map[string]any) Message {
	m := make(map[string]any, len(fields)+1)
	maps.Copy(m, fields)
	m["type"] = msgType
	return Message{fields: m}
}

// NewClock builds a clock pulse.
func NewClock() Message {
	return NewMessage(MessageClock, nil)
}

// NewState builds a state message carrying a 0/1 value from an upstream vertex.
func NewState(from string, state any) Message {
	return NewMessage(MessageState, map[string]any{"from": from, "state": state})
}

// ParseMessage decodes a JSON message. Numbers are kept as json.Number.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	t, ok := fields["type"].(string)
	if !ok || t == "" {
		return Message{}, fmt.Errorf("message missing \"type\" discriminator")
	}
	return Message{fields: fields}, nil
}

// Type returns the discriminator.
func (m Message) Type() string {
	t, _ := m.fields["type"].(string)
	return t
}

// Get returns a raw field value.
func (m Message) Get(field string) (any, bool) {
	v, ok := m.fields[field]
	return v, ok
}

// String returns a field rendered as a string ("" if absent).
func (m Message) String(field string) string {
	v, ok := m.fields[field]
	if !ok || v == nil {
		return ""
	}
	return Stringify(v)
}

// From returns the sender key of a state message.
func (m Message) From() string { return m.String("from") }

// State returns the raw state value, preserved verbatim (string or number).
func (m Message) State() any { return m.fields["state"] }

// IsHigh reports whether the state value equals "1" in either string or integer form.
func (m Message) IsHigh() bool { return m.String("state") == "1" }

// With returns a copy of the message with one field replaced.
func (m Message) With(field string, value any) Message {
	c := make(map[string]any, len(m.fields)+1)
	maps.Copy(c, m.fields)
	c[field] = value
	return Message{fields: c}
}

// Fields returns a shallow copy of all fields.
func (m Message) Fields() map[string]any {
	return maps.Clone(m.fields)
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.fields == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m.fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMessage(data)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
