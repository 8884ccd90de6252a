package process

// InputState maps an upstream vertex key to the last state value it sent.
// Values are kept verbatim so both "1" and 1 survive until evaluation.
type InputState map[string]any

// Record stores the latest value from an upstream key.
func (s InputState) Record(from string, state any) {
	s[from] = state
}

// Lookup returns the value recorded for from, if any.
func (s InputState) Lookup(from string) (any, bool) {
	v, ok := s[from]
	return v, ok
}

// Clear forgets every recorded input.
func (s InputState) Clear() {
	clear(s)
}
