package domain

import "errors"

// ErrUnknownProcessType is returned when instantiation is requested for an unregistered tag.
var ErrUnknownProcessType = errors.New("unknown process type")

// ErrUnknownMessageType is returned by handlers for a message type they do not recognize.
var ErrUnknownMessageType = errors.New("unknown message type")

// ErrProcessNotFound is returned when no live instance exists for a binding.
var ErrProcessNotFound = errors.New("process not found")

// ErrVertexNotFound is returned when a vertex key cannot be found in the graph.
var ErrVertexNotFound = errors.New("vertex not found")

// ErrEdgeNotFound is returned when an edge key cannot be found in the graph.
var ErrEdgeNotFound = errors.New("edge not found")

// ErrInvalidQuery is returned when a filter string cannot be parsed.
var ErrInvalidQuery = errors.New("invalid query")

// ErrInvalidKey is returned when a vertex or edge key cannot be addressed by a filter term.
var ErrInvalidKey = errors.New("invalid key")

// ErrQueryFailure wraps failures of the graph index service.
var ErrQueryFailure = errors.New("query failed")

// ErrEmissionFailure wraps failures to route a message.
var ErrEmissionFailure = errors.New("emission failed")

// ErrPulseCapped is returned when the clock has exhausted its pulse budget.
var ErrPulseCapped = errors.New("clock pulse cap reached")

// ErrPulseThrottled is returned when a re-arm exceeds the configured rate.
var ErrPulseThrottled = errors.New("clock pulse throttled")

// ErrCommandFailed is returned when the control service answers with an error reply.
var ErrCommandFailed = errors.New("command failed")

// ErrRuntimeClosed is returned for operations on a runtime that has shut down.
var ErrRuntimeClosed = errors.New("runtime closed")
