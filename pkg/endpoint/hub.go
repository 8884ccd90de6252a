// Package endpoint implements named publish channels. Processes publish
// payloads by endpoint name; subscribers (SSE streams, tests, external sinks)
// receive them wrapped in an Envelope.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// Envelope is what subscribers receive for each publication.
type Envelope struct {
	From string `json:"from"`
	Msg  any    `json:"msg"`
}

// Sink forwards envelopes outside the process, e.g. onto a Redis channel.
type Sink interface {
	Forward(ctx context.Context, endpoint string, env Envelope) error
}

// Hub fans publications out to in-process subscribers and external sinks.
type Hub struct {
	mu          sync.RWMutex
	endpoints   map[string]struct{}
	subscribers map[string]map[chan Envelope]struct{}
	sinks       []Sink
	autoCreate  bool
	buffer      int
	logger      *slog.Logger
}

var _ ports.EndpointPublisher = (*Hub)(nil)

// Option configures the Hub.
type Option func(*Hub)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSink adds an external sink.
func WithSink(s Sink) Option {
	return func(h *Hub) {
		h.sinks = append(h.sinks, s)
	}
}

// WithBuffer sets each subscriber's channel size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		h.buffer = n
	}
}

// WithStrictEndpoints rejects publications to endpoints that were never created.
func WithStrictEndpoints() Option {
	return func(h *Hub) {
		h.autoCreate = false
	}
}

// New creates an empty hub. Endpoints are created on first use unless
// WithStrictEndpoints is given.
func New(opts ...Option) *Hub {
	h := &Hub{
		endpoints:   make(map[string]struct{}),
		subscribers: make(map[string]map[chan Envelope]struct{}),
		autoCreate:  true,
		buffer:      16,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Create declares an endpoint.
func (h *Hub) Create(name string) error {
	if name == "" {
		return fmt.Errorf("endpoint name is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints[name] = struct{}{}
	return nil
}

// Endpoints lists declared endpoints by name.
func (h *Hub) Endpoints() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.endpoints))
	for name := range h.endpoints {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Subscribe registers a listener on an endpoint. The returned function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(name string) (<-chan Envelope, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Envelope, h.buffer)
	if _, ok := h.subscribers[name]; !ok {
		h.subscribers[name] = make(map[chan Envelope]struct{})
	}
	h.subscribers[name][ch] = struct{}{}
	h.endpoints[name] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subscribers[name]; ok {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(h.subscribers, name)
				}
			}
		})
	}
}

// Publish wraps payload and delivers it to every subscriber of the endpoint.
// Slow subscribers miss messages rather than block the publisher.
func (h *Hub) Publish(ctx context.Context, name string, payload any) error {
	env := Envelope{From: name, Msg: payload}

	h.mu.Lock()
	if _, ok := h.endpoints[name]; !ok {
		if !h.autoCreate {
			h.mu.Unlock()
			return fmt.Errorf("%w: unknown endpoint %q", domain.ErrEmissionFailure, name)
		}
		h.endpoints[name] = struct{}{}
	}
	for ch := range h.subscribers[name] {
		select {
		case ch <- env:
		default:
			h.logger.Warn("endpoint subscriber full, dropping publication", "endpoint", name)
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, s := range h.sinks {
		if err := s.Forward(ctx, name, env); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.Error("endpoint sink failed", "endpoint", name, "err", err)
		return fmt.Errorf("%w: %w", domain.ErrEmissionFailure, err)
	}
	return nil
}

// Close unsubscribes everyone.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, subs := range h.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(h.subscribers, name)
	}
}
