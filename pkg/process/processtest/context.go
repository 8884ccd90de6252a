// Package processtest provides a recording process.Context for unit tests of
// process implementations.
package processtest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// Emission is one recorded Emit or EmitByQuery call.
type Emission struct {
	To     domain.Binding
	Filter string
	Msg    domain.Message
}

// Publication is one recorded Publish call.
type Publication struct {
	Endpoint string
	Payload  any
}

// Context records every side effect a process performs.
type Context struct {
	Binding domain.Binding
	Index   ports.GraphIndex
	Opts    map[string]any
	Log     *slog.Logger

	// EmitErr, when set, is returned by Emit and EmitByQuery.
	EmitErr error

	mu        sync.Mutex
	emitted   []Emission
	published []Publication
	rearmed   []domain.Binding
}

// New creates a recording context for binding b over index.
func New(b domain.Binding, index ports.GraphIndex) *Context {
	return &Context{
		Binding: b,
		Index:   index,
		Opts:    map[string]any{},
		Log:     slog.New(slog.DiscardHandler),
	}
}

func (c *Context) Self() domain.Binding    { return c.Binding }
func (c *Context) Graph() ports.GraphIndex { return c.Index }
func (c *Context) Options() map[string]any { return c.Opts }
func (c *Context) Logger() *slog.Logger    { return c.Log }

func (c *Context) Emit(_ context.Context, to domain.Binding, msg domain.Message) error {
	if c.EmitErr != nil {
		return c.EmitErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, Emission{To: to, Msg: msg})
	return nil
}

func (c *Context) EmitByQuery(_ context.Context, filter string, msg domain.Message) (int, error) {
	if c.EmitErr != nil {
		return 0, c.EmitErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, Emission{Filter: filter, Msg: msg})
	return 1, nil
}

func (c *Context) Publish(_ context.Context, endpoint string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, Publication{Endpoint: endpoint, Payload: payload})
	return nil
}

func (c *Context) Rearm(_ context.Context, target domain.Binding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rearmed = append(c.rearmed, target)
	return nil
}

// Emissions returns a copy of the recorded emissions and forgets them.
func (c *Context) Emissions() []Emission {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.emitted
	c.emitted = nil
	return out
}

// Publications returns a copy of the recorded publications.
func (c *Context) Publications() []Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publication(nil), c.published...)
}

// Rearmed returns the re-arm targets requested so far.
func (c *Context) Rearmed() []domain.Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Binding(nil), c.rearmed...)
}
