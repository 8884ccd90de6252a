package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/registry"
)

// actor runs one process instance on its own goroutine, strictly one
// mailbox item at a time.
type actor struct {
	inst   *registry.Instance
	box    *mailbox
	engine *Engine
	logger *slog.Logger
	done   chan struct{}
}

func newActor(e *Engine, inst *registry.Instance) *actor {
	return &actor{
		inst:   inst,
		box:    newMailbox(e.mailboxCapacity),
		engine: e,
		logger: e.logger.With("binding", inst.Binding.String(), "pid", inst.PID),
		done:   make(chan struct{}),
	}
}

func (a *actor) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-a.box.wake:
		case <-ctx.Done():
			a.retire(context.WithoutCancel(ctx), nil)
			return
		}
		items := a.box.drain()
		for i, env := range items {
			switch env.kind {
			case kindKill:
				a.retire(ctx, items[i+1:])
				return
			case kindHook:
				a.runHook(env.hook)
			default:
				a.handle(ctx, env)
			}
		}
	}
}

// retire closes the mailbox, accounts for anything left in it and runs the kill hook.
func (a *actor) retire(ctx context.Context, pending []envelope) {
	for _, env := range append(pending, a.box.close()...) {
		if env.kind == kindMessage {
			a.engine.dropped(ctx, a.inst.Binding, env.msg, "killed")
		}
	}
	a.engine.registry.Release(ctx, a.inst)
	a.engine.fireKill(ctx, a.inst.Binding)
	a.logger.Debug("process stopped")
}

func (a *actor) handle(ctx context.Context, env envelope) {
	start := time.Now()
	err := a.invoke(ctx, env.msg)
	event := &domain.MessageEvent{
		EventBase:   domain.EventBase{Timestamp: time.Now(), Type: domain.EventDeliver},
		Binding:     a.inst.Binding,
		MessageType: env.msg.Type(),
		Duration:    time.Since(start),
		Waited:      start.Sub(env.queuedAt),
		Err:         err,
	}

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnknownMessageType):
		a.logger.Warn("unknown message type, dropped", "msg_type", env.msg.Type())
		a.engine.dropped(ctx, a.inst.Binding, env.msg, "unknown_type")
		return
	default:
		a.logger.Error("message handler failed", "msg_type", env.msg.Type(), "err", err)
	}

	if h := a.engine.hooks.OnDeliver; h != nil {
		h(ctx, event)
	}
}

func (a *actor) invoke(ctx context.Context, msg domain.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return a.inst.Process.OnMessage(ctx, msg)
}

func (a *actor) runHook(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("lifecycle hook panicked", "panic", rec)
		}
	}()
	fn()
}
