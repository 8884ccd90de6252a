package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventProcessSpawn EventType = "process_spawn"
	EventProcessKill  EventType = "process_kill"
	EventDeliver      EventType = "message_deliver"
	EventDrop         EventType = "message_drop"
	EventPulse        EventType = "clock_pulse"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
}

// ProcessEvent represents the creation or destruction of a process instance.
type ProcessEvent struct {
	EventBase
	Binding Binding `json:"binding"`
}

// MessageEvent represents a handled or dropped message.
type MessageEvent struct {
	EventBase
	Binding     Binding       `json:"binding"`
	MessageType string        `json:"message_type"`
	Duration    time.Duration `json:"duration,omitempty"`
	Waited      time.Duration `json:"waited,omitempty"` // time spent queued in the mailbox
	Reason      string        `json:"reason,omitempty"`
	Err         error         `json:"-"`
}

// PulseEvent represents a clock pulse injected (or refused) by the clock driver.
type PulseEvent struct {
	EventBase
	Target  Binding `json:"target"`
	Rearm   bool    `json:"rearm"`
	Dropped bool    `json:"dropped,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// LifecycleHooks defines callbacks for runtime observability.
type LifecycleHooks struct {
	OnSpawn   func(context.Context, *ProcessEvent)
	OnKill    func(context.Context, *ProcessEvent)
	OnDeliver func(context.Context, *MessageEvent)
	OnDrop    func(context.Context, *MessageEvent)
	OnPulse   func(context.Context, *PulseEvent)
}

// Merge combines two hook sets; both callbacks run when both are set.
func (h LifecycleHooks) Merge(o LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnSpawn:   chain(h.OnSpawn, o.OnSpawn),
		OnKill:    chain(h.OnKill, o.OnKill),
		OnDeliver: chain(h.OnDeliver, o.OnDeliver),
		OnDrop:    chain(h.OnDrop, o.OnDrop),
		OnPulse:   chain(h.OnPulse, o.OnPulse),
	}
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}
