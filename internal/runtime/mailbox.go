package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
)

// ErrMailboxFull is returned when a bounded mailbox rejects a message.
var ErrMailboxFull = errors.New("mailbox full")

type envelopeKind int

const (
	kindMessage envelopeKind = iota
	kindHook
	kindKill
)

// envelope is one mailbox item. Hooks and kills travel through the same queue
// as messages so a single actor never runs two of them at once.
type envelope struct {
	kind     envelopeKind
	msg      domain.Message
	hook     func()
	queuedAt time.Time
}

// mailbox is a FIFO queue with a one-slot wake-up channel.
// capacity <= 0 means unbounded. Control items ignore the capacity.
type mailbox struct {
	mu       sync.Mutex
	items    []envelope
	wake     chan struct{}
	capacity int
	closed   bool
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{
		wake:     make(chan struct{}, 1),
		capacity: capacity,
	}
}

func (m *mailbox) push(e envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrProcessNotFound
	}
	if e.kind == kindMessage && m.capacity > 0 && len(m.items) >= m.capacity {
		m.mu.Unlock()
		return ErrMailboxFull
	}
	e.queuedAt = time.Now()
	m.items = append(m.items, e)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// drain takes every queued item in order.
func (m *mailbox) drain() []envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// close rejects further pushes and returns whatever was still queued.
func (m *mailbox) close() []envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
