package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// Dialer opens control sessions over TCP.
type Dialer struct {
	Addr string

	// Namespace, when set, is selected with "use" right after connecting.
	Namespace string

	// Timeout bounds connecting. Zero means no limit beyond ctx.
	Timeout time.Duration
}

var _ ports.CommandDialer = (*Dialer)(nil)

// Dial connects and selects the namespace.
func (d *Dialer) Dial(ctx context.Context) (ports.CommandSession, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrCommandFailed, d.Addr, err)
	}
	s := newSession(conn)
	if d.Namespace != "" {
		if _, err := s.Exec(ctx, CmdUse+" "+d.Namespace); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Session is one open control connection. Exec calls are serialized.
type Session struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

var _ ports.CommandSession = (*Session)(nil)

func newSession(conn net.Conn) *Session {
	return &Session{conn: conn, reader: bufio.NewReaderSize(conn, 4096)}
}

// Exec sends one command and waits for its status line. The reply body is
// returned without the status line.
func (s *Session) Exec(ctx context.Context, line string) (string, error) {
	if strings.ContainsAny(line, "\r\n") {
		return "", fmt.Errorf("%w: command must be a single line", domain.ErrCommandFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%w: session closed", domain.ErrCommandFailed)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
		defer func() { _ = s.conn.SetDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := s.conn.Write([]byte(line + "\n")); err != nil {
		return "", s.ioErr(ctx, err)
	}

	var body []string
	for {
		raw, err := s.reader.ReadString('\n')
		if err != nil {
			return "", s.ioErr(ctx, err)
		}
		if len(raw) > maxLineSize {
			return "", ErrLineTooLong
		}
		text := strings.TrimRight(raw, "\r\n")
		if !strings.HasPrefix(text, "-") {
			body = append(body, text)
			continue
		}
		return strings.Join(body, "\n"), replyError(line, text)
	}
}

func (s *Session) ioErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", domain.ErrCommandFailed, ctx.Err())
	}
	return fmt.Errorf("%w: %w", domain.ErrCommandFailed, err)
}

// replyError maps a status line to an error. -ok yields nil.
func replyError(line, status string) error {
	switch {
	case status == ReplyOK:
		return nil
	case status == ReplyNotFound:
		return fmt.Errorf("%w: %w: %s", domain.ErrCommandFailed, ErrNotFound, line)
	case strings.HasPrefix(status, ReplyUnknown):
		return fmt.Errorf("%w: unknown command: %s", domain.ErrCommandFailed, strings.TrimSpace(strings.TrimPrefix(status, ReplyUnknown)))
	default:
		msg := strings.TrimSpace(strings.TrimPrefix(status, ReplyErr))
		return fmt.Errorf("%w: %s", domain.ErrCommandFailed, msg)
	}
}

// Close says goodbye and closes the connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.conn.SetDeadline(time.Now().Add(time.Second))
	_, _ = s.conn.Write([]byte(CmdBye + "\n"))
	return s.conn.Close()
}

// WithSession opens a session, runs fn and always closes the session.
func WithSession(ctx context.Context, dialer ports.CommandDialer, fn func(ports.CommandSession) error) (err error) {
	s, err := dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("%w: close: %w", domain.ErrCommandFailed, cerr)
		}
	}()
	return fn(s)
}

// RemoteEmitter delivers messages to a runtime behind a control server.
type RemoteEmitter struct {
	dialer ports.CommandDialer
}

var _ ports.Emitter = (*RemoteEmitter)(nil)

// NewRemoteEmitter creates an emitter that opens one session per call.
func NewRemoteEmitter(dialer ports.CommandDialer) *RemoteEmitter {
	return &RemoteEmitter{dialer: dialer}
}

// Emit sends "emit <vertex> <process> <json>".
func (r *RemoteEmitter) Emit(ctx context.Context, to domain.Binding, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return WithSession(ctx, r.dialer, func(s ports.CommandSession) error {
		_, err := s.Exec(ctx, fmt.Sprintf("%s %s %s %s", CmdEmit, to.Vertex, to.Process, data))
		return err
	})
}

// EmitByQuery sends "emitq <query> <json>" and returns the remote match count.
func (r *RemoteEmitter) EmitByQuery(ctx context.Context, filter string, msg domain.Message) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	var n int
	err = WithSession(ctx, r.dialer, func(s ports.CommandSession) error {
		body, err := s.Exec(ctx, fmt.Sprintf("%s %s %s", CmdEmitQ, filter, data))
		if err != nil {
			return err
		}
		n, err = strconv.Atoi(strings.TrimSpace(body))
		return err
	})
	return n, err
}

// Pulse asks the remote clock for one pulse.
func (r *RemoteEmitter) Pulse(ctx context.Context, target domain.Binding) error {
	return WithSession(ctx, r.dialer, func(s ports.CommandSession) error {
		_, err := s.Exec(ctx, fmt.Sprintf("%s %s %s", CmdPulse, target.Vertex, target.Process))
		return err
	})
}
