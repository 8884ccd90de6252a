package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/registry"
)

// Runtime is the part of the actor runtime the control server drives.
type Runtime interface {
	ports.Emitter
	Spawn(ctx context.Context, b domain.Binding, options map[string]any) (*registry.Instance, error)
	Kill(ctx context.Context, b domain.Binding) error
	Processes(filter string) ([]domain.Record, error)
}

// Pulser injects one clock pulse.
type Pulser interface {
	Pulse(ctx context.Context, target domain.Binding) error
}

// Server accepts control connections.
type Server struct {
	graph     ports.GraphStore
	runtime   Runtime
	pulser    Pulser
	endpoints ports.EndpointPublisher
	namespace string
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNamespace sets the graph name clients select with "use".
func WithNamespace(ns string) ServerOption {
	return func(s *Server) {
		s.namespace = ns
	}
}

// WithPulser enables the pulse command.
func WithPulser(p Pulser) ServerOption {
	return func(s *Server) {
		s.pulser = p
	}
}

// WithEndpoints enables the publish command.
func WithEndpoints(p ports.EndpointPublisher) ServerOption {
	return func(s *Server) {
		s.endpoints = p
	}
}

// NewServer creates a control server over a graph store and runtime.
func NewServer(graph ports.GraphStore, rt Runtime, opts ...ServerOption) *Server {
	s := &Server{
		graph:     graph,
		runtime:   rt,
		namespace: "default",
		logger:    logging.NewNop(),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. Open connections are
// closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("control server listening", "addr", ln.Addr().String(), "namespace", s.namespace)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	defer func() {
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control accept: %w", err)
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
		return
	}
	delete(s.conns, c)
	_ = c.Close()
}

// session is the per-connection state.
type session struct {
	db string
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("control client connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	w := bufio.NewWriter(conn)
	st := &session{}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, _ := splitCommand(line)
		if cmd == CmdBye {
			_, _ = w.WriteString(ReplyOK + "\n")
			_ = w.Flush()
			return
		}
		reply := s.execute(ctx, st, line)
		logger.Debug("control command", "cmd", cmd, "status", statusOf(reply))
		if _, err := w.WriteString(reply); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn("control connection failed", "err", err)
	}
}

func statusOf(reply string) string {
	lines := strings.Split(strings.TrimRight(reply, "\n"), "\n")
	return lines[len(lines)-1]
}

func ok(body ...string) string {
	var b strings.Builder
	for _, line := range body {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(ReplyOK + "\n")
	return b.String()
}

func fail(err error) string {
	if errors.Is(err, domain.ErrVertexNotFound) || errors.Is(err, domain.ErrEdgeNotFound) ||
		errors.Is(err, domain.ErrProcessNotFound) {
		return ReplyNotFound + "\n"
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	return ReplyErr + " " + msg + "\n"
}

func results(recs []domain.Record) (string, error) {
	if recs == nil {
		recs = []domain.Record{}
	}
	data, err := json.Marshal(map[string]any{"results": recs})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeObject(payload string) (map[string]any, error) {
	if payload == "" {
		return nil, nil
	}
	var out map[string]any
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("BAD_JSON %w", err)
	}
	return out, nil
}

// execute runs one command line and returns the full reply, status line included.
func (s *Server) execute(ctx context.Context, st *session, line string) string {
	cmd, rest := splitCommand(line)
	if cmd == CmdUse {
		if rest == "" {
			return ReplyErr + " usage: use <graph>\n"
		}
		if rest != s.namespace {
			return ReplyErr + " GRAPH_NOT_FOUND " + rest + "\n"
		}
		st.db = rest
		return ok()
	}
	if st.db == "" {
		return ReplyErr + " REQUIRE_USE_DB\n"
	}

	reply, err := s.dispatch(ctx, cmd, rest)
	if err != nil {
		return fail(err)
	}
	return reply
}

var errUsage = errors.New("usage")

func (s *Server) dispatch(ctx context.Context, cmd, rest string) (string, error) {
	words, payload := splitJSON(rest)
	switch cmd {
	case CmdCVert:
		if len(words) != 1 {
			return "", fmt.Errorf("%w: cvert <key> [json]", errUsage)
		}
		props, err := decodeObject(payload)
		if err != nil {
			return "", err
		}
		return ok(), s.graph.AddVertex(ctx, domain.Vertex{Key: words[0], Props: props})

	case CmdCEdge:
		if len(words) != 4 && len(words) != 5 {
			return "", fmt.Errorf("%w: cedge <key> <from> <to> <rel> [weight] [json]", errUsage)
		}
		props, err := decodeObject(payload)
		if err != nil {
			return "", err
		}
		if len(words) == 5 {
			w, err := strconv.ParseFloat(words[4], 64)
			if err != nil {
				return "", fmt.Errorf("invalid weight %q", words[4])
			}
			if props == nil {
				props = map[string]any{}
			}
			props[domain.FieldWeight] = w
		}
		e := domain.Edge{Key: words[0], Source: words[1], Target: words[2], Label: words[3], Props: props}
		return ok(), s.graph.AddEdge(ctx, e)

	case CmdDel:
		if len(words) != 1 {
			return "", fmt.Errorf("%w: del <key>", errUsage)
		}
		return ok(), s.delete(ctx, words[0])

	case CmdGet:
		if len(words) != 1 {
			return "", fmt.Errorf("%w: get <key>", errUsage)
		}
		rec, err := s.lookup(ctx, words[0])
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return "", err
		}
		return ok(string(data)), nil

	case CmdExists:
		if len(words) != 1 {
			return "", fmt.Errorf("%w: exists <key>", errUsage)
		}
		_, err := s.lookup(ctx, words[0])
		switch {
		case err == nil:
			return ok("true " + words[0]), nil
		case errors.Is(err, domain.ErrVertexNotFound):
			return ok("false " + words[0]), nil
		default:
			return "", err
		}

	case CmdQuery:
		recs, err := s.graph.Query(ctx, rest)
		if err != nil {
			return "", err
		}
		body, err := results(recs)
		return ok(body), err

	case CmdQueryP, CmdPS:
		recs, err := s.runtime.Processes(rest)
		if err != nil {
			return "", err
		}
		body, err := results(recs)
		return ok(body), err

	case CmdSProc:
		if len(words) != 2 {
			return "", fmt.Errorf("%w: sproc <vertex> <process> [json options]", errUsage)
		}
		opts, err := decodeObject(payload)
		if err != nil {
			return "", err
		}
		inst, err := s.runtime.Spawn(ctx, domain.NewBinding(words[0], words[1]), opts)
		if err != nil {
			return "", err
		}
		return ok(inst.PID), nil

	case CmdKill:
		b, err := bindingArgs(words, "kill")
		if err != nil {
			return "", err
		}
		return ok(), s.runtime.Kill(ctx, b)

	case CmdEmit:
		b, err := bindingArgs(words, "emit")
		if err != nil {
			return "", err
		}
		msg, err := domain.ParseMessage([]byte(payload))
		if err != nil {
			return "", err
		}
		return ok(), s.runtime.Emit(ctx, b, msg)

	case CmdEmitQ:
		if len(words) == 0 || payload == "" {
			return "", fmt.Errorf("%w: emitq <query> <json>", errUsage)
		}
		msg, err := domain.ParseMessage([]byte(payload))
		if err != nil {
			return "", err
		}
		n, err := s.runtime.EmitByQuery(ctx, strings.Join(words, " "), msg)
		if err != nil {
			return "", err
		}
		return ok(strconv.Itoa(n)), nil

	case CmdPulse:
		if s.pulser == nil {
			return "", errors.New("no clock attached")
		}
		b, err := bindingArgs(words, "pulse")
		if err != nil {
			return "", err
		}
		return ok(), s.pulser.Pulse(ctx, b)

	case CmdPublish:
		if s.endpoints == nil {
			return "", errors.New("no endpoints attached")
		}
		if len(words) != 1 || payload == "" {
			return "", fmt.Errorf("%w: publish <endpoint> <json>", errUsage)
		}
		body, err := decodeObject(payload)
		if err != nil {
			return "", err
		}
		return ok(), s.endpoints.Publish(ctx, words[0], body)

	default:
		return ReplyUnknown + " " + cmd + "\n", nil
	}
}

func bindingArgs(words []string, cmd string) (domain.Binding, error) {
	if len(words) != 2 {
		return domain.Binding{}, fmt.Errorf("%w: %s <vertex> <process>", errUsage, cmd)
	}
	return domain.NewBinding(words[0], words[1]), nil
}

// lookup finds a vertex or edge record by key.
func (s *Server) lookup(ctx context.Context, key string) (domain.Record, error) {
	if v, err := s.graph.Vertex(ctx, key); err == nil {
		return v.Record(), nil
	} else if !errors.Is(err, domain.ErrVertexNotFound) {
		return nil, err
	}
	if e, err := s.graph.Edge(ctx, key); err == nil {
		return e.Record(), nil
	} else if !errors.Is(err, domain.ErrEdgeNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrVertexNotFound, key)
}

func (s *Server) delete(ctx context.Context, key string) error {
	rec, err := s.lookup(ctx, key)
	if err != nil {
		return err
	}
	if rec.Type() == domain.TypeEdge {
		return s.graph.RemoveEdge(ctx, key)
	}
	return s.graph.RemoveVertex(ctx, key)
}
