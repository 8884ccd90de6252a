package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Resource URIs.
const (
	GraphURI     = "lattice://graph"
	ProcessesURI = "lattice://processes"
)

// Runtime is the part of the actor runtime exposed as tools.
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

// Results is the structured output of the query tools.
type Results struct {
	Results []domain.Record `json:"results" jsonschema_description:"Matching records"`
}

// FilterArgs selects records with a field:value filter.
type FilterArgs struct {
	Filter string `json:"filter"`
}

// BindingArgs names one process binding.
type BindingArgs struct {
	Vertex  string `json:"vertex"`
	Process string `json:"process"`
}

// SpawnArgs are the arguments of spawn_process.
type SpawnArgs struct {
	BindingArgs
	Options map[string]any `json:"options,omitempty"`
}

// SpawnResult is the structured output of spawn_process.
type SpawnResult struct {
	PID          string `json:"pid" jsonschema_description:"Unique process id"`
	InstanceName string `json:"instance_name" jsonschema_description:"vertex-process instance name"`
}

// EmitArgs are the arguments of emit.
type EmitArgs struct {
	BindingArgs
	Message domain.Message `json:"message"`
}

// EmitQueryArgs are the arguments of emit_query.
type EmitQueryArgs struct {
	Filter  string         `json:"filter"`
	Message domain.Message `json:"message"`
}

// Delivered reports how many processes a fan-out reached.
type Delivered struct {
	Delivered int `json:"delivered" jsonschema_description:"Number of processes reached"`
}

// Ack is returned by tools without a payload.
type Ack struct {
	OK bool `json:"ok"`
}

// Server exposes a lattice as an MCP server.
type Server struct {
	graph     ports.GraphIndex
	runtime   Runtime
	pulser    Pulser
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPulser enables the pulse tool.
func WithPulser(p Pulser) Option {
	return func(s *Server) {
		s.pulser = p
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(graph ports.GraphIndex, rt Runtime, opts ...Option) *Server {
	s := &Server{
		graph:     graph,
		runtime:   rt,
		logger:    logging.NewNop(),
		mcpServer: server.NewMCPServer("lattice-mcp", strings.TrimSpace(lattice.Version)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the SSE transport on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "addr", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bindingOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("vertex", mcp.Required(), mcp.Description("Vertex key")),
		mcp.WithString("process", mcp.Required(), mcp.Description("Process type tag, e.g. AND")),
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("query_graph",
		mcp.WithDescription("Return the vertices and edges matching a filter such as '_type:v' or 'obj_key:in*'."),
		mcp.WithString("filter", mcp.Required(), mcp.Description("Space-separated field:value terms; a trailing * matches a prefix")),
		mcp.WithOutputSchema[Results](),
	), mcp.NewStructuredToolHandler(s.handleQueryGraph))

	s.mcpServer.AddTool(mcp.NewTool("list_processes",
		mcp.WithDescription("Return the live processes matching a filter. An empty filter lists all of them."),
		mcp.WithString("filter", mcp.Description("Filter over obj_key, process, instance_name, pid")),
		mcp.WithOutputSchema[Results](),
	), mcp.NewStructuredToolHandler(s.handleListProcesses))

	s.mcpServer.AddTool(mcp.NewTool("spawn_process",
		append(bindingOptions(),
			mcp.WithDescription("Bind a process to a vertex, replacing any instance of the same binding."),
			mcp.WithObject("options", mcp.Description("Process options, e.g. {\"rearm_target\": \"g1/AND\"}")),
			mcp.WithOutputSchema[SpawnResult](),
		)...,
	), mcp.NewStructuredToolHandler(s.handleSpawn))

	s.mcpServer.AddTool(mcp.NewTool("kill_process",
		append(bindingOptions(),
			mcp.WithDescription("Destroy the process bound to a vertex."),
			mcp.WithOutputSchema[Ack](),
		)...,
	), mcp.NewStructuredToolHandler(s.handleKill))

	s.mcpServer.AddTool(mcp.NewTool("emit",
		append(bindingOptions(),
			mcp.WithDescription("Deliver a message to one process. The message needs a \"type\" field."),
			mcp.WithObject("message", mcp.Required(), mcp.Description("Message object, e.g. {\"type\":\"state\",\"from\":\"in1\",\"state\":1}")),
			mcp.WithOutputSchema[Ack](),
		)...,
	), mcp.NewStructuredToolHandler(s.handleEmit))

	s.mcpServer.AddTool(mcp.NewTool("emit_query",
		mcp.WithDescription("Deliver a message to every process matching a filter."),
		mcp.WithString("filter", mcp.Required(), mcp.Description("Process filter, e.g. 'obj_key:g1'")),
		mcp.WithObject("message", mcp.Required(), mcp.Description("Message object with a \"type\" field")),
		mcp.WithOutputSchema[Delivered](),
	), mcp.NewStructuredToolHandler(s.handleEmitQuery))

	if s.pulser != nil {
		s.mcpServer.AddTool(mcp.NewTool("pulse",
			append(bindingOptions(),
				mcp.WithDescription("Send one clock pulse to a process."),
				mcp.WithOutputSchema[Ack](),
			)...,
		), mcp.NewStructuredToolHandler(s.handlePulse))
	}
}

// Handler methods for structured tools

func (s *Server) handleQueryGraph(ctx context.Context, _ mcp.CallToolRequest, args FilterArgs) (Results, error) {
	recs, err := s.graph.Query(ctx, args.Filter)
	if err != nil {
		return Results{}, fmt.Errorf("query failed: %w", err)
	}
	return results(recs), nil
}

func (s *Server) handleListProcesses(_ context.Context, _ mcp.CallToolRequest, args FilterArgs) (Results, error) {
	recs, err := s.runtime.Processes(args.Filter)
	if err != nil {
		return Results{}, fmt.Errorf("list failed: %w", err)
	}
	return results(recs), nil
}

func (s *Server) handleSpawn(ctx context.Context, _ mcp.CallToolRequest, args SpawnArgs) (SpawnResult, error) {
	inst, err := s.runtime.Spawn(ctx, args.binding(), args.Options)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("spawn failed: %w", err)
	}
	s.logger.Info("MCP spawned process", "binding", inst.Binding.String())
	return SpawnResult{PID: inst.PID, InstanceName: inst.Binding.InstanceName()}, nil
}

func (s *Server) handleKill(ctx context.Context, _ mcp.CallToolRequest, args BindingArgs) (Ack, error) {
	if err := s.runtime.Kill(ctx, args.binding()); err != nil {
		return Ack{}, fmt.Errorf("kill failed: %w", err)
	}
	return Ack{OK: true}, nil
}

func (s *Server) handleEmit(ctx context.Context, _ mcp.CallToolRequest, args EmitArgs) (Ack, error) {
	if args.Message.Type() == "" {
		return Ack{}, fmt.Errorf("message type is required")
	}
	if err := s.runtime.Emit(ctx, args.binding(), args.Message); err != nil {
		return Ack{}, fmt.Errorf("emit failed: %w", err)
	}
	return Ack{OK: true}, nil
}

func (s *Server) handleEmitQuery(ctx context.Context, _ mcp.CallToolRequest, args EmitQueryArgs) (Delivered, error) {
	if args.Message.Type() == "" {
		return Delivered{}, fmt.Errorf("message type is required")
	}
	n, err := s.runtime.EmitByQuery(ctx, args.Filter, args.Message)
	if err != nil {
		return Delivered{}, fmt.Errorf("emit failed: %w", err)
	}
	return Delivered{Delivered: n}, nil
}

func (s *Server) handlePulse(ctx context.Context, _ mcp.CallToolRequest, args BindingArgs) (Ack, error) {
	if err := s.pulser.Pulse(ctx, args.binding()); err != nil {
		return Ack{}, fmt.Errorf("pulse failed: %w", err)
	}
	return Ack{OK: true}, nil
}

func (b BindingArgs) binding() domain.Binding {
	return domain.NewBinding(b.Vertex, b.Process)
}

func results(recs []domain.Record) Results {
	if recs == nil {
		recs = []domain.Record{}
	}
	return Results{Results: recs}
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(GraphURI, "Current graph topology",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		vertices, err := s.graph.Query(ctx, domain.FieldType+":"+domain.TypeVertex)
		if err != nil {
			return nil, fmt.Errorf("failed to list vertices: %w", err)
		}
		edges, err := s.graph.Query(ctx, domain.FieldType+":"+domain.TypeEdge)
		if err != nil {
			return nil, fmt.Errorf("failed to list edges: %w", err)
		}
		return jsonResource(GraphURI, map[string]any{"vertices": vertices, "edges": edges})
	})

	s.mcpServer.AddResource(mcp.NewResource(ProcessesURI, "Live processes",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := s.runtime.Processes("")
		if err != nil {
			return nil, fmt.Errorf("failed to list processes: %w", err)
		}
		return jsonResource(ProcessesURI, results(recs))
	})
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
