package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/endpoint"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runtime is the part of the actor runtime exposed over HTTP.
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

// Streams lists endpoints and hands out subscriptions to them.
type Streams interface {
	Endpoints() []string
	Subscribe(name string) (<-chan endpoint.Envelope, func())
}

// Server serves the admin API.
type Server struct {
	graph    ports.GraphStore
	runtime  Runtime
	pulser   Pulser
	streams  Streams
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
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

// WithPulser enables POST /pulse.
func WithPulser(p Pulser) Option {
	return func(s *Server) {
		s.pulser = p
	}
}

// WithStreams enables the endpoint routes, including the SSE stream.
func WithStreams(st Streams) Option {
	return func(s *Server) {
		s.streams = st
	}
}

// WithMetrics records request metrics and serves GET /metrics from g.
func WithMetrics(m *observability.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// NewHandler creates the HTTP handler for a graph and its runtime.
func NewHandler(graph ports.GraphStore, rt Runtime, opts ...Option) http.Handler {
	s := &Server{
		graph:   graph,
		runtime: rt,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)

	r.Get("/query", s.Query)
	r.Get("/vertices/{key}", s.GetVertex)
	r.Put("/vertices/{key}", s.PutVertex)
	r.Delete("/vertices/{key}", s.DeleteVertex)
	r.Get("/edges/{key}", s.GetEdge)
	r.Put("/edges/{key}", s.PutEdge)
	r.Delete("/edges/{key}", s.DeleteEdge)

	r.Get("/processes", s.ListProcesses)
	r.Post("/processes", s.SpawnProcess)
	r.Delete("/processes/{vertex}/{process}", s.KillProcess)

	r.Post("/emit", s.Emit)
	r.Post("/emitq", s.EmitByQuery)
	r.Post("/pulse", s.Pulse)

	r.Get("/endpoints", s.ListEndpoints)
	r.Get("/endpoints/{name}/events", s.SubscribeEvents)

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":     "lattice-http",
		"version": strings.TrimSpace(lattice.Version),
	})
}

// Query handles GET /query?q=<filter>.
func (s *Server) Query(w http.ResponseWriter, r *http.Request) {
	recs, err := s.graph.Query(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, "Query", err)
		return
	}
	s.writeResults(w, recs)
}

// GetVertex handles GET /vertices/{key}.
func (s *Server) GetVertex(w http.ResponseWriter, r *http.Request) {
	v, err := s.graph.Vertex(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, "GetVertex", err)
		return
	}
	s.writeJSON(w, http.StatusOK, v.Record())
}

// PutVertex handles PUT /vertices/{key}. The body is the property object.
func (s *Server) PutVertex(w http.ResponseWriter, r *http.Request) {
	var props map[string]any
	if !s.decode(w, r, &props) {
		return
	}
	v := domain.Vertex{Key: chi.URLParam(r, "key"), Props: props}
	if err := s.graph.AddVertex(r.Context(), v); err != nil {
		s.fail(w, "PutVertex", err)
		return
	}
	s.writeJSON(w, http.StatusOK, v.Record())
}

// DeleteVertex handles DELETE /vertices/{key}.
func (s *Server) DeleteVertex(w http.ResponseWriter, r *http.Request) {
	if err := s.graph.RemoveVertex(r.Context(), chi.URLParam(r, "key")); err != nil {
		s.fail(w, "DeleteVertex", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEdge handles GET /edges/{key}.
func (s *Server) GetEdge(w http.ResponseWriter, r *http.Request) {
	e, err := s.graph.Edge(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, "GetEdge", err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.Record())
}

// PutEdge handles PUT /edges/{key}. The body carries _source, _target, _rel and props.
func (s *Server) PutEdge(w http.ResponseWriter, r *http.Request) {
	var e domain.Edge
	if !s.decode(w, r, &e) {
		return
	}
	e.Key = chi.URLParam(r, "key")
	if e.Source == "" || e.Target == "" {
		http.Error(w, "_source and _target are required", http.StatusBadRequest)
		return
	}
	if err := s.graph.AddEdge(r.Context(), e); err != nil {
		s.fail(w, "PutEdge", err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.Record())
}

// DeleteEdge handles DELETE /edges/{key}.
func (s *Server) DeleteEdge(w http.ResponseWriter, r *http.Request) {
	if err := s.graph.RemoveEdge(r.Context(), chi.URLParam(r, "key")); err != nil {
		s.fail(w, "DeleteEdge", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListProcesses handles GET /processes?q=<filter>.
func (s *Server) ListProcesses(w http.ResponseWriter, r *http.Request) {
	recs, err := s.runtime.Processes(r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, "ListProcesses", err)
		return
	}
	s.writeResults(w, recs)
}

// SpawnRequest is the body of POST /processes.
type SpawnRequest struct {
	Vertex  string         `json:"vertex"`
	Process string         `json:"process"`
	Options map[string]any `json:"options,omitempty"`
}

// SpawnProcess handles POST /processes.
func (s *Server) SpawnProcess(w http.ResponseWriter, r *http.Request) {
	var body SpawnRequest
	if !s.decode(w, r, &body) {
		return
	}
	inst, err := s.runtime.Spawn(r.Context(), domain.NewBinding(body.Vertex, body.Process), body.Options)
	if err != nil {
		s.fail(w, "SpawnProcess", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		domain.FieldPID:          inst.PID,
		domain.FieldInstanceName: inst.Binding.InstanceName(),
	})
}

// KillProcess handles DELETE /processes/{vertex}/{process}.
func (s *Server) KillProcess(w http.ResponseWriter, r *http.Request) {
	b := domain.NewBinding(chi.URLParam(r, "vertex"), chi.URLParam(r, "process"))
	if err := s.runtime.Kill(r.Context(), b); err != nil {
		s.fail(w, "KillProcess", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EmitRequest is the body of POST /emit and POST /pulse.
type EmitRequest struct {
	Vertex  string         `json:"vertex"`
	Process string         `json:"process"`
	Msg     domain.Message `json:"msg"`
}

// Emit handles POST /emit.
func (s *Server) Emit(w http.ResponseWriter, r *http.Request) {
	var body EmitRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Msg.Type() == "" {
		http.Error(w, "msg.type is required", http.StatusBadRequest)
		return
	}
	if err := s.runtime.Emit(r.Context(), domain.NewBinding(body.Vertex, body.Process), body.Msg); err != nil {
		s.fail(w, "Emit", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// EmitQueryRequest is the body of POST /emitq.
type EmitQueryRequest struct {
	Query string         `json:"query"`
	Msg   domain.Message `json:"msg"`
}

// EmitByQuery handles POST /emitq.
func (s *Server) EmitByQuery(w http.ResponseWriter, r *http.Request) {
	var body EmitQueryRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Msg.Type() == "" {
		http.Error(w, "msg.type is required", http.StatusBadRequest)
		return
	}
	n, err := s.runtime.EmitByQuery(r.Context(), body.Query, body.Msg)
	if err != nil {
		s.fail(w, "EmitByQuery", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

// Pulse handles POST /pulse.
func (s *Server) Pulse(w http.ResponseWriter, r *http.Request) {
	if s.pulser == nil {
		http.Error(w, "No clock attached", http.StatusNotImplemented)
		return
	}
	var body EmitRequest
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.pulser.Pulse(r.Context(), domain.NewBinding(body.Vertex, body.Process)); err != nil {
		s.fail(w, "Pulse", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListEndpoints handles GET /endpoints.
func (s *Server) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		s.writeJSON(w, http.StatusOK, map[string][]string{"endpoints": {}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"endpoints": s.streams.Endpoints()})
}

// SubscribeEvents handles GET /endpoints/{name}/events (SSE). Each published
// envelope becomes one data event.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		http.Error(w, "No endpoints attached", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: streaming not supported")
		return
	}

	name := chi.URLParam(r, "name")
	ch, unsubscribe := s.streams.Subscribe(name)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.logger.Info("SSE: subscribed", "endpoint", name)
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE: client disconnected", "endpoint", name)
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				s.logger.Warn("SSE: encode failed", "endpoint", name, "err", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// -- Helpers --

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("invalid request body", "path", r.URL.Path, "err", err)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

func (s *Server) writeResults(w http.ResponseWriter, recs []domain.Record) {
	if recs == nil {
		recs = []domain.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": recs})
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrVertexNotFound),
		errors.Is(err, domain.ErrEdgeNotFound),
		errors.Is(err, domain.ErrProcessNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidQuery),
		errors.Is(err, domain.ErrInvalidKey),
		errors.Is(err, domain.ErrUnknownProcessType),
		errors.Is(err, domain.ErrPulseCapped):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPulseThrottled):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrRuntimeClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "err", err)
	} else {
		s.logger.Warn(op+" rejected", "err", err)
	}
	http.Error(w, fmt.Sprintf("%s error: %v", op, err), status)
}
