// Package observability exposes runtime activity as Prometheus metrics.
//
// Metrics are fed by lifecycle hooks, so the runtime and clock stay unaware of
// Prometheus:
//
//	m := observability.NewMetrics(prometheus.DefaultRegisterer)
//	engine := runtime.NewEngine(g, reg, runtime.WithLifecycleHooks(m.Hooks()))
package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lattice"

// Metrics holds the runtime collectors.
type Metrics struct {
	spawned   *prometheus.CounterVec
	killed    *prometheus.CounterVec
	live      prometheus.Gauge
	delivered *prometheus.CounterVec
	failed    *prometheus.CounterVec
	handling  *prometheus.HistogramVec
	waiting   *prometheus.HistogramVec
	dropped   *prometheus.CounterVec
	pulses    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		spawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "spawned_total",
			Help:      "Process instances created, by process type.",
		}, []string{"process"}),
		killed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "killed_total",
			Help:      "Process instances destroyed, by process type.",
		}, []string{"process"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "live",
			Help:      "Process instances currently alive.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "delivered_total",
			Help:      "Messages handled by a process.",
		}, []string{"process", "type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "failed_total",
			Help:      "Messages whose handler returned an error.",
		}, []string{"process", "type"}),
		handling: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "handle_duration_seconds",
			Help:      "Time spent in a process message handler.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"process"}),
		waiting: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "queue_wait_seconds",
			Help:      "Time a message spent in a mailbox before its handler ran.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"process"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "dropped_total",
			Help:      "Messages dropped before or instead of handling, by reason.",
		}, []string{"reason"}),
		pulses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clock",
			Name:      "pulses_total",
			Help:      "Clock pulses, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.spawned, m.killed, m.live,
		m.delivered, m.failed, m.handling, m.waiting, m.dropped,
		m.pulses,
		m.httpRequests, m.httpDuration,
	}
}

// Hooks returns lifecycle hooks that record into m.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnSpawn: func(_ context.Context, e *domain.ProcessEvent) {
			m.spawned.WithLabelValues(e.Binding.Process).Inc()
			m.live.Inc()
		},
		OnKill: func(_ context.Context, e *domain.ProcessEvent) {
			m.killed.WithLabelValues(e.Binding.Process).Inc()
			m.live.Dec()
		},
		OnDeliver: func(_ context.Context, e *domain.MessageEvent) {
			m.delivered.WithLabelValues(e.Binding.Process, e.MessageType).Inc()
			m.handling.WithLabelValues(e.Binding.Process).Observe(e.Duration.Seconds())
			m.waiting.WithLabelValues(e.Binding.Process).Observe(e.Waited.Seconds())
			if e.Err != nil {
				m.failed.WithLabelValues(e.Binding.Process, e.MessageType).Inc()
			}
		},
		OnDrop: func(_ context.Context, e *domain.MessageEvent) {
			m.dropped.WithLabelValues(e.Reason).Inc()
		},
		OnPulse: func(_ context.Context, e *domain.PulseEvent) {
			kind := "pulse"
			if e.Rearm {
				kind = "rearm"
			}
			outcome := "sent"
			if e.Dropped {
				outcome = e.Reason
			}
			m.pulses.WithLabelValues(kind, outcome).Inc()
		},
	}
}

// Middleware records request counts and latency keyed by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
