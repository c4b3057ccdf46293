// Package metrics provides Prometheus metrics for cookbot
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for cookbot. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	CompletionAttemptsTotal  *prometheus.CounterVec
	CompletionDuration       *prometheus.HistogramVec
	CompletionExhaustedTotal *prometheus.CounterVec

	MessagesTotal      *prometheus.CounterVec
	HistoryResetsTotal prometheus.Counter
	PollErrorsTotal    prometheus.Counter
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.CompletionAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookbot_completion_attempts_total",
			Help: "Completion backend calls by prompt kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	m.CompletionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cookbot_completion_duration_seconds",
			Help:    "Duration of single completion backend calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"kind"},
	)

	m.CompletionExhaustedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookbot_completion_exhausted_total",
			Help: "Completions that returned no answer after all attempts",
		},
		[]string{"kind"},
	)

	m.MessagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookbot_messages_total",
			Help: "Incoming messages by route",
		},
		[]string{"route"},
	)

	m.HistoryResetsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "cookbot_history_resets_total",
			Help: "Conversation histories cleared with /reset",
		},
	)

	m.PollErrorsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "cookbot_poll_errors_total",
			Help: "Failed getUpdates calls",
		},
	)

	return m
}

// RecordCompletionAttempt records one backend call.
func (m *Metrics) RecordCompletionAttempt(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CompletionAttemptsTotal.WithLabelValues(kind, outcome).Inc()
	m.CompletionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCompletionExhausted records a completion that gave up.
func (m *Metrics) RecordCompletionExhausted(kind string) {
	if m == nil {
		return
	}
	m.CompletionExhaustedTotal.WithLabelValues(kind).Inc()
}

// RecordMessage counts an incoming message by the route it took.
func (m *Metrics) RecordMessage(route string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) RecordHistoryReset() {
	if m == nil {
		return
	}
	m.HistoryResetsTotal.Inc()
}

func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.PollErrorsTotal.Inc()
}

// Server exposes /metrics and /health over HTTP.
type Server struct {
	server *http.Server
}

// NewServer builds the observability listener for addr (e.g. ":9090").
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"cookbot"}`))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
