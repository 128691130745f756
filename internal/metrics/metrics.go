// Package metrics holds the process-wide Prometheus registry for a watcher.
//
// The Registry is explicit process-scoped state: it is created once at
// startup and passed by reference into every pipeline stage. Nothing in
// this package touches the default global registry, which keeps tests
// hermetic (each test builds its own Registry).
//
// All write paths are lock-free from the caller's perspective: Prometheus
// counters and gauges are atomic, so a stage can record from any goroutine
// without blocking frame processing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// State values published on the current_state gauge.
const (
	StateUnknownValue = -1.0
	StateAbsentValue  = 0.0
	StatePresentValue = 1.0
)

// Registry bundles every metric the watcher pipeline reports.
type Registry struct {
	reg *prometheus.Registry

	FramesProcessed prometheus.Counter
	FramesDropped   prometheus.Counter
	StreamStalls    prometheus.Counter
	ScoreErrors     prometheus.Counter
	ActionsSent     prometheus.Counter
	ActionsFailed   prometheus.Counter

	CurrentState prometheus.Gauge
	LastScore    *prometheus.GaugeVec

	ScoreSeconds    prometheus.Histogram
	DeliverySeconds prometheus.Histogram
}

// New builds a Registry with every metric registered on a private
// Prometheus registry, labelled with the watcher id.
func New(watcherID string) *Registry {
	labels := prometheus.Labels{"watcher_id": watcherID}

	r := &Registry{
		reg: prometheus.NewRegistry(),
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hawkeye_frames_processed_total",
			Help:        "Frames scored against the reference set.",
			ConstLabels: labels,
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hawkeye_frames_dropped_total",
			Help:        "Frames dropped before scoring (backpressure or skipped score).",
			ConstLabels: labels,
		}),
		StreamStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hawkeye_stream_stalls_total",
			Help:        "Times no frame arrived within the stall timeout.",
			ConstLabels: labels,
		}),
		ScoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hawkeye_score_errors_total",
			Help:        "Frames skipped because similarity scoring failed.",
			ConstLabels: labels,
		}),
		ActionsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hawkeye_actions_sent_total",
			Help:        "Action deliveries that completed successfully.",
			ConstLabels: labels,
		}),
		ActionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hawkeye_actions_failed_total",
			Help:        "Action deliveries abandoned after exhausting retries.",
			ConstLabels: labels,
		}),
		CurrentState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "hawkeye_current_state",
			Help:        "Detection state: -1 unknown, 0 absent, 1 present.",
			ConstLabels: labels,
		}),
		LastScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "hawkeye_last_score",
			Help:        "Most recent similarity score per reference image.",
			ConstLabels: labels,
		}, []string{"reference"}),
		ScoreSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "hawkeye_score_seconds",
			Help:        "Per-frame similarity scoring latency.",
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 12),
			ConstLabels: labels,
		}),
		DeliverySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "hawkeye_action_delivery_seconds",
			Help:        "Wall time of a single action delivery attempt.",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 12),
			ConstLabels: labels,
		}),
	}

	r.reg.MustRegister(
		r.FramesProcessed, r.FramesDropped, r.StreamStalls, r.ScoreErrors,
		r.ActionsSent, r.ActionsFailed,
		r.CurrentState, r.LastScore,
		r.ScoreSeconds, r.DeliverySeconds,
	)
	r.CurrentState.Set(StateUnknownValue)

	return r
}

// Gatherer exposes the underlying registry read-only for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Server is the pull-based exposition endpoint. It owns an http.Server so
// the watcher can shut it down within the grace period.
type Server struct {
	srv *http.Server
}

// NewServer mounts /metrics and /healthz on addr. The handler reads from
// the Registry only; it has no write path into the pipeline.
func NewServer(addr string, r *Registry) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &Server{srv: &http.Server{Addr: addr, Handler: router}}
}

// Start serves until Shutdown. It returns only on listener failure.
func (s *Server) Start() {
	slog.Info("metrics: serving", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics: server stopped", "error", err)
	}
}

// Shutdown stops the exposition server, bounded by the given grace period.
func (s *Server) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
