package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/merchsense/merchsense/pkg/evictor"
	"github.com/merchsense/merchsense/pkg/logx"
	"github.com/merchsense/merchsense/pkg/predictor"
)

// Server exposes Prometheus metrics and a health endpoint for merchsensed
type Server struct {
	engine   *predictor.Engine
	logger   *logx.Logger
	registry *prometheus.Registry
	server   *http.Server

	cacheEntries       *prometheus.GaugeVec
	cacheHitRate       *prometheus.GaugeVec
	cacheAvgConfidence *prometheus.GaugeVec
	activeSessions     prometheus.Gauge

	predictions   *prometheus.CounterVec
	sessionEvents *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
}

// NewServer creates a metrics server reading cache statistics from the engine
func NewServer(engine *predictor.Engine, logger *logx.Logger) *Server {
	s := &Server{
		engine:   engine,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	s.registerMetrics()
	return s
}

// registerMetrics registers all Prometheus metrics
func (s *Server) registerMetrics() {
	s.cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "merchsense_cache_entries",
			Help: "Number of records in each cache",
		},
		[]string{"cache"},
	)

	s.cacheHitRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "merchsense_cache_hit_rate",
			Help: "Hit rate for each cache since startup",
		},
		[]string{"cache"},
	)

	s.cacheAvgConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "merchsense_cache_avg_confidence",
			Help: "Average record confidence in each cache",
		},
		[]string{"cache"},
	)

	s.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "merchsense_active_sessions",
			Help: "Number of sessions in a non-terminal state",
		},
	)

	s.predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merchsense_predictions_total",
			Help: "Total predictions served, by winning method",
		},
		[]string{"method"},
	)

	s.sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merchsense_session_events_total",
			Help: "Total session lifecycle transitions, by resulting status",
		},
		[]string{"status"},
	)

	s.evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merchsense_evictions_total",
			Help: "Total records removed by sweeps, by target",
		},
		[]string{"target"},
	)

	s.storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merchsense_store_errors_total",
			Help: "Total persistence failures, by operation",
		},
		[]string{"operation"},
	)

	s.registry.MustRegister(
		s.cacheEntries,
		s.cacheHitRate,
		s.cacheAvgConfidence,
		s.activeSessions,
		s.predictions,
		s.sessionEvents,
		s.evictions,
		s.storeErrors,
	)
}

// Start serves /metrics and /health on the given port
func (s *Server) Start(port int) error {
	s.logger.Info("starting metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the listener down
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// healthHandler reports liveness plus a cache summary
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.CacheStatistics()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":%q,"terminal_count":%d,"location_count":%d,"active_sessions":%d}`,
		time.Now().Format(time.RFC3339), stats.TerminalCount, stats.LocationCount, stats.ActiveSessions)
}

// UpdateGauges refreshes the cache gauges from current engine statistics
func (s *Server) UpdateGauges() {
	stats := s.engine.CacheStatistics()

	s.cacheEntries.With(prometheus.Labels{"cache": "terminal"}).Set(float64(stats.TerminalCount))
	s.cacheEntries.With(prometheus.Labels{"cache": "location"}).Set(float64(stats.LocationCount))
	s.cacheHitRate.With(prometheus.Labels{"cache": "terminal"}).Set(stats.TerminalHitRate)
	s.cacheHitRate.With(prometheus.Labels{"cache": "location"}).Set(stats.LocationHitRate)
	for cache, avg := range stats.AvgConfidences {
		s.cacheAvgConfidence.With(prometheus.Labels{"cache": cache}).Set(avg)
	}
	s.activeSessions.Set(float64(stats.ActiveSessions))
}

// RecordPrediction counts one served prediction
func (s *Server) RecordPrediction(ev predictor.PredictionEvent) {
	s.predictions.With(prometheus.Labels{"method": ev.Method}).Inc()
}

// RecordSessionEvent counts one session transition
func (s *Server) RecordSessionEvent(ev predictor.SessionEvent) {
	s.sessionEvents.With(prometheus.Labels{"status": string(ev.Status)}).Inc()
}

// RecordSweep counts one eviction sweep's removals
func (s *Server) RecordSweep(res evictor.Result) {
	s.evictions.With(prometheus.Labels{"target": "terminal"}).Add(float64(res.TerminalsRemoved))
	s.evictions.With(prometheus.Labels{"target": "location"}).Add(float64(res.LocationsRemoved))
	s.evictions.With(prometheus.Labels{"target": "session"}).Add(float64(res.SessionsExpired))
}

// RecordStoreError counts one persistence failure
func (s *Server) RecordStoreError(operation string) {
	s.storeErrors.With(prometheus.Labels{"operation": operation}).Inc()
}
