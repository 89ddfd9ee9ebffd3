package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/nimburion/nimlock/pkg/config"
	"github.com/nimburion/nimlock/pkg/health"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/observability/metrics"
)

// ManagementServer serves liveness, readiness and metrics for a long-running nimlock process:
//   - /health always returns 200
//   - /ready runs the registered health checks, 503 when any is unhealthy
//   - the metrics path serves Prometheus metrics
type ManagementServer struct {
	*Server
	router          *mux.Router
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
	logger          logger.Logger
}

// NewManagementServer creates a management server from cfg.
func NewManagementServer(
	cfg config.MetricsConfig,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
) *ManagementServer {
	if log == nil {
		log = logger.NewNop()
	}
	if healthRegistry == nil {
		healthRegistry = health.NewRegistry()
	}
	if metricsRegistry == nil {
		metricsRegistry = metrics.NewRegistry()
	}
	metricsPath := strings.TrimSpace(cfg.Path)
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	s := &ManagementServer{
		router:          mux.NewRouter(),
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
		logger:          log,
	}
	s.router.Use(s.recovery, s.instrument)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.Handle(metricsPath, metricsRegistry.Handler()).Methods(http.MethodGet)

	s.Server = NewServer(Config{
		Address:      cfg.Address,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, s.router, log)
	return s
}

// Handler returns the routed handler, mostly for tests.
func (s *ManagementServer) Handler() http.Handler {
	return s.router
}

func (s *ManagementServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
}

func (s *ManagementServer) handleReady(w http.ResponseWriter, r *http.Request) {
	result := s.healthRegistry.Check(r.Context())
	if !result.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *ManagementServer) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("panic in management handler", "path", r.URL.Path, "panic", recovered)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *ManagementServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		metrics.RecordHTTPMetrics(r.Method, path, rec.status, time.Since(start))
		s.logger.Debug("management request", "method", r.Method, "path", path, "status", rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
