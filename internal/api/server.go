package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"launchbox/internal/config"
	"launchbox/internal/monitor"
)

// HealthChecker reports dependency liveness for the health endpoint.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) bool

func (f HealthCheckerFunc) Healthy(ctx context.Context) bool { return f(ctx) }

// Server is the main HTTP server for the execution API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, svc Service, subs Subscriber, metrics *monitor.Metrics, dbHealth, dockerHealth HealthChecker) *Server {
	handlers := NewHandlers(svc, subs, metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	// Execution API requires a caller identity
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /executions", handlers.HandleStartExecution)
	apiMux.HandleFunc("GET /executions/running", handlers.HandleListRunning)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)
	apiMux.HandleFunc("DELETE /executions/{id}", handlers.HandleStopExecution)
	apiMux.HandleFunc("GET /executions/{id}/logs", handlers.HandleListLogs)
	apiMux.HandleFunc("GET /executions/{id}/logs/stream", handlers.HandleStreamLogs)
	apiMux.HandleFunc("GET /projects/{id}/executions", handlers.HandleListProjectExecutions)

	identifiedAPI := IdentityMiddleware(apiMux)

	// Top-level mux: health/metrics bypass identity, everything else requires it
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(dbHealth, dockerHealth))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", identifiedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:        cfg.Address(),
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero so log streams can outlive it.
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(dbHealth, dockerHealth HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := dbHealth == nil || dbHealth.Healthy(r.Context())
		dockerOK := dockerHealth == nil || dockerHealth.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Database: dbOK,
			Docker:   dockerOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK || !dockerOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
