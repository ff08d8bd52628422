package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"secure-code-sandbox/internal/config"
	"secure-code-sandbox/internal/monitor"
	"secure-code-sandbox/internal/orchestrator"
	"secure-code-sandbox/internal/storage"
)

// Server is the main HTTP server for the sandbox API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, sampler *monitor.Sampler, db *storage.DB, auditWriter *storage.AuditWriter, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(orch, sampler, db, auditWriter, metrics,
		cfg.Sandbox.DefaultLimits.Limits(), cfg.Security.StrictDefault)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.API.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured — all requests will be accepted")
	}

	// Sandbox API — wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/v1/analyze", handlers.HandleAnalyze)
	apiMux.HandleFunc("POST /api/v1/validate", handlers.HandleValidate)
	apiMux.HandleFunc("POST /api/v1/validate/quick", handlers.HandleQuickValidate)
	apiMux.HandleFunc("POST /api/v1/execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /api/v1/execute/stream", handlers.HandleExecuteStream)
	apiMux.HandleFunc("GET /api/v1/executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /api/v1/executions/{id}", handlers.HandleGetExecution)

	authedAPI := AuthMiddleware(cfg.API.APIKeyHeader, cfg.API.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(db, orch))
	if cfg.Metrics.Enabled && metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	if metrics != nil {
		handler = MetricsMiddleware(metrics)(handler)
	}
	handler = RateLimitMiddleware(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled — running plain HTTP (not recommended for production)")
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

func (s *Server) handleHealth(db *storage.DB, orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Engines:  orch.Statuses(),
			Database: dbOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
