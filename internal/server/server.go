// Package server wires the minimal HTTP surface the engine exposes: a
// health check for orchestrators and the FanoutServer's WebSocket upgrade
// mount point. Structured the way the teacher's HTTP layer is (chi router,
// zerolog request logging, go-chi/cors), with every domain-specific route
// table removed since this spec has no REST API of its own (fan-out is a
// WebSocket protocol, per §4.G).
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/fxpulse/engine/internal/fanout"
)

// Config holds server configuration.
type Config struct {
	Port    int
	Log     zerolog.Logger
	Fanout  *fanout.Server
	DevMode bool
}

// Server is the HTTP front door: health checks plus the fan-out upgrade.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	fanout *fanout.Server
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		fanout: cfg.Fanout,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived; no write deadline at the server level.
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware.
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ws", s.fanout.Accept)
}

// handleHealth reports liveness plus the current subscriber count, the
// one piece of operational state worth surfacing without a dashboard.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","active_sessions":%d}`, s.fanout.ActiveSessions())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", portFromAddr(s.server.Addr)).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func portFromAddr(addr string) int {
	var port int
	fmt.Sscanf(addr, ":%d", &port)
	return port
}
