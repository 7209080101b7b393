// Package server provides the HTTP+WebSocket transport surface (C11) for
// the refactor pipeline: five HTTP routes, one SSE route, and one
// WebSocket route, all driving the same Pipeline Controller.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/autorefactor/pipeline/internal/confirm"
	"github.com/autorefactor/pipeline/internal/pipeline"
	"github.com/autorefactor/pipeline/internal/progress"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout, SSE/WS connections are long-lived
	}
}

// Server is the HTTP server fronting the Pipeline Controller.
type Server struct {
	config     *Config
	router     *chi.Mux
	httpSrv    *http.Server
	controller *pipeline.Controller
	store      *pipeline.Store
	bus        *progress.Bus
	confirmCh  *confirm.Channel
}

// New creates a new Server instance wired against a running Pipeline
// Controller and its collaborators.
func New(cfg *Config, controller *pipeline.Controller, store *pipeline.Store, bus *progress.Bus, confirmCh *confirm.Channel) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:     cfg,
		router:     r,
		controller: controller,
		store:      store,
		bus:        bus,
		confirmCh:  confirmCh,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
