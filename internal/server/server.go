// Package server provides HTTP server initialization and lifecycle management
// for the convmem API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/haulwise/convmem/internal/config"
	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/internal/metrics"
	"github.com/haulwise/convmem/web/handlers"
)

// Engine is what the server needs from the context store: the API surface
// plus the event hook that feeds the WebSocket hub.
type Engine interface {
	handlers.ConversationEngine
	SetOnEvent(callback func(engine.Event))
}

// Deps are the collaborators the server wires into its handlers.
type Deps struct {
	Engine Engine

	// Backend is pinged by /health. Nil when running without persistence.
	Backend handlers.Pinger

	// Metrics records HTTP instruments; Gatherer serves /metrics. A nil
	// Gatherer falls back to the default registry.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	Logger zerolog.Logger
}

// Server is the convmem HTTP server.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	hub     *handlers.WebSocketHub
	logger  zerolog.Logger

	httpServer *http.Server
}

// New builds the route table and middleware chain. Engine events are
// broadcast to WebSocket subscribers from here on.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger.With().Str("component", "http").Logger()

	hub := handlers.NewWebSocketHub(cfg.Server.AllowedOrigins, deps.Metrics, deps.Logger)
	deps.Engine.SetOnEvent(hub.BroadcastEvent)

	apiMux := http.NewServeMux()
	handlers.NewAPIHandlers(deps.Engine, deps.Logger).Register(apiMux)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()

	// Health and metrics are unauthenticated, used by monitoring.
	mux.Handle("GET /health", handlers.NewHealthHandler(deps.Engine, deps.Backend, deps.Logger))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg.Security))

	// WebSocket endpoint (no auth required - origin validation handles security)
	mux.Handle("GET /ws", hub)

	// Wrap entire server with rate limiting, metrics, then security headers
	handler := handlers.RateLimitMiddleware(mux, handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst))
	handler = handlers.RequestLogger(handler, deps.Metrics, logger)
	handler = handlers.SecurityHeaders(handler)

	return &Server{
		cfg:     cfg,
		handler: handler,
		hub:     hub,
		logger:  logger,
	}
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *handlers.WebSocketHub {
	return s.hub
}

// Start listens on the configured address and serves in the background.
// It returns the actual address, which differs from the configured one when
// the port is 0. Cancelling ctx shuts the server down.
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()

	go func() {
		<-ctx.Done()
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	actual := listener.Addr().String()
	s.logger.Info().Str("addr", actual).Msg("http server listening")
	return actual, nil
}

// Shutdown stops accepting connections, waits for in-flight requests and
// closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
