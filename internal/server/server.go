package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/server/handler"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/server/middleware"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards /api/operator routes; empty closes them.
	APIKey          string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Registration,
// State and Operator may be nil, which leaves their routes unregistered.
type Handlers struct {
	Health       *handler.HealthHandler
	Status       *handler.StatusHandler
	Registration *handler.RegistrationHandler
	State        *handler.StateHandler
	Operator     *handler.OperatorHandler
}

// Server is the registration API and dashboard stream.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps them in the middleware chain.
// hub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	// Public routes are rate limited per client when a limiter is present.
	public := func(h http.HandlerFunc) http.Handler { return h }
	if limiter != nil && cfg.RateLimit > 0 {
		limit := middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)
		public = func(h http.HandlerFunc) http.Handler { return limit(h) }
	}
	operator := middleware.RequireAPIKey(cfg.APIKey)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	if h := handlers.Registration; h != nil {
		mux.Handle("GET /api/challenge", public(h.Challenge))
		mux.Handle("POST /api/registrations", public(h.Register))
		mux.Handle("POST /api/registrations/confirm", public(h.Confirm))
		mux.Handle("POST /api/registrations/revoke", public(h.Revoke))
		mux.Handle("GET /api/authorizations", public(h.List))
	}
	if h := handlers.State; h != nil {
		mux.Handle("GET /api/state", public(h.GetState))
		mux.Handle("GET /api/prices", public(h.ListPrices))
	}
	if h := handlers.Operator; h != nil {
		mux.Handle("POST /api/operator/reconcile", operator(http.HandlerFunc(h.Reconcile)))
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down gracefully when ctx ends.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errc
	}
}

// Shutdown waits for in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
