package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mcp_gateway/backend/go/internal/config"
	"mcp_gateway/backend/go/pkg/circuitbreaker"
	"mcp_gateway/backend/go/pkg/httpmiddleware"
	"mcp_gateway/backend/go/pkg/logger"
	"mcp_gateway/backend/go/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// Server wraps http.Server around a gin engine that already carries the
// protection middleware selected by the config.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
}

// ServerOption defines a function for configuring a Server.
type ServerOption func(*Server)

// WithAddress sets the address for the server to listen on.
func WithAddress(addr string) ServerOption {
	return func(s *Server) {
		s.httpServer.Addr = addr
	}
}

// NewServer creates a Server. Rate limiting and circuit breaking are applied
// when enabled in cfg.Middleware.
func NewServer(cfg *config.AppConfig, log *logger.Logger, opts ...ServerOption) (*Server, error) {
	engine := gin.New()
	engine.Use(gin.Recovery(), httpmiddleware.AccessLog(log))

	if cfg.Middleware.RateLimiter.Enabled {
		rl := cfg.Middleware.RateLimiter
		log.WithPayload(map[string]interface{}{"rate": rl.Rate, "burst": rl.Burst}).Info("enabling rate limiter middleware")
		engine.Use(httpmiddleware.RateLimit(ratelimiter.NewTokenBucket(rl.Rate, rl.Burst)))
	}

	if cfg.Middleware.CircuitBreaker.Enabled {
		breaker, err := NewCircuitBreaker(cfg.Middleware.CircuitBreaker)
		if err != nil {
			return nil, err
		}
		log.Info("enabling circuit breaker middleware")
		engine.Use(httpmiddleware.CircuitBreak(breaker))
	}

	srv := &Server{
		httpServer: &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.httpServer.Addr == "" {
		srv.httpServer.Addr = ":8091"
	}
	return srv, nil
}

// Engine exposes the router so callers can register routes.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe starts the HTTP server. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// NewCircuitBreaker builds a breaker from its config section.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) (*circuitbreaker.Breaker, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid circuit breaker timeout duration: %w", err)
	}
	return circuitbreaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, timeout), nil
}
