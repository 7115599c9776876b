// Package httpapi serves the command registry over REST. Routes come from
// the registry's HTTP bindings, so the REST surface, the MCP tools, and
// the CLI all run the same handlers; this package only adds transport
// concerns: bearer session auth, argument collection from path, query,
// and body, response envelopes, and error-to-status mapping.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/command"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/httpmw"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
)

// Server is the REST surface with lifecycle management.
type Server struct {
	cfg        *config.Config
	deps       *command.Deps
	engine     *gin.Engine
	httpServer *http.Server

	mu      sync.Mutex
	running bool
	port    int

	logger *logger.Logger
}

// New builds the engine, middleware chain, and routes. The server does
// not listen until Start.
func New(cfg *config.Config, deps *command.Deps) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		port:   cfg.Server.Port,
		logger: deps.Logger.WithComponent("http-api"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.CorrelationID())
	engine.Use(httpmw.RequestLogger(s.logger, "http-api"))
	engine.Use(httpmw.OtelTracing("http-api"))
	engine.Use(httpmw.SecurityHeaders())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", httpmw.CorrelationHeader}
	engine.Use(cors.New(corsConfig))

	if cfg.RateLimit.Enabled {
		limiter := httpmw.NewIPRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
		engine.Use(limiter.Middleware())
	}

	s.engine = engine
	s.registerRoutes()

	return s
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Port returns the bound port once Start has resolved it.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Start begins serving in a goroutine and returns once the listener is
// bound, so callers can read the resolved port immediately.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	addr := s.cfg.Server.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}
	s.mu.Unlock()

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("HTTP API listening", zap.Int("port", s.Port()))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP API server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server, letting in-flight requests
// finish within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
