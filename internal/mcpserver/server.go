// Package mcpserver exposes the command registry over the Model Context
// Protocol. Every registry command is registered as a tool under its
// snake_case RPC name, so LLM-driven agents drive the same catalog the
// CLI and REST surfaces use.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/command"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
)

// Config holds the RPC surface configuration.
type Config struct {
	Transport string // stdio or http
	Host      string
	Port      int
}

// FromServerConfig derives the RPC configuration from the server section.
func FromServerConfig(cfg config.ServerConfig) Config {
	return Config{
		Transport: cfg.RPCTransport,
		Host:      cfg.Host,
		Port:      cfg.Port,
	}
}

// Server wraps the MCP server with lifecycle management. Stdio is the
// default transport; the http transport serves both SSE (/sse) and
// Streamable HTTP (/mcp) on one port for compatibility with different
// MCP clients.
type Server struct {
	cfg                  Config
	mcpServer            *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates the MCP server and registers one tool per registry command.
func New(cfg Config, deps *command.Deps) *Server {
	s := &Server{
		cfg:    cfg,
		logger: deps.Logger.WithComponent("mcp-server"),
	}

	memory := newAgentMemory()
	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		memory.forget(session.SessionID())
	})

	s.mcpServer = server.NewMCPServer(
		"taskdriver",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
	)

	registerTools(s.mcpServer, deps, memory, s.logger)

	return s
}

// ServeStdio runs the stdio transport until the context is cancelled or
// stdin closes. Stdout carries protocol frames only; the logger writes to
// stderr in this mode.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// Start starts the http transport in a goroutine and returns once it is
// listening. It returns an error if the port cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	// Bind first so an ephemeral port is resolved before the SSE base URL
	// is fixed.
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	// SSE clients POST messages back to the URL announced in the endpoint
	// event, so it must be absolute.
	s.sseServer = server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(s.baseURL()),
	)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
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

// Stop gracefully shuts down the http transport.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	// Shut down both transports as well to clean up active sessions.
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}

	return nil
}

// SSEEndpoint returns the full SSE URL for clients that use SSE transport.
func (s *Server) SSEEndpoint() string {
	return s.baseURL() + "/sse"
}

// StreamableHTTPEndpoint returns the full Streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return s.baseURL() + "/mcp"
}

func (s *Server) baseURL() string {
	host := s.cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, s.cfg.Port)
}
