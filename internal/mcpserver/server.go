// Package mcpserver exposes engine operations as MCP tools for the agents
// running in tmux windows. Sessions get the server's URL in their
// environment and call back in to report worker results, close duty and
// mission executions, and record their own status.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/execution"
	"github.com/chiefd/chiefd/internal/worker"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int
}

// ReportSink records a worker's final report. The worker executor
// implements it.
type ReportSink interface {
	SubmitReport(ctx context.Context, rep worker.Report) (string, error)
}

// ExecutionLedger is the slice of the execution repository the completion
// tools need.
type ExecutionLedger interface {
	Get(ctx context.Context, id string) (*execution.Execution, error)
	Finish(ctx context.Context, id, status, summary, errMsg string) error
}

// StatusRecorder stores an agent's self-reported state. The session manager
// implements it.
type StatusRecorder interface {
	UpdateStatus(ctx context.Context, sessionID, state, statusText string) error
}

// Services are the in-process components the tool handlers call directly.
type Services struct {
	Reports    ReportSink
	Executions ExecutionLedger
	Sessions   StatusRecorder
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management. Both are served so different MCP clients can connect:
// - SSE transport (/sse) for the claude CLI's MCP config
// - Streamable HTTP transport (/mcp) for newer clients
type Server struct {
	cfg                  Config
	svcs                 Services
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	stopped              bool
	stopCh               chan struct{}
	logger               *logger.Logger
}

// New creates the MCP tool server.
func New(cfg Config, svcs Services, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		svcs:   svcs,
		stopCh: make(chan struct{}),
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start begins serving in a goroutine and returns once the listener is
// bound, so a failed port shows up as an error here rather than in a log
// line later.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	// One MCP server shared between both transports.
	mcpServer := server.NewMCPServer(
		"chiefd-tools",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.svcs, s.stopCh, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

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

// Stop gracefully shuts down the server and both transports. Closing the
// stop channel cancels any tool writes still detached from their requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	// The transports hold per-client session state worth flushing too.
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

// Port returns the bound port (useful when Config.Port was 0).
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Port
}

// SSEEndpoint returns the URL handed to agents that speak SSE transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the URL for streamable HTTP clients.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
