// Package gateway serves the engine's HTTP surface: health, the
// notify-event ingress for out-of-process tools, the chief message drop,
// the conversation SSE stream, and the websocket event tap.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/httpmw"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/gateway/websocket"
	"github.com/chiefd/chiefd/internal/session"
	"github.com/chiefd/chiefd/internal/stream"
)

// ConversationStreamer is the slice of the stream service the SSE
// endpoint needs.
type ConversationStreamer interface {
	StreamConversation(ctx context.Context, conversationID string, active stream.ActiveSessionFunc, opts stream.Options) <-chan stream.Event
}

// SessionSource resolves the live session in a conversation. The session
// repository implements it.
type SessionSource interface {
	ActiveByConversation(ctx context.Context, conversationID string) (*session.Session, error)
}

// ChiefMessenger delivers kind-tagged messages to the Chief. The session
// manager implements it.
type ChiefMessenger interface {
	SendToChief(ctx context.Context, kind, message string, extra map[string]string) bool
}

// ComponentStatus is one engine component in the health snapshot.
type ComponentStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// SnapshotFunc reports component states for /health. Wired up in main
// from the components' IsRunning methods.
type SnapshotFunc func() []ComponentStatus

// Services are the in-process components the gateway fronts.
type Services struct {
	Stream   ConversationStreamer
	Sessions SessionSource
	Chief    ChiefMessenger
	Bus      bus.EventBus
	Snapshot SnapshotFunc
}

// Server is the engine's HTTP server.
type Server struct {
	cfg    *config.Config
	svcs   Services
	router *gin.Engine
	hub    *websocket.Hub

	httpServer *http.Server
	hubCancel  context.CancelFunc
	tap        *websocket.EventTap
	stopCh     chan struct{}
	port       int

	mu      sync.Mutex
	running bool
	logger  *logger.Logger
}

// New creates the gateway server and builds its routes. Nothing listens
// until Start.
func New(cfg *config.Config, svcs Services, log *logger.Logger) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		svcs:   svcs,
		logger: log.WithFields(zap.String("component", "gateway")),
	}
	s.hub = websocket.NewHub(log)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.router.Use(httpmw.RequestLogger(s.logger, "gateway"))
	s.router.Use(httpmw.OtelTracing("gateway"))
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.POST("/sessions/notify-event", s.handleNotifyEvent)
		api.POST("/chief/message", s.handleChiefMessage)
		api.GET("/conversations/:id/stream", s.handleConversationStream)
	}

	wsHandler := websocket.NewHandler(s.hub, s.logger)
	s.router.GET("/ws/events", wsHandler.HandleConnection)
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start binds the listener and begins serving in a goroutine. It returns
// once the port is bound, so a busy port shows up as an error here.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	hubCtx, hubCancel := context.WithCancel(context.Background())
	go s.hub.Run(hubCtx)
	tap := websocket.RegisterEventTap(hubCtx, s.svcs.Bus, s.hub, s.logger)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		hubCancel()
		tap.Close()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.hubCancel = hubCancel
	s.tap = tap
	s.stopCh = make(chan struct{})
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.mu.Unlock()

	// Only header reads are bounded: the SSE stream and the websocket
	// tap hold the response open indefinitely, so ReadTimeout and
	// WriteTimeout would sever them.
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeoutDuration(),
	}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("Gateway listening",
			zap.String("addr", listener.Addr().String()),
			zap.String("health", "/health"),
			zap.String("websocket", "/ws/events"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Gateway server error", zap.Error(err))
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

// Stop closes the event tap, disconnects websocket clients and shuts the
// HTTP server down gracefully. Long-lived handlers are released first so
// Shutdown does not wait out its deadline on them.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	stopCh := s.stopCh
	hubCancel := s.hubCancel
	tap := s.tap
	s.stopCh = nil
	s.hubCancel = nil
	s.tap = nil
	s.mu.Unlock()

	if !running {
		return nil
	}

	if tap != nil {
		tap.Close()
	}
	if stopCh != nil {
		close(stopCh)
	}
	if hubCancel != nil {
		hubCancel()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown gateway: %w", err)
		}
	}
	return nil
}

// Port returns the bound port (useful when the configured port was 0).
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// stopSignal returns the channel closed on Stop, for handlers that
// outlive individual requests.
func (s *Server) stopSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}
