package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/httpmw"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/events/bus"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Non-browser clients send no Origin; browser pages must be
		// served from this machine.
		origin := r.Header.Get("Origin")
		return origin == "" || httpmw.LocalOrigin(origin)
	},
}

// Handler upgrades HTTP requests into event tap connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a new websocket handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request and streams matching events
// until the peer goes away. The subject query parameter narrows the
// stream with NATS-style wildcards ("worker.>", "*.completed"); the
// default is everything.
func (h *Handler) HandleConnection(c *gin.Context) {
	pattern := c.DefaultQuery("subject", ">")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("subject", pattern),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, bus.NewSubjectFilter(pattern), h.logger)

	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
