package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/telemetry"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/session"
	"github.com/chiefd/chiefd/internal/stream"
)

// sseKeepaliveInterval is how often an SSE comment is written to keep
// idle streams from being reaped by intermediaries.
const sseKeepaliveInterval = 30 * time.Second

// HealthResponse is the /health payload. Tracing is informational: an
// untraced engine is healthy, it just exports no spans.
type HealthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Components []ComponentStatus `json:"components"`
	Tracing    bool              `json:"tracing"`
	Timestamp  string            `json:"timestamp"`
}

// NotifyEventRequest is the body of POST /api/sessions/notify-event.
// Out-of-process tools (hooks, scripts in agent sessions) use it to put
// events on the bus without linking against the engine.
type NotifyEventRequest struct {
	EventType string                 `json:"event_type"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data"`
}

// NotifyEventResponse acknowledges a published event.
type NotifyEventResponse struct {
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChiefMessageRequest is the body of POST /api/chief/message: one
// kind-tagged message for the Chief. Kinds: wake, drop, bug, idea, dump,
// say. Extra entries ride along as trailing "key: value" lines.
type ChiefMessageRequest struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// ChiefMessageResponse reports whether the message reached the Chief.
type ChiefMessageResponse struct {
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	var components []ComponentStatus
	if s.svcs.Snapshot != nil {
		components = s.svcs.Snapshot()
	}

	status := "ok"
	for _, comp := range components {
		if !comp.Running {
			status = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:     status,
		Service:    "chiefd",
		Components: components,
		Tracing:    telemetry.Enabled(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleNotifyEvent(c *gin.Context) {
	var req NotifyEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NotifyEventResponse{
			Error: "invalid request: " + err.Error(),
		})
		return
	}

	if req.EventType == "" {
		c.JSON(http.StatusBadRequest, NotifyEventResponse{
			Error: "event_type is required",
		})
		return
	}
	// The event type doubles as the bus subject, so it must be concrete.
	if strings.ContainsAny(req.EventType, "*>") {
		c.JSON(http.StatusBadRequest, NotifyEventResponse{
			Error: "event_type must not contain wildcards",
		})
		return
	}

	data := req.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	if req.SessionID != "" {
		data["session_id"] = req.SessionID
	}

	ev := bus.NewEvent(req.EventType, "gateway", data)
	if err := s.svcs.Bus.Publish(c.Request.Context(), req.EventType, ev); err != nil {
		s.logger.Error("failed to publish notify-event",
			zap.String("event_type", req.EventType), zap.Error(err))
		c.JSON(http.StatusInternalServerError, NotifyEventResponse{
			Error: "publish failed",
		})
		return
	}

	c.JSON(http.StatusAccepted, NotifyEventResponse{EventID: ev.ID})
}

// handleChiefMessage relays a message to the Chief's window. Bad input is
// the caller's problem (400); a Chief that cannot be reached right now is
// not (503, retry later).
func (s *Server) handleChiefMessage(c *gin.Context) {
	var req ChiefMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ChiefMessageResponse{
			Error: "invalid request: " + err.Error(),
		})
		return
	}
	if !session.ValidChiefKind(req.Kind) {
		c.JSON(http.StatusBadRequest, ChiefMessageResponse{
			Error: "unknown kind: " + req.Kind,
		})
		return
	}
	if req.Kind != session.ChiefKindWake && strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, ChiefMessageResponse{
			Error: "message is required for kind " + req.Kind,
		})
		return
	}

	if s.svcs.Chief.SendToChief(c.Request.Context(), req.Kind, req.Message, req.Extra) {
		c.JSON(http.StatusOK, ChiefMessageResponse{Delivered: true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, ChiefMessageResponse{
		Error: "chief is not reachable",
	})
}

// handleConversationStream serves the conversation as server-sent
// events. Each stream event becomes one SSE frame with its kind as the
// event name. The stream follows the conversation across session
// handoffs until it ends or the client goes away.
func (s *Server) handleConversationStream(c *gin.Context) {
	conversationID := c.Param("id")

	// Thinking lines stream by default; only an explicit opt-out drops them.
	opts := stream.Options{
		AfterUUID:       c.Query("after_uuid"),
		IncludeThinking: c.Query("include_thinking") != "false",
	}

	active := func(ctx context.Context) (*session.Session, error) {
		sess, err := s.svcs.Sessions.ActiveByConversation(ctx, conversationID)
		if errors.Is(err, session.ErrNotFound) {
			// No live session is a normal state mid-handoff, not a failure.
			return nil, nil
		}
		return sess, err
	}

	events := s.svcs.Stream.StreamConversation(c.Request.Context(), conversationID, active, opts)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	stop := s.stopSignal()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-keepalive.C:
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				s.logger.Error("failed to marshal stream event",
					zap.String("kind", ev.Kind), zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Kind, data)
			c.Writer.Flush()
		}
	}
}
