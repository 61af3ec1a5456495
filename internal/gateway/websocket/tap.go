package websocket

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/events/bus"
)

// EventTap forwards every bus event to the hub, where per-client
// subject filters narrow the stream. Events are delivered to clients as
// their marshaled bus form: id, type, source, timestamp, data.
type EventTap struct {
	hub          *Hub
	subscription bus.Subscription
	logger       *logger.Logger
}

// RegisterEventTap subscribes the hub to the full event stream. The tap
// closes with ctx.
func RegisterEventTap(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventTap {
	t := &EventTap{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_event_tap")),
	}
	if eventBus == nil {
		return t
	}

	sub, err := eventBus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		data, err := json.Marshal(event)
		if err != nil {
			t.logger.Error("failed to marshal event",
				zap.String("type", event.Type), zap.Error(err))
			return nil
		}
		hub.Broadcast(event.Type, data)
		return nil
	})
	if err != nil {
		t.logger.Error("failed to subscribe to events", zap.Error(err))
		return t
	}
	t.subscription = sub

	go func() {
		<-ctx.Done()
		t.Close()
	}()

	return t
}

// Close unsubscribes the tap from the bus.
func (t *EventTap) Close() {
	if t.subscription != nil && t.subscription.IsValid() {
		_ = t.subscription.Unsubscribe()
	}
	t.subscription = nil
}
