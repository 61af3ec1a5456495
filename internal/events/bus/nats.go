package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
)

// NATSEventBus implements EventBus over a NATS connection, for deployments
// that split the gateway or a dashboard out of the engine process. Subject
// wildcards come from the server, so the matching semantics are the same
// ones MemoryEventBus implements locally.
type NATSEventBus struct {
	conn    *nats.Conn
	logger  *logger.Logger
	dropped atomic.Uint64
}

// NewNATSEventBus connects to the configured server. The connection
// reconnects on its own; while it is down, published events buffer in the
// client up to the reconnect buffer and are flushed on reconnect.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	b := &NATSEventBus{logger: log}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("Event bus disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Event bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("Event bus connection closed", zap.Error(err))
			}
		}),
		nats.ErrorHandler(b.handleAsyncError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	b.conn = conn
	log.Info("Connected to NATS event bus", zap.String("url", cfg.URL))
	return b, nil
}

// handleAsyncError surfaces subscription-side failures. A slow consumer
// counts toward Dropped like a memory-bus overflow; NATS sheds the newest
// messages past the pending limit rather than the oldest.
func (b *NATSEventBus) handleAsyncError(nc *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil && err == nats.ErrSlowConsumer {
		lost, _ := sub.Dropped()
		b.dropped.Store(uint64(lost))
		b.logger.Warn("Subscriber queue overflow, shedding events",
			zap.String("pattern", sub.Subject),
			zap.Int("dropped", lost))
		return
	}
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	b.logger.Error("Event bus error", zap.String("subject", subject), zap.Error(err))
}

// Publish sends an event to a subject. Delivery is fire-and-forget: the
// client buffers and the server fans out, so a slow subscriber elsewhere
// never blocks this call.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern. The pending queue
// is bounded to the same depth the memory bus gives each subscriber.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.deliver(handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	if err := sub.SetPendingLimits(DefaultSubscriberBuffer, -1); err != nil {
		b.logger.Warn("Failed to bound subscription queue",
			zap.String("subject", subject), zap.Error(err))
	}
	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

// deliver decodes a wire message and runs the handler, isolating handler
// failures the same way the memory dispatcher does.
func (b *NATSEventBus) deliver(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("Discarding undecodable event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", msg.Subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// Dropped returns how many events subscribers have shed to overflow, the
// counterpart of MemoryEventBus.Dropped.
func (b *NATSEventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close drains in-flight deliveries, then closes the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining event bus connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports whether the connection is currently up.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// natsSubscription adapts *nats.Subscription to the Subscription interface.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
