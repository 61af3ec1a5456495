package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/logger"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth. A subscriber
// that falls further behind than this loses its oldest pending events.
const DefaultSubscriberBuffer = 64

// MemoryEventBus implements EventBus using in-memory channels.
//
// Each subscription owns a bounded queue drained by a single dispatch
// goroutine, so one subscriber sees events in publish order and a stalled
// handler can neither block publishers nor other subscribers.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	bufferSize    int
	dropped       atomic.Uint64
	closed        bool
}

// memorySubscription is one subscriber's pattern, queue, and dispatcher.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler
	queue   chan *Event
	done    chan struct{}
	active  bool
	mu      sync.Mutex
}

// NewMemoryEventBus creates a new in-memory event bus with the default
// per-subscriber buffer size.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return NewMemoryEventBusBuffered(log, DefaultSubscriberBuffer)
}

// NewMemoryEventBusBuffered creates an in-memory event bus with an explicit
// per-subscriber buffer size.
func NewMemoryEventBusBuffered(log *logger.Logger, bufferSize int) *MemoryEventBus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
		bufferSize:    bufferSize,
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.IsValid() {
				continue
			}
			if !matches(subject, pattern, sub.pattern) {
				continue
			}
			if dropped := sub.enqueue(event); dropped > 0 {
				b.dropped.Add(uint64(dropped))
				b.logger.Warn("Subscriber queue overflow, dropped oldest events",
					zap.String("pattern", sub.subject),
					zap.String("subject", subject),
					zap.Int("dropped", dropped))
			}
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern and starts its
// dispatch goroutine.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   make(chan *Event, b.bufferSize),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	go sub.dispatch()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close closes the event bus and stops all dispatchers.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until the bus is closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Dropped returns the total number of events discarded across all
// subscribers due to queue overflow.
func (b *MemoryEventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// enqueue adds an event to the subscription queue without blocking,
// discarding the oldest pending events when the queue is full. Returns how
// many events were discarded to make room.
func (s *memorySubscription) enqueue(event *Event) int {
	dropped := 0
	for {
		select {
		case s.queue <- event:
			return dropped
		default:
		}
		select {
		case <-s.queue:
			dropped++
		default:
		}
	}
}

// dispatch drains the queue and runs the handler for each event in order.
func (s *memorySubscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("pattern", s.subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.done)
}

// Unsubscribe removes the subscription and stops its dispatcher.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// matches checks if a subject matches a pattern.
// Supports NATS-style wildcards: * (single token) and > (multiple tokens).
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regular expression.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	// QuoteMeta escapes * but leaves > alone, so the two wildcards need
	// different replacements.
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
