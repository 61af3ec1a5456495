// Package messaging is the notification core: it wakes conversations when
// background work finishes, dedupes those wake-ups per conversation, owns the
// initial-prompt delivery cadence, and runs the outbound email outbox with
// its rate and duplicate safety rails.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/adapters"
	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/constants"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/session"
	"github.com/chiefd/chiefd/internal/settings"
)

var (
	// ErrMessagingAlreadyRunning is returned by Start when the outbox loop is up.
	ErrMessagingAlreadyRunning = errors.New("messaging already running")
	// ErrMessagingNotRunning is returned by Stop when the outbox loop is down.
	ErrMessagingNotRunning = errors.New("messaging not running")
)

// wakeTitleMax truncates a result title inside the injected wake line.
const wakeTitleMax = 60

// ActiveSessionSource finds the live session of a conversation. Implemented
// by the session repository.
type ActiveSessionSource interface {
	ActiveByConversation(ctx context.Context, conversationID string) (*session.Session, error)
}

// TextSender injects text into a window. Implemented by the tmux driver.
type TextSender interface {
	SendText(ctx context.Context, window, text string, pressEnter bool) error
}

// Service is the messaging core.
type Service struct {
	repo     *Repository
	sessions ActiveSessionSource
	tmux     TextSender
	settings *settings.Service
	email    adapters.EmailAdapter
	bus      bus.EventBus
	logger   *logger.Logger
	loc      *time.Location

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Timing knobs, overridable in tests.
	promptSettleWait time.Duration
	dispatchInterval time.Duration
}

// NewService wires the messaging core.
func NewService(
	repo *Repository,
	sessions ActiveSessionSource,
	driver TextSender,
	sst *settings.Service,
	email adapters.EmailAdapter,
	eventBus bus.EventBus,
	cfg *config.Config,
	log *logger.Logger,
) (*Service, error) {
	loc, err := cfg.Home.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve timezone: %w", err)
	}
	return &Service{
		repo:             repo,
		sessions:         sessions,
		tmux:             driver,
		settings:         sst,
		email:            email,
		bus:              eventBus,
		logger:           log.WithFields(zap.String("component", "messaging")),
		loc:              loc,
		promptSettleWait: constants.PromptSettleWait,
		dispatchInterval: 30 * time.Second,
	}, nil
}

// Start launches the email outbox dispatch loop. Wake-ups and prompt
// delivery are caller-driven and work without Start.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrMessagingAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.dispatchLoop(ctx)

	s.logger.Info("messaging started",
		zap.Duration("dispatch_interval", s.dispatchInterval))
	return nil
}

// Stop halts the outbox loop and waits for an in-flight pass to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrMessagingNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("messaging stopped")
	return nil
}

// IsRunning reports whether the outbox loop is up.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDueEmails(ctx)
		}
	}
}

// WakeConversation tells a conversation's live session about finished worker
// results it has not heard of yet, plus a reminder for ones it has. No live
// session, nothing new: no-op. Announcements are recorded per
// (conversation, worker) pair, so session resets inside the conversation
// never cause a repeat.
func (s *Service) WakeConversation(ctx context.Context, conversationID string) error {
	sess, err := s.sessions.ActiveByConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.publishSkipped(ctx, conversationID, "no_active_session")
			return nil
		}
		return fmt.Errorf("find active session: %w", err)
	}

	now := time.Now().UTC()
	if grace := s.initialPromptGrace(ctx); grace > 0 && now.Sub(sess.StartedAt) < grace {
		s.publishSkipped(ctx, conversationID, "session_warming_up")
		return nil
	}

	fresh, err := s.repo.UnannouncedResults(ctx, conversationID, now)
	if err != nil {
		return err
	}
	reminders, err := s.repo.AnnouncedUnackedCount(ctx, conversationID, now)
	if err != nil {
		return err
	}
	if len(fresh) == 0 && reminders == 0 {
		return nil
	}

	msg := s.wakeMessage(now, fresh, reminders)
	if err := s.tmux.SendText(ctx, sess.WindowName, msg, true); err != nil {
		return fmt.Errorf("inject wake message: %w", err)
	}

	if len(fresh) > 0 {
		ids := make([]string, 0, len(fresh))
		for _, r := range fresh {
			ids = append(ids, r.WorkerID)
		}
		if err := s.repo.MarkAnnounced(ctx, conversationID, ids, now); err != nil {
			// The message already landed; without the rows the next wake
			// repeats it. Surface the error so the caller logs it.
			return err
		}
	}

	s.publish(ctx, events.NotificationDelivered, map[string]interface{}{
		"conversation_id": conversationID,
		"session_id":      sess.ID,
		"new_results":     len(fresh),
		"reminders":       reminders,
	})
	s.logger.Info("woke conversation",
		zap.String("conversation_id", conversationID),
		zap.Int("new_results", len(fresh)),
		zap.Int("reminders", reminders))
	return nil
}

// PendingAttentionCount counts unacknowledged worker attention for a
// conversation. Satisfies the heartbeat's attention source.
func (s *Service) PendingAttentionCount(ctx context.Context, conversationID string) (int, error) {
	return s.repo.PendingAttentionCount(ctx, conversationID, time.Now().UTC())
}

// DeliverInitialPrompt types the bootstrap prompt into a fresh agent window:
// wait for the input box to settle, paste the whole prompt in one literal
// send, then the return.
func (s *Service) DeliverInitialPrompt(ctx context.Context, windowName, prompt string) error {
	if s.promptSettleWait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.promptSettleWait):
		}
	}
	return s.tmux.SendText(ctx, windowName, prompt, true)
}

// initialPromptGrace is how long after spawn a session is left alone with its
// bootstrap prompt before wake-ups may interrupt it.
func (s *Service) initialPromptGrace(ctx context.Context) time.Duration {
	return time.Duration(s.settings.GetInt(ctx, settings.KeyInitialPromptMinutes, 0)) * time.Minute
}

func (s *Service) wakeMessage(now time.Time, fresh []PendingResult, reminders int) string {
	local := now.In(s.loc)
	var b strings.Builder
	fmt.Fprintf(&b, "[RESULTS %s] ", local.Format("15:04"))

	if n := len(fresh); n > 0 {
		fmt.Fprintf(&b, "%d new result%s ready:\n", n, plural(n))
		for _, r := range fresh {
			fmt.Fprintf(&b, "- [%s] %s\n", r.ShortID,
				ellipsize(r.Title(), wakeTitleMax))
		}
		if reminders > 0 {
			fmt.Fprintf(&b, "Plus %d earlier result%s still unacked.\n", reminders, plural(reminders))
		}
	} else {
		fmt.Fprintf(&b, "reminder: %d result%s still unacked.\n", reminders, plural(reminders))
	}

	b.WriteString("Review them and acknowledge what you have handled.")
	return b.String()
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// ellipsize shortens s to at most max runes, marking the cut with "...".
// Result titles come from agent output and are not guaranteed ASCII.
func ellipsize(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func (s *Service) publishSkipped(ctx context.Context, conversationID, reason string) {
	s.publish(ctx, events.NotificationSkipped, map[string]interface{}{
		"conversation_id": conversationID,
		"reason":          reason,
	})
	s.logger.Debug("wake skipped",
		zap.String("conversation_id", conversationID),
		zap.String("reason", reason))
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "messaging", data)); err != nil {
		s.logger.Warn("failed to publish messaging event",
			zap.String("type", eventType), zap.Error(err))
	}
}
