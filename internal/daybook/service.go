package daybook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/events/bus"
)

const (
	// expiredTimerWindow is how long a finished timer keeps appearing in
	// urgent wake lines before pruning drops it.
	expiredTimerWindow = 15 * time.Minute

	// upcomingReminderWindow bounds the look-ahead in context lines and
	// TODAY.md.
	upcomingReminderWindow = 24 * time.Hour

	todayFileName = "TODAY.md"
)

// Service is the daybook: priorities, timers and reminders plus the TODAY.md
// rendering that keeps the desktop and the heartbeat in the loop.
type Service struct {
	repo      *Repository
	bus       bus.EventBus
	logger    *logger.Logger
	loc       *time.Location
	todayPath string
}

// NewService wires the daybook.
func NewService(repo *Repository, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) (*Service, error) {
	loc, err := cfg.Home.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve timezone: %w", err)
	}
	return &Service{
		repo:      repo,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "daybook")),
		loc:       loc,
		todayPath: filepath.Join(cfg.DesktopDir(), todayFileName),
	}, nil
}

// Today returns the local day key.
func (s *Service) Today() string {
	return time.Now().In(s.loc).Format("2006-01-02")
}

// AddPriority appends a task to a day's list. An empty date means today; an
// empty level means medium.
func (s *Service) AddPriority(ctx context.Context, date, content, level string) (*Priority, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("priority content is required")
	}
	if date == "" {
		date = s.Today()
	}
	if _, err := time.ParseInLocation("2006-01-02", date, s.loc); err != nil {
		return nil, fmt.Errorf("bad priority date %q: %w", date, err)
	}
	if level == "" {
		level = LevelMedium
	}
	if !validLevel(level) {
		return nil, fmt.Errorf("bad priority level %q", level)
	}

	p, err := s.repo.CreatePriority(ctx, date, strings.TrimSpace(content), level)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.PriorityCreated, map[string]interface{}{
		"priority_id": p.ID,
		"date":        p.Date,
		"level":       p.Level,
	})
	s.renderToday(ctx)
	return p, nil
}

// CompletePriority checks a task off.
func (s *Service) CompletePriority(ctx context.Context, id string) error {
	if err := s.repo.CompletePriority(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.PriorityCompleted, map[string]interface{}{"priority_id": id})
	s.renderToday(ctx)
	return nil
}

// DeletePriority drops a task from its day.
func (s *Service) DeletePriority(ctx context.Context, id string) error {
	if err := s.repo.DeletePriority(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.PriorityDeleted, map[string]interface{}{"priority_id": id})
	s.renderToday(ctx)
	return nil
}

// ReorderPriorities rewrites a day's ordering to match ids.
func (s *Service) ReorderPriorities(ctx context.Context, date string, ids []string) error {
	if date == "" {
		date = s.Today()
	}
	if err := s.repo.ReorderPriorities(ctx, date, ids); err != nil {
		return err
	}
	s.renderToday(ctx)
	return nil
}

// Priorities lists a day's tasks. An empty date means today.
func (s *Service) Priorities(ctx context.Context, date string) ([]Priority, error) {
	if date == "" {
		date = s.Today()
	}
	return s.repo.PrioritiesForDate(ctx, date)
}

// StartTimer begins a countdown.
func (s *Service) StartTimer(ctx context.Context, label string, minutes int, sessionID string) (*Timer, error) {
	if strings.TrimSpace(label) == "" {
		return nil, fmt.Errorf("timer label is required")
	}
	if minutes <= 0 {
		return nil, fmt.Errorf("timer minutes must be positive")
	}
	t, err := s.repo.CreateTimer(ctx, strings.TrimSpace(label), minutes, sessionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.renderToday(ctx)
	return t, nil
}

// StopTimer cancels a countdown before it runs out.
func (s *Service) StopTimer(ctx context.Context, id string) error {
	if err := s.repo.DeleteTimer(ctx, id); err != nil {
		return err
	}
	s.renderToday(ctx)
	return nil
}

// Timers lists running countdowns.
func (s *Service) Timers(ctx context.Context) ([]Timer, error) {
	return s.repo.RunningTimers(ctx, time.Now().UTC())
}

// AddReminder schedules a one-shot message.
func (s *Service) AddReminder(ctx context.Context, message string, remindAt time.Time, sessionID string) (*Reminder, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("reminder message is required")
	}
	rem, err := s.repo.CreateReminder(ctx, strings.TrimSpace(message), remindAt.UTC(), sessionID)
	if err != nil {
		return nil, err
	}
	s.renderToday(ctx)
	return rem, nil
}

// DismissReminder drops a reminder, due or not.
func (s *Service) DismissReminder(ctx context.Context, id string) error {
	if err := s.repo.DeleteReminder(ctx, id); err != nil {
		return err
	}
	s.renderToday(ctx)
	return nil
}

// Reminders lists due reminders followed by upcoming ones.
func (s *Service) Reminders(ctx context.Context) ([]Reminder, error) {
	now := time.Now().UTC()
	due, err := s.repo.DueReminders(ctx, now)
	if err != nil {
		return nil, err
	}
	upcoming, err := s.repo.UpcomingReminders(ctx, now, upcomingReminderWindow)
	if err != nil {
		return nil, err
	}
	return append(due, upcoming...), nil
}

// UrgentLines reports what must interrupt a quiet Chief: timers that just
// ran out and reminders whose time has come. Due reminders repeat on every
// wake until dismissed.
func (s *Service) UrgentLines(ctx context.Context, now time.Time) ([]string, error) {
	var lines []string

	expired, err := s.repo.ExpiredTimersSince(ctx, now.Add(-expiredTimerWindow), now)
	if err != nil {
		return nil, err
	}
	for _, t := range expired {
		lines = append(lines, fmt.Sprintf("Timer finished: %s (%dm)", t.Label, t.Minutes))
	}

	due, err := s.repo.DueReminders(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, r := range due {
		lines = append(lines, fmt.Sprintf("Reminder: %s (due %s)", r.Message, r.RemindAt.In(s.loc).Format("15:04")))
	}

	// Mentioned timers age out of the table once the window passes.
	if _, err := s.repo.PruneExpiredTimers(ctx, now.Add(-expiredTimerWindow)); err != nil {
		s.logger.Warn("timer prune failed", zap.Error(err))
	}
	return lines, nil
}

// ContextLines reports the quieter state of the day: running countdowns and
// reminders coming up soon.
func (s *Service) ContextLines(ctx context.Context, now time.Time) ([]string, error) {
	var lines []string

	running, err := s.repo.RunningTimers(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, t := range running {
		lines = append(lines, fmt.Sprintf("Timer: %s — %s left", t.Label, formatRemaining(t.Remaining(now))))
	}

	upcoming, err := s.repo.UpcomingReminders(ctx, now, 2*time.Hour)
	if err != nil {
		return nil, err
	}
	for _, r := range upcoming {
		lines = append(lines, fmt.Sprintf("Upcoming reminder: %s at %s", r.Message, r.RemindAt.In(s.loc).Format("15:04")))
	}
	return lines, nil
}

// RenderToday writes TODAY.md under the desktop dir. Callers that just
// mutated state get it for free; the morning duty calls it to roll the date.
func (s *Service) RenderToday(ctx context.Context) error {
	now := time.Now()
	date := now.In(s.loc).Format("2006-01-02")

	priorities, err := s.repo.PrioritiesForDate(ctx, date)
	if err != nil {
		return err
	}
	timers, err := s.repo.RunningTimers(ctx, now.UTC())
	if err != nil {
		return err
	}
	due, err := s.repo.DueReminders(ctx, now.UTC())
	if err != nil {
		return err
	}
	upcoming, err := s.repo.UpcomingReminders(ctx, now.UTC(), upcomingReminderWindow)
	if err != nil {
		return err
	}

	content := s.renderMarkdown(now, priorities, timers, due, upcoming)
	if err := os.MkdirAll(filepath.Dir(s.todayPath), 0o755); err != nil {
		return fmt.Errorf("create desktop dir: %w", err)
	}
	if err := os.WriteFile(s.todayPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", todayFileName, err)
	}
	return nil
}

func (s *Service) renderMarkdown(now time.Time, priorities []Priority, timers []Timer, due, upcoming []Reminder) string {
	local := now.In(s.loc)
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", local.Format("Monday, January 2 2006"))

	b.WriteString("## Priorities\n\n")
	if len(priorities) == 0 {
		b.WriteString("Nothing planned yet.\n")
	}
	for _, p := range priorities {
		check := " "
		if p.Completed {
			check = "x"
		}
		fmt.Fprintf(&b, "- [%s] (%s) %s\n", check, p.Level, p.Content)
	}

	if len(timers) > 0 {
		b.WriteString("\n## Timers\n\n")
		for _, t := range timers {
			fmt.Fprintf(&b, "- %s — %s left (ends %s)\n",
				t.Label, formatRemaining(t.Remaining(now)), t.EndsAt.In(s.loc).Format("15:04"))
		}
	}

	if len(due)+len(upcoming) > 0 {
		b.WriteString("\n## Reminders\n\n")
		for _, r := range due {
			fmt.Fprintf(&b, "- DUE %s: %s\n", r.RemindAt.In(s.loc).Format("15:04"), r.Message)
		}
		for _, r := range upcoming {
			fmt.Fprintf(&b, "- %s: %s\n", r.RemindAt.In(s.loc).Format("Jan 2 15:04"), r.Message)
		}
	}
	return b.String()
}

// renderToday is the best-effort rendering after a mutation: the write keeps
// the file current but never fails the operation that triggered it.
func (s *Service) renderToday(ctx context.Context) {
	if err := s.RenderToday(ctx); err != nil {
		s.logger.Warn("TODAY.md render failed", zap.Error(err))
	}
}

func formatRemaining(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "under a minute"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "daybook", data)); err != nil {
		s.logger.Warn("failed to publish daybook event",
			zap.String("type", eventType), zap.Error(err))
	}
}
