package mission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/adapters"
	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/session"
	"github.com/chiefd/chiefd/internal/settings"
)

// Wake classes, in gating order.
type wakeClass int

const (
	classHeartbeat wakeClass = iota
	classSuppress
	classPreEvent
	classPostEvent
)

func (c wakeClass) String() string {
	switch c {
	case classSuppress:
		return "suppress"
	case classPreEvent:
		return "pre_event"
	case classPostEvent:
		return "post_event"
	default:
		return "heartbeat"
	}
}

// focusKeywords mark calendar events during which Chief must stay silent.
var focusKeywords = []string{"ds&a", "focus", "leetcode", "recovery", "interview", "mock"}

// defaultWakeIntervalMinutes is the heartbeat cadence when the setting is unset.
const defaultWakeIntervalMinutes = 15

// preEventMinLead and preEventMaxLead bound the pre-event wake window.
const (
	preEventMinLead = 5 * time.Minute
	preEventMaxLead = 10 * time.Minute
	postEventWindow = 5 * time.Minute
)

// ChiefSender delivers kind-tagged messages into the Chief window.
type ChiefSender interface {
	SendToChief(ctx context.Context, kind, message string, extra map[string]string) bool
}

// AttentionSource counts finished work waiting for the user, so plain
// heartbeats only fire when there is something to say.
type AttentionSource interface {
	PendingAttentionCount(ctx context.Context, conversationID string) (int, error)
}

// DaybookSource feeds the wake brief from the user's day. Urgent lines
// (expired timers, due reminders) are reason enough for a plain heartbeat to
// fire; context lines only ride along.
type DaybookSource interface {
	UrgentLines(ctx context.Context, now time.Time) ([]string, error)
	ContextLines(ctx context.Context, now time.Time) ([]string, error)
}

// Heartbeat wakes a quiet Chief on a cadence, stays out of the way during
// focus events, and chimes in around calendar transitions.
type Heartbeat struct {
	settings  *settings.Service
	sessions  *session.Repository
	chief     ChiefSender
	calendar  adapters.CalendarAdapter
	activity  adapters.ActivityAdapter
	attention AttentionSource
	daybook   DaybookSource
	bus       bus.EventBus
	cfg       *config.Config
	loc       *time.Location
	logger    *logger.Logger

	// marks dedupes pre/post wakes per calendar event.
	marks     *gocache.Cache
	todayPath string
	lastWake  time.Time
}

// NewHeartbeat creates the heartbeat. calendar, activity and attention may
// be nil; missing capabilities degrade to a quieter heartbeat rather than an
// error.
func NewHeartbeat(
	sst *settings.Service,
	sessions *session.Repository,
	chief ChiefSender,
	calendar adapters.CalendarAdapter,
	activity adapters.ActivityAdapter,
	attention AttentionSource,
	eventBus bus.EventBus,
	cfg *config.Config,
	log *logger.Logger,
) (*Heartbeat, error) {
	loc, err := cfg.Home.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve timezone: %w", err)
	}
	if calendar == nil {
		calendar = adapters.NoopCalendar{}
	}
	if activity == nil {
		activity = adapters.NoopActivity{}
	}
	h := &Heartbeat{
		settings:  sst,
		sessions:  sessions,
		chief:     chief,
		calendar:  calendar,
		activity:  activity,
		attention: attention,
		bus:       eventBus,
		cfg:       cfg,
		loc:       loc,
		logger:    log.WithFields(zap.String("component", "heartbeat")),
		marks:     gocache.New(24*time.Hour, time.Hour),
		todayPath: filepath.Join(cfg.DesktopDir(), "TODAY.md"),
	}
	if last, ok := sst.GetTime(context.Background(), settings.KeyLastHeartbeat); ok {
		h.lastWake = last
	}
	return h, nil
}

// SetDaybook plugs in timers and reminders. Optional; without it wakes carry
// no day lines.
func (h *Heartbeat) SetDaybook(src DaybookSource) { h.daybook = src }

// Tick evaluates the wake gates once. Called from the scheduler loop.
func (h *Heartbeat) Tick(ctx context.Context, now time.Time) {
	if !h.settings.GetBool(ctx, settings.KeyHeartbeatEnabled, true) {
		return
	}

	local := now.In(h.loc)
	if local.Hour() < h.cfg.Scheduler.HeartbeatStartHour ||
		local.Hour() >= h.cfg.Scheduler.HeartbeatEndHour {
		return
	}

	// Only a running Chief can be woken.
	if _, err := h.sessions.ActiveByConversation(ctx, session.EternalChiefConversation); err != nil {
		return
	}

	if until, ok := h.settings.GetTime(ctx, settings.KeyWakeWindowUntil); ok && !until.After(now) {
		return
	}
	if pause, ok := h.settings.GetTime(ctx, settings.KeyWakePauseUntil); ok && pause.After(now) {
		return
	}

	idle, err := h.activity.IdleSeconds(ctx)
	if err != nil {
		h.logger.Debug("idle check failed", zap.Error(err))
		return
	}
	minIdle := float64(h.cfg.Scheduler.IdleThreshold)
	if minIdle <= 0 {
		minIdle = 10
	}
	if idle < minIdle {
		return
	}

	evs, err := h.calendar.EventsBetween(ctx, now.Add(-time.Hour), now.Add(24*time.Hour))
	if err != nil {
		h.logger.Warn("calendar read failed", zap.Error(err))
		evs = nil
	}

	class, ev := classifyWake(now, evs)
	switch class {
	case classSuppress:
		// Inside a focus block: stay silent but advance the clock so the
		// first post-focus heartbeat is not instantly due.
		h.recordWake(ctx, now)
		h.publish(ctx, events.HeartbeatSuppressed, map[string]interface{}{
			"event_id":    ev.ID,
			"event_title": ev.Title,
		})
		return

	case classPreEvent:
		if !h.markOnce("pre:" + ev.ID) {
			class = classHeartbeat
			ev = nil
		}

	case classPostEvent:
		if !h.markOnce("post:" + ev.ID) {
			class = classHeartbeat
			ev = nil
		}
	}

	pending := 0
	if h.attention != nil {
		if n, err := h.attention.PendingAttentionCount(ctx, session.EternalChiefConversation); err == nil {
			pending = n
		}
	}

	var urgent []string
	if h.daybook != nil {
		if lines, err := h.daybook.UrgentLines(ctx, now); err == nil {
			urgent = lines
		} else {
			h.logger.Debug("daybook read failed", zap.Error(err))
		}
	}

	if class == classHeartbeat {
		interval := time.Duration(h.settings.GetInt(ctx, settings.KeyWakeIntervalMinutes,
			defaultWakeIntervalMinutes)) * time.Minute
		if !h.lastWake.IsZero() && now.Sub(h.lastWake) < interval {
			return
		}
		// Plain heartbeats only fire when something is waiting.
		if pending < 1 && len(urgent) == 0 {
			return
		}
	}

	msg := h.buildWakeMessage(ctx, now, class, ev, pending, urgent)
	if !h.chief.SendToChief(ctx, session.ChiefKindWake, msg, nil) {
		h.logger.Warn("wake delivery failed")
		return
	}
	h.recordWake(ctx, now)

	data := map[string]interface{}{
		"class":   class.String(),
		"pending": pending,
	}
	if ev != nil {
		data["event_id"] = ev.ID
		data["event_title"] = ev.Title
	}
	h.publish(ctx, events.HeartbeatWake, data)
	h.logger.Info("woke chief",
		zap.String("class", class.String()),
		zap.Int("pending", pending))
}

// classifyWake decides what kind of wake now is, given nearby calendar
// events: silent during focus blocks, a heads-up 5-10 minutes before the
// next event, a debrief up to 5 minutes after one ends, plain heartbeat
// otherwise.
func classifyWake(now time.Time, evs []adapters.CalendarEvent) (wakeClass, *adapters.CalendarEvent) {
	for i := range evs {
		ev := &evs[i]
		if !now.Before(ev.Start) && now.Before(ev.End) && isFocusEvent(ev.Title) {
			return classSuppress, ev
		}
	}

	var next *adapters.CalendarEvent
	for i := range evs {
		ev := &evs[i]
		if ev.Start.After(now) && (next == nil || ev.Start.Before(next.Start)) {
			next = ev
		}
	}
	if next != nil {
		lead := next.Start.Sub(now)
		if lead >= preEventMinLead && lead <= preEventMaxLead {
			return classPreEvent, next
		}
	}

	var prev *adapters.CalendarEvent
	for i := range evs {
		ev := &evs[i]
		if !ev.End.After(now) && (prev == nil || ev.End.After(prev.End)) {
			prev = ev
		}
	}
	if prev != nil {
		since := now.Sub(prev.End)
		if since >= 0 && since < postEventWindow {
			return classPostEvent, prev
		}
	}

	return classHeartbeat, nil
}

func isFocusEvent(title string) bool {
	lower := strings.ToLower(title)
	for _, kw := range focusKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// markOnce reports whether this is the first time key was seen.
func (h *Heartbeat) markOnce(key string) bool {
	return h.marks.Add(key, true, gocache.DefaultExpiration) == nil
}

func (h *Heartbeat) recordWake(ctx context.Context, now time.Time) {
	h.lastWake = now
	if err := h.settings.SetTime(ctx, settings.KeyLastHeartbeat, now); err != nil {
		h.logger.Warn("failed to persist last wake", zap.Error(err))
	}
}

// buildWakeMessage assembles the situational brief injected into Chief.
func (h *Heartbeat) buildWakeMessage(ctx context.Context, now time.Time, class wakeClass, ev *adapters.CalendarEvent, pending int, urgent []string) string {
	local := now.In(h.loc)
	var b strings.Builder

	switch class {
	case classPreEvent:
		fmt.Fprintf(&b, "[WAKE %s] Upcoming event\n", local.Format("15:04"))
	case classPostEvent:
		fmt.Fprintf(&b, "[WAKE %s] Event just ended\n", local.Format("15:04"))
	default:
		fmt.Fprintf(&b, "[WAKE %s] Heartbeat\n", local.Format("15:04"))
	}

	if h.lastWake.IsZero() {
		b.WriteString("First wake since engine start.\n")
	} else {
		fmt.Fprintf(&b, "Minutes since last wake: %d\n", int(now.Sub(h.lastWake).Minutes()))
	}

	if ev != nil {
		switch class {
		case classPreEvent:
			fmt.Fprintf(&b, "Calendar: %q starts in %d minutes.\n", ev.Title, int(ev.Start.Sub(now).Minutes()))
		case classPostEvent:
			fmt.Fprintf(&b, "Calendar: %q ended %d minutes ago.\n", ev.Title, int(now.Sub(ev.End).Minutes()))
		}
	}

	if win, err := h.activity.ActiveWindow(ctx); err == nil && win != "" {
		fmt.Fprintf(&b, "Active window: %s\n", win)
	}
	if idle, err := h.activity.IdleSeconds(ctx); err == nil {
		fmt.Fprintf(&b, "User idle: %ds\n", int(idle))
	}
	if apps, err := h.activity.ForegroundApps(ctx, 15*time.Minute); err == nil && len(apps) > 0 {
		if len(apps) > 5 {
			apps = apps[:5]
		}
		parts := make([]string, 0, len(apps))
		for _, a := range apps {
			parts = append(parts, fmt.Sprintf("%s %.0fm", a.App, a.Minutes))
		}
		fmt.Fprintf(&b, "Foreground apps (15m): %s\n", strings.Join(parts, ", "))
	}

	if excerpt := h.todayExcerpt(); excerpt != "" {
		b.WriteString("Today:\n")
		b.WriteString(excerpt)
		b.WriteString("\n")
	}

	if len(urgent) > 0 {
		b.WriteString("Due now:\n")
		for _, line := range urgent {
			b.WriteString("- " + line + "\n")
		}
	}
	if h.daybook != nil {
		if lines, err := h.daybook.ContextLines(ctx, now); err == nil && len(lines) > 0 {
			b.WriteString("Running:\n")
			for _, line := range lines {
				b.WriteString("- " + line + "\n")
			}
		}
	}

	if sessions, err := h.sessions.ActiveSessions(ctx); err == nil && len(sessions) > 0 {
		b.WriteString("Sessions:\n")
		for _, s := range sessions {
			line := fmt.Sprintf("- %s [%s]", s.ConversationID, s.State)
			if s.StatusText != "" {
				line += " " + s.StatusText
			}
			b.WriteString(line + "\n")
		}
	}

	if pending > 0 {
		fmt.Fprintf(&b, "Worker results awaiting review: %d\n", pending)
	}
	return strings.TrimRight(b.String(), "\n")
}

// todayExcerpt returns the first dozen lines of Desktop/TODAY.md.
func (h *Heartbeat) todayExcerpt() string {
	data, err := os.ReadFile(h.todayPath)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > 12 {
		lines = lines[:12]
	}
	return strings.Join(lines, "\n")
}

func (h *Heartbeat) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "heartbeat", data)); err != nil {
		h.logger.Warn("failed to publish event",
			zap.String("event", eventType), zap.Error(err))
	}
}
