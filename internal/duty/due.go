package duty

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// NeverRunGapDays is the gap reported for a duty that has never run. It is
// large enough that a fresh install fires every duty on first startup.
const NeverRunGapDays = 999

// maxLookbackDays bounds the walk for the most recent scheduled instant. A
// weekly day filter always hits within 7 days; 14 leaves slack.
const maxLookbackDays = 14

// lastScheduledInstant returns the most recent wall-clock instant at or
// before now that the duty's schedule names, honoring the day filter. The
// second return is false when no instant exists inside the lookback window.
func lastScheduledInstant(d *Duty, now time.Time, loc *time.Location) (time.Time, bool) {
	hour, minute, err := parseClock(d.ScheduleTime)
	if err != nil {
		return time.Time{}, false
	}
	days := d.Days()
	local := now.In(loc)
	for back := 0; back <= maxLookbackDays; back++ {
		day := local.AddDate(0, 0, -back)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if candidate.After(local) {
			continue
		}
		if days != nil && !days[weekdayToken(candidate.Weekday())] {
			continue
		}
		return candidate, true
	}
	return time.Time{}, false
}

// isDue reports whether the duty should fire, and at which scheduled
// instant. A duty is due when its most recent scheduled instant has passed
// and last_run predates that instant.
func isDue(d *Duty, now time.Time, loc *time.Location) (time.Time, bool) {
	instant, ok := lastScheduledInstant(d, now, loc)
	if !ok {
		return time.Time{}, false
	}
	if d.LastRun == nil {
		return instant, true
	}
	return instant, d.LastRun.Before(instant)
}

// gapDays counts how many calendar days the duty is behind: the scheduled
// instant's date minus last_run's date, both in the user's zone.
func gapDays(d *Duty, instant time.Time, loc *time.Location) int {
	if d.LastRun == nil {
		return NeverRunGapDays
	}
	return daysBetween(d.LastRun.In(loc), instant.In(loc))
}

// daysBetween returns b's calendar date minus a's, in days.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	a0 := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	b0 := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(b0.Sub(a0).Hours() / 24)
}

// buildPrompt assembles the task text handed to the fresh Chief: the duty's
// prompt, prefixed with catch-up context when the run is late.
func buildPrompt(d *Duty, gap int, loc *time.Location) string {
	body := promptBody(d)
	if gap <= 0 {
		return body
	}
	var prefix string
	if gap >= NeverRunGapDays || d.LastRun == nil {
		prefix = "[DUTY — CATCH-UP MODE]\nThis duty has never run. Treat this as the first execution and catch up on anything pending."
	} else {
		unit := "days"
		if gap == 1 {
			unit = "day"
		}
		prefix = fmt.Sprintf(
			"[DUTY — CATCH-UP MODE]\nThis duty last ran %s and is %d %s behind schedule. Fold the missed days into this run.",
			d.LastRun.In(loc).Format("Mon, Jan 2 2006 15:04"), gap, unit)
	}
	return prefix + "\n\n" + body
}

// promptBody resolves the duty's prompt text: the markdown file when it
// exists, the inline prompt otherwise, falling back to the description.
func promptBody(d *Duty) string {
	if d.PromptFile != nil && *d.PromptFile != "" {
		if data, err := os.ReadFile(*d.PromptFile); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	if d.PromptInline != nil && strings.TrimSpace(*d.PromptInline) != "" {
		return strings.TrimSpace(*d.PromptInline)
	}
	if d.Description != "" {
		return d.Description
	}
	return d.Name
}

func parseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad clock time %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, minute, nil
}

func weekdayToken(d time.Weekday) string {
	return strings.ToLower(d.String()[:3])
}
