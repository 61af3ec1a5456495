package mission

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun computes the next instant a mission should fire after now,
// returned in UTC. Manual missions (no schedule type) return false. A
// malformed schedule degrades to tomorrow 06:00 in the user's zone rather
// than killing the mission.
func NextRun(m *Mission, now time.Time, loc *time.Location) (time.Time, bool) {
	if !m.Recurring() {
		return time.Time{}, false
	}
	local := now.In(loc)

	switch *m.ScheduleType {
	case ScheduleTypeTime:
		next, err := nextTimeRun(m, local, loc)
		if err != nil {
			return fallbackRun(local, loc), true
		}
		return next.UTC(), true

	case ScheduleTypeCron:
		if m.ScheduleCron == nil || strings.TrimSpace(*m.ScheduleCron) == "" {
			return fallbackRun(local, loc), true
		}
		sched, err := cron.ParseStandard(*m.ScheduleCron)
		if err != nil {
			return fallbackRun(local, loc), true
		}
		return sched.Next(local).UTC(), true

	default:
		return fallbackRun(local, loc), true
	}
}

// nextTimeRun handles HH:MM schedules: today at that time if still ahead,
// otherwise tomorrow, advanced past any weekday filter.
func nextTimeRun(m *Mission, local time.Time, loc *time.Location) (time.Time, error) {
	if m.ScheduleTime == nil {
		return time.Time{}, fmt.Errorf("time schedule without schedule_time")
	}
	hour, minute, err := parseClock(*m.ScheduleTime)
	if err != nil {
		return time.Time{}, err
	}

	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	days := m.Days()
	if days != nil {
		for i := 0; i < 7 && !days[weekdayToken(candidate.Weekday())]; i++ {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if !days[weekdayToken(candidate.Weekday())] {
			return time.Time{}, fmt.Errorf("day filter %q matches no weekday", *m.ScheduleDays)
		}
	}
	return candidate, nil
}

// fallbackRun is tomorrow 06:00 in the user's zone.
func fallbackRun(local time.Time, loc *time.Location) time.Time {
	d := local.AddDate(0, 0, 1)
	return time.Date(d.Year(), d.Month(), d.Day(), 6, 0, 0, 0, loc).UTC()
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
