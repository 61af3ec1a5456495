package mission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func missionFixture(mutate func(m *Mission)) *Mission {
	m := &Mission{
		ID:             "m-1",
		Slug:           "fixture",
		Name:           "Fixture",
		Role:           "researcher",
		Mode:           "mission",
		TimeoutMinutes: 30,
		Enabled:        true,
	}
	if mutate != nil {
		mutate(m)
	}
	return m
}

func TestNextRunTimeSchedule(t *testing.T) {
	loc := time.UTC
	m := missionFixture(func(m *Mission) {
		m.ScheduleType = strPtr(ScheduleTypeTime)
		m.ScheduleTime = strPtr("09:00")
	})

	// Before the slot: fires later today.
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, loc) // Tuesday
	next, ok := NextRun(m, now, loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 25, 9, 0, 0, 0, loc), next)

	// Past the slot: tomorrow.
	now = time.Date(2026, 8, 25, 10, 0, 0, 0, loc)
	next, ok = NextRun(m, now, loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 26, 9, 0, 0, 0, loc), next)
}

func TestNextRunHonorsDayFilter(t *testing.T) {
	loc := time.UTC
	m := missionFixture(func(m *Mission) {
		m.ScheduleType = strPtr(ScheduleTypeTime)
		m.ScheduleTime = strPtr("09:00")
		m.ScheduleDays = strPtr("sat,sun")
	})

	// Tuesday morning: the next weekend slot is Saturday.
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, loc)
	next, ok := NextRun(m, now, loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 29, 9, 0, 0, 0, loc), next)
}

func TestNextRunCronSchedule(t *testing.T) {
	loc := time.UTC
	m := missionFixture(func(m *Mission) {
		m.ScheduleType = strPtr(ScheduleTypeCron)
		m.ScheduleCron = strPtr("0 17 * * 5") // Fridays at 17:00
	})

	now := time.Date(2026, 8, 25, 10, 0, 0, 0, loc) // Tuesday
	next, ok := NextRun(m, now, loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 28, 17, 0, 0, 0, loc), next)
}

func TestNextRunManualMission(t *testing.T) {
	m := missionFixture(nil) // no schedule type
	_, ok := NextRun(m, time.Now(), time.UTC)
	assert.False(t, ok)
}

func TestNextRunFallsBackOnBadSchedule(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, loc)
	tomorrowSix := time.Date(2026, 8, 26, 6, 0, 0, 0, loc)

	// Unparseable clock time.
	m := missionFixture(func(m *Mission) {
		m.ScheduleType = strPtr(ScheduleTypeTime)
		m.ScheduleTime = strPtr("9am")
	})
	next, ok := NextRun(m, now, loc)
	require.True(t, ok)
	assert.Equal(t, tomorrowSix, next)

	// Unparseable cron expression.
	m = missionFixture(func(m *Mission) {
		m.ScheduleType = strPtr(ScheduleTypeCron)
		m.ScheduleCron = strPtr("every friday at five")
	})
	next, ok = NextRun(m, now, loc)
	require.True(t, ok)
	assert.Equal(t, tomorrowSix, next)

	// Day filter that matches nothing.
	m = missionFixture(func(m *Mission) {
		m.ScheduleType = strPtr(ScheduleTypeTime)
		m.ScheduleTime = strPtr("09:00")
		m.ScheduleDays = strPtr("noday")
	})
	next, ok = NextRun(m, now, loc)
	require.True(t, ok)
	assert.Equal(t, tomorrowSix, next)
}

func TestNextRunRespectsTimezone(t *testing.T) {
	// 09:00 in a UTC-4 zone is 13:00 UTC.
	loc := time.FixedZone("UTC-4", -4*3600)
	m := missionFixture(func(m *Mission) {
		m.ScheduleType = strPtr(ScheduleTypeTime)
		m.ScheduleTime = strPtr("09:00")
	})

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) // 08:00 local
	next, ok := NextRun(m, now, loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC), next.UTC())
}

func TestWindowName(t *testing.T) {
	assert.Equal(t, "mission-news-scan", WindowName("news-scan"))
	assert.Equal(t, "mission-weekly-revie", WindowName("weekly-review"))
}

func TestMissionTaskPrefersInlinePrompt(t *testing.T) {
	m := missionFixture(func(m *Mission) {
		m.PromptInline = strPtr("  Scan the feeds.  ")
		m.PromptFile = strPtr("/tmp/brief.md")
		m.Description = "desc"
	})
	assert.Equal(t, "Scan the feeds.", missionTask(m))

	m.PromptInline = nil
	assert.Contains(t, missionTask(m), "/tmp/brief.md")

	m.PromptFile = nil
	assert.Equal(t, "desc", missionTask(m))

	m.Description = ""
	assert.Equal(t, "Fixture", missionTask(m))
}
