package main

import (
	"path/filepath"

	"github.com/chiefd/chiefd/internal/adapters"
	"github.com/chiefd/chiefd/internal/common/config"
)

// buildAdapters assembles the machine-capability adapters from their
// in-tree defaults. Calendar events are read from a JSON export at
// .engine/data/calendar.json (an external sync job keeps it fresh),
// outbound email lands as files in Desktop/outbox, and user activity has
// no portable source so the no-op adapter reports a permanently idle user.
// Deployments swap these for real providers here.
func buildAdapters(cfg *config.Config) (adapters.CalendarAdapter, adapters.EmailAdapter, adapters.ActivityAdapter) {
	calendar := &adapters.FileCalendar{Path: filepath.Join(cfg.DataDir(), "calendar.json")}
	email := &adapters.FileEmail{Dir: filepath.Join(cfg.DesktopDir(), "outbox")}
	return calendar, email, adapters.NoopActivity{}
}
