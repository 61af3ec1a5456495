// Package adapters defines the capability boundaries between the engine and
// the machine it runs on: calendar, email, contacts, messaging and user
// activity. The engine only ever talks to these interfaces; deployments plug
// in platform-specific implementations, and the in-tree defaults are either
// no-ops or simple file-backed stand-ins.
package adapters

import (
	"context"
	"time"
)

// CalendarEvent is one entry on the user's calendar.
type CalendarEvent struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalendarAdapter reads the user's calendar.
type CalendarAdapter interface {
	// EventsBetween returns events overlapping [from, to), sorted by start.
	EventsBetween(ctx context.Context, from, to time.Time) ([]CalendarEvent, error)
}

// OutboundEmail is a fully-addressed message ready to send.
type OutboundEmail struct {
	To      string
	Subject string
	Body    string
}

// EmailAdapter delivers email that already passed the engine's safety rails.
type EmailAdapter interface {
	Send(ctx context.Context, email OutboundEmail) error
}

// Contact is a resolved person.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// ContactsAdapter resolves people by name.
type ContactsAdapter interface {
	Lookup(ctx context.Context, name string) (*Contact, error)
}

// MessagesAdapter sends instant messages (SMS, iMessage, etc.).
type MessagesAdapter interface {
	SendMessage(ctx context.Context, to, body string) error
}

// AppUsage is cumulative foreground time for one application.
type AppUsage struct {
	App     string  `json:"app"`
	Minutes float64 `json:"minutes"`
}

// ActivityAdapter reports what the user is doing at the keyboard. The
// heartbeat uses it to avoid interrupting active work.
type ActivityAdapter interface {
	// IdleSeconds is how long since the last user input.
	IdleSeconds(ctx context.Context) (float64, error)
	// ActiveWindow is the title of the focused window, best effort.
	ActiveWindow(ctx context.Context) (string, error)
	// ForegroundApps returns per-app foreground minutes over the window,
	// most-used first.
	ForegroundApps(ctx context.Context, window time.Duration) ([]AppUsage, error)
}
