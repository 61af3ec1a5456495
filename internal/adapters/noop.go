package adapters

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned by no-op adapters for operations that cannot
// be silently skipped.
var ErrNotConfigured = errors.New("adapter not configured")

// NoopCalendar has no events.
type NoopCalendar struct{}

func (NoopCalendar) EventsBetween(context.Context, time.Time, time.Time) ([]CalendarEvent, error) {
	return nil, nil
}

// NoopEmail refuses to send; callers surface the error instead of
// pretending delivery happened.
type NoopEmail struct{}

func (NoopEmail) Send(context.Context, OutboundEmail) error { return ErrNotConfigured }

// NoopContacts resolves nobody.
type NoopContacts struct{}

func (NoopContacts) Lookup(context.Context, string) (*Contact, error) {
	return nil, ErrNotConfigured
}

// NoopMessages refuses to send.
type NoopMessages struct{}

func (NoopMessages) SendMessage(context.Context, string, string) error { return ErrNotConfigured }

// NoopActivity reports a permanently idle user with no focused window, so
// wake gating never blocks on a missing activity source.
type NoopActivity struct{}

func (NoopActivity) IdleSeconds(context.Context) (float64, error) { return 3600, nil }

func (NoopActivity) ActiveWindow(context.Context) (string, error) { return "", nil }

func (NoopActivity) ForegroundApps(context.Context, time.Duration) ([]AppUsage, error) {
	return nil, nil
}
