package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileCalendar reads events from a JSON file the user (or another tool)
// maintains, e.g. an export refreshed by a cron job. Missing file means an
// empty calendar.
type FileCalendar struct {
	Path string
}

func (c *FileCalendar) EventsBetween(_ context.Context, from, to time.Time) ([]CalendarEvent, error) {
	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read calendar file: %w", err)
	}
	var all []CalendarEvent
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse calendar file: %w", err)
	}
	var out []CalendarEvent
	for _, ev := range all {
		if ev.End.After(from) && ev.Start.Before(to) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// FileEmail drops outbound mail as individual files in a directory instead
// of sending it, one file per message. Useful in development and as a
// paper trail when no real transport is wired up.
type FileEmail struct {
	Dir string
}

func (e *FileEmail) Send(_ context.Context, email OutboundEmail) error {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}
	name := fmt.Sprintf("%d-%s.eml", time.Now().UnixNano(), sanitizeFilename(email.Subject))
	content := fmt.Sprintf("To: %s\nSubject: %s\nDate: %s\n\n%s\n",
		email.To, email.Subject, time.Now().Format(time.RFC1123Z), email.Body)
	if err := os.WriteFile(filepath.Join(e.Dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write outbox file: %w", err)
	}
	return nil
}

// FileContacts resolves names from a JSON array of contacts. Matching is
// case-insensitive on name prefix.
type FileContacts struct {
	Path string
}

func (c *FileContacts) Lookup(_ context.Context, name string) (*Contact, error) {
	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("read contacts file: %w", err)
	}
	var contacts []Contact
	if err := json.Unmarshal(data, &contacts); err != nil {
		return nil, fmt.Errorf("parse contacts file: %w", err)
	}
	needle := strings.ToLower(strings.TrimSpace(name))
	for i := range contacts {
		if strings.HasPrefix(strings.ToLower(contacts[i].Name), needle) {
			return &contacts[i], nil
		}
	}
	return nil, fmt.Errorf("no contact matching %q", name)
}

// FileMessages appends outgoing messages to a log file instead of sending.
type FileMessages struct {
	Path string
}

func (m *FileMessages) SendMessage(_ context.Context, to, body string) error {
	f, err := os.OpenFile(m.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open messages log: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "[%s] to=%s %s\n", time.Now().Format(time.RFC3339), to, body)
	return err
}

func sanitizeFilename(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > 40 {
		out = out[:40]
	}
	if out == "" {
		out = "message"
	}
	return out
}
