package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/adapters"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/settings"
)

// Email outbox statuses.
const (
	EmailStatusQueued    = "queued"
	EmailStatusSent      = "sent"
	EmailStatusFailed    = "failed"
	EmailStatusCancelled = "cancelled"
)

const (
	// defaultEmailHourlyLimit caps outbound email per hour bucket when the
	// setting is unset.
	defaultEmailHourlyLimit = 10

	// emailDispatchBatch bounds how many due emails one dispatch pass takes.
	emailDispatchBatch = 20

	// duplicateWindow is how far back the content-hash duplicate guard looks.
	duplicateWindow = 24 * time.Hour

	// hourBucketLayout renders the UTC hour a send is accounted against.
	hourBucketLayout = "2006-01-02T15"
)

// ErrDuplicateEmail rejects a message whose exact content was already queued
// or sent recently.
var ErrDuplicateEmail = errors.New("duplicate email content")

// RateLimitError is the structured rejection for a full rate bucket. Callers
// relay its fields to the agent so it can explain the refusal.
type RateLimitError struct {
	HourBucket string
	Limit      int
	Load       int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("email rate limit reached: %d of %d in bucket %s", e.Load, e.Limit, e.HourBucket)
}

// Email is one outbox row.
type Email struct {
	ID          string     `db:"id" json:"id"`
	Account     string     `db:"account" json:"account"`
	Recipients  string     `db:"recipients" json:"recipients"`
	Subject     string     `db:"subject" json:"subject"`
	Content     string     `db:"content" json:"content"`
	ContentHash string     `db:"content_hash" json:"content_hash"`
	Status      string     `db:"status" json:"status"`
	QueuedAt    time.Time  `db:"queued_at" json:"queued_at"`
	SendAt      *time.Time `db:"send_at" json:"send_at,omitempty"`
	SentAt      *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	HourBucket  string     `db:"hour_bucket" json:"hour_bucket"`

	RequiresConfirmation bool       `db:"requires_confirmation" json:"requires_confirmation"`
	ConfirmedAt          *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
}

// EmailRequest is what callers hand the outbox.
type EmailRequest struct {
	Account    string // empty: "default"
	Recipients []string
	Subject    string
	Body       string
	SendAt     *time.Time // empty: next dispatch pass
}

func hourBucket(t time.Time) string {
	return t.UTC().Format(hourBucketLayout)
}

func nextBucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

func contentHash(req EmailRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Account))
	h.Write([]byte(strings.Join(req.Recipients, ",")))
	h.Write([]byte(req.Subject))
	h.Write([]byte(req.Body))
	return hex.EncodeToString(h.Sum(nil))
}

// QueueEmail validates an outbound email against the safety rails and writes
// it to the outbox. The dispatch loop delivers it once send_at passes. A full
// hour bucket rejects the enqueue with *RateLimitError and writes nothing.
func (s *Service) QueueEmail(ctx context.Context, req EmailRequest) (*Email, error) {
	if len(req.Recipients) == 0 {
		return nil, errors.New("email has no recipients")
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, errors.New("email has no subject")
	}
	account := req.Account
	if account == "" {
		account = "default"
	}

	now := time.Now().UTC()
	sendAt := now
	if req.SendAt != nil {
		sendAt = req.SendAt.UTC()
	}

	hash := contentHash(req)
	dup, err := s.repo.DuplicateQueuedOrSent(ctx, hash, now.Add(-duplicateWindow))
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, ErrDuplicateEmail
	}

	bucket := hourBucket(sendAt)
	limit := s.settings.GetInt(ctx, settings.KeyEmailHourlyLimit, defaultEmailHourlyLimit)
	load, err := s.repo.BucketLoad(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if load >= limit {
		return nil, &RateLimitError{HourBucket: bucket, Limit: limit, Load: load}
	}

	email := &Email{
		ID:          uuid.New().String(),
		Account:     account,
		Recipients:  strings.Join(req.Recipients, ", "),
		Subject:     req.Subject,
		Content:     req.Body,
		ContentHash: hash,
		Status:      EmailStatusQueued,
		QueuedAt:    now,
		SendAt:      &sendAt,
		HourBucket:  bucket,
	}
	if err := s.repo.CreateEmail(ctx, email); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EmailQueued, map[string]interface{}{
		"email_id":   email.ID,
		"recipients": email.Recipients,
		"subject":    email.Subject,
		"send_at":    sendAt.Format(time.RFC3339),
	})
	s.logger.Info("queued email",
		zap.String("email_id", email.ID),
		zap.String("recipients", email.Recipients),
		zap.String("bucket", bucket))
	return email, nil
}

// CancelEmail withdraws a still-queued email.
func (s *Service) CancelEmail(ctx context.Context, id string) error {
	if err := s.repo.CancelEmail(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.EmailCancelled, map[string]interface{}{"email_id": id})
	return nil
}

// GetEmail returns one outbox row.
func (s *Service) GetEmail(ctx context.Context, id string) (*Email, error) {
	return s.repo.GetEmail(ctx, id)
}

// dispatchDueEmails sends every queued email whose time has come, deferring
// to the next hour when the live bucket fills up mid-pass.
func (s *Service) dispatchDueEmails(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.repo.DueEmails(ctx, now, emailDispatchBatch)
	if err != nil {
		s.logger.Warn("outbox query failed", zap.Error(err))
		return
	}
	for _, email := range due {
		if err := s.dispatchEmail(ctx, email, now); err != nil {
			s.logger.Warn("email dispatch failed",
				zap.String("email_id", email.ID), zap.Error(err))
		}
	}
}

func (s *Service) dispatchEmail(ctx context.Context, email *Email, now time.Time) error {
	limit := s.settings.GetInt(ctx, settings.KeyEmailHourlyLimit, defaultEmailHourlyLimit)
	bucket := hourBucket(now)

	reserved := false
	if limit > 0 {
		var err error
		reserved, err = s.repo.ReserveSendSlot(ctx, bucket, limit)
		if err != nil {
			return err
		}
	}
	if !reserved {
		next := nextBucketStart(now)
		if err := s.repo.DeferEmail(ctx, email.ID, next, hourBucket(next)); err != nil {
			return err
		}
		s.publish(ctx, events.EmailDeferred, map[string]interface{}{
			"email_id": email.ID,
			"send_at":  next.Format(time.RFC3339),
		})
		s.logger.Info("deferred email to next bucket",
			zap.String("email_id", email.ID),
			zap.Time("send_at", next))
		return nil
	}

	if err := s.email.Send(ctx, adapters.OutboundEmail{
		To:      email.Recipients,
		Subject: email.Subject,
		Body:    email.Content,
	}); err != nil {
		if markErr := s.repo.MarkEmailFailed(ctx, email.ID); markErr != nil {
			s.logger.Warn("failed to mark email failed",
				zap.String("email_id", email.ID), zap.Error(markErr))
		}
		return fmt.Errorf("send email %s: %w", email.ID, err)
	}

	if err := s.repo.MarkEmailSent(ctx, email.ID, now); err != nil {
		return err
	}
	s.publish(ctx, events.EmailSent, map[string]interface{}{
		"email_id":   email.ID,
		"recipients": email.Recipients,
		"subject":    email.Subject,
	})
	s.logger.Info("sent email",
		zap.String("email_id", email.ID),
		zap.String("recipients", email.Recipients))
	return nil
}
