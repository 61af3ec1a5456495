package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiefd/chiefd/internal/settings"
)

func TestQueueEmailAndDispatch(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()
	seen := fx.collectEvents("email.>")

	email, err := fx.svc.QueueEmail(ctx, EmailRequest{
		Recipients: []string{"ada@example.com", "grace@example.com"},
		Subject:    "Weekly summary",
		Body:       "Everything shipped.",
	})
	require.NoError(t, err)
	require.Equal(t, EmailStatusQueued, email.Status)
	require.Equal(t, "default", email.Account)
	require.Eventually(t, hasEvent(seen, "email.queued"), time.Second, 10*time.Millisecond)

	fx.svc.dispatchDueEmails(ctx)

	delivered := fx.emailer.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, "ada@example.com, grace@example.com", delivered[0].To)
	assert.Equal(t, "Weekly summary", delivered[0].Subject)
	assert.Equal(t, "Everything shipped.", delivered[0].Body)

	row, err := fx.svc.GetEmail(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, EmailStatusSent, row.Status)
	require.NotNil(t, row.SentAt)
	require.Eventually(t, hasEvent(seen, "email.sent"), time.Second, 10*time.Millisecond)
}

func TestQueueEmailValidation(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()

	_, err := fx.svc.QueueEmail(ctx, EmailRequest{Subject: "no one to send to"})
	require.Error(t, err)

	_, err = fx.svc.QueueEmail(ctx, EmailRequest{Recipients: []string{"ada@example.com"}})
	require.Error(t, err)
}

func TestQueueEmailRateLimitRejects(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()
	require.NoError(t, fx.settings.Set(ctx, settings.KeyEmailHourlyLimit, "2"))

	// A fixed send hour pins all three to the same rate bucket.
	sendAt := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour).Add(30 * time.Minute)
	for i, subject := range []string{"first", "second"} {
		_, err := fx.svc.QueueEmail(ctx, EmailRequest{
			Recipients: []string{"ada@example.com"},
			Subject:    subject,
			Body:       "hello",
			SendAt:     &sendAt,
		})
		require.NoError(t, err, "email %d should fit the bucket", i+1)
	}

	_, err := fx.svc.QueueEmail(ctx, EmailRequest{
		Recipients: []string{"ada@example.com"},
		Subject:    "third",
		Body:       "hello",
		SendAt:     &sendAt,
	})
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 2, rateErr.Limit)
	assert.Equal(t, 2, rateErr.Load)
	assert.Equal(t, hourBucket(sendAt), rateErr.HourBucket)

	// Rejection left nothing behind: the queue still holds exactly two.
	due, err := fx.repo.DueEmails(ctx, sendAt.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestQueueEmailRejectsDuplicateContent(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()

	req := EmailRequest{
		Recipients: []string{"ada@example.com"},
		Subject:    "Weekly summary",
		Body:       "Everything shipped.",
	}
	_, err := fx.svc.QueueEmail(ctx, req)
	require.NoError(t, err)

	_, err = fx.svc.QueueEmail(ctx, req)
	require.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestDispatchDefersWhenBucketFull(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()
	seen := fx.collectEvents("email.>")

	first, err := fx.svc.QueueEmail(ctx, EmailRequest{
		Recipients: []string{"ada@example.com"},
		Subject:    "first",
		Body:       "one",
	})
	require.NoError(t, err)
	second, err := fx.svc.QueueEmail(ctx, EmailRequest{
		Recipients: []string{"ada@example.com"},
		Subject:    "second",
		Body:       "two",
	})
	require.NoError(t, err)

	// The limit tightens after both were accepted; only one send slot is left.
	require.NoError(t, fx.settings.Set(ctx, settings.KeyEmailHourlyLimit, "1"))
	fx.svc.dispatchDueEmails(ctx)

	require.Len(t, fx.emailer.delivered(), 1)
	sentRow, err := fx.svc.GetEmail(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, EmailStatusSent, sentRow.Status)

	deferred, err := fx.svc.GetEmail(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, EmailStatusQueued, deferred.Status)
	require.NotNil(t, deferred.SendAt)
	assert.True(t, deferred.SendAt.After(time.Now().UTC()), "deferred email should wait for the next bucket")
	assert.NotEqual(t, second.HourBucket, deferred.HourBucket)
	require.Eventually(t, hasEvent(seen, "email.deferred"), time.Second, 10*time.Millisecond)

	// Another pass in the same hour does not sneak it out early.
	fx.svc.dispatchDueEmails(ctx)
	assert.Len(t, fx.emailer.delivered(), 1)
}

func TestScheduledEmailWaitsForSendAt(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()

	sendAt := time.Now().UTC().Add(2 * time.Hour)
	email, err := fx.svc.QueueEmail(ctx, EmailRequest{
		Recipients: []string{"ada@example.com"},
		Subject:    "later",
		Body:       "not yet",
		SendAt:     &sendAt,
	})
	require.NoError(t, err)
	assert.Equal(t, hourBucket(sendAt), email.HourBucket)

	fx.svc.dispatchDueEmails(ctx)
	assert.Empty(t, fx.emailer.delivered())

	row, err := fx.svc.GetEmail(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, EmailStatusQueued, row.Status)
}

func TestCancelEmail(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()
	seen := fx.collectEvents("email.>")

	email, err := fx.svc.QueueEmail(ctx, EmailRequest{
		Recipients: []string{"ada@example.com"},
		Subject:    "oops",
		Body:       "wrong draft",
	})
	require.NoError(t, err)

	require.NoError(t, fx.svc.CancelEmail(ctx, email.ID))
	row, err := fx.svc.GetEmail(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, EmailStatusCancelled, row.Status)
	require.Eventually(t, hasEvent(seen, "email.cancelled"), time.Second, 10*time.Millisecond)

	fx.svc.dispatchDueEmails(ctx)
	assert.Empty(t, fx.emailer.delivered())

	// Already cancelled, and unknown ids, both miss.
	require.ErrorIs(t, fx.svc.CancelEmail(ctx, email.ID), ErrEmailNotFound)
	require.ErrorIs(t, fx.svc.CancelEmail(ctx, "nope"), ErrEmailNotFound)
}

func TestDispatchMarksFailedOnAdapterError(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()
	seen := fx.collectEvents("email.>")

	email, err := fx.svc.QueueEmail(ctx, EmailRequest{
		Recipients: []string{"ada@example.com"},
		Subject:    "doomed",
		Body:       "smtp is down",
	})
	require.NoError(t, err)

	fx.emailer.setErr(errors.New("smtp: connection refused"))
	fx.svc.dispatchDueEmails(ctx)

	row, err := fx.svc.GetEmail(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, EmailStatusFailed, row.Status)
	assert.Nil(t, row.SentAt)

	// Failed rows are not retried.
	fx.emailer.setErr(nil)
	fx.svc.dispatchDueEmails(ctx)
	assert.Empty(t, fx.emailer.delivered())
	for _, e := range seen() {
		assert.NotEqual(t, "email.sent", e)
	}
}

func TestOutboxLoopDeliversInBackground(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()

	_, err := fx.svc.QueueEmail(ctx, EmailRequest{
		Recipients: []string{"ada@example.com"},
		Subject:    "background",
		Body:       "via the loop",
	})
	require.NoError(t, err)

	require.NoError(t, fx.svc.Start(ctx))
	t.Cleanup(func() {
		if fx.svc.IsRunning() {
			require.NoError(t, fx.svc.Stop())
		}
	})

	require.Eventually(t, func() bool {
		return len(fx.emailer.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, fx.svc.Stop())
}
