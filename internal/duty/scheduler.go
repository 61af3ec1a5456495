package duty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/constants"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/common/telemetry"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/execution"
	"github.com/chiefd/chiefd/internal/session"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("duty scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("duty scheduler is not running")
)

// defaultPollInterval is how often a running duty's execution row is checked.
const defaultPollInterval = 10 * time.Second

// ChiefController is the slice of the session manager the scheduler needs:
// warn the current Chief, then replace it.
type ChiefController interface {
	SendToChief(ctx context.Context, kind, message string, extra map[string]string) bool
	ResetChief(ctx context.Context, opts session.ResetChiefOptions) (*session.SpawnResult, error)
}

// Scheduler fires duties at their scheduled times, catching up on runs
// missed while the engine was down. Duties execute strictly one at a time.
type Scheduler struct {
	duties   *Repository
	execs    *execution.Repository
	sessions *session.Repository
	chief    ChiefController
	bus      bus.EventBus
	loc      *time.Location
	logger   *logger.Logger

	tick         time.Duration
	warningWait  time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates the duty scheduler.
func NewScheduler(
	duties *Repository,
	execs *execution.Repository,
	sessions *session.Repository,
	chief ChiefController,
	eventBus bus.EventBus,
	cfg *config.Config,
	log *logger.Logger,
) (*Scheduler, error) {
	loc, err := cfg.Home.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve timezone: %w", err)
	}
	tick := cfg.Scheduler.TickDuration()
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		duties:       duties,
		execs:        execs,
		sessions:     sessions,
		chief:        chief,
		bus:          eventBus,
		loc:          loc,
		logger:       log.WithFields(zap.String("component", "duty_scheduler")),
		tick:         tick,
		warningWait:  constants.DutyWarningWait,
		pollInterval: defaultPollInterval,
	}, nil
}

// Start begins the scheduling loop. The first pass runs immediately so
// duties missed while the engine was down fire at startup.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("duty scheduler starting", zap.Duration("tick", s.tick))
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("duty scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Startup catch-up pass.
	s.CheckOnce(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs every currently due duty, serially.
func (s *Scheduler) CheckOnce(ctx context.Context) {
	duties, err := s.duties.Enabled(ctx)
	if err != nil {
		s.logger.Error("failed to load duties", zap.Error(err))
		return
	}
	now := time.Now()
	for _, d := range duties {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}
		instant, due := isDue(d, now, s.loc)
		if !due {
			continue
		}
		if err := s.runDuty(ctx, d, instant); err != nil {
			s.logger.Error("duty run failed",
				zap.String("duty", d.Slug), zap.Error(err))
		}
	}
}

// runDuty executes one duty end to end: warn Chief, reset it with the duty
// prompt, then watch the execution row until the agent closes it, the Chief
// session dies, or the duty times out.
func (s *Scheduler) runDuty(ctx context.Context, d *Duty, instant time.Time) error {
	gap := gapDays(d, instant, s.loc)
	prompt := buildPrompt(d, gap, s.loc)

	exec, err := s.execs.Start(ctx, d.ID, d.Slug, execution.KindDuty)
	if err != nil {
		return err
	}
	ctx, span := telemetry.TraceDutyRun(ctx, d.Slug, exec.ID)
	defer span.End()

	s.publish(ctx, events.DutyStarted, map[string]interface{}{
		"duty_slug":    d.Slug,
		"execution_id": exec.ID,
		"gap_days":     gap,
	})
	s.logger.Info("duty due",
		zap.String("duty", d.Slug),
		zap.String("execution_id", exec.ID),
		zap.Int("gap_days", gap))

	if s.chiefAlive(ctx) {
		warning := fmt.Sprintf(
			"Scheduled duty %q starts in 2 minutes. Wrap up what you are doing; this session will be replaced.",
			d.Name)
		if !s.chief.SendToChief(ctx, session.ChiefKindWake, warning, nil) {
			s.logger.Warn("failed to warn chief", zap.String("duty", d.Slug))
		}
		if !s.sleep(ctx, s.warningWait) {
			telemetry.RecordResult(span, "interrupted", nil)
			return nil
		}
	}

	result, err := s.chief.ResetChief(ctx, session.ResetChiefOptions{
		Mode:               session.ModeDuty,
		Task:               prompt,
		Reason:             "duty " + d.Slug,
		EndReason:          session.EndReasonDutyReset,
		MissionExecutionID: exec.ID,
	})
	if err != nil {
		_ = s.execs.Finish(ctx, exec.ID, execution.StatusFailed, "", "chief reset failed: "+err.Error())
		_ = s.duties.RecordRun(ctx, d.ID, RunFailure, time.Now())
		s.publish(ctx, events.DutyFailed, map[string]interface{}{
			"duty_slug":    d.Slug,
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
		telemetry.RecordResult(span, execution.StatusFailed, err)
		return err
	}
	if err := s.execs.LinkSession(ctx, exec.ID, result.Session.ID); err != nil {
		s.logger.Warn("failed to link duty session", zap.Error(err))
	}

	timeout := time.Duration(d.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = time.Hour
	}
	status := s.awaitCompletion(ctx, timeout, exec.ID, result.Session.ID)
	switch status {
	case execution.StatusCompleted:
		_ = s.duties.RecordRun(ctx, d.ID, RunSuccess, time.Now())
		s.publish(ctx, events.DutyCompleted, map[string]interface{}{
			"duty_slug":    d.Slug,
			"execution_id": exec.ID,
			"status":       status,
		})
	case execution.StatusTimeout:
		_ = s.duties.RecordRun(ctx, d.ID, RunFailure, time.Now())
		s.publish(ctx, events.DutyTimedOut, map[string]interface{}{
			"duty_slug":    d.Slug,
			"execution_id": exec.ID,
		})
	case "":
		// Interrupted by shutdown; the execution row stays running and
		// boot-time orphan recovery settles it.
		status = "interrupted"
	default:
		_ = s.duties.RecordRun(ctx, d.ID, RunFailure, time.Now())
		s.publish(ctx, events.DutyFailed, map[string]interface{}{
			"duty_slug":    d.Slug,
			"execution_id": exec.ID,
			"status":       status,
		})
	}
	telemetry.RecordResult(span, status, nil)
	return nil
}

// awaitCompletion polls until the execution row leaves running, the Chief
// session ends (treated as completion), or the timeout expires. The Chief
// is never killed on timeout; the duty is just recorded as failed.
func (s *Scheduler) awaitCompletion(ctx context.Context, timeout time.Duration, execID, sessionID string) string {
	deadline := time.Now().Add(timeout)

	for {
		e, err := s.execs.Get(ctx, execID)
		if err == nil && !e.Running() {
			return e.Status
		}

		sess, err := s.sessions.Get(ctx, sessionID)
		if err == nil && !sess.Active() {
			_ = s.execs.Finish(ctx, execID, execution.StatusCompleted, "chief session ended", "")
			return execution.StatusCompleted
		}

		if !time.Now().Before(deadline) {
			_ = s.execs.Finish(ctx, execID, execution.StatusTimeout, "",
				fmt.Sprintf("timed out after %s", timeout))
			return execution.StatusTimeout
		}

		if !s.sleep(ctx, s.pollInterval) {
			return ""
		}
	}
}

func (s *Scheduler) chiefAlive(ctx context.Context) bool {
	_, err := s.sessions.ActiveByConversation(ctx, session.EternalChiefConversation)
	return err == nil
}

// sleep waits d, returning false when the scheduler is stopping.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "duty-scheduler", data)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event", eventType), zap.Error(err))
	}
}
