package mission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/common/telemetry"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/execution"
	"github.com/chiefd/chiefd/internal/session"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("mission scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("mission scheduler is not running")
)

// SessionRunner is the slice of the session manager the scheduler needs:
// spawn mission sessions and tear them down afterwards.
type SessionRunner interface {
	Spawn(ctx context.Context, opts session.SpawnOptions) (*session.SpawnResult, error)
	EndSession(ctx context.Context, id, reason string, killWindow bool) error
}

// trackedRun is an execution this scheduler dispatched and is watching.
type trackedRun struct {
	missionID string
	slug      string
	sessionID string
	deadline  time.Time
}

// Scheduler dispatches due missions into their own tmux windows and follows
// their executions to completion. It also drives the Chief heartbeat.
type Scheduler struct {
	missions  *Repository
	execs     *execution.Repository
	sessions  *session.Repository
	runner    SessionRunner
	heartbeat *Heartbeat
	bus       bus.EventBus
	loc       *time.Location
	logger    *logger.Logger

	tick time.Duration

	trackMu  sync.Mutex
	tracked  map[string]trackedRun // execution id -> run
	ranToday map[string]bool       // slug -> true, reset at local midnight
	ranDay   string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates the mission scheduler. heartbeat may be nil.
func NewScheduler(
	missions *Repository,
	execs *execution.Repository,
	sessions *session.Repository,
	runner SessionRunner,
	heartbeat *Heartbeat,
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
		missions:  missions,
		execs:     execs,
		sessions:  sessions,
		runner:    runner,
		heartbeat: heartbeat,
		bus:       eventBus,
		loc:       loc,
		logger:    log.WithFields(zap.String("component", "mission_scheduler")),
		tick:      tick,
		tracked:   make(map[string]trackedRun),
		ranToday:  make(map[string]bool),
	}, nil
}

// Start begins the scheduling loop, first re-adopting any mission
// executions still running from a previous engine process.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.adoptRunning(ctx); err != nil {
		s.logger.Warn("failed to adopt running executions", zap.Error(err))
	}

	s.logger.Info("mission scheduler starting", zap.Duration("tick", s.tick))
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
	s.logger.Info("mission scheduler stopped")
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

// CheckOnce runs one scheduling pass: settle finished runs, backfill
// schedules, dispatch the first due mission, then give the heartbeat a turn.
func (s *Scheduler) CheckOnce(ctx context.Context) {
	now := time.Now()
	s.followUp(ctx, now)
	s.backfillNextRuns(ctx, now)
	s.dispatchDue(ctx, now)
	if s.heartbeat != nil {
		s.heartbeat.Tick(ctx, now)
	}
}

// adoptRunning re-tracks executions left running by a previous process whose
// sessions are still alive. Dead ones are settled by execution.CloseOrphans
// at boot before the scheduler starts.
func (s *Scheduler) adoptRunning(ctx context.Context) error {
	execs, err := s.execs.RunningExecutions(ctx, execution.KindMission)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, e := range execs {
		if e.SessionID == nil {
			continue
		}
		m, err := s.missions.Get(ctx, e.MissionID)
		if err != nil {
			continue
		}
		deadline := e.StartedAt.Add(missionTimeout(m))
		if deadline.Before(now) {
			deadline = now.Add(time.Minute)
		}
		s.track(e.ID, trackedRun{
			missionID: e.MissionID,
			slug:      e.Slug,
			sessionID: *e.SessionID,
			deadline:  deadline,
		})
		s.logger.Info("adopted running mission execution",
			zap.String("execution_id", e.ID), zap.String("mission", e.Slug))
	}
	return nil
}

// backfillNextRuns schedules recurring missions that have no next_run:
// fresh catalog syncs and missions whose dispatch was interrupted.
func (s *Scheduler) backfillNextRuns(ctx context.Context, now time.Time) {
	missions, err := s.missions.NeedingNextRun(ctx)
	if err != nil {
		s.logger.Error("failed to list missions needing next_run", zap.Error(err))
		return
	}
	for _, m := range missions {
		if s.isTracked(m.ID) {
			continue
		}
		next, ok := NextRun(m, now, s.loc)
		if !ok {
			continue
		}
		if err := s.missions.SetNextRun(ctx, m.ID, next); err != nil {
			s.logger.Error("failed to backfill next_run",
				zap.String("mission", m.Slug), zap.Error(err))
			continue
		}
		s.logger.Info("scheduled mission",
			zap.String("mission", m.Slug), zap.Time("next_run", next))
	}
}

// dispatchDue starts the first due mission not already covered today.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	due, err := s.missions.Due(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due missions", zap.Error(err))
		return
	}
	for _, m := range due {
		if s.ranTodayAlready(m.Slug, now) || s.isTracked(m.ID) {
			continue
		}
		if err := s.execute(ctx, m, now); err != nil {
			s.logger.Error("mission dispatch failed",
				zap.String("mission", m.Slug), zap.Error(err))
		}
		return
	}
}

// execute clears the schedule, opens an execution row and spawns the
// mission's session.
func (s *Scheduler) execute(ctx context.Context, m *Mission, now time.Time) error {
	s.markRanToday(m.Slug, now)

	// next_run goes away first so a crash mid-dispatch cannot double-fire;
	// the backfill pass restores it if the spawn below fails.
	if err := s.missions.ClearNextRun(ctx, m.ID); err != nil {
		return err
	}

	exec, err := s.execs.Start(ctx, m.ID, m.Slug, execution.KindMission)
	if err != nil {
		return err
	}
	ctx, span := telemetry.TraceMissionLaunch(ctx, m.Slug, exec.ID)
	defer span.End()

	mode := m.Mode
	if mode == "" {
		mode = session.ModeMission
	}
	result, err := s.runner.Spawn(ctx, session.SpawnOptions{
		Role:               m.Role,
		Mode:               mode,
		WindowName:         WindowName(m.Slug),
		Task:               missionTask(m),
		MissionExecutionID: exec.ID,
		Description:        m.Name,
	})
	if err != nil {
		_ = s.execs.Finish(ctx, exec.ID, execution.StatusFailed, "", "spawn failed: "+err.Error())
		_ = s.missions.RecordRun(ctx, m.ID, RunFailure, now)
		s.publish(ctx, events.MissionFailed, map[string]interface{}{
			"mission_slug": m.Slug,
			"execution_id": exec.ID,
			"status":       execution.StatusFailed,
			"error":        err.Error(),
		})
		telemetry.RecordResult(span, execution.StatusFailed, err)
		return err
	}

	if err := s.execs.LinkSession(ctx, exec.ID, result.Session.ID); err != nil {
		s.logger.Warn("failed to link mission session", zap.Error(err))
	}
	s.track(exec.ID, trackedRun{
		missionID: m.ID,
		slug:      m.Slug,
		sessionID: result.Session.ID,
		deadline:  now.Add(missionTimeout(m)),
	})

	s.publish(ctx, events.MissionStarted, map[string]interface{}{
		"mission_slug": m.Slug,
		"execution_id": exec.ID,
		"session_id":   result.Session.ID,
	})
	s.logger.Info("mission started",
		zap.String("mission", m.Slug),
		zap.String("execution_id", exec.ID),
		zap.String("session_id", result.Session.ID))
	telemetry.RecordResult(span, "launched", nil)
	return nil
}

// followUp settles tracked executions that have finished, died or timed out.
func (s *Scheduler) followUp(ctx context.Context, now time.Time) {
	for execID, tr := range s.snapshot() {
		e, err := s.execs.Get(ctx, execID)
		if err != nil {
			s.logger.Warn("tracked execution vanished", zap.String("execution_id", execID))
			s.untrack(execID)
			continue
		}

		status := e.Status
		if e.Running() {
			sess, err := s.sessions.Get(ctx, tr.sessionID)
			switch {
			case err == nil && !sess.Active():
				// The agent died without reporting; infer the outcome
				// from how the session ended.
				reason := ""
				if sess.EndReason != nil {
					reason = *sess.EndReason
				}
				status = execution.StatusForEndReason(reason)
				errMsg := ""
				if status != execution.StatusCompleted {
					errMsg = "session ended: " + reason
				}
				_ = s.execs.Finish(ctx, execID, status, "", errMsg)

			case now.After(tr.deadline):
				status = execution.StatusTimeout
				_ = s.execs.Finish(ctx, execID, status, "", "mission timed out")

			default:
				continue // still going
			}
		}

		s.finalize(ctx, execID, tr, status, now)
	}
}

// finalize records the outcome on the mission row, reschedules recurring
// missions and tears the mission window down.
func (s *Scheduler) finalize(ctx context.Context, execID string, tr trackedRun, status string, now time.Time) {
	defer s.untrack(execID)

	runStatus := RunFailure
	if status == execution.StatusCompleted {
		runStatus = RunSuccess
	}
	m, err := s.missions.Get(ctx, tr.missionID)
	if err != nil {
		s.logger.Warn("mission row vanished", zap.String("mission_id", tr.missionID))
	} else {
		if err := s.missions.RecordRun(ctx, m.ID, runStatus, now); err != nil {
			s.logger.Error("failed to record mission run", zap.Error(err))
		}
		if m.Recurring() && m.Enabled {
			if next, ok := NextRun(m, now, s.loc); ok {
				if err := s.missions.SetNextRun(ctx, m.ID, next); err != nil {
					s.logger.Error("failed to reschedule mission", zap.Error(err))
				}
			}
		}
	}

	endReason := session.EndReasonCompleted
	switch status {
	case execution.StatusTimeout:
		endReason = session.EndReasonTimeout
	case execution.StatusFailed, execution.StatusCancelled:
		endReason = session.EndReasonError
	}
	if err := s.runner.EndSession(ctx, tr.sessionID, endReason, true); err != nil {
		s.logger.Warn("failed to end mission session",
			zap.String("session_id", tr.sessionID), zap.Error(err))
	}

	eventType := events.MissionCompleted
	switch status {
	case execution.StatusTimeout:
		eventType = events.MissionTimedOut
	case execution.StatusFailed, execution.StatusCancelled:
		eventType = events.MissionFailed
	}
	s.publish(ctx, eventType, map[string]interface{}{
		"mission_slug": tr.slug,
		"execution_id": execID,
		"status":       status,
	})
	s.logger.Info("mission finished",
		zap.String("mission", tr.slug),
		zap.String("execution_id", execID),
		zap.String("status", status))
}

// WindowName is the tmux window a mission runs in.
func WindowName(slug string) string {
	if len(slug) > 12 {
		slug = slug[:12]
	}
	return "mission-" + slug
}

// missionTask builds the initial task text: the inline prompt when present,
// otherwise a pointer at the prompt file.
func missionTask(m *Mission) string {
	if m.PromptInline != nil && strings.TrimSpace(*m.PromptInline) != "" {
		return strings.TrimSpace(*m.PromptInline)
	}
	if m.PromptFile != nil && *m.PromptFile != "" {
		return fmt.Sprintf("Your mission brief is in %s. Read it and carry it out.", *m.PromptFile)
	}
	if m.Description != "" {
		return m.Description
	}
	return m.Name
}

func missionTimeout(m *Mission) time.Duration {
	if m.TimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(m.TimeoutMinutes) * time.Minute
}

func (s *Scheduler) track(execID string, tr trackedRun) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	s.tracked[execID] = tr
}

func (s *Scheduler) untrack(execID string) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	delete(s.tracked, execID)
}

func (s *Scheduler) isTracked(missionID string) bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	for _, tr := range s.tracked {
		if tr.missionID == missionID {
			return true
		}
	}
	return false
}

func (s *Scheduler) snapshot() map[string]trackedRun {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	out := make(map[string]trackedRun, len(s.tracked))
	for k, v := range s.tracked {
		out[k] = v
	}
	return out
}

// ranTodayAlready consults the in-memory day set, rolling it over at local
// midnight.
func (s *Scheduler) ranTodayAlready(slug string, now time.Time) bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	day := now.In(s.loc).Format("2006-01-02")
	if day != s.ranDay {
		s.ranDay = day
		s.ranToday = make(map[string]bool)
	}
	return s.ranToday[slug]
}

func (s *Scheduler) markRanToday(slug string, now time.Time) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	day := now.In(s.loc).Format("2006-01-02")
	if day != s.ranDay {
		s.ranDay = day
		s.ranToday = make(map[string]bool)
	}
	s.ranToday[slug] = true
}

func (s *Scheduler) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "mission-scheduler", data)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event", eventType), zap.Error(err))
	}
}
