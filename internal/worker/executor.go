// Package worker runs queued background LLM tasks in-process. Each worker is
// one agent CLI invocation: the executor claims eligible rows, renders the
// task prompt, streams the run through per-worker hooks into live_output,
// and finalizes the row from the report the worker submitted through the
// report tool.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chiefd/chiefd/internal/agentsdk"
	"github.com/chiefd/chiefd/internal/catalog"
	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/common/telemetry"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/events/bus"
)

// Common errors
var (
	ErrExecutorAlreadyRunning = errors.New("worker executor is already running")
	ErrExecutorNotRunning     = errors.New("worker executor is not running")
)

// ConversationWaker is the slice of the messaging core the executor needs:
// nudge the conversation that spawned a worker once its result is in.
type ConversationWaker interface {
	WakeConversation(ctx context.Context, conversationID string) error
}

// AgentRunner is one agent CLI invocation. Satisfied by *agentsdk.Client;
// tests substitute a scripted fake.
type AgentRunner interface {
	Run(ctx context.Context, prompt string) (*agentsdk.Result, error)
	SessionID() string
	Interrupt() error
	Close()
}

type runnerFactory func(opts agentsdk.Options) AgentRunner

// Executor claims queued workers and runs them, at most MaxConcurrent at a
// time, each in its own goroutine with its own hooks and metadata.
type Executor struct {
	repo    *Repository
	prompts *catalog.WorkerPrompts
	waker   ConversationWaker
	bus     bus.EventBus
	cfg     *config.Config
	logger  *logger.Logger

	newRunner     runnerFactory
	sem           *semaphore.Weighted
	poll          time.Duration
	kick          chan struct{}
	mcpConfigPath string

	activeMu   sync.Mutex
	active     map[string]AgentRunner
	terminated map[string]bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewExecutor creates the worker executor. waker may be nil.
func NewExecutor(
	repo *Repository,
	prompts *catalog.WorkerPrompts,
	waker ConversationWaker,
	eventBus bus.EventBus,
	cfg *config.Config,
	log *logger.Logger,
) *Executor {
	maxConcurrent := cfg.Worker.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	poll := time.Duration(cfg.Worker.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Executor{
		repo:       repo,
		prompts:    prompts,
		waker:      waker,
		bus:        eventBus,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "worker_executor")),
		newRunner:  func(opts agentsdk.Options) AgentRunner { return agentsdk.New(opts) },
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		poll:       poll,
		kick:       make(chan struct{}, 1),
		active:     make(map[string]AgentRunner),
		terminated: make(map[string]bool),
	}
}

// Start recovers orphans from a previous process and begins the claim loop.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrExecutorAlreadyRunning
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	if err := e.writeAgentMCPConfig(); err != nil {
		e.logger.Warn("failed to write agent MCP config", zap.Error(err))
	}
	if err := e.recoverOrphans(ctx); err != nil {
		e.logger.Warn("orphan worker recovery failed", zap.Error(err))
	}

	e.logger.Info("worker executor starting", zap.Duration("poll", e.poll))
	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop halts claiming and waits for in-flight workers to finish.
func (e *Executor) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrExecutorNotRunning
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("worker executor stopped")
	return nil
}

// IsRunning returns true if the executor loop is active.
func (e *Executor) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Executor) loop(ctx context.Context) {
	defer e.wg.Done()

	e.pollOnce(ctx)

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.kick:
			e.pollOnce(ctx)
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

// pollOnce claims and launches every eligible worker a semaphore slot is
// free for.
func (e *Executor) pollOnce(ctx context.Context) {
	candidates, err := e.repo.Claimable(ctx, time.Now().UTC())
	if err != nil {
		e.logger.Error("failed to list claimable workers", zap.Error(err))
		return
	}
	for _, w := range candidates {
		if !e.sem.TryAcquire(1) {
			return
		}
		ok, err := e.repo.Claim(ctx, w.ID)
		if err != nil {
			e.logger.Error("failed to claim worker", zap.String("worker_id", w.ID), zap.Error(err))
			e.sem.Release(1)
			continue
		}
		if !ok {
			e.sem.Release(1)
			continue
		}
		e.wg.Add(1)
		go e.run(ctx, w)
	}
}

// kickLoop schedules an immediate poll without waiting for the ticker.
func (e *Executor) kickLoop() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Enqueue queues a worker and nudges the claim loop.
func (e *Executor) Enqueue(ctx context.Context, opts EnqueueOptions) (*Worker, error) {
	w, err := e.repo.Enqueue(ctx, opts)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.WorkerQueued, map[string]interface{}{
		"worker_id":       w.ID,
		"short_id":        w.ShortID,
		"task_type":       w.TaskType,
		"conversation_id": w.ConversationID,
	})
	e.kickLoop()
	return w, nil
}

// SubmitReport applies a report tool call to its worker and returns the
// confirmation text handed back to the agent.
func (e *Executor) SubmitReport(ctx context.Context, rep Report) (string, error) {
	if err := rep.Validate(); err != nil {
		return "", err
	}
	w, err := e.repo.Get(ctx, rep.WorkerID)
	if err != nil {
		return "", err
	}
	if err := e.repo.WriteReport(ctx, rep); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	e.logger.Info("worker reported",
		zap.String("worker_id", w.ID),
		zap.String("status", rep.Status))
	return fmt.Sprintf("Report recorded for worker %s with status %s.", w.ShortID, rep.Status), nil
}

// AnswerClarification records the user's answer and requeues the worker for
// a resume turn.
func (e *Executor) AnswerClarification(ctx context.Context, workerID, response string) error {
	if _, err := e.repo.AnswerClarification(ctx, workerID, response); err != nil {
		return err
	}
	e.kickLoop()
	return nil
}

// TerminateTask interrupts and disconnects a running worker. The row is
// left as-is. Returns true iff a live client was found.
func (e *Executor) TerminateTask(id string) bool {
	e.activeMu.Lock()
	client, ok := e.active[id]
	if ok {
		e.terminated[id] = true
		delete(e.active, id)
	}
	e.activeMu.Unlock()
	if !ok {
		return false
	}
	if err := client.Interrupt(); err != nil {
		e.logger.Warn("failed to interrupt worker agent",
			zap.String("worker_id", id), zap.Error(err))
	}
	client.Close()
	e.logger.Info("worker terminated by request", zap.String("worker_id", id))
	return true
}

// run executes one claimed worker end to end.
func (e *Executor) run(ctx context.Context, w Worker) {
	defer e.wg.Done()
	defer e.sem.Release(1)

	log := e.logger.WithFields(
		zap.String("worker_id", w.ID),
		zap.String("task_type", w.TaskType))

	resume := w.Status == StatusClarificationAnswered
	started := time.Now().UTC()

	ctx, span := telemetry.TraceWorkerRun(ctx, w.ID, w.TaskType)
	defer span.End()

	markerPath, err := e.writePIDMarker(w)
	if err != nil {
		log.Warn("failed to write pid marker", zap.Error(err))
	}
	defer e.removePIDMarker(markerPath)

	e.publish(ctx, events.WorkerStarted, map[string]interface{}{
		"worker_id":       w.ID,
		"short_id":        w.ShortID,
		"task_type":       w.TaskType,
		"conversation_id": w.ConversationID,
		"resume":          resume,
	})

	meta := newRunMetadata()
	emitter := newOutputEmitter(e.repo, e.bus, w.ID)

	prompt, opts, err := e.prepareRun(ctx, &w, resume, meta, emitter)
	if err != nil {
		log.Error("worker preparation failed", zap.Error(err))
		if ferr := e.repo.Fail(ctx, w.ID, "Worker failed before the agent ran.", err.Error()); ferr != nil {
			log.Error("failed to record worker failure", zap.Error(ferr))
		}
		e.publishOutcome(ctx, &w, StatusFailed)
		telemetry.RecordResult(span, StatusFailed, err)
		return
	}

	client := e.newRunner(opts)
	e.registerClient(w.ID, client)

	emitter.emit(ctx, "progress", map[string]interface{}{
		"message":   "worker started",
		"task_type": w.TaskType,
		"resume":    resume,
	})

	res, runErr := client.Run(ctx, prompt)
	e.unregisterClient(w.ID)

	if sid := client.SessionID(); sid != "" {
		if err := e.repo.SetAgentSession(ctx, w.ID, sid); err != nil {
			log.Warn("failed to store agent session id", zap.Error(err))
		}
	}
	if res != nil {
		meta.setRunStats(res)
		emitter.emit(ctx, "progress", map[string]interface{}{
			"message":   "run finished",
			"num_turns": res.NumTurns,
			"cost_usd":  res.CostUSD,
		})
	}

	e.finalize(ctx, &w, meta, res, runErr, started, log)

	runStatus := "completed"
	if runErr != nil {
		runStatus = "failed"
	}
	telemetry.RecordResult(span, runStatus, runErr)
}

// prepareRun builds the prompt and agent options for a fresh or resumed run.
func (e *Executor) prepareRun(ctx context.Context, w *Worker, resume bool, meta *runMetadata, emitter *outputEmitter) (string, agentsdk.Options, error) {
	opts := agentsdk.Options{
		Binary:          e.cfg.Agent.Binary,
		WorkDir:         e.cfg.Home.Root,
		Model:           e.cfg.Agent.DefaultModel,
		SkipPermissions: true,
		MCPConfigPath:   e.mcpConfigPath,
		Env: []string{
			"CHIEFD_WORKER_ID=" + w.ID,
			"CHIEFD_CONVERSATION_ID=" + w.ConversationID,
		},
		Hooks: agentsdk.Hooks{
			OnText: func(text string) {
				emitter.emit(ctx, "text", map[string]interface{}{"text": text})
			},
			PreToolUse: func(ts agentsdk.ToolStart) {
				meta.recordToolStart(ts)
				emitter.emit(ctx, "tool_start", map[string]interface{}{
					"tool":        ts.Name,
					"tool_use_id": ts.ID,
					"input":       ts.Input,
				})
			},
			PostToolUse: func(tr agentsdk.ToolResult) {
				meta.recordToolResult(tr)
				emitter.emit(ctx, "tool_result", map[string]interface{}{
					"tool_use_id": tr.ToolUseID,
					"is_error":    tr.IsError,
					"content":     firstChars(tr.Content, 2000),
				})
			},
		},
	}

	if resume {
		if w.AgentSessionID == nil || *w.AgentSessionID == "" {
			return "", opts, fmt.Errorf("worker %s cannot resume without an agent session id", w.ID)
		}
		clar, err := e.repo.LatestAnsweredClarification(ctx, w.ID)
		if err != nil {
			return "", opts, err
		}
		opts.Resume = *w.AgentSessionID
		prompt := fmt.Sprintf(
			"The user answered your clarification request.\n\nQuestion: %s\nAnswer: %s\n\nContinue the task and call report(worker_id=%q, ...) when done.",
			clar.Question, deref(clar.Response), w.ID)
		return prompt, opts, nil
	}

	params := w.ParamValues()
	params["worker_id"] = w.ID
	prompt, err := e.prompts.Render(w.TaskType, params)
	if err != nil {
		return "", opts, fmt.Errorf("render worker prompt: %w", err)
	}
	return prompt, opts, nil
}

// finalize settles the row after the agent stream ends: metadata, the
// did-not-report failure synthesis, outcome events, and the wake of the
// originating conversation.
func (e *Executor) finalize(ctx context.Context, w *Worker, meta *runMetadata, res *agentsdk.Result, runErr error, started time.Time, log *logger.Logger) {
	if e.consumeTerminated(w.ID) {
		// User's call: interrupt leaves the row exactly as the report
		// tool last wrote it.
		e.publish(ctx, events.WorkerTerminated, map[string]interface{}{
			"worker_id":       w.ID,
			"short_id":        w.ShortID,
			"conversation_id": w.ConversationID,
		})
		return
	}

	meta.setDuration(time.Since(started).Seconds())
	if metaJSON, err := meta.json(); err == nil {
		if err := e.repo.SetMetadata(ctx, w.ID, metaJSON); err != nil {
			log.Warn("failed to store worker metadata", zap.Error(err))
		}
	}

	row, err := e.repo.Get(ctx, w.ID)
	if err != nil {
		log.Error("failed to reload worker after run", zap.Error(err))
		return
	}

	if row.Status == StatusAwaitingClarification {
		e.publish(ctx, events.WorkerNeedsInput, map[string]interface{}{
			"worker_id":       row.ID,
			"short_id":        row.ShortID,
			"conversation_id": row.ConversationID,
			"question":        deref(row.ReportSummary),
		})
		log.Info("worker awaiting clarification")
		return
	}

	status := row.Status
	if !row.Reported() {
		lastErr := ""
		if runErr != nil {
			lastErr = runErr.Error()
		} else if res != nil && res.IsError {
			lastErr = res.Text
		}
		if err := e.repo.Fail(ctx, w.ID, "Worker exited without calling report()", lastErr); err != nil {
			log.Error("failed to synthesize worker failure", zap.Error(err))
		}
		status = StatusFailed
	}

	e.publishOutcome(ctx, row, status)

	if status == StatusComplete {
		log.Info("worker completed", zap.Float64("duration_seconds", time.Since(started).Seconds()))
		if e.waker != nil {
			if err := e.waker.WakeConversation(ctx, w.ConversationID); err != nil {
				log.Warn("failed to wake originating conversation", zap.Error(err))
			}
		}
		return
	}
	log.Warn("worker failed", zap.String("status", status), zap.Error(runErr))
}

func (e *Executor) publishOutcome(ctx context.Context, w *Worker, status string) {
	eventType := events.WorkerFailed
	if status == StatusComplete {
		eventType = events.WorkerCompleted
	}
	e.publish(ctx, eventType, map[string]interface{}{
		"worker_id":       w.ID,
		"short_id":        w.ShortID,
		"task_type":       w.TaskType,
		"status":          status,
		"conversation_id": w.ConversationID,
	})
}

func (e *Executor) registerClient(id string, client AgentRunner) {
	e.activeMu.Lock()
	e.active[id] = client
	e.activeMu.Unlock()
}

func (e *Executor) unregisterClient(id string) {
	e.activeMu.Lock()
	delete(e.active, id)
	e.activeMu.Unlock()
}

func (e *Executor) consumeTerminated(id string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	v := e.terminated[id]
	delete(e.terminated, id)
	return v
}

// writeAgentMCPConfig writes the MCP config file handed to worker
// subprocesses so their report tool reaches the engine's tool server. The
// file is engine-owned and rewritten on every start.
func (e *Executor) writeAgentMCPConfig() error {
	if !e.cfg.Agent.McpServerEnabled {
		return nil
	}
	doc := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"worker-tools": map[string]interface{}{
				"type": "sse",
				"url":  e.cfg.Agent.McpServerURL,
			},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(e.cfg.DataDir(), "mcp.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	e.mcpConfigPath = path
	return nil
}

// writePIDMarker records "{pid}:{id}:{iso_ts}" so a later process can tell
// which running workers died with us.
func (e *Executor) writePIDMarker(w Worker) (string, error) {
	dir := e.cfg.PidsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, w.ShortID+".pid")
	content := fmt.Sprintf("%d:%s:%s", os.Getpid(), w.ID, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Executor) removePIDMarker(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to remove pid marker", zap.String("path", path), zap.Error(err))
	}
}

// recoverOrphans fails workers left running by a dead process: any pid
// marker whose process is gone, plus running rows with no marker at all.
func (e *Executor) recoverOrphans(ctx context.Context) error {
	const reason = "Executor restarted while the worker was running."

	seen := make(map[string]bool)
	entries, err := os.ReadDir(e.cfg.PidsDir())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		path := filepath.Join(e.cfg.PidsDir(), entry.Name())
		pid, id, ok := parsePIDMarker(path)
		if !ok {
			_ = os.Remove(path)
			continue
		}
		if pid != os.Getpid() && processAlive(pid) {
			seen[id] = true
			continue
		}
		seen[id] = true
		e.failOrphan(ctx, id, reason)
		_ = os.Remove(path)
	}

	running, err := e.repo.ByStatus(ctx, StatusRunning)
	if err != nil {
		return err
	}
	for _, w := range running {
		if seen[w.ID] {
			continue
		}
		e.failOrphan(ctx, w.ID, reason)
	}
	return nil
}

func (e *Executor) failOrphan(ctx context.Context, id, reason string) {
	w, err := e.repo.Get(ctx, id)
	if err != nil {
		e.logger.Warn("orphan marker for unknown worker", zap.String("worker_id", id), zap.Error(err))
		return
	}
	if w.Terminal() {
		return
	}
	if err := e.repo.Fail(ctx, id, reason, "executor restarted"); err != nil {
		e.logger.Error("failed to fail orphaned worker", zap.String("worker_id", id), zap.Error(err))
		return
	}
	e.logger.Warn("recovered orphaned worker", zap.String("worker_id", id), zap.String("short_id", w.ShortID))
	e.publishOutcome(ctx, w, StatusFailed)
}

func parsePIDMarker(path string) (pid int, workerID string, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", false
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 3)
	if len(parts) < 2 {
		return 0, "", false
	}
	pid, err = strconv.Atoi(parts[0])
	if err != nil || parts[1] == "" {
		return 0, "", false
	}
	return pid, parts[1], true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (e *Executor) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "worker-executor", data)); err != nil {
		e.logger.Warn("failed to publish worker event", zap.String("type", eventType), zap.Error(err))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
