package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/constants"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/common/telemetry"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/settings"
	"github.com/chiefd/chiefd/internal/tmux"
)

// PromptDeliverer owns the cadence of typing the bootstrap prompt into a
// fresh agent window. The messaging core implements it; without one the
// manager falls back to a plain paste-and-return.
type PromptDeliverer interface {
	DeliverInitialPrompt(ctx context.Context, windowName, prompt string) error
}

// Manager owns session lifecycle: spawning agents into tmux windows, ending
// them, force-resetting the Chief, and recovering from orphans.
type Manager struct {
	repo      *Repository
	tmux      *tmux.Driver
	cfg       *config.Config
	settings  *settings.Service
	bus       bus.EventBus
	prompts   *PromptBuilder
	logger    *logger.Logger
	loc       *time.Location
	userHome  string
	deliverer PromptDeliverer

	// Timing knobs, overridable in tests.
	interruptDelay   time.Duration
	interruptTimeout time.Duration
	settleWait       time.Duration
	pollInterval     time.Duration
}

// NewManager wires a session manager.
func NewManager(repo *Repository, driver *tmux.Driver, cfg *config.Config, sst *settings.Service, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	loc, err := cfg.Home.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve timezone: %w", err)
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		userHome = cfg.Home.Root
	}
	return &Manager{
		repo:             repo,
		tmux:             driver,
		cfg:              cfg,
		settings:         sst,
		bus:              eventBus,
		prompts:          NewPromptBuilder(cfg.RolesDir(), cfg.MissionsDir(), loc),
		logger:           log.WithFields(zap.String("component", "session-manager")),
		loc:              loc,
		userHome:         userHome,
		interruptDelay:   300 * time.Millisecond,
		interruptTimeout: constants.ChiefInterruptTimeout,
		settleWait:       constants.HandoffSettleWait,
		pollInterval:     500 * time.Millisecond,
	}, nil
}

// Repository exposes the underlying repository for read paths (gateway,
// stream service).
func (m *Manager) Repository() *Repository { return m.repo }

// SetPromptDeliverer routes initial-prompt delivery through the messaging
// core. Call before Start; the manager is not spawning yet at wiring time.
func (m *Manager) SetPromptDeliverer(d PromptDeliverer) { m.deliverer = d }

// SpawnOptions describes the session to create.
type SpawnOptions struct {
	Role               string
	Mode               string
	ConversationID     string // empty: "chief" for chief role, generated otherwise
	ParentSessionID    string
	WindowName         string // empty: derived from role/conversation
	WorkingDir         string // empty: home root
	SpecPath           string
	MissionExecutionID string
	Task               string // duty/mission prompt appended to the initial prompt
	HandoffDocument    string
	Description        string
	Model              string // empty: per-role setting, then config default
	SkipInitialPrompt  bool
}

// SpawnResult reports what Spawn created.
type SpawnResult struct {
	Session       *Session
	InitialPrompt string
}

// Spawn creates a session row, brings up its tmux window, starts the agent
// and delivers the initial prompt.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	if opts.Role == "" {
		return nil, errors.New("spawn: role is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeNormal
	}

	now := time.Now().In(m.loc)
	conversationID := opts.ConversationID
	if conversationID == "" {
		if opts.Role == RoleChief {
			conversationID = EternalChiefConversation
		} else {
			conversationID = NewConversationID(opts.Role, now)
		}
	}

	ctx, span := telemetry.TraceSessionSpawn(ctx, opts.Role, mode, conversationID)
	defer span.End()

	windowName := opts.WindowName
	if windowName == "" {
		if opts.Role == RoleChief {
			windowName = ChiefWindowName
		} else {
			windowName = sanitizeToken(conversationID)
		}
	}

	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = m.cfg.Home.Root
	}

	workspaceDir := ""
	if SpecialistMode(mode) {
		workspaceDir = filepath.Join(m.cfg.ConversationsDir(), conversationID)
		if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
			m.logger.Warn("Failed to create conversation workspace",
				zap.String("workspace", workspaceDir), zap.Error(err))
		}
	}

	agentUUID := uuid.New().String()
	sess := &Session{
		ID:               uuid.New().String(),
		ConversationID:   conversationID,
		Role:             opts.Role,
		Mode:             mode,
		WindowName:       windowName,
		WorkingDir:       workingDir,
		TranscriptPath:   TranscriptPath(m.userHome, workingDir, agentUUID),
		Description:      opts.Description,
		AgentSessionUUID: agentUUID,
	}
	if opts.ParentSessionID != "" {
		sess.ParentSessionID = &opts.ParentSessionID
	}
	if opts.SpecPath != "" {
		sess.SpecPath = &opts.SpecPath
	}
	if opts.MissionExecutionID != "" {
		sess.MissionExecutionID = &opts.MissionExecutionID
	}

	// The row goes in first: the unique active-conversation index is the
	// lock that stops two spawns racing into one conversation.
	if err := m.repo.Create(ctx, sess); err != nil {
		telemetry.RecordResult(span, "failed", err)
		return nil, err
	}

	windowCreated, err := m.bringUpAgent(ctx, sess, opts)
	if err != nil {
		if endErr := m.repo.End(ctx, sess.ID, EndReasonCrash); endErr != nil {
			m.logger.Warn("Failed to end session after spawn failure",
				zap.String("session_id", sess.ID), zap.Error(endErr))
		}
		// Roll back only windows this spawn created; a busy window that
		// blocked us belongs to someone else.
		if windowCreated {
			_ = m.tmux.KillWindow(ctx, windowName)
		}
		telemetry.RecordResult(span, "failed", err)
		return nil, err
	}

	targetDir := ""
	if opts.WorkingDir != "" && opts.WorkingDir != m.cfg.Home.Root {
		targetDir = workingDir
	}

	initialPrompt := ""
	if !opts.SkipInitialPrompt {
		initialPrompt = m.prompts.Build(PromptInput{
			Role:               sess.Role,
			Mode:               sess.Mode,
			ConversationID:     sess.ConversationID,
			SessionID:          sess.ID,
			UserName:           m.settings.GetString(ctx, settings.KeyUserName, ""),
			ParentSessionID:    opts.ParentSessionID,
			Description:        opts.Description,
			WorkspaceDir:       workspaceDir,
			SpecPath:           opts.SpecPath,
			TargetDir:          targetDir,
			MissionExecutionID: opts.MissionExecutionID,
			HandoffDocument:    opts.HandoffDocument,
			Task:               opts.Task,
			Now:                now,
		})
		var sendErr error
		if m.deliverer != nil {
			sendErr = m.deliverer.DeliverInitialPrompt(ctx, windowName, initialPrompt)
		} else {
			sendErr = m.tmux.SendText(ctx, windowName, initialPrompt, true)
		}
		if sendErr != nil {
			m.logger.Error("Failed to deliver initial prompt",
				zap.String("session_id", sess.ID), zap.Error(sendErr))
		}
	}

	m.publish(ctx, events.SessionSpawned, map[string]interface{}{
		"session_id":      sess.ID,
		"conversation_id": sess.ConversationID,
		"role":            sess.Role,
		"mode":            sess.Mode,
		"window":          sess.WindowName,
	})
	m.logger.Info("Spawned session",
		zap.String("session_id", sess.ID),
		zap.String("conversation_id", sess.ConversationID),
		zap.String("role", sess.Role),
		zap.String("mode", sess.Mode))

	telemetry.RecordResult(span, "ok", nil)
	return &SpawnResult{Session: sess, InitialPrompt: initialPrompt}, nil
}

// bringUpAgent puts an agent into the session's window and waits for its
// prompt. A window already running an agent fails the spawn; a dormant one
// is reused. Returns whether this call created the window, so the caller
// rolls back only its own.
func (m *Manager) bringUpAgent(ctx context.Context, sess *Session, opts SpawnOptions) (bool, error) {
	if err := m.tmux.EnsureSession(ctx, m.cfg.Home.Root); err != nil {
		return false, err
	}

	windowCreated := false
	if m.tmux.WindowExists(ctx, sess.WindowName) {
		if m.tmux.IsAgentRunning(ctx, sess.WindowName, m.cfg.Agent.Binary) {
			return false, fmt.Errorf("window %s already has a live agent", sess.WindowName)
		}
		// A dormant window keeps its shell, so the session env goes in by
		// hand before the agent command.
		m.logger.Info("Reusing dormant window", zap.String("window", sess.WindowName))
		line := fmt.Sprintf("cd %q && %s", sess.WorkingDir, exportLine(m.agentEnv(sess)))
		if err := m.tmux.SendText(ctx, sess.WindowName, line, true); err != nil {
			return false, err
		}
	} else {
		if err := m.tmux.CreateWindow(ctx, sess.WindowName, sess.WorkingDir, m.agentEnv(sess)); err != nil {
			return false, err
		}
		windowCreated = true
	}

	model := opts.Model
	if model == "" {
		model = m.settings.GetString(ctx, settings.ModelKey(sess.Role), m.cfg.Agent.DefaultModel)
	}
	if err := m.tmux.SendText(ctx, sess.WindowName, m.agentCommand(sess.AgentSessionUUID, model), true); err != nil {
		return windowCreated, err
	}

	if err := m.tmux.WaitForAgentReady(ctx, sess.WindowName, m.cfg.Agent.Binary, m.cfg.Agent.ReadyTimeoutDuration()); err != nil {
		return windowCreated, fmt.Errorf("agent failed to start: %w", err)
	}

	if paneID, err := m.tmux.PaneID(ctx, sess.WindowName); err == nil {
		sess.PaneID = paneID
		if err := m.repo.UpdatePane(ctx, sess.ID, paneID); err != nil {
			m.logger.Warn("Failed to record pane id", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	return windowCreated, nil
}

// agentCommand renders the CLI invocation typed into the window. The
// session UUID is generated by us so the transcript path is known before
// the agent starts.
func (m *Manager) agentCommand(agentUUID, model string) string {
	cmd := fmt.Sprintf("%s --dangerously-skip-permissions --session-id %s", m.cfg.Agent.Binary, agentUUID)
	if model != "" {
		cmd += " --model " + model
	}
	return cmd
}

// agentEnv builds the environment exported into the agent's window.
// WORKSPACE points specialists at their conversation workspace; everyone
// else works out of their window's directory and does not get one.
func (m *Manager) agentEnv(sess *Session) map[string]string {
	env := map[string]string{
		"CLAUDE_SESSION_ID":      sess.ID,
		"CLAUDE_SESSION_ROLE":    sess.Role,
		"CLAUDE_SESSION_MODE":    sess.Mode,
		"CLAUDE_CONVERSATION_ID": sess.ConversationID,
		"PROJECT_ROOT":           m.cfg.Home.Root,
	}
	if SpecialistMode(sess.Mode) {
		env["WORKSPACE"] = filepath.Join(m.cfg.ConversationsDir(), sess.ConversationID)
	}
	if sess.ParentSessionID != nil {
		env["CLAUDE_PARENT_SESSION_ID"] = *sess.ParentSessionID
	}
	if sess.SpecPath != nil {
		env["SPEC_PATH"] = *sess.SpecPath
	}
	if sess.MissionExecutionID != nil {
		env["MISSION_EXECUTION_ID"] = *sess.MissionExecutionID
	}
	if m.cfg.Agent.McpServerEnabled {
		env["CHIEFD_MCP_URL"] = m.cfg.Agent.McpServerURL
	}
	return env
}

// exportLine renders env as one shell export, for reusing a dormant window
// whose shell never saw the new-window -e flags.
func exportLine(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, env[k]))
	}
	return "export " + strings.Join(parts, " ")
}

// EndSession closes a session row and optionally tears down its window.
// Ending an already-ended session is a no-op.
func (m *Manager) EndSession(ctx context.Context, id, reason string, killWindow bool) error {
	sess, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Active() {
		if err := m.repo.End(ctx, id, reason); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if killWindow && sess.WindowName != "" {
		if err := m.tmux.KillWindow(ctx, sess.WindowName); err != nil {
			m.logger.Warn("Failed to kill window",
				zap.String("window", sess.WindowName), zap.Error(err))
		}
	}
	m.publish(ctx, events.SessionEnded, map[string]interface{}{
		"session_id":      id,
		"conversation_id": sess.ConversationID,
		"role":            sess.Role,
		"reason":          reason,
	})
	return nil
}

// GetSession returns one session row.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	return m.repo.Get(ctx, id)
}

// GetActiveSessions lists every session that has not ended, oldest first.
func (m *Manager) GetActiveSessions(ctx context.Context) ([]*Session, error) {
	return m.repo.ActiveSessions(ctx)
}

// FindSessionByPane resolves the live session owning a multiplexer pane.
func (m *Manager) FindSessionByPane(ctx context.Context, paneID string) (*Session, error) {
	return m.repo.ByPane(ctx, paneID)
}

// Heartbeat advances a session's last-seen time.
func (m *Manager) Heartbeat(ctx context.Context, id string) error {
	return m.repo.Touch(ctx, id)
}

// SetStatus records the one-line status an agent reported about itself,
// leaving its state machine position alone.
func (m *Manager) SetStatus(ctx context.Context, id, text string) error {
	if err := m.repo.SetStatusText(ctx, id, text); err != nil {
		return err
	}
	m.publish(ctx, events.SessionStatus, map[string]interface{}{
		"session_id":  id,
		"status_text": text,
	})
	return nil
}

// ResetChiefOptions tune a force reset.
type ResetChiefOptions struct {
	Mode               string // mode of the successor; defaults to normal
	Task               string // task text handed to the successor (duty prompt)
	Reason             string // recorded on the reset event
	EndReason          string // recorded on the predecessor rows; defaults to force_reset
	MissionExecutionID string // surfaced in the successor's environment
	HandoffDocument    string // handoff notes folded into the successor's prompt
}

// ResetChief tears down the current Chief and spawns a fresh one with no
// parent linkage: the successor starts with clean context. The teardown
// escalates from interrupt to /exit to an outright kill.
func (m *Manager) ResetChief(ctx context.Context, opts ResetChiefOptions) (*SpawnResult, error) {
	active, err := m.repo.ActiveByConversation(ctx, EternalChiefConversation)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Tear down whatever holds the chief window, tracked or not. Interrupt
	// only when an agent is actually running in it.
	window := ChiefWindowName
	if active != nil && active.WindowName != "" {
		window = active.WindowName
	}
	if m.tmux.WindowExists(ctx, window) {
		if m.tmux.IsAgentRunning(ctx, window, m.cfg.Agent.Binary) {
			m.interruptAgent(ctx, window)
		}
		if err := m.tmux.KillWindow(ctx, window); err != nil {
			m.logger.Warn("Failed to kill chief window", zap.Error(err))
		}
	}

	endReason := opts.EndReason
	if endReason == "" {
		endReason = EndReasonForceReset
	}
	// Every live chief row ends, not just the one we found: crashed
	// predecessors can leave stale live rows that would block the respawn.
	ended, err := m.repo.EndAllInConversation(ctx, EternalChiefConversation, endReason)
	if err != nil {
		return nil, err
	}

	m.publish(ctx, events.SessionReset, map[string]interface{}{
		"conversation_id": EternalChiefConversation,
		"sessions_ended":  ended,
		"reason":          opts.Reason,
	})
	m.logger.Info("Reset chief",
		zap.Int64("sessions_ended", ended),
		zap.String("reason", opts.Reason))

	mode := opts.Mode
	if mode == "" {
		mode = ModeNormal
	}
	return m.Spawn(ctx, SpawnOptions{
		Role:               RoleChief,
		Mode:               mode,
		ConversationID:     EternalChiefConversation,
		Task:               opts.Task,
		MissionExecutionID: opts.MissionExecutionID,
		HandoffDocument:    opts.HandoffDocument,
	})
}

// SpawnChief brings up the Chief, optionally seeded with handoff notes. With
// force it goes through the full reset ladder first; without it a live Chief
// makes the spawn fail on the conversation lock.
func (m *Manager) SpawnChief(ctx context.Context, handoffPath string, force bool) (*SpawnResult, error) {
	if force {
		return m.ResetChief(ctx, ResetChiefOptions{
			Reason:          "forced chief spawn",
			HandoffDocument: handoffPath,
		})
	}
	return m.Spawn(ctx, SpawnOptions{
		Role:            RoleChief,
		Mode:            ModeNormal,
		ConversationID:  EternalChiefConversation,
		HandoffDocument: handoffPath,
	})
}

// interruptAgent walks the polite teardown ladder: Escape twice to stop any
// in-flight generation, /exit to let the agent shut down cleanly, then a
// bounded wait before the caller kills the window.
func (m *Manager) interruptAgent(ctx context.Context, window string) {
	_ = m.tmux.SendKeys(ctx, window, "Escape")
	m.sleep(ctx, m.interruptDelay)
	_ = m.tmux.SendKeys(ctx, window, "Escape")
	m.sleep(ctx, m.interruptDelay)
	_ = m.tmux.SendText(ctx, window, "/exit", true)

	deadline := time.Now().Add(m.interruptTimeout)
	for time.Now().Before(deadline) {
		if !m.tmux.IsAgentRunning(ctx, window, m.cfg.Agent.Binary) {
			return
		}
		m.sleep(ctx, m.pollInterval)
	}
}

// EnsureChief guarantees a live, responsive Chief. Returns the session and
// whether a new one had to be spawned.
func (m *Manager) EnsureChief(ctx context.Context) (*Session, bool, error) {
	active, err := m.repo.ActiveByConversation(ctx, EternalChiefConversation)
	if err == nil {
		if m.tmux.WindowExists(ctx, active.WindowName) &&
			m.tmux.IsAgentRunning(ctx, active.WindowName, m.cfg.Agent.Binary) {
			return active, false, nil
		}
		// Row says alive, window says dead: revive with lineage intact.
		m.logger.Warn("Chief session has no live agent, reviving",
			zap.String("session_id", active.ID))
		if err := m.EndSession(ctx, active.ID, EndReasonCrash, true); err != nil {
			return nil, false, err
		}
		result, err := m.Spawn(ctx, SpawnOptions{
			Role:            RoleChief,
			Mode:            ModeNormal,
			ConversationID:  EternalChiefConversation,
			ParentSessionID: active.ID,
		})
		if err != nil {
			return nil, false, err
		}
		return result.Session, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	// No row at all. An agent still holding the chief window is a leftover
	// from a dead engine run; replace it so the fresh Chief owns the name.
	if m.tmux.WindowExists(ctx, ChiefWindowName) &&
		m.tmux.IsAgentRunning(ctx, ChiefWindowName, m.cfg.Agent.Binary) {
		m.logger.Warn("Untracked chief agent found, replacing it")
		m.interruptAgent(ctx, ChiefWindowName)
		if err := m.tmux.KillWindow(ctx, ChiefWindowName); err != nil {
			return nil, false, err
		}
	}

	result, err := m.Spawn(ctx, SpawnOptions{Role: RoleChief, Mode: ModeNormal})
	if err != nil {
		return nil, false, err
	}
	return result.Session, true, nil
}

// HandoffRequest asks the manager to replace a session with a successor in
// the same conversation.
type HandoffRequest struct {
	SessionID    string
	Reason       string
	DocumentPath string // handoff notes written by the predecessor
}

// Handoff ends a session and spawns its successor with parent linkage. The
// handoff row tracks the transition for the audit trail.
func (m *Manager) Handoff(ctx context.Context, req HandoffRequest) (*Session, error) {
	old, err := m.repo.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !old.Active() {
		return nil, fmt.Errorf("session %s already ended", req.SessionID)
	}

	h := &Handoff{
		SessionID:    old.ID,
		Role:         old.Role,
		Mode:         old.Mode,
		TmuxPane:     old.PaneID,
		DocumentPath: req.DocumentPath,
		Reason:       req.Reason,
	}
	if err := m.repo.CreateHandoff(ctx, h); err != nil {
		return nil, err
	}

	if err := m.EndSession(ctx, old.ID, EndReasonHandoff, true); err != nil {
		_ = m.repo.FailHandoff(ctx, h.ID, err.Error())
		return nil, err
	}

	// Let tmux release the window name before the successor claims it.
	m.sleep(ctx, m.settleWait)

	opts := SpawnOptions{
		Role:            old.Role,
		Mode:            old.Mode,
		ConversationID:  old.ConversationID,
		ParentSessionID: old.ID,
		WindowName:      old.WindowName,
		WorkingDir:      old.WorkingDir,
		HandoffDocument: req.DocumentPath,
		Description:     old.Description,
	}
	if old.SpecPath != nil {
		opts.SpecPath = *old.SpecPath
	}
	if old.MissionExecutionID != nil {
		opts.MissionExecutionID = *old.MissionExecutionID
	}

	result, err := m.Spawn(ctx, opts)
	if err != nil {
		_ = m.repo.FailHandoff(ctx, h.ID, err.Error())
		return nil, fmt.Errorf("handoff spawn failed: %w", err)
	}

	if err := m.repo.CompleteHandoff(ctx, h.ID, result.Session.ID); err != nil {
		m.logger.Warn("Failed to complete handoff record", zap.Error(err))
	}
	m.publish(ctx, events.SessionHandoff, map[string]interface{}{
		"conversation_id": old.ConversationID,
		"old_session_id":  old.ID,
		"new_session_id":  result.Session.ID,
		"reason":          req.Reason,
	})
	return result.Session, nil
}

// SendToConversation injects a message into the live session of a
// conversation.
func (m *Manager) SendToConversation(ctx context.Context, conversationID, message string) error {
	sess, err := m.repo.ActiveByConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !m.tmux.WindowExists(ctx, sess.WindowName) {
		return fmt.Errorf("window %s for conversation %s is gone", sess.WindowName, conversationID)
	}
	if err := m.tmux.SendText(ctx, sess.WindowName, message, true); err != nil {
		return err
	}
	return m.repo.Touch(ctx, sess.ID)
}

// SendMessage injects text into one session's window and submits it.
func (m *Manager) SendMessage(ctx context.Context, id, text string) error {
	sess, err := m.liveSession(ctx, id)
	if err != nil {
		return err
	}
	if err := m.tmux.SendText(ctx, sess.WindowName, text, true); err != nil {
		return err
	}
	return m.repo.Touch(ctx, sess.ID)
}

// SendKeystroke sends a raw key chord (multiplexer key syntax, e.g. "Escape"
// or "C-c") to a session's window without submitting anything.
func (m *Manager) SendKeystroke(ctx context.Context, id, key string) error {
	sess, err := m.liveSession(ctx, id)
	if err != nil {
		return err
	}
	return m.tmux.SendKeys(ctx, sess.WindowName, key)
}

// Focus brings a session's window to the foreground. The only manager call
// allowed to steal focus; it runs when the user asked to look at a session.
func (m *Manager) Focus(ctx context.Context, id string) error {
	sess, err := m.liveSession(ctx, id)
	if err != nil {
		return err
	}
	return m.tmux.FocusWindow(ctx, sess.WindowName)
}

// liveSession loads a session and confirms it can still receive input.
func (m *Manager) liveSession(ctx context.Context, id string) (*Session, error) {
	sess, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, fmt.Errorf("session %s already ended", id)
	}
	if !m.tmux.WindowExists(ctx, sess.WindowName) {
		return nil, fmt.Errorf("window %s for session %s is gone", sess.WindowName, id)
	}
	return sess, nil
}

// SendToChief formats a Chief-directed message by kind and injects it into
// the Chief's window, tagged with who is speaking. Returns whether the
// message landed: callers (heartbeat, duty warnings, the HTTP surface) treat
// an unreachable Chief as a skip, not an error, so failures are logged here
// and collapsed into false.
func (m *Manager) SendToChief(ctx context.Context, kind, message string, extra map[string]string) bool {
	body, source, err := chiefMessage(kind, message, extra)
	if err != nil {
		m.logger.Warn("Rejected chief message", zap.Error(err))
		return false
	}
	sess, err := m.repo.ActiveByConversation(ctx, EternalChiefConversation)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("Failed to look up chief session", zap.Error(err))
		}
		return false
	}
	if !m.tmux.WindowExists(ctx, sess.WindowName) {
		m.logger.Warn("Chief window is gone, dropping message",
			zap.String("window", sess.WindowName), zap.String("kind", kind))
		return false
	}
	if err := m.tmux.InjectMessage(ctx, sess.WindowName, body, source); err != nil {
		m.logger.Warn("Failed to inject chief message",
			zap.String("kind", kind), zap.Error(err))
		return false
	}
	_ = m.repo.Touch(ctx, sess.ID)
	return true
}

// UpdateStatus records the state and status line an agent reported about
// itself.
func (m *Manager) UpdateStatus(ctx context.Context, sessionID, state, statusText string) error {
	if err := m.repo.UpdateStatus(ctx, sessionID, state, statusText); err != nil {
		return err
	}
	m.publish(ctx, events.SessionStatus, map[string]interface{}{
		"session_id":  sessionID,
		"state":       state,
		"status_text": statusText,
	})
	return nil
}

// CleanupOrphans ends sessions whose windows are gone and that have not
// been seen for a while. Returns how many sessions were closed.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-constants.OrphanSessionMaxAge)
	stale, err := m.repo.StaleActive(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sess := range stale {
		if m.tmux.WindowExists(ctx, sess.WindowName) {
			// Window alive: the agent may just be quiet. Leave it.
			continue
		}
		if err := m.EndSession(ctx, sess.ID, EndReasonOrphaned, false); err != nil {
			m.logger.Warn("Failed to end orphaned session",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		closed++
		m.logger.Info("Closed orphaned session",
			zap.String("session_id", sess.ID),
			zap.String("conversation_id", sess.ConversationID),
			zap.Time("last_seen", sess.LastSeenAt))
	}
	return closed, nil
}

// Shutdown ends every live session with the shutdown reason, leaving
// windows alive so in-flight agent work survives an engine restart.
func (m *Manager) Shutdown(ctx context.Context) error {
	active, err := m.repo.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range active {
		if err := m.repo.End(ctx, sess.ID, EndReasonShutdown); err != nil {
			m.logger.Warn("Failed to end session at shutdown",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	return nil
}

// sleep waits, honoring cancellation. Zero delays return immediately.
func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// TranscriptPath predicts where the agent CLI will write its transcript:
// ~/.claude/projects/<munged working dir>/<session uuid>.jsonl. The CLI
// munges the project path by replacing every non-alphanumeric byte with '-'.
func TranscriptPath(userHome, workingDir, agentUUID string) string {
	return filepath.Join(userHome, ".claude", "projects", mungeProjectDir(workingDir), agentUUID+".jsonl")
}

func mungeProjectDir(dir string) string {
	var b strings.Builder
	for _, r := range dir {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
