// Package tmux drives the terminal multiplexer hosting every interactive
// agent window. All engine components talk to tmux through the Driver so
// window naming, targeting and input injection stay consistent.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
)

const (
	// enterDelay separates pasting literal text from pressing Enter so the
	// agent's input box registers the paste before submission.
	enterDelay = 300 * time.Millisecond

	// DefaultCaptureLines is how much pane scrollback capture returns when
	// the caller does not say otherwise.
	DefaultCaptureLines = 200
)

// Runner executes multiplexer commands. Production uses ExecRunner; tests
// substitute a recording fake.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner shells out to the tmux binary.
type ExecRunner struct {
	Binary string
}

// Run executes one tmux subcommand and returns trimmed stdout.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// Driver wraps a root tmux session and exposes the window operations the
// session manager and schedulers need.
type Driver struct {
	runner     Runner
	session    string
	logger     *logger.Logger
	enterDelay time.Duration
}

// NewDriver builds a Driver shelling out to the configured tmux binary.
func NewDriver(cfg config.TmuxConfig, log *logger.Logger) *Driver {
	return NewDriverWithRunner(&ExecRunner{Binary: cfg.Binary}, cfg.Session, log)
}

// NewDriverWithRunner builds a Driver on an explicit Runner. Tests use this
// to observe and script tmux interactions.
func NewDriverWithRunner(runner Runner, session string, log *logger.Logger) *Driver {
	return &Driver{
		runner:     runner,
		session:    session,
		logger:     log.WithFields(zap.String("component", "tmux")),
		enterDelay: enterDelay,
	}
}

// Session returns the root session name the driver operates on.
func (d *Driver) Session() string { return d.session }

// SetEnterDelay overrides the paste-to-Enter delay. Tests set it to zero.
func (d *Driver) SetEnterDelay(delay time.Duration) { d.enterDelay = delay }

// target renders the session:window target tmux commands address.
func (d *Driver) target(window string) string {
	return d.session + ":" + window
}

// isTransient reports whether an error looks like a momentary tmux server
// hiccup worth one retry (server not yet started, socket races).
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "lost server") ||
		strings.Contains(msg, "server exited unexpectedly")
}

// run executes a tmux command, retrying once on a transient server failure.
func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	out, err := d.runner.Run(ctx, args...)
	if err != nil && isTransient(err) {
		d.logger.Warn("Transient tmux failure, retrying once",
			zap.String("command", args[0]),
			zap.Error(err))
		time.Sleep(200 * time.Millisecond)
		out, err = d.runner.Run(ctx, args...)
	}
	return out, err
}

// SessionExists reports whether the root session is alive.
func (d *Driver) SessionExists(ctx context.Context) bool {
	_, err := d.runner.Run(ctx, "has-session", "-t", d.session)
	return err == nil
}

// EnsureSession creates the detached root session when missing. The first
// window is a plain shell so killing agent windows never kills the session.
func (d *Driver) EnsureSession(ctx context.Context, startDir string) error {
	if d.SessionExists(ctx) {
		return nil
	}
	args := []string{"new-session", "-d", "-s", d.session, "-n", "main"}
	if startDir != "" {
		args = append(args, "-c", startDir)
	}
	if _, err := d.run(ctx, args...); err != nil {
		// A concurrent creator winning the race is fine.
		if strings.Contains(err.Error(), "duplicate session") {
			return nil
		}
		return fmt.Errorf("create session %s: %w", d.session, err)
	}
	d.logger.Info("Created tmux session", zap.String("session", d.session))
	return nil
}

// ListWindows returns the window names in the root session.
func (d *Driver) ListWindows(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "list-windows", "-t", d.session, "-F", "#{window_name}")
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// WindowExists reports whether a window with the given name exists.
func (d *Driver) WindowExists(ctx context.Context, name string) bool {
	windows, err := d.ListWindows(ctx)
	if err != nil {
		return false
	}
	for _, w := range windows {
		if w == name {
			return true
		}
	}
	return false
}

// CreateWindow creates a named window without focusing it. The -d flag is
// load-bearing: the engine creates windows while the user may be typing in
// another one, and stealing focus mid-keystroke is never acceptable.
func (d *Driver) CreateWindow(ctx context.Context, name, workDir string, env map[string]string) error {
	args := []string{"new-window", "-d", "-t", d.session, "-n", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	for _, kv := range sortedEnv(env) {
		args = append(args, "-e", kv)
	}
	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("create window %s: %w", name, err)
	}
	d.logger.Info("Created tmux window",
		zap.String("window", name),
		zap.String("workdir", workDir))
	return nil
}

// KillWindow removes a window. Missing windows are not an error.
func (d *Driver) KillWindow(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "kill-window", "-t", d.target(name)); err != nil {
		if strings.Contains(err.Error(), "can't find window") ||
			strings.Contains(err.Error(), "window not found") {
			return nil
		}
		return fmt.Errorf("kill window %s: %w", name, err)
	}
	d.logger.Info("Killed tmux window", zap.String("window", name))
	return nil
}

// RenameWindow renames an existing window.
func (d *Driver) RenameWindow(ctx context.Context, oldName, newName string) error {
	if _, err := d.run(ctx, "rename-window", "-t", d.target(oldName), newName); err != nil {
		return fmt.Errorf("rename window %s: %w", oldName, err)
	}
	return nil
}

// FocusWindow selects a window in the root session. This is the one driver
// call that intentionally steals focus; it only runs when the user asked to
// look at a session.
func (d *Driver) FocusWindow(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "select-window", "-t", d.target(name)); err != nil {
		return fmt.Errorf("focus window %s: %w", name, err)
	}
	return nil
}

// SendText pastes literal text into a window. Literal mode (-l) stops tmux
// from interpreting the payload as key names, so prompts containing words
// like "Enter" or "Space" arrive intact. When pressEnter is set, Enter
// follows after a short delay so the agent's input box has absorbed the
// paste before submission.
func (d *Driver) SendText(ctx context.Context, window, text string, pressEnter bool) error {
	if _, err := d.run(ctx, "send-keys", "-t", d.target(window), "-l", text); err != nil {
		return fmt.Errorf("send text to %s: %w", window, err)
	}
	if !pressEnter {
		return nil
	}
	if d.enterDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.enterDelay):
		}
	}
	if _, err := d.run(ctx, "send-keys", "-t", d.target(window), "Enter"); err != nil {
		return fmt.Errorf("send enter to %s: %w", window, err)
	}
	return nil
}

// SendKeys sends raw key names (Escape, C-c, Enter) to a window.
func (d *Driver) SendKeys(ctx context.Context, window string, keys ...string) error {
	args := append([]string{"send-keys", "-t", d.target(window)}, keys...)
	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("send keys to %s: %w", window, err)
	}
	return nil
}

// InjectMessage delivers a message to the agent in a window and submits it.
// A non-empty source is prepended as a bracket tag so the agent can tell
// engine wakes, user drops and scheduler warnings apart.
func (d *Driver) InjectMessage(ctx context.Context, window, text, source string) error {
	if source != "" {
		text = fmt.Sprintf("[%s] %s", source, text)
	}
	return d.SendText(ctx, window, text, true)
}

// CapturePane returns the last lines of a window's visible pane plus
// scrollback.
func (d *Driver) CapturePane(ctx context.Context, window string, lines int) (string, error) {
	if lines <= 0 {
		lines = DefaultCaptureLines
	}
	out, err := d.run(ctx, "capture-pane", "-p", "-t", d.target(window), "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("capture pane %s: %w", window, err)
	}
	return out, nil
}

// PaneID returns the unique tmux pane identifier (%N) of a window's active
// pane.
func (d *Driver) PaneID(ctx context.Context, window string) (string, error) {
	out, err := d.run(ctx, "display-message", "-p", "-t", d.target(window), "#{pane_id}")
	if err != nil {
		return "", fmt.Errorf("pane id %s: %w", window, err)
	}
	return strings.TrimSpace(out), nil
}

// PanePID returns the shell PID of a window's active pane.
func (d *Driver) PanePID(ctx context.Context, window string) (int, error) {
	out, err := d.run(ctx, "display-message", "-p", "-t", d.target(window), "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("pane pid %s: %w", window, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("pane pid %s: unexpected output %q", window, out)
	}
	return pid, nil
}

// ChildProcesses returns "pid command" lines for the direct children of a
// pane shell. Used to detect whether the agent process is still alive.
func (d *Driver) ChildProcesses(ctx context.Context, panePID int) ([]string, error) {
	cmd := exec.CommandContext(ctx, "ps", "-o", "pid=,comm=", "--ppid", strconv.Itoa(panePID))
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		// ps exits 1 when no processes match; treat that as "no children".
		return nil, nil
	}
	var procs []string
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			procs = append(procs, line)
		}
	}
	return procs, nil
}

// agentUIMarkers are fragments of the agent's interactive chrome. Seeing one
// in a pane capture means the agent UI is up even if process inspection
// failed.
var agentUIMarkers = []string{
	"? for shortcuts",
	"esc to interrupt",
	"Bypassing Permissions",
	"bypass permissions",
}

// IsAgentRunning reports whether the agent CLI is alive inside a window.
// It checks the pane's child processes first and falls back to scanning the
// visible pane content for the agent's UI chrome.
func (d *Driver) IsAgentRunning(ctx context.Context, window, agentBinary string) bool {
	if pid, err := d.PanePID(ctx, window); err == nil {
		if procs, err := d.ChildProcesses(ctx, pid); err == nil {
			for _, p := range procs {
				if strings.Contains(p, agentBinary) {
					return true
				}
			}
		}
	}
	content, err := d.CapturePane(ctx, window, 50)
	if err != nil {
		return false
	}
	lower := strings.ToLower(content)
	for _, marker := range agentUIMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// WaitForAgentReady polls a freshly created window until the agent UI shows
// up or the timeout passes.
func (d *Driver) WaitForAgentReady(ctx context.Context, window, agentBinary string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if d.IsAgentRunning(ctx, window, agentBinary) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent not ready in window %s after %s", window, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// sortedEnv renders an env map as KEY=VALUE pairs in key order so command
// lines stay deterministic.
func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}
