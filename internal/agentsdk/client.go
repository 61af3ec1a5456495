// Package agentsdk drives the agent CLI as a subprocess speaking newline-
// delimited JSON over stdio. Each Client owns one process and one run; the
// worker executor creates a fresh Client per invocation (and per resume).
package agentsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// ErrNoResult is returned when the process exits before emitting a result
// event, typically after a crash or an interrupt.
var ErrNoResult = errors.New("agent exited before emitting a result")

// ToolStart describes a tool_use block the agent just issued.
type ToolStart struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult describes the outcome of a tool call flowing back to the agent.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Hooks receive stream milestones as they are parsed. All callbacks are
// invoked from the read loop goroutine; nil hooks are skipped.
type Hooks struct {
	OnText      func(text string)
	PreToolUse  func(ToolStart)
	PostToolUse func(ToolResult)
}

// Options configure one agent run.
type Options struct {
	Binary          string // agent CLI; default "claude"
	WorkDir         string
	Model           string
	Resume          string // agent session id to resume
	MCPConfigPath   string // --mcp-config file pointing at the engine's tool server
	SkipPermissions bool
	Env             []string // extra KEY=VALUE pairs appended to the inherited env
	Hooks           Hooks
}

// Result is the final accounting of one run.
type Result struct {
	SessionID  string
	Text       string
	IsError    bool
	CostUSD    float64
	NumTurns   int
	DurationMS int64
}

// Client runs a single agent invocation.
type Client struct {
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool

	sessionID string
}

// New creates a client. Run may be called once.
func New(opts Options) *Client {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	return &Client{opts: opts}
}

// SessionID returns the agent session id captured from the stream, for
// later resume. Valid once Run has seen the init event.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Run starts the process, sends the prompt and consumes the stream until
// the result event. Blocks until the run finishes or ctx is cancelled.
func (c *Client) Run(ctx context.Context, prompt string) (*Result, error) {
	stdout, err := c.start(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.send(prompt); err != nil {
		c.Close()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	res, err := c.consume(stdout)

	// The CLI idles after a result waiting for the next turn; closing
	// stdin lets it exit.
	c.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) start(ctx context.Context) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, errors.New("client already started")
	}

	args := []string{
		"--output-format", "stream-json",
		"--verbose",
		"--input-format", "stream-json",
	}
	if c.opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	if c.opts.Resume != "" {
		args = append(args, "--resume", c.opts.Resume)
	}
	if c.opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", c.opts.MCPConfigPath)
	}

	cmd := exec.CommandContext(ctx, c.opts.Binary, args...)
	cmd.Dir = c.opts.WorkDir
	cmd.Env = append(os.Environ(), c.opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.opts.Binary, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.started = true
	return stdout, nil
}

// send writes one user message to the process stdin.
func (c *Client) send(prompt string) error {
	c.mu.Lock()
	stdin := c.stdin
	sid := c.opts.Resume
	c.mu.Unlock()
	if stdin == nil {
		return errors.New("process not running")
	}

	msg := stdinUserMessage{
		Type:      "user",
		SessionID: sid,
		Message: stdinMessageInner{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: prompt}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

// consume reads NDJSON events until the result event or EOF, dispatching
// hooks along the way.
func (c *Client) consume(r io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // not ours to police; skip garbage lines
		}

		if ev.SessionID != "" {
			c.mu.Lock()
			c.sessionID = ev.SessionID
			c.mu.Unlock()
		}

		switch ev.Type {
		case "assistant":
			c.dispatchAssistant(ev.Message)
		case "user":
			c.dispatchToolResults(ev.Message)
		case "result":
			return &Result{
				SessionID:  c.SessionID(),
				Text:       ev.Result,
				IsError:    ev.IsError,
				CostUSD:    ev.CostUSD,
				NumTurns:   ev.NumTurns,
				DurationMS: ev.DurationMS,
			}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read agent stream: %w", err)
	}
	return nil, ErrNoResult
}

func (c *Client) dispatchAssistant(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var msg parsedMessage
	if json.Unmarshal(raw, &msg) != nil {
		return
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if c.opts.Hooks.OnText != nil && block.Text != "" {
				c.opts.Hooks.OnText(block.Text)
			}
		case "tool_use":
			if c.opts.Hooks.PreToolUse != nil {
				c.opts.Hooks.PreToolUse(ToolStart{
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				})
			}
		}
	}
}

func (c *Client) dispatchToolResults(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var msg parsedMessage
	if json.Unmarshal(raw, &msg) != nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		if c.opts.Hooks.PostToolUse != nil {
			c.opts.Hooks.PostToolUse(ToolResult{
				ToolUseID: block.ToolUseID,
				Content:   flattenContent(block.Content),
				IsError:   block.IsError,
			})
		}
	}
}

// Interrupt asks the running process to stop gracefully. The interrupted
// run's consume loop then unwinds with ErrNoResult.
func (c *Client) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return errors.New("process not running")
	}
	return c.cmd.Process.Signal(os.Interrupt)
}

// Close shuts the process down: closes stdin so an idle CLI exits, then
// reaps it. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	stdin := c.stdin
	cmd := c.cmd
	c.stdin = nil
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Wait()
	}
}
