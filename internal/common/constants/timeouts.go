// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// AgentReadyTimeout is the maximum time spawn waits for the agent
	// prompt to appear in a freshly created window.
	AgentReadyTimeout = 30 * time.Second

	// DutyWarningWait is the pause between the 2-minute warning injected
	// into a running Chief and the force-kill that follows it.
	DutyWarningWait = 2 * time.Minute

	// ChiefInterruptTimeout bounds the polite-interrupt phase of a force
	// reset before escalating to /exit and then a pane kill.
	ChiefInterruptTimeout = 5 * time.Second

	// OrphanSessionMaxAge is how stale a session's last_seen_at must be,
	// with its pane already gone, before cleanup ends it.
	OrphanSessionMaxAge = 2 * time.Hour

	// HandoffSettleWait separates ending the predecessor session from
	// spawning its successor so the window name frees up.
	HandoffSettleWait = 2 * time.Second

	// PromptSettleWait separates the agent-ready signal from the first
	// injected prompt characters so the input box accepts the paste.
	PromptSettleWait = time.Second
)

// Worker executor limits.
const (
	// LiveOutputMaxChars caps a worker's rolling live_output buffer.
	LiveOutputMaxChars = 50000

	// LiveOutputTruncationMarker replaces the dropped head of an
	// overflowing live_output buffer.
	LiveOutputTruncationMarker = "...[truncated]...\n"

	// OutputEventMinInterval throttles worker.output_updated events per worker.
	OutputEventMinInterval = time.Second
)
