package agentsdk

import (
	"encoding/json"
	"strings"
)

// Event is one parsed NDJSON line from the agent CLI running with
// --output-format stream-json.
type Event struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// ContentBlock mirrors the agent's message content block types.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// parsedMessage is the message field of assistant and user events.
type parsedMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// stdinUserMessage is the JSON format the CLI expects on stdin with
// --input-format stream-json.
type stdinUserMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Message   stdinMessageInner `json:"message"`
}

type stdinMessageInner struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// flattenContent renders a tool_result content field as plain text. The CLI
// emits either a bare string or an array of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
