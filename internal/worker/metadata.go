package worker

import (
	"encoding/json"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/chiefd/chiefd/internal/agentsdk"
)

const (
	maxRecordedOutputs = 50
	outputExcerptChars = 160
)

// runMetadata accumulates tool accounting for one run. Each run owns a
// fresh instance; the hooks close over it.
type runMetadata struct {
	mu           sync.Mutex
	toolsUsed    map[string]int
	filesTouched []string
	outputs      []string
	webSearches  []string
	numTurns     int
	costUSD      float64
	durationSecs float64
}

func newRunMetadata() *runMetadata {
	return &runMetadata{
		toolsUsed:    make(map[string]int),
		filesTouched: []string{},
		outputs:      []string{},
		webSearches:  []string{},
	}
}

func (m *runMetadata) recordToolStart(ts agentsdk.ToolStart) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolsUsed[ts.Name]++

	var input struct {
		FilePath string `json:"file_path"`
		Query    string `json:"query"`
	}
	if len(ts.Input) > 0 {
		_ = json.Unmarshal(ts.Input, &input)
	}
	if input.FilePath != "" && isWritingTool(ts.Name) {
		m.filesTouched = appendUnique(m.filesTouched, input.FilePath)
	}
	if input.Query != "" && strings.Contains(strings.ToLower(ts.Name), "search") {
		m.webSearches = append(m.webSearches, input.Query)
	}
}

func (m *runMetadata) recordToolResult(tr agentsdk.ToolResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr.IsError || tr.Content == "" || len(m.outputs) >= maxRecordedOutputs {
		return
	}
	m.outputs = append(m.outputs, firstChars(firstLine(tr.Content), outputExcerptChars))
}

func (m *runMetadata) setRunStats(res *agentsdk.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numTurns = res.NumTurns
	m.costUSD = res.CostUSD
}

func (m *runMetadata) setDuration(secs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durationSecs = secs
}

func (m *runMetadata) json() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.Marshal(map[string]interface{}{
		"tools_used":       m.toolsUsed,
		"files_touched":    m.filesTouched,
		"outputs":          m.outputs,
		"web_searches":     m.webSearches,
		"num_turns":        m.numTurns,
		"cost_usd":         m.costUSD,
		"duration_seconds": m.durationSecs,
	})
	return string(data), err
}

func isWritingTool(name string) bool {
	switch name {
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return true
	}
	return false
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// firstChars cuts at a rune boundary so excerpts stay valid UTF-8.
func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
