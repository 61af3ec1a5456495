package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PromptBuilder assembles the initial prompt an agent receives right after
// its window comes up. The prompt stacks the role persona, the mode
// addendum, a runtime context block, the optional situation blocks
// (description, workspace, target project, handoff, tracked execution) and
// finally the task text.
type PromptBuilder struct {
	rolesDir    string
	missionsDir string
	loc         *time.Location
}

// NewPromptBuilder creates a builder reading role files from rolesDir and
// mission personas from missionsDir, rendering times in the user's zone.
func NewPromptBuilder(rolesDir, missionsDir string, loc *time.Location) *PromptBuilder {
	if loc == nil {
		loc = time.Local
	}
	return &PromptBuilder{rolesDir: rolesDir, missionsDir: missionsDir, loc: loc}
}

// PromptInput carries everything the builder folds into an initial prompt.
type PromptInput struct {
	Role               string
	Mode               string
	ConversationID     string
	SessionID          string
	UserName           string
	ParentSessionID    string
	Description        string // short free-form note on why this session exists
	WorkspaceDir       string // specialist conversation workspace, when the mode has one
	SpecPath           string // read-only spec on Desktop; empty means a copy lives in the workspace
	TargetDir          string // project directory the session works in, when not the home root
	MissionExecutionID string
	HandoffDocument    string // path to the predecessor's handoff notes
	Task               string // duty or mission specific prompt text
	Now                time.Time
}

// Build renders the initial prompt. Role and mode files are best-effort: a
// missing role.md degrades to a one-line persona rather than failing the
// spawn.
func (b *PromptBuilder) Build(input PromptInput) string {
	var parts []string

	parts = append(parts, b.persona(input))

	if input.Mode != "" && input.Mode != ModeNormal {
		if addendum := b.readRoleFile(input.Role, input.Mode+".md"); addendum != "" {
			parts = append(parts, addendum)
		}
	}

	parts = append(parts, b.contextBlock(input))

	if desc := strings.TrimSpace(input.Description); desc != "" {
		parts = append(parts, "## Description\n"+desc)
	}
	if input.WorkspaceDir != "" {
		parts = append(parts, b.workspaceBlock(input))
	}
	if input.TargetDir != "" {
		parts = append(parts, fmt.Sprintf(
			"## Target Project\nYou are working inside %s. Keep your changes within that project.",
			input.TargetDir))
	}
	if input.HandoffDocument != "" {
		parts = append(parts, fmt.Sprintf(
			"## Handoff\nYou are continuing conversation %s from a previous session. Read the handoff notes at %s before doing anything else.",
			input.ConversationID, input.HandoffDocument))
	}
	if block := b.executionBlock(input); block != "" {
		parts = append(parts, block)
	}

	if task := strings.TrimSpace(input.Task); task != "" {
		parts = append(parts, task)
	}

	return strings.Join(parts, "\n\n")
}

// persona picks the opening voice. A mission whose role slug has its own
// mission file uses that file in place of role.md.
func (b *PromptBuilder) persona(input PromptInput) string {
	if input.Mode == ModeMission {
		if mission := b.readFile(filepath.Join(b.missionsDir, input.Role+".md")); mission != "" {
			return mission
		}
	}
	if role := b.readRoleFile(input.Role, "role.md"); role != "" {
		return role
	}
	return fmt.Sprintf("You are the %s agent.", input.Role)
}

// contextBlock renders the runtime facts every agent gets.
func (b *PromptBuilder) contextBlock(input PromptInput) string {
	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.In(b.loc)

	var sb strings.Builder
	sb.WriteString("## Session Context\n")
	fmt.Fprintf(&sb, "- Current time: %s\n", now.Format("Mon, Jan 2 2006 15:04 MST"))
	fmt.Fprintf(&sb, "- Conversation: %s\n", input.ConversationID)
	fmt.Fprintf(&sb, "- Session: %s\n", input.SessionID)
	fmt.Fprintf(&sb, "- Mode: %s", input.Mode)
	if input.UserName != "" {
		fmt.Fprintf(&sb, "\n- User: %s", input.UserName)
	}
	return sb.String()
}

// workspaceBlock points a specialist at its conversation workspace and at
// the spec it is working from.
func (b *PromptBuilder) workspaceBlock(input PromptInput) string {
	var sb strings.Builder
	sb.WriteString("## Workspace\n")
	fmt.Fprintf(&sb, "Your workspace for conversation %s is %s. Keep plan.md and progress.md there current.",
		input.ConversationID, input.WorkspaceDir)
	if input.SpecPath != "" {
		fmt.Fprintf(&sb, "\nThe spec at %s is read-only on Desktop; do not edit it.", input.SpecPath)
	} else {
		fmt.Fprintf(&sb, "\nYour working copy of the spec is %s.", filepath.Join(input.WorkspaceDir, "spec.md"))
	}
	return sb.String()
}

// executionBlock tells a tracked session how to close out its execution
// row before it exits. Without this the schedulers only learn the outcome
// when the window dies.
func (b *PromptBuilder) executionBlock(input PromptInput) string {
	if input.MissionExecutionID == "" {
		return ""
	}
	tool := "mission_complete"
	if input.Mode == ModeDuty {
		tool = "duty_complete"
	}
	return fmt.Sprintf(
		"## Completion\nThis run is tracked as execution %s. Before exiting, call %s, then /exit.",
		input.MissionExecutionID, tool)
}

// readRoleFile returns the trimmed contents of .claude/roles/<role>/<name>,
// or "" when absent.
func (b *PromptBuilder) readRoleFile(role, name string) string {
	return b.readFile(filepath.Join(b.rolesDir, role, name))
}

func (b *PromptBuilder) readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
