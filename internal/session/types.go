// Package session manages the lifecycle of interactive agent sessions:
// spawning agents into tmux windows, ending them, resetting the Chief,
// handing off context between successive sessions, and cleaning up orphans.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EternalChiefConversation is the conversation the Chief lives in. Chief
// sessions come and go; the conversation never ends.
const EternalChiefConversation = "chief"

// ChiefWindowName is the tmux window every Chief session runs in.
const ChiefWindowName = "chief"

// Roles a session can run as. Chief is the always-on personal agent; the
// rest are specialists missions spawn. RoleWorker marks in-process LLM
// tasks and never gets its own window.
const (
	RoleChief      = "chief"
	RoleBuilder    = "builder"
	RoleDeepWork   = "deep-work"
	RoleProject    = "project"
	RoleIdea       = "idea"
	RoleWriter     = "writer"
	RoleResearcher = "researcher"
	RoleCurator    = "curator"
	RoleWorker     = "worker"
)

// WindowRoles are the roles that run interactively in a tmux window, in
// the order the default role templates ship.
func WindowRoles() []string {
	return []string{
		RoleChief, RoleBuilder, RoleDeepWork, RoleProject,
		RoleIdea, RoleWriter, RoleResearcher, RoleCurator,
	}
}

// Modes describe why a session exists. The last three are the specialist
// project phases; they get a conversation workspace under Desktop.
const (
	ModeNormal         = "normal"  // regular interactive chief
	ModeDuty           = "duty"    // chief executing a scheduled duty
	ModeMission        = "mission" // specialist running a mission
	ModePreparation    = "preparation"
	ModeImplementation = "implementation"
	ModeVerification   = "verification"
)

// SpecialistMode reports whether mode is one of the project phases that
// work out of a conversation workspace.
func SpecialistMode(mode string) bool {
	switch mode {
	case ModePreparation, ModeImplementation, ModeVerification:
		return true
	}
	return false
}

// Session states. Ended is not a state value: a closed session is the row
// with ended_at set.
const (
	StateIdle       = "idle"
	StateActive     = "active"
	StateToolActive = "tool_active"
)

// End reasons recorded when a session row is closed.
const (
	EndReasonExit       = "exit"
	EndReasonHandoff    = "handoff"
	EndReasonForceReset = "force_reset"
	EndReasonDutyReset  = "duty_reset"
	EndReasonOrphaned   = "orphaned"
	EndReasonTimeout    = "timeout"
	EndReasonCrash      = "crash"
	EndReasonError      = "error"
	EndReasonShutdown   = "shutdown"
	EndReasonCompleted  = "completed"
)

// Handoff statuses.
const (
	HandoffExecuting = "executing"
	HandoffCompleted = "completed"
	HandoffFailed    = "failed"
)

// Kinds of Chief-directed message. Wake is engine-initiated; the rest relay
// something the user typed.
const (
	ChiefKindWake = "wake"
	ChiefKindDrop = "drop"
	ChiefKindBug  = "bug"
	ChiefKindIdea = "idea"
	ChiefKindDump = "dump"
	ChiefKindSay  = "say"
)

// ValidChiefKind reports whether kind names a Chief message kind.
func ValidChiefKind(kind string) bool {
	switch kind {
	case ChiefKindWake, ChiefKindDrop, ChiefKindBug, ChiefKindIdea, ChiefKindDump, ChiefKindSay:
		return true
	}
	return false
}

// ErrNotFound is returned when a session lookup misses.
var ErrNotFound = errors.New("session not found")

// ErrConversationBusy is returned when a spawn targets a conversation that
// already has a live session.
var ErrConversationBusy = errors.New("conversation already has an active session")

// Session is one agent process bound to a tmux window. Sessions are mortal;
// the conversation they belong to carries identity across them.
type Session struct {
	ID                 string     `db:"id" json:"id"`
	ConversationID     string     `db:"conversation_id" json:"conversation_id"`
	ParentSessionID    *string    `db:"parent_session_id" json:"parent_session_id,omitempty"`
	Role               string     `db:"role" json:"role"`
	Mode               string     `db:"mode" json:"mode"`
	WindowName         string     `db:"window_name" json:"window_name"`
	PaneID             string     `db:"pane_id" json:"pane_id"`
	WorkingDir         string     `db:"working_dir" json:"working_dir"`
	TranscriptPath     string     `db:"transcript_path" json:"transcript_path"`
	Description        string     `db:"description" json:"description"`
	StatusText         string     `db:"status_text" json:"status_text"`
	State              string     `db:"state" json:"state"`
	AgentSessionUUID   string     `db:"agent_session_uuid" json:"agent_session_uuid"`
	SpecPath           *string    `db:"spec_path" json:"spec_path,omitempty"`
	MissionExecutionID *string    `db:"mission_execution_id" json:"mission_execution_id,omitempty"`
	StartedAt          time.Time  `db:"started_at" json:"started_at"`
	LastSeenAt         time.Time  `db:"last_seen_at" json:"last_seen_at"`
	EndedAt            *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	EndReason          *string    `db:"end_reason" json:"end_reason,omitempty"`
}

// Active reports whether the session row is still open.
func (s *Session) Active() bool { return s.EndedAt == nil }

// Handoff records one session-to-session baton pass inside a conversation.
type Handoff struct {
	ID           string     `db:"id" json:"id"`
	SessionID    string     `db:"session_id" json:"session_id"`
	Role         string     `db:"role" json:"role"`
	Mode         string     `db:"mode" json:"mode"`
	TmuxPane     string     `db:"tmux_pane" json:"tmux_pane"`
	DocumentPath string     `db:"document_path" json:"document_path"`
	Reason       string     `db:"reason" json:"reason"`
	Status       string     `db:"status" json:"status"`
	RequestedAt  time.Time  `db:"requested_at" json:"requested_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	NewSessionID *string    `db:"new_session_id" json:"new_session_id,omitempty"`
	Error        *string    `db:"error" json:"error,omitempty"`
}

// NewConversationID derives a fresh conversation identifier for a non-chief
// role: wall-clock prefix in the user's zone, the role, and a short random
// suffix, e.g. "20260825-0730-researcher-a1b2".
func NewConversationID(role string, now time.Time) string {
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		// Timestamp nanos still give uniqueness within the minute.
		return fmt.Sprintf("%s-%s-%04x", now.Format("20060102-1504"), sanitizeToken(role), now.Nanosecond()&0xffff)
	}
	return fmt.Sprintf("%s-%s-%s", now.Format("20060102-1504"), sanitizeToken(role), hex.EncodeToString(suffix))
}

// sanitizeToken lowercases and strips anything that would break a tmux
// window name or bus subject token.
func sanitizeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '.':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "x"
	}
	return out
}
