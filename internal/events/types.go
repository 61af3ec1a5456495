// Package events provides event types and utilities for the chiefd event system.
package events

// Event types for interactive agent sessions
const (
	SessionSpawned = "session.spawned"
	SessionEnded   = "session.ended"
	SessionReset   = "session.reset"
	SessionHandoff = "session.handoff"
	SessionStatus  = "session.status_changed"
)

// Event types for duties
const (
	DutyStarted   = "duty.started"
	DutyCompleted = "duty.completed"
	DutyFailed    = "duty.failed"
	DutyTimedOut  = "duty.timed_out"
)

// Event types for missions
const (
	MissionStarted   = "mission.started"
	MissionCompleted = "mission.completed"
	MissionFailed    = "mission.failed"
	MissionTimedOut  = "mission.timed_out"
)

// Event types for the chief heartbeat
const (
	HeartbeatWake       = "heartbeat.wake"
	HeartbeatSuppressed = "heartbeat.suppressed"
)

// Event types for background workers
const (
	WorkerQueued        = "worker.queued"
	WorkerStarted       = "worker.started"
	WorkerOutputUpdated = "worker.output_updated"
	WorkerCompleted     = "worker.completed"
	WorkerFailed        = "worker.failed"
	WorkerNeedsInput    = "worker.needs_input"
	WorkerTerminated    = "worker.terminated"
)

// Event types for conversation notifications
const (
	NotificationDelivered = "notification.delivered"
	NotificationSkipped   = "notification.skipped"
)

// Event types for daily priorities
const (
	PriorityCreated   = "priority.created"
	PriorityCompleted = "priority.completed"
	PriorityDeleted   = "priority.deleted"
)

// Event types for conversation transcript streams
const (
	StreamTranscript = "stream.transcript" // Base subject for per-conversation transcript events
	StreamActivity   = "stream.activity"   // Pane/window level activity signals
)

// Event types for outbound email
const (
	EmailQueued    = "email.queued"
	EmailSent      = "email.sent"
	EmailDeferred  = "email.deferred"
	EmailCancelled = "email.cancelled"
)

// BuildStreamSubject creates a transcript stream subject for a specific conversation
func BuildStreamSubject(conversationID string) string {
	return StreamTranscript + "." + conversationID
}

// BuildStreamWildcardSubject creates a wildcard subscription for all transcript stream events
func BuildStreamWildcardSubject() string {
	return StreamTranscript + ".*"
}

// BuildWorkerOutputSubject creates an output subject for a specific worker
func BuildWorkerOutputSubject(workerID string) string {
	return WorkerOutputUpdated + "." + workerID
}

// BuildWorkerOutputWildcardSubject creates a wildcard subscription for all worker output events
func BuildWorkerOutputWildcardSubject() string {
	return WorkerOutputUpdated + ".*"
}
