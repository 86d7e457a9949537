package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies activity-log entries. Engine-emitted types are the
// closed set below; externally recorded events (tool calls, messages,
// connector callbacks) carry their own free-form types.
type EventType string

const (
	// Schedule-path audit events, written to the workspace audit thread.
	EventTypeScheduleClaimed EventType = "automation.schedule.claimed"
	EventTypeScheduleStarted EventType = "automation.schedule.started"
	EventTypeScheduleBlocked EventType = "automation.schedule.blocked"
	EventTypeScheduleFailed  EventType = "automation.schedule.failed"

	// Run lifecycle events, written inside the launched thread.
	EventTypeRunStarted     EventType = "automation.run.started"
	EventTypeRunInitialized EventType = "automation.run.initialized"

	// Trigger-path events. EventTypeTriggerMatched is the matcher's own
	// notification type and is never matched again (loop guard).
	EventTypeTriggerMatched    EventType = "automation.trigger.matched"
	EventTypeTriggerRunStarted EventType = "automation.trigger.run_started"
	EventTypeTriggerRunBlocked EventType = "automation.trigger.run_blocked"
	EventTypeTriggerRunFailed  EventType = "automation.trigger.run_failed"
)

// InternalToolPrefix marks tool names of automation-originated events.
// The trigger matcher rejects any event whose tool name carries this prefix,
// so engine output can never feed back into trigger evaluation.
const InternalToolPrefix = "automation:"

// ActivityEvent is one append-only activity-log entry. DedupeKey, when set,
// is globally unique: appending a second event with the same key is a no-op
// that yields the stored row.
type ActivityEvent struct {
	ID          uuid.UUID
	ThreadID    uuid.UUID
	WorkspaceID uuid.UUID

	EventType EventType

	SourceAgentID *uuid.UUID
	TargetAgentID *uuid.UUID
	ToolName      string
	Summary       string

	Payload map[string]any

	DedupeKey string

	OccurredAt time.Time
	CreatedAt  time.Time
}
