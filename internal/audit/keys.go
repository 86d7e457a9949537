package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase identifies which step of a run lifecycle an audit event records.
// Phases are embedded in dedupe keys so each step is written at most once
// per (template, occurrence) or per (source event, trigger).
type Phase string

const (
	PhaseCall          Phase = "call"
	PhaseStarted       Phase = "started"
	PhaseBlocked       Phase = "blocked"
	PhaseMissingThread Phase = "missing-thread"
	PhaseError         Phase = "error"
)

// ScheduleKey builds the dedupe key for a schedule-driven run phase.
// The occurrence timestamp is encoded as Unix milliseconds so keys are
// stable across serialization boundaries.
func ScheduleKey(templateID uuid.UUID, scheduledFor time.Time, phase Phase) string {
	return fmt.Sprintf("template:schedule:%s:%d:%s", templateID, scheduledFor.UnixMilli(), phase)
}

// TriggerMatchKey builds the dedupe key for a trigger match notification.
// The source event ID anchors the key so re-delivered events cannot
// produce duplicate notifications.
func TriggerMatchKey(sourceEventID, templateID, triggerID uuid.UUID) string {
	return fmt.Sprintf("%s:trigger:%s:%s", sourceEventID, templateID, triggerID)
}

// TriggerRunKey builds the dedupe key for a trigger-driven run phase.
func TriggerRunKey(sourceEventID, templateID, triggerID uuid.UUID, phase Phase) string {
	return fmt.Sprintf("%s:%s", TriggerMatchKey(sourceEventID, templateID, triggerID), phase)
}

// SweepKey builds the dedupe key for a stale-run abandonment record.
func SweepKey(templateID uuid.UUID, scheduledFor time.Time) string {
	return fmt.Sprintf("template:sweep:%s:%d", templateID, scheduledFor.UnixMilli())
}

// ManualKey builds the dedupe key for a manual launch record. Each manual
// launch creates a fresh thread, so the thread ID keeps keys distinct.
func ManualKey(templateID, threadID uuid.UUID) string {
	return fmt.Sprintf("template:manual:%s:%s", templateID, threadID)
}

// RunRecordKey builds the dedupe key for lifecycle events written inside a
// launched thread. Keys are scoped to the thread so a retried occurrence
// that lands in a new thread writes its own records.
func RunRecordKey(threadID uuid.UUID, suffix string) string {
	return fmt.Sprintf("thread:%s:%s", threadID, suffix)
}
