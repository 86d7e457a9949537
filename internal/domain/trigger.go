package domain

import "github.com/google/uuid"

type TriggerType string

const (
	TriggerTypeTimelineEvent  TriggerType = "timeline_event"
	TriggerTypeConnectorEvent TriggerType = "connector_event"
	TriggerTypeWebhook        TriggerType = "webhook"
)

// Valid reports whether t is one of the known trigger types.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTypeTimelineEvent, TriggerTypeConnectorEvent, TriggerTypeWebhook:
		return true
	default:
		return false
	}
}

type ExecutionMode string

const (
	// ExecutionModeNotify records a match notification and stops.
	ExecutionModeNotify ExecutionMode = "notify"
	// ExecutionModeAutoRun launches the template when the trigger matches.
	// Honored only for timeline_event triggers; connector and webhook
	// triggers are demoted to notify regardless of configuration.
	ExecutionModeAutoRun ExecutionMode = "auto_run"
)

func (m ExecutionMode) Valid() bool {
	switch m {
	case ExecutionModeNotify, ExecutionModeAutoRun:
		return true
	default:
		return false
	}
}

// TriggerDefinition describes one event condition that can launch (or flag)
// a template. EventKey matches case-insensitively against the normalized
// signal keys derived from an event; SourceKey and MatchText narrow further.
type TriggerDefinition struct {
	ID      uuid.UUID
	Type    TriggerType
	Enabled bool

	ExecutionMode ExecutionMode

	EventKey  string
	SourceKey string
	MatchText string
}

// MatchCandidate is one trigger that matched an event, annotated with the
// template it belongs to and whether the engine may launch it automatically.
type MatchCandidate struct {
	TemplateID   uuid.UUID
	TemplateName string
	WorkspaceID  uuid.UUID

	TriggerID   uuid.UUID
	TriggerType TriggerType
	Mode        ExecutionMode

	AutoRunEligible bool

	// DedupeKey makes the match notification idempotent:
	// "<sourceEventID>:trigger:<templateID>:<triggerID>".
	DedupeKey string
}
