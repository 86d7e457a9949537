package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	// RunStatusPending marks a claimed occurrence not yet executed.
	RunStatusPending RunStatus = "pending"
	RunStatusStarted RunStatus = "started"
	RunStatusBlocked RunStatus = "blocked"
	RunStatusError   RunStatus = "error"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusStarted, RunStatusBlocked, RunStatusError:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the attempt. A pending row may
// still be retried once it goes stale.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusStarted, RunStatusBlocked, RunStatusError:
		return true
	case RunStatusPending:
		return false
	default:
		return false
	}
}

// ScheduleRun records one execution attempt of a template occurrence.
// At most one row exists per (TemplateID, ScheduledFor); inserting that row
// is the claim that grants the right to execute the occurrence.
type ScheduleRun struct {
	ID          uuid.UUID
	TemplateID  uuid.UUID
	WorkspaceID uuid.UUID

	ScheduledFor time.Time
	Status       RunStatus

	RunThreadID       *uuid.UUID
	MissingConnectors []string
	ErrorMessage      string

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}
