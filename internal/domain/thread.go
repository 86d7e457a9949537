package domain

import (
	"time"

	"github.com/google/uuid"
)

// Thread is the unit of work a template launch creates.
type Thread struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID

	Title    string
	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ThreadPatch carries the fields a thread update may change.
type ThreadPatch struct {
	Title    *string
	Metadata map[string]any
}

// MemoryEntry is a stored memory record. Source carries provenance; entries
// seeded by a template launch use "template:<templateID>".
type MemoryEntry struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	ThreadID    *uuid.UUID

	Scope   MemoryScope
	Content string
	Tags    []string
	Source  string

	CreatedAt time.Time
}

// AccessPolicy is one upserted access rule; the upsert key is
// (WorkspaceID, AgentID, ToolName).
type AccessPolicy struct {
	WorkspaceID uuid.UUID
	AgentID     uuid.UUID

	ToolName   string
	Permission PolicyPermission

	UpdatedAt time.Time
}
