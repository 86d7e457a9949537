package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowTemplate is a reusable launch definition: starter prompts, the
// integrations a run depends on, policy defaults, and memory seeds, plus the
// automation config (schedule, triggers) that decides when it launches.
type WorkflowTemplate struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID

	Name        string
	Description string
	Enabled     bool

	StarterPrompts        []StarterPrompt
	ExpectedArtifacts     []string
	RequiredConnectorKeys []string

	AgentIDs              []uuid.UUID
	DefaultSpeakerAgentID *uuid.UUID

	PolicyDefaults []PolicyDefault
	MemorySeeds    []MemorySeed

	Schedule Schedule
	Triggers []TriggerDefinition

	CreatedAt time.Time
	UpdatedAt time.Time
}

type StarterPrompt struct {
	Label  string
	Prompt string
}

type PolicyPermission string

const (
	PolicyPermissionAllow PolicyPermission = "allow"
	PolicyPermissionDeny  PolicyPermission = "deny"
	PolicyPermissionAsk   PolicyPermission = "ask"
)

// PolicyDefault is a template-level access rule applied when the template
// launches. Entries without an agent are informational and never applied.
type PolicyDefault struct {
	AgentID    *uuid.UUID
	ToolName   string
	Permission PolicyPermission
}

type MemoryScope string

const (
	// MemoryScopeWorkspace seeds are visible workspace-wide.
	MemoryScopeWorkspace MemoryScope = "workspace"
	// MemoryScopeSession seeds are bound to the thread the launch created.
	MemoryScopeSession MemoryScope = "session"
)

type MemorySeed struct {
	Scope   MemoryScope
	Content string
	Tags    []string
}
