// Package executor launches a workflow run from a template: it gates on
// required connectors, applies policy defaults, creates the run thread
// with a snapshot of the template, and seeds memory entries. Gating is
// all-or-nothing and runs before any write, so a blocked launch leaves
// no partial state behind.
package executor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/domain"
)

// Connectors reports which connector integrations a workspace has
// enabled.
type Connectors interface {
	ListEnabledKeys(ctx context.Context, workspaceID uuid.UUID) ([]string, error)
}

// Policies persists tool access policies.
type Policies interface {
	UpsertPolicy(ctx context.Context, policy domain.AccessPolicy) error
}

// Threads creates and patches conversation threads.
type Threads interface {
	CreateThread(ctx context.Context, thread domain.Thread) (domain.Thread, error)
	UpdateThread(ctx context.Context, threadID uuid.UUID, patch domain.ThreadPatch) (domain.Thread, error)
}

// Memories persists seeded memory entries.
type Memories interface {
	CreateMemory(ctx context.Context, entry domain.MemoryEntry) (domain.MemoryEntry, error)
}

// Options carries per-launch overrides. Metadata entries win over the
// template snapshot on key collisions.
type Options struct {
	Title    string
	Metadata map[string]any
}

// Result reports a launch outcome. Status is started or blocked; errors
// are returned separately.
type Result struct {
	Status              domain.RunStatus
	Thread              *domain.Thread
	AppliedPolicies     int
	SeededMemoryEntries int
	MissingConnectors   []string
}

// Executor runs template launches against injected persistence surfaces.
type Executor struct {
	connectors Connectors
	policies   Policies
	threads    Threads
	memories   Memories
	clock      func() time.Time
}

func New(connectors Connectors, policies Policies, threads Threads, memories Memories) *Executor {
	return &Executor{
		connectors: connectors,
		policies:   policies,
		threads:    threads,
		memories:   memories,
		clock:      time.Now,
	}
}

// Execute launches one run of the template. A blocked result reports
// every missing connector; a started result carries the created thread
// and the applied policy / seeded memory counts.
func (e *Executor) Execute(ctx context.Context, tpl domain.WorkflowTemplate, opts Options) (Result, error) {
	missing, err := e.missingConnectors(ctx, tpl)
	if err != nil {
		return Result{}, err
	}
	if len(missing) > 0 {
		return Result{Status: domain.RunStatusBlocked, MissingConnectors: missing}, nil
	}

	now := e.clock().UTC()

	applied, err := e.applyPolicyDefaults(ctx, tpl, now)
	if err != nil {
		return Result{}, err
	}

	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = fmt.Sprintf("%s - %s", tpl.Name, now.Format("2006-01-02"))
	}
	metadata := templateSnapshot(tpl)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	thread, err := e.threads.CreateThread(ctx, domain.Thread{
		ID:          uuid.New(),
		WorkspaceID: tpl.WorkspaceID,
		Title:       title,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create thread: %w", err)
	}

	// Thread creation can pass through layers that synthesize their own
	// titles, so re-apply ours after the fact.
	if patched, err := e.threads.UpdateThread(ctx, thread.ID, domain.ThreadPatch{Title: &title}); err != nil {
		log.Printf("executor: reapply thread title failed thread_id=%s err=%v", thread.ID, err)
	} else {
		thread = patched
	}

	seeded, err := e.seedMemories(ctx, tpl, thread.ID, now)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Status:              domain.RunStatusStarted,
		Thread:              &thread,
		AppliedPolicies:     applied,
		SeededMemoryEntries: seeded,
	}, nil
}

// missingConnectors compares the template's required connector keys
// against the workspace's enabled set. Keys are compared lowercased and
// trimmed. The workspace is not consulted when nothing is required.
func (e *Executor) missingConnectors(ctx context.Context, tpl domain.WorkflowTemplate) ([]string, error) {
	if len(tpl.RequiredConnectorKeys) == 0 {
		return nil, nil
	}
	keys, err := e.connectors.ListEnabledKeys(ctx, tpl.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("list enabled connectors: %w", err)
	}
	enabled := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		enabled[normalizeKey(k)] = struct{}{}
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, k := range tpl.RequiredConnectorKeys {
		n := normalizeKey(k)
		if n == "" {
			continue
		}
		if _, ok := enabled[n]; ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		missing = append(missing, n)
	}
	return missing, nil
}

// applyPolicyDefaults upserts the template's tool policies. Entries
// without an agent are informational and never applied.
func (e *Executor) applyPolicyDefaults(ctx context.Context, tpl domain.WorkflowTemplate, now time.Time) (int, error) {
	applied := 0
	for _, pd := range tpl.PolicyDefaults {
		if pd.AgentID == nil {
			continue
		}
		toolName := strings.TrimSpace(pd.ToolName)
		if toolName == "" {
			continue
		}
		policy := domain.AccessPolicy{
			WorkspaceID: tpl.WorkspaceID,
			AgentID:     *pd.AgentID,
			ToolName:    toolName,
			Permission:  pd.Permission,
			UpdatedAt:   now,
		}
		if err := e.policies.UpsertPolicy(ctx, policy); err != nil {
			return 0, fmt.Errorf("apply policy %q: %w", toolName, err)
		}
		applied++
	}
	return applied, nil
}

// seedMemories writes the template's memory seeds. Session-scoped seeds
// bind to the launched thread; workspace-scoped seeds stand alone.
func (e *Executor) seedMemories(ctx context.Context, tpl domain.WorkflowTemplate, threadID uuid.UUID, now time.Time) (int, error) {
	seeded := 0
	for _, seed := range tpl.MemorySeeds {
		if strings.TrimSpace(seed.Content) == "" {
			continue
		}
		entry := domain.MemoryEntry{
			ID:          uuid.New(),
			WorkspaceID: tpl.WorkspaceID,
			Scope:       seed.Scope,
			Content:     seed.Content,
			Tags:        append([]string(nil), seed.Tags...),
			Source:      fmt.Sprintf("template:%s", tpl.ID),
			CreatedAt:   now,
		}
		if seed.Scope == domain.MemoryScopeSession {
			tid := threadID
			entry.ThreadID = &tid
		}
		if _, err := e.memories.CreateMemory(ctx, entry); err != nil {
			return 0, fmt.Errorf("seed memory: %w", err)
		}
		seeded++
	}
	return seeded, nil
}

// templateSnapshot captures the template state a run was launched from.
// The snapshot lands in the thread metadata so later template edits do
// not rewrite the history of past runs.
func templateSnapshot(tpl domain.WorkflowTemplate) map[string]any {
	agents := make([]string, 0, len(tpl.AgentIDs))
	for _, id := range tpl.AgentIDs {
		agents = append(agents, id.String())
	}
	prompts := make([]map[string]any, 0, len(tpl.StarterPrompts))
	for _, p := range tpl.StarterPrompts {
		prompts = append(prompts, map[string]any{"label": p.Label, "prompt": p.Prompt})
	}
	policies := make([]map[string]any, 0, len(tpl.PolicyDefaults))
	for _, pd := range tpl.PolicyDefaults {
		entry := map[string]any{"tool_name": pd.ToolName, "permission": string(pd.Permission)}
		if pd.AgentID != nil {
			entry["agent_id"] = pd.AgentID.String()
		}
		policies = append(policies, entry)
	}
	seeds := make([]map[string]any, 0, len(tpl.MemorySeeds))
	for _, seed := range tpl.MemorySeeds {
		seeds = append(seeds, map[string]any{
			"scope":   string(seed.Scope),
			"content": seed.Content,
			"tags":    append([]string(nil), seed.Tags...),
		})
	}
	triggers := make([]map[string]any, 0, len(tpl.Triggers))
	for _, trig := range tpl.Triggers {
		triggers = append(triggers, map[string]any{
			"id":             trig.ID.String(),
			"type":           string(trig.Type),
			"enabled":        trig.Enabled,
			"execution_mode": string(trig.ExecutionMode),
			"event_key":      trig.EventKey,
		})
	}

	snapshot := map[string]any{
		"template_id":         tpl.ID.String(),
		"template_name":       tpl.Name,
		"starter_prompts":     prompts,
		"expected_artifacts":  append([]string(nil), tpl.ExpectedArtifacts...),
		"required_connectors": append([]string(nil), tpl.RequiredConnectorKeys...),
		"agent_ids":           agents,
		"policy_defaults":     policies,
		"memory_seeds":        seeds,
		"schedule": map[string]any{
			"enabled":  tpl.Schedule.Enabled,
			"rrule":    tpl.Schedule.RRule,
			"timezone": tpl.Schedule.EffectiveTimezone(),
		},
		"triggers": triggers,
	}
	if tpl.DefaultSpeakerAgentID != nil {
		snapshot["default_speaker_agent_id"] = tpl.DefaultSpeakerAgentID.String()
	}
	return snapshot
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
