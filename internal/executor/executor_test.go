package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/domain"
)

type mockConnectors struct {
	mu    sync.Mutex
	keys  []string
	err   error
	calls int
}

func (c *mockConnectors) ListEnabledKeys(ctx context.Context, workspaceID uuid.UUID) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.keys, nil
}

type mockPolicies struct {
	mu       sync.Mutex
	policies []domain.AccessPolicy
	err      error
}

func (p *mockPolicies) UpsertPolicy(ctx context.Context, policy domain.AccessPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.policies = append(p.policies, policy)
	return nil
}

type mockThreads struct {
	mu            sync.Mutex
	created       []domain.Thread
	patches       []domain.ThreadPatch
	createErr     error
	updateErr     error
	synthesizedAs string
}

func (t *mockThreads) CreateThread(ctx context.Context, thread domain.Thread) (domain.Thread, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.createErr != nil {
		return domain.Thread{}, t.createErr
	}
	if t.synthesizedAs != "" {
		thread.Title = t.synthesizedAs
	}
	t.created = append(t.created, thread)
	return thread, nil
}

func (t *mockThreads) UpdateThread(ctx context.Context, threadID uuid.UUID, patch domain.ThreadPatch) (domain.Thread, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.updateErr != nil {
		return domain.Thread{}, t.updateErr
	}
	t.patches = append(t.patches, patch)
	thread := t.created[len(t.created)-1]
	if patch.Title != nil {
		thread.Title = *patch.Title
	}
	t.created[len(t.created)-1] = thread
	return thread, nil
}

type mockMemories struct {
	mu      sync.Mutex
	entries []domain.MemoryEntry
	err     error
}

func (m *mockMemories) CreateMemory(ctx context.Context, entry domain.MemoryEntry) (domain.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.MemoryEntry{}, m.err
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

var (
	testWorkspaceID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	testTemplateID  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testAgentOne    = uuid.MustParse("55555555-5555-5555-5555-555555555555")
	testAgentTwo    = uuid.MustParse("66666666-6666-6666-6666-666666666666")
)

var testNow = time.Date(2026, 2, 16, 15, 0, 30, 0, time.UTC)

func newExecutor(connectors *mockConnectors, policies *mockPolicies, threads *mockThreads, memories *mockMemories) *Executor {
	exec := New(connectors, policies, threads, memories)
	exec.clock = func() time.Time { return testNow }
	return exec
}

func baseTemplate() domain.WorkflowTemplate {
	return domain.WorkflowTemplate{
		ID:          testTemplateID,
		WorkspaceID: testWorkspaceID,
		Name:        "Weekly digest",
		Enabled:     true,
		AgentIDs:    []uuid.UUID{testAgentOne, testAgentTwo},
	}
}

func TestExecute_BlockedMissingConnectors(t *testing.T) {
	connectors := &mockConnectors{keys: []string{"slack"}}
	policies := &mockPolicies{}
	threads := &mockThreads{}
	memories := &mockMemories{}
	exec := newExecutor(connectors, policies, threads, memories)

	tpl := baseTemplate()
	tpl.RequiredConnectorKeys = []string{"github", "slack"}
	tpl.PolicyDefaults = []domain.PolicyDefault{{AgentID: &testAgentOne, ToolName: "deploy", Permission: domain.PolicyPermissionAllow}}
	tpl.MemorySeeds = []domain.MemorySeed{{Scope: domain.MemoryScopeWorkspace, Content: "context"}}

	result, err := exec.Execute(context.Background(), tpl, Options{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Status != domain.RunStatusBlocked {
		t.Fatalf("expected blocked, got %s", result.Status)
	}
	if len(result.MissingConnectors) != 1 || result.MissingConnectors[0] != "github" {
		t.Fatalf("expected missing [github], got %v", result.MissingConnectors)
	}
	if result.Thread != nil {
		t.Fatal("expected no thread on blocked launch")
	}
	if len(threads.created) != 0 {
		t.Fatalf("expected no thread created, got %d", len(threads.created))
	}
	if len(policies.policies) != 0 {
		t.Fatalf("expected no policies applied, got %d", len(policies.policies))
	}
	if len(memories.entries) != 0 {
		t.Fatalf("expected no memories seeded, got %d", len(memories.entries))
	}
}

func TestExecute_ConnectorKeysNormalized(t *testing.T) {
	connectors := &mockConnectors{keys: []string{" GitHub "}}
	exec := newExecutor(connectors, &mockPolicies{}, &mockThreads{}, &mockMemories{})

	tpl := baseTemplate()
	tpl.RequiredConnectorKeys = []string{"github"}

	result, err := exec.Execute(context.Background(), tpl, Options{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Status != domain.RunStatusStarted {
		t.Fatalf("expected started, got %s with missing %v", result.Status, result.MissingConnectors)
	}
}

func TestExecute_ConnectorListError(t *testing.T) {
	connectors := &mockConnectors{err: errors.New("connection refused")}
	exec := newExecutor(connectors, &mockPolicies{}, &mockThreads{}, &mockMemories{})

	tpl := baseTemplate()
	tpl.RequiredConnectorKeys = []string{"github"}

	if _, err := exec.Execute(context.Background(), tpl, Options{}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestExecute_NoRequiredConnectorsSkipsLookup(t *testing.T) {
	connectors := &mockConnectors{err: errors.New("should not be called")}
	exec := newExecutor(connectors, &mockPolicies{}, &mockThreads{}, &mockMemories{})

	result, err := exec.Execute(context.Background(), baseTemplate(), Options{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Status != domain.RunStatusStarted {
		t.Fatalf("expected started, got %s", result.Status)
	}
	if connectors.calls != 0 {
		t.Fatalf("expected no connector lookup, got %d calls", connectors.calls)
	}
}

func TestExecute_AppliesPoliciesAndSeeds(t *testing.T) {
	policies := &mockPolicies{}
	threads := &mockThreads{}
	memories := &mockMemories{}
	exec := newExecutor(&mockConnectors{}, policies, threads, memories)

	tpl := baseTemplate()
	tpl.PolicyDefaults = []domain.PolicyDefault{
		{AgentID: &testAgentOne, ToolName: "deploy", Permission: domain.PolicyPermissionAsk},
		{ToolName: "search", Permission: domain.PolicyPermissionAllow},
		{AgentID: &testAgentTwo, ToolName: "   ", Permission: domain.PolicyPermissionDeny},
	}
	tpl.MemorySeeds = []domain.MemorySeed{
		{Scope: domain.MemoryScopeSession, Content: "session context", Tags: []string{"digest"}},
		{Scope: domain.MemoryScopeWorkspace, Content: "workspace context"},
		{Scope: domain.MemoryScopeWorkspace, Content: "   "},
	}

	result, err := exec.Execute(context.Background(), tpl, Options{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.AppliedPolicies != 1 {
		t.Fatalf("expected 1 applied policy (agentless and blank-tool entries skipped), got %d", result.AppliedPolicies)
	}
	if len(policies.policies) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(policies.policies))
	}
	if policies.policies[0].AgentID != testAgentOne {
		t.Fatalf("expected explicit agent, got %s", policies.policies[0].AgentID)
	}
	if policies.policies[0].Permission != domain.PolicyPermissionAsk {
		t.Fatalf("expected ask permission, got %s", policies.policies[0].Permission)
	}

	if result.SeededMemoryEntries != 2 {
		t.Fatalf("expected 2 seeded entries, got %d", result.SeededMemoryEntries)
	}
	if len(memories.entries) != 2 {
		t.Fatalf("expected 2 memory rows, got %d", len(memories.entries))
	}
	session := memories.entries[0]
	if session.ThreadID == nil || *session.ThreadID != result.Thread.ID {
		t.Fatal("expected session seed bound to launched thread")
	}
	workspace := memories.entries[1]
	if workspace.ThreadID != nil {
		t.Fatal("expected workspace seed unbound from thread")
	}
	wantSource := "template:" + testTemplateID.String()
	if session.Source != wantSource {
		t.Fatalf("expected source %q, got %q", wantSource, session.Source)
	}
}

func TestExecute_DefaultTitleAndSnapshot(t *testing.T) {
	threads := &mockThreads{}
	exec := newExecutor(&mockConnectors{}, &mockPolicies{}, threads, &mockMemories{})

	tpl := baseTemplate()
	tpl.RequiredConnectorKeys = nil

	result, err := exec.Execute(context.Background(), tpl, Options{
		Metadata: map[string]any{"origin": "scheduler", "template_name": "overridden"},
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	thread := result.Thread
	if thread.Title != "Weekly digest - 2026-02-16" {
		t.Fatalf("expected synthesized title, got %q", thread.Title)
	}
	if thread.Metadata["template_id"] != testTemplateID.String() {
		t.Fatalf("expected template id in snapshot, got %v", thread.Metadata["template_id"])
	}
	if thread.Metadata["origin"] != "scheduler" {
		t.Fatalf("expected caller metadata merged, got %v", thread.Metadata["origin"])
	}
	if thread.Metadata["template_name"] != "overridden" {
		t.Fatalf("expected caller metadata to win, got %v", thread.Metadata["template_name"])
	}
}

func TestExecute_TitleReapplied(t *testing.T) {
	threads := &mockThreads{synthesizedAs: "New conversation"}
	exec := newExecutor(&mockConnectors{}, &mockPolicies{}, threads, &mockMemories{})

	result, err := exec.Execute(context.Background(), baseTemplate(), Options{Title: "Digest run"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(threads.patches) != 1 {
		t.Fatalf("expected 1 title patch, got %d", len(threads.patches))
	}
	if threads.patches[0].Title == nil || *threads.patches[0].Title != "Digest run" {
		t.Fatal("expected title patch to carry the requested title")
	}
	if result.Thread.Title != "Digest run" {
		t.Fatalf("expected re-applied title, got %q", result.Thread.Title)
	}
}

func TestExecute_TitleReapplyFailureTolerated(t *testing.T) {
	threads := &mockThreads{updateErr: errors.New("patch failed")}
	exec := newExecutor(&mockConnectors{}, &mockPolicies{}, threads, &mockMemories{})

	result, err := exec.Execute(context.Background(), baseTemplate(), Options{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Status != domain.RunStatusStarted {
		t.Fatalf("expected started despite patch failure, got %s", result.Status)
	}
}

func TestExecute_WriteFailures(t *testing.T) {
	tpl := baseTemplate()
	tpl.PolicyDefaults = []domain.PolicyDefault{{AgentID: &testAgentOne, ToolName: "deploy", Permission: domain.PolicyPermissionDeny}}
	tpl.MemorySeeds = []domain.MemorySeed{{Scope: domain.MemoryScopeWorkspace, Content: "ctx"}}

	t.Run("policy failure before thread", func(t *testing.T) {
		threads := &mockThreads{}
		exec := newExecutor(&mockConnectors{}, &mockPolicies{err: errors.New("boom")}, threads, &mockMemories{})
		if _, err := exec.Execute(context.Background(), tpl, Options{}); err == nil {
			t.Fatal("expected error, got nil")
		}
		if len(threads.created) != 0 {
			t.Fatal("expected no thread after policy failure")
		}
	})

	t.Run("thread failure", func(t *testing.T) {
		exec := newExecutor(&mockConnectors{}, &mockPolicies{}, &mockThreads{createErr: errors.New("boom")}, &mockMemories{})
		if _, err := exec.Execute(context.Background(), tpl, Options{}); err == nil {
			t.Fatal("expected error, got nil")
		}
	})

	t.Run("memory failure", func(t *testing.T) {
		exec := newExecutor(&mockConnectors{}, &mockPolicies{}, &mockThreads{}, &mockMemories{err: errors.New("boom")})
		if _, err := exec.Execute(context.Background(), tpl, Options{}); err == nil {
			t.Fatal("expected error, got nil")
		}
	})
}
