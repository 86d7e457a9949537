package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/playbooklabs/playbook/internal/domain"
)

// TestTemplateRowDecode_FullTemplate verifies every JSONB column and UUID
// array round-trips into the domain type.
func TestTemplateRowDecode_FullTemplate(t *testing.T) {
	agentID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	speakerID := uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
	triggerID := uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

	row := templateRow{
		tpl: domain.WorkflowTemplate{
			ID:          uuid.MustParse("6ba7b814-9dad-11d1-80b4-00c04fd430c8"),
			WorkspaceID: uuid.MustParse("6ba7b815-9dad-11d1-80b4-00c04fd430c8"),
			Name:        "Incident review",
			Enabled:     true,
		},
		prompts:  []byte(`[{"label":"Kick off","prompt":"Summarize the incident."}]`),
		agents:   pq.StringArray{agentID.String()},
		speaker:  uuid.NullUUID{UUID: speakerID, Valid: true},
		policies: []byte(`[{"agent_id":"` + agentID.String() + `","tool_name":"deploy","permission":"deny"},{"tool_name":"search","permission":"allow"}]`),
		seeds:    []byte(`[{"scope":"session","content":"Check the runbook first.","tags":["runbook"]}]`),
		triggers: []byte(`[{"id":"` + triggerID.String() + `","type":"timeline_event","enabled":true,"execution_mode":"auto_run","event_key":"incident.created"}]`),
	}

	tpl, err := row.decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if len(tpl.StarterPrompts) != 1 || tpl.StarterPrompts[0].Prompt != "Summarize the incident." {
		t.Errorf("starter prompts = %+v", tpl.StarterPrompts)
	}
	if len(tpl.AgentIDs) != 1 || tpl.AgentIDs[0] != agentID {
		t.Errorf("agent ids = %v", tpl.AgentIDs)
	}
	if tpl.DefaultSpeakerAgentID == nil || *tpl.DefaultSpeakerAgentID != speakerID {
		t.Errorf("default speaker = %v", tpl.DefaultSpeakerAgentID)
	}
	if len(tpl.PolicyDefaults) != 2 {
		t.Fatalf("expected 2 policy defaults, got %d", len(tpl.PolicyDefaults))
	}
	if tpl.PolicyDefaults[0].AgentID == nil || *tpl.PolicyDefaults[0].AgentID != agentID {
		t.Errorf("policy agent = %v", tpl.PolicyDefaults[0].AgentID)
	}
	if tpl.PolicyDefaults[1].AgentID != nil {
		t.Errorf("agentless policy should keep nil agent, got %v", tpl.PolicyDefaults[1].AgentID)
	}
	if tpl.PolicyDefaults[1].Permission != domain.PolicyPermissionAllow {
		t.Errorf("policy permission = %q", tpl.PolicyDefaults[1].Permission)
	}
	if len(tpl.MemorySeeds) != 1 || tpl.MemorySeeds[0].Scope != domain.MemoryScopeSession {
		t.Errorf("memory seeds = %+v", tpl.MemorySeeds)
	}
	if len(tpl.Triggers) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(tpl.Triggers))
	}
	trig := tpl.Triggers[0]
	if trig.ID != triggerID || trig.Type != domain.TriggerTypeTimelineEvent ||
		trig.ExecutionMode != domain.ExecutionModeAutoRun || trig.EventKey != "incident.created" {
		t.Errorf("trigger = %+v", trig)
	}
}

// TestTemplateRowDecode_BadTriggerID verifies a malformed trigger UUID
// fails the decode instead of producing a half-built template.
func TestTemplateRowDecode_BadTriggerID(t *testing.T) {
	row := templateRow{
		prompts:  []byte(`[]`),
		policies: []byte(`[]`),
		seeds:    []byte(`[]`),
		triggers: []byte(`[{"id":"not-a-uuid","type":"webhook","enabled":true,"execution_mode":"notify"}]`),
	}

	if _, err := row.decode(); err == nil {
		t.Error("expected error for malformed trigger id")
	}
}

func TestTemplateRowDecode_BadAgentID(t *testing.T) {
	row := templateRow{
		prompts:  []byte(`[]`),
		agents:   pq.StringArray{"not-a-uuid"},
		policies: []byte(`[]`),
		seeds:    []byte(`[]`),
		triggers: []byte(`[]`),
	}

	if _, err := row.decode(); err == nil {
		t.Error("expected error for malformed agent id")
	}
}

func TestRunRowDecode(t *testing.T) {
	threadID := uuid.MustParse("6ba7b816-9dad-11d1-80b4-00c04fd430c8")
	row := runRow{
		run: domain.ScheduleRun{
			ID:           uuid.MustParse("6ba7b817-9dad-11d1-80b4-00c04fd430c8"),
			ScheduledFor: time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
		},
		status:   "started",
		threadID: uuid.NullUUID{UUID: threadID, Valid: true},
		missing:  pq.StringArray{"slack"},
		metadata: []byte(`{"origin":"scheduler"}`),
	}

	run, err := row.decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if run.Status != domain.RunStatusStarted {
		t.Errorf("status = %q", run.Status)
	}
	if run.RunThreadID == nil || *run.RunThreadID != threadID {
		t.Errorf("thread id = %v", run.RunThreadID)
	}
	if len(run.MissingConnectors) != 1 || run.MissingConnectors[0] != "slack" {
		t.Errorf("missing connectors = %v", run.MissingConnectors)
	}
	if run.Metadata["origin"] != "scheduler" {
		t.Errorf("metadata = %v", run.Metadata)
	}
}

// TestRunRowDecode_NullThread verifies a pending row keeps its nil thread
// pointer and nil metadata rather than decoding into empty placeholders.
func TestRunRowDecode_NullThread(t *testing.T) {
	row := runRow{status: "pending", metadata: []byte(`{}`)}

	run, err := row.decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if run.RunThreadID != nil {
		t.Errorf("expected nil thread id, got %v", run.RunThreadID)
	}
	if run.Metadata != nil {
		t.Errorf("expected nil metadata for empty object, got %v", run.Metadata)
	}
}

func TestRunRowDecode_BadMetadata(t *testing.T) {
	row := runRow{status: "pending", metadata: []byte(`[1,2]`)}

	if _, err := row.decode(); err == nil {
		t.Error("expected error for non-object metadata")
	}
}

func TestEventRowDecode(t *testing.T) {
	sourceID := uuid.MustParse("6ba7b818-9dad-11d1-80b4-00c04fd430c8")
	row := eventRow{
		event: domain.ActivityEvent{
			ID:        uuid.MustParse("6ba7b819-9dad-11d1-80b4-00c04fd430c8"),
			DedupeKey: "webhook:delivery:42",
		},
		typ:     "automation.trigger.matched",
		source:  uuid.NullUUID{UUID: sourceID, Valid: true},
		payload: []byte(`{"template_id":"abc"}`),
	}

	event, err := row.decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if event.EventType != domain.EventTypeTriggerMatched {
		t.Errorf("event type = %q", event.EventType)
	}
	if event.SourceAgentID == nil || *event.SourceAgentID != sourceID {
		t.Errorf("source agent = %v", event.SourceAgentID)
	}
	if event.TargetAgentID != nil {
		t.Errorf("expected nil target agent, got %v", event.TargetAgentID)
	}
	if event.Payload["template_id"] != "abc" {
		t.Errorf("payload = %v", event.Payload)
	}
}

// TestMetadataJSON_EmptyBecomesObject verifies empty maps encode as '{}':
// jsonb concatenation corrupts the column if 'null' ever lands there.
func TestMetadataJSON_EmptyBecomesObject(t *testing.T) {
	data, err := metadataJSON(nil)
	if err != nil {
		t.Fatalf("metadataJSON failed: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("metadataJSON(nil) = %q, want {}", data)
	}

	data, err = payloadJSON(nil)
	if err != nil {
		t.Fatalf("payloadJSON failed: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("payloadJSON(nil) = %q, want {}", data)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if isUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("connection refused")) {
		t.Error("plain error is not a unique violation")
	}
	if isUniqueViolation(nil) {
		t.Error("nil is not a unique violation")
	}
}
