package trigger

import (
	"testing"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/domain"
)

var (
	testWorkspaceID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	testTemplateID  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testTriggerID   = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	testEventID     = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func testEvent(eventType, toolName, summary string, payload map[string]any) domain.ActivityEvent {
	return domain.ActivityEvent{
		ID:          testEventID,
		ThreadID:    uuid.MustParse("44444444-4444-4444-4444-444444444444"),
		WorkspaceID: testWorkspaceID,
		EventType:   domain.EventType(eventType),
		ToolName:    toolName,
		Summary:     summary,
		Payload:     payload,
	}
}

func testTemplate(triggers ...domain.TriggerDefinition) domain.WorkflowTemplate {
	return domain.WorkflowTemplate{
		ID:          testTemplateID,
		WorkspaceID: testWorkspaceID,
		Name:        "Bug triage",
		Enabled:     true,
		Triggers:    triggers,
	}
}

func timelineTrigger(eventKey, sourceKey, matchText string, mode domain.ExecutionMode) domain.TriggerDefinition {
	return domain.TriggerDefinition{
		ID:            testTriggerID,
		Type:          domain.TriggerTypeTimelineEvent,
		Enabled:       true,
		ExecutionMode: mode,
		EventKey:      eventKey,
		SourceKey:     sourceKey,
		MatchText:     matchText,
	}
}

func TestCollectMatches_TimelineEventKey(t *testing.T) {
	event := testEvent("message.posted", "", "a new bug report", nil)
	templates := []domain.WorkflowTemplate{
		testTemplate(timelineTrigger("Message.Posted", "", "", domain.ExecutionModeNotify)),
	}

	matches := CollectMatches(event, templates)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	got := matches[0]
	if got.TemplateID != testTemplateID {
		t.Fatalf("expected template %s, got %s", testTemplateID, got.TemplateID)
	}
	if got.TriggerID != testTriggerID {
		t.Fatalf("expected trigger %s, got %s", testTriggerID, got.TriggerID)
	}
	if got.AutoRunEligible {
		t.Fatal("expected notify match to be auto-run ineligible")
	}
}

func TestCollectMatches_TimelineSourceKey(t *testing.T) {
	event := testEvent("tool.completed", "search_code", "done", nil)
	match := CollectMatches(event, []domain.WorkflowTemplate{
		testTemplate(timelineTrigger("tool.completed", "search_code", "", domain.ExecutionModeNotify)),
	})
	if len(match) != 1 {
		t.Fatalf("expected source key to match, got %d matches", len(match))
	}

	miss := CollectMatches(event, []domain.WorkflowTemplate{
		testTemplate(timelineTrigger("tool.completed", "run_tests", "", domain.ExecutionModeNotify)),
	})
	if len(miss) != 0 {
		t.Fatalf("expected source key mismatch, got %d matches", len(miss))
	}
}

func TestCollectMatches_MatchText(t *testing.T) {
	event := testEvent("message.posted", "", "Deploy failed on staging", map[string]any{"region": "eu-west-1"})

	cases := []struct {
		name      string
		matchText string
		want      int
	}{
		{"summary substring", "deploy FAILED", 1},
		{"payload substring", "eu-west-1", 1},
		{"absent text", "production", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CollectMatches(event, []domain.WorkflowTemplate{
				testTemplate(timelineTrigger("message.posted", "", tc.matchText, domain.ExecutionModeNotify)),
			})
			if len(got) != tc.want {
				t.Fatalf("expected %d matches, got %d", tc.want, len(got))
			}
		})
	}
}

func TestCollectMatches_GuardrailMatchedType(t *testing.T) {
	event := testEvent(string(domain.EventTypeTriggerMatched), "", "trigger matched", nil)
	matches := CollectMatches(event, []domain.WorkflowTemplate{
		testTemplate(timelineTrigger(string(domain.EventTypeTriggerMatched), "", "", domain.ExecutionModeAutoRun)),
	})
	if len(matches) != 0 {
		t.Fatalf("expected match notification to be excluded, got %d matches", len(matches))
	}
}

func TestCollectMatches_GuardrailInternalTool(t *testing.T) {
	event := testEvent("automation.run.started", "automation:scheduler", "run started", nil)
	matches := CollectMatches(event, []domain.WorkflowTemplate{
		testTemplate(timelineTrigger("automation.run.started", "", "", domain.ExecutionModeAutoRun)),
	})
	if len(matches) != 0 {
		t.Fatalf("expected internal tool event to be excluded, got %d matches", len(matches))
	}
}

func TestCollectMatches_DisabledSkipped(t *testing.T) {
	event := testEvent("message.posted", "", "hello", nil)

	disabledTrigger := timelineTrigger("message.posted", "", "", domain.ExecutionModeNotify)
	disabledTrigger.Enabled = false
	if got := CollectMatches(event, []domain.WorkflowTemplate{testTemplate(disabledTrigger)}); len(got) != 0 {
		t.Fatalf("expected disabled trigger to be skipped, got %d matches", len(got))
	}

	disabledTemplate := testTemplate(timelineTrigger("message.posted", "", "", domain.ExecutionModeNotify))
	disabledTemplate.Enabled = false
	if got := CollectMatches(event, []domain.WorkflowTemplate{disabledTemplate}); len(got) != 0 {
		t.Fatalf("expected disabled template to be skipped, got %d matches", len(got))
	}
}

func TestCollectMatches_WorkspaceIsolation(t *testing.T) {
	event := testEvent("message.posted", "", "hello", nil)
	foreign := testTemplate(timelineTrigger("message.posted", "", "", domain.ExecutionModeNotify))
	foreign.WorkspaceID = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")

	if got := CollectMatches(event, []domain.WorkflowTemplate{foreign}); len(got) != 0 {
		t.Fatalf("expected foreign workspace template to be skipped, got %d matches", len(got))
	}
}

func connectorTrigger(eventKey, sourceKey string, mode domain.ExecutionMode) domain.TriggerDefinition {
	return domain.TriggerDefinition{
		ID:            testTriggerID,
		Type:          domain.TriggerTypeConnectorEvent,
		Enabled:       true,
		ExecutionMode: mode,
		EventKey:      eventKey,
		SourceKey:     sourceKey,
	}
}

func TestCollectMatches_ConnectorFromPayload(t *testing.T) {
	event := testEvent("tool.completed", "", "issue opened", map[string]any{
		"connector_key": "GitHub",
		"action":        "issue_opened",
	})
	matches := CollectMatches(event, []domain.WorkflowTemplate{
		testTemplate(connectorTrigger("issue_opened", "github", domain.ExecutionModeNotify)),
	})
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}

func TestCollectMatches_ConnectorFromToolName(t *testing.T) {
	event := testEvent("tool.completed", "github:issue_opened", "issue opened", nil)

	byAction := CollectMatches(event, []domain.WorkflowTemplate{
		testTemplate(connectorTrigger("issue_opened", "github", domain.ExecutionModeNotify)),
	})
	if len(byAction) != 1 {
		t.Fatalf("expected action key match, got %d", len(byAction))
	}

	byComposite := CollectMatches(event, []domain.WorkflowTemplate{
		testTemplate(connectorTrigger("tool.completed:issue_opened", "", domain.ExecutionModeNotify)),
	})
	if len(byComposite) != 1 {
		t.Fatalf("expected composite key match, got %d", len(byComposite))
	}
}

func TestCollectMatches_ConnectorRequiresIdentifier(t *testing.T) {
	event := testEvent("tool.completed", "plain_tool", "done", nil)
	matches := CollectMatches(event, []domain.WorkflowTemplate{
		testTemplate(connectorTrigger("tool.completed", "", domain.ExecutionModeNotify)),
	})
	if len(matches) != 0 {
		t.Fatalf("expected no connector signal without identifier, got %d matches", len(matches))
	}
}

func webhookTrigger(eventKey, sourceKey string) domain.TriggerDefinition {
	return domain.TriggerDefinition{
		ID:            testTriggerID,
		Type:          domain.TriggerTypeWebhook,
		Enabled:       true,
		ExecutionMode: domain.ExecutionModeNotify,
		EventKey:      eventKey,
		SourceKey:     sourceKey,
	}
}

func TestCollectMatches_WebhookHint(t *testing.T) {
	hinted := testEvent("external.received", "stripe_webhook", "payment", map[string]any{"event_key": "invoice.paid"})
	matches := CollectMatches(hinted, []domain.WorkflowTemplate{
		testTemplate(webhookTrigger("invoice.paid", "webhook")),
	})
	if len(matches) != 1 {
		t.Fatalf("expected hinted webhook to match, got %d", len(matches))
	}

	unhinted := testEvent("external.received", "stripe_tool", "payment", map[string]any{"event_key": "invoice.paid"})
	matches = CollectMatches(unhinted, []domain.WorkflowTemplate{
		testTemplate(webhookTrigger("invoice.paid", "")),
	})
	if len(matches) != 0 {
		t.Fatalf("expected unhinted event to be skipped, got %d", len(matches))
	}
}

func TestCollectMatches_WebhookPayloadFields(t *testing.T) {
	event := testEvent("external.received", "", "delivery", map[string]any{
		"webhook_event":  "push",
		"webhook_source": "ci",
	})
	matches := CollectMatches(event, []domain.WorkflowTemplate{
		testTemplate(webhookTrigger("push", "ci")),
	})
	if len(matches) != 1 {
		t.Fatalf("expected payload-hinted webhook to match, got %d", len(matches))
	}
}

func TestCollectMatches_AutoRunEligibility(t *testing.T) {
	timeline := testEvent("message.posted", "", "go", nil)
	matches := CollectMatches(timeline, []domain.WorkflowTemplate{
		testTemplate(timelineTrigger("message.posted", "", "", domain.ExecutionModeAutoRun)),
	})
	if len(matches) != 1 || !matches[0].AutoRunEligible {
		t.Fatal("expected timeline auto_run trigger to be eligible")
	}

	connector := testEvent("tool.completed", "github:issue_opened", "go", nil)
	matches = CollectMatches(connector, []domain.WorkflowTemplate{
		testTemplate(connectorTrigger("issue_opened", "", domain.ExecutionModeAutoRun)),
	})
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].AutoRunEligible {
		t.Fatal("expected connector auto_run to be downgraded to notify")
	}
	if matches[0].Mode != domain.ExecutionModeAutoRun {
		t.Fatal("expected configured mode to be preserved on the candidate")
	}
}

func TestCollectMatches_DedupeKey(t *testing.T) {
	event := testEvent("message.posted", "", "go", nil)
	matches := CollectMatches(event, []domain.WorkflowTemplate{
		testTemplate(timelineTrigger("message.posted", "", "", domain.ExecutionModeNotify)),
	})
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	want := "22222222-2222-2222-2222-222222222222:trigger:11111111-1111-1111-1111-111111111111:33333333-3333-3333-3333-333333333333"
	if matches[0].DedupeKey != want {
		t.Fatalf("expected dedupe key %q, got %q", want, matches[0].DedupeKey)
	}
}

func TestCollectMatches_MultipleTriggers(t *testing.T) {
	second := timelineTrigger("message.posted", "", "", domain.ExecutionModeNotify)
	second.ID = uuid.MustParse("55555555-5555-5555-5555-555555555555")
	tpl := testTemplate(
		timelineTrigger("message.posted", "", "", domain.ExecutionModeNotify),
		second,
	)

	event := testEvent("message.posted", "", "go", nil)
	matches := CollectMatches(event, []domain.WorkflowTemplate{tpl})
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].DedupeKey == matches[1].DedupeKey {
		t.Fatal("expected distinct dedupe keys per trigger")
	}
}
