// Package reactor ingests activity events and reacts to trigger matches
// before the ingestion call returns. Every event the reaction itself
// produces re-enters the same pipeline one level deeper, where the
// matcher's engine-event guardrail stops it from matching again; a depth
// cap bounds the cascade even if that exclusion is ever violated.
// Reaction failures are logged and never fail the original ingestion.
package reactor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/audit"
	"github.com/playbooklabs/playbook/internal/domain"
	"github.com/playbooklabs/playbook/internal/executor"
	"github.com/playbooklabs/playbook/internal/trigger"
)

// maxCascadeDepth bounds recursive evaluation of engine-produced events.
// In practice depth never exceeds 1: everything the reactor emits carries
// an internal tool name and is excluded from matching.
const maxCascadeDepth = 8

// TemplateStore lists the templates whose triggers are evaluated.
type TemplateStore interface {
	ListAllTemplates(ctx context.Context) ([]domain.WorkflowTemplate, error)
}

// Executor launches auto-run matches.
type Executor interface {
	Execute(ctx context.Context, tpl domain.WorkflowTemplate, opts executor.Options) (executor.Result, error)
}

// Auditor appends events and manages the workspace audit thread.
type Auditor interface {
	Emit(ctx context.Context, event domain.ActivityEvent) (domain.ActivityEvent, bool, error)
	EnsureAuditThread(ctx context.Context, workspaceID uuid.UUID) (uuid.UUID, error)
	EmitRunRecords(ctx context.Context, thread domain.Thread, templateID uuid.UUID, templateName, origin string, appliedPolicies, seededMemories int) error
}

// MetricsSink receives ingestion instrumentation.
type MetricsSink interface {
	EventRecorded()
	TriggerMatches(count int)
	RunOutcome(origin, status string)
}

// AnalyticsSink receives per-run outcome counters. Failures are logged
// and ignored.
type AnalyticsSink interface {
	RecordRunOutcome(ctx context.Context, workspaceID, templateID uuid.UUID, status domain.RunStatus) error
}

// Reactor is the single entry point for recording activity events.
type Reactor struct {
	templates TemplateStore
	executor  Executor
	audit     Auditor
	metrics   MetricsSink
	analytics AnalyticsSink
	clock     func() time.Time
}

func New(templates TemplateStore, exec Executor, auditor Auditor) *Reactor {
	return &Reactor{
		templates: templates,
		executor:  exec,
		audit:     auditor,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (r *Reactor) WithMetrics(sink MetricsSink) *Reactor {
	r.metrics = sink
	return r
}

// WithAnalytics attaches a run-outcome analytics sink.
func (r *Reactor) WithAnalytics(sink AnalyticsSink) *Reactor {
	r.analytics = sink
	return r
}

// Record appends one event and evaluates triggers against it inline.
// The returned event is the stored row; on a dedupe replay it is the
// original row and no re-evaluation happens. An error means the event
// was not stored; reaction failures never surface here.
func (r *Reactor) Record(ctx context.Context, event domain.ActivityEvent) (domain.ActivityEvent, error) {
	stored, _, err := r.record(ctx, event, 0)
	return stored, err
}

func (r *Reactor) record(ctx context.Context, event domain.ActivityEvent, depth int) (domain.ActivityEvent, bool, error) {
	stored, inserted, err := r.audit.Emit(ctx, event)
	if err != nil {
		return domain.ActivityEvent{}, false, err
	}
	if !inserted {
		// Replay of an already-stored event: its insertion already ran
		// the evaluation once.
		return stored, false, nil
	}
	if r.metrics != nil {
		r.metrics.EventRecorded()
	}
	if depth >= maxCascadeDepth {
		log.Printf("reactor: cascade depth %d reached, event %s not evaluated", depth, stored.ID)
		return stored, true, nil
	}
	r.evaluate(ctx, stored, depth)
	return stored, true, nil
}

// evaluate computes matches for one stored event and handles each one.
// Nothing in here may fail the ingestion: errors are logged and dropped.
func (r *Reactor) evaluate(ctx context.Context, event domain.ActivityEvent, depth int) {
	templates, err := r.templates.ListAllTemplates(ctx)
	if err != nil {
		log.Printf("reactor: list templates: %v", err)
		return
	}

	candidates := trigger.CollectMatches(event, templates)
	if len(candidates) == 0 {
		return
	}
	if r.metrics != nil {
		r.metrics.TriggerMatches(len(candidates))
	}

	byID := make(map[uuid.UUID]domain.WorkflowTemplate, len(templates))
	for _, tpl := range templates {
		byID[tpl.ID] = tpl
	}
	for _, cand := range candidates {
		r.handleMatch(ctx, event, cand, byID[cand.TemplateID], depth)
	}
}

// handleMatch writes the match notification and, when it was newly
// inserted and the candidate is eligible, launches the auto-run. The
// notification's dedupe key is the idempotency gate: a replayed source
// event finds the notification already present and stops there.
func (r *Reactor) handleMatch(ctx context.Context, source domain.ActivityEvent, cand domain.MatchCandidate, tpl domain.WorkflowTemplate, depth int) {
	threadID, err := r.audit.EnsureAuditThread(ctx, cand.WorkspaceID)
	if err != nil {
		log.Printf("reactor: trigger %s audit thread: %v", cand.TriggerID, err)
		return
	}

	note := domain.ActivityEvent{
		ThreadID:    threadID,
		WorkspaceID: cand.WorkspaceID,
		EventType:   domain.EventTypeTriggerMatched,
		ToolName:    audit.ToolTrigger,
		Summary:     fmt.Sprintf("trigger matched template %q (%s, %s)", cand.TemplateName, cand.TriggerType, cand.Mode),
		Payload: map[string]any{
			"template_id":     cand.TemplateID.String(),
			"trigger_id":      cand.TriggerID.String(),
			"trigger_type":    string(cand.TriggerType),
			"execution_mode":  string(cand.Mode),
			"source_event_id": source.ID.String(),
			"auto_run":        cand.AutoRunEligible,
		},
		DedupeKey: cand.DedupeKey,
	}
	_, inserted, err := r.record(ctx, note, depth+1)
	if err != nil {
		log.Printf("reactor: trigger %s notification failed: %v", cand.TriggerID, err)
		return
	}
	if !inserted {
		return
	}
	if !cand.AutoRunEligible {
		return
	}
	r.autoRun(ctx, source, cand, tpl, threadID, depth)
}

func (r *Reactor) autoRun(ctx context.Context, source domain.ActivityEvent, cand domain.MatchCandidate, tpl domain.WorkflowTemplate, threadID uuid.UUID, depth int) {
	if tpl.ID == uuid.Nil {
		log.Printf("reactor: trigger %s template %s not found, auto-run skipped", cand.TriggerID, cand.TemplateID)
		return
	}

	opts := executor.Options{
		Metadata: map[string]any{
			"origin":          "trigger",
			"trigger_id":      cand.TriggerID.String(),
			"source_event_id": source.ID.String(),
		},
	}
	result, err := r.executor.Execute(ctx, tpl, opts)
	if err != nil {
		log.Printf("reactor: trigger %s auto-run failed: %v", cand.TriggerID, err)
		r.emitRunEvent(ctx, source, cand, threadID, depth, domain.EventTypeTriggerRunFailed, audit.PhaseError,
			fmt.Sprintf("auto-run of template %q failed: %v", cand.TemplateName, err),
			map[string]any{"error": err.Error()})
		r.recordOutcome(ctx, cand, domain.RunStatusError)
		return
	}

	switch result.Status {
	case domain.RunStatusStarted:
		if result.Thread == nil {
			r.emitRunEvent(ctx, source, cand, threadID, depth, domain.EventTypeTriggerRunFailed, audit.PhaseError,
				fmt.Sprintf("auto-run of template %q reported started without a thread", cand.TemplateName),
				map[string]any{"error": "missing thread"})
			r.recordOutcome(ctx, cand, domain.RunStatusError)
			return
		}
		if err := r.audit.EmitRunRecords(ctx, *result.Thread, tpl.ID, tpl.Name, "trigger", result.AppliedPolicies, result.SeededMemoryEntries); err != nil {
			log.Printf("reactor: trigger %s thread records failed: %v", cand.TriggerID, err)
		}
		r.emitRunEvent(ctx, source, cand, threadID, depth, domain.EventTypeTriggerRunStarted, audit.PhaseStarted,
			fmt.Sprintf("auto-run of template %q started in thread %s", cand.TemplateName, result.Thread.ID),
			map[string]any{
				"thread_id":             result.Thread.ID.String(),
				"applied_policies":      result.AppliedPolicies,
				"seeded_memory_entries": result.SeededMemoryEntries,
			})
		r.recordOutcome(ctx, cand, domain.RunStatusStarted)
	case domain.RunStatusBlocked:
		r.emitRunEvent(ctx, source, cand, threadID, depth, domain.EventTypeTriggerRunBlocked, audit.PhaseBlocked,
			fmt.Sprintf("auto-run of template %q blocked on connectors %v", cand.TemplateName, result.MissingConnectors),
			map[string]any{"missing_connectors": result.MissingConnectors})
		r.recordOutcome(ctx, cand, domain.RunStatusBlocked)
	default:
		r.emitRunEvent(ctx, source, cand, threadID, depth, domain.EventTypeTriggerRunFailed, audit.PhaseError,
			fmt.Sprintf("auto-run of template %q reported unexpected status %q", cand.TemplateName, result.Status),
			map[string]any{"error": fmt.Sprintf("unexpected status %q", result.Status)})
		r.recordOutcome(ctx, cand, domain.RunStatusError)
	}
}

func (r *Reactor) emitRunEvent(ctx context.Context, source domain.ActivityEvent, cand domain.MatchCandidate, threadID uuid.UUID, depth int, eventType domain.EventType, phase audit.Phase, summary string, payload map[string]any) {
	payload["template_id"] = cand.TemplateID.String()
	payload["trigger_id"] = cand.TriggerID.String()
	payload["source_event_id"] = source.ID.String()

	event := domain.ActivityEvent{
		ThreadID:    threadID,
		WorkspaceID: cand.WorkspaceID,
		EventType:   eventType,
		ToolName:    audit.ToolTrigger,
		Summary:     summary,
		Payload:     payload,
		DedupeKey:   audit.TriggerRunKey(source.ID, cand.TemplateID, cand.TriggerID, phase),
	}
	if _, _, err := r.record(ctx, event, depth+1); err != nil {
		log.Printf("reactor: trigger %s run event failed: %v", cand.TriggerID, err)
	}
}

func (r *Reactor) recordOutcome(ctx context.Context, cand domain.MatchCandidate, status domain.RunStatus) {
	if r.metrics != nil {
		r.metrics.RunOutcome("trigger", string(status))
	}
	if r.analytics != nil {
		if err := r.analytics.RecordRunOutcome(ctx, cand.WorkspaceID, cand.TemplateID, status); err != nil {
			log.Printf("reactor: template %s analytics record failed: %v", cand.TemplateID, err)
		}
	}
}
