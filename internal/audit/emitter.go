// Package audit writes idempotent activity events for every automation
// state change. Events carry dedupe keys so crash/retry cycles and
// re-delivered webhooks never produce duplicate records, and each
// workspace gets a deterministic audit thread that collects them.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/domain"
)

// Tool names stamped on engine-emitted events. All of them carry the
// internal prefix, which keeps them out of trigger evaluation.
const (
	ToolScheduler = domain.InternalToolPrefix + "scheduler"
	ToolTrigger   = domain.InternalToolPrefix + "trigger"
	ToolRun       = domain.InternalToolPrefix + "run"
	ToolSweeper   = domain.InternalToolPrefix + "sweeper"
	ToolLaunch    = domain.InternalToolPrefix + "launch"
)

// auditThreadTitle names the per-workspace audit thread.
const auditThreadTitle = "Automation activity"

// auditThreadNamespace seeds the deterministic audit thread IDs. Never
// change this value: every workspace's audit thread ID derives from it.
var auditThreadNamespace = uuid.MustParse("1c9f9a0e-5c7d-4b7a-9a49-3f0d37a4c1de")

// ThreadID returns the audit thread ID for a workspace. The ID is a
// name-based UUID of the workspace ID, so every component that needs the
// audit thread derives the same ID without coordination.
func ThreadID(workspaceID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(auditThreadNamespace, workspaceID[:])
}

// Log appends activity events. The boolean reports whether the event was
// newly inserted; a dedupe hit returns the previously stored event with
// inserted=false.
type Log interface {
	AppendEvent(ctx context.Context, event domain.ActivityEvent) (domain.ActivityEvent, bool, error)
}

// Threads creates thread rows when they do not already exist.
type Threads interface {
	EnsureThread(ctx context.Context, thread domain.Thread) error
}

// Emitter fills in event defaults and routes events to the right thread.
type Emitter struct {
	log     Log
	threads Threads
	clock   func() time.Time
}

func NewEmitter(log Log, threads Threads) *Emitter {
	return &Emitter{
		log:     log,
		threads: threads,
		clock:   time.Now,
	}
}

// Emit appends one event, assigning an ID and occurrence time when the
// caller left them zero. It returns the stored event and whether this
// call inserted it.
func (e *Emitter) Emit(ctx context.Context, event domain.ActivityEvent) (domain.ActivityEvent, bool, error) {
	if event.ThreadID == uuid.Nil {
		return domain.ActivityEvent{}, false, fmt.Errorf("emit event: thread id is required")
	}
	if event.WorkspaceID == uuid.Nil {
		return domain.ActivityEvent{}, false, fmt.Errorf("emit event: workspace id is required")
	}
	if event.EventType == "" {
		return domain.ActivityEvent{}, false, fmt.Errorf("emit event: event type is required")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock().UTC()
	}

	stored, inserted, err := e.log.AppendEvent(ctx, event)
	if err != nil {
		return domain.ActivityEvent{}, false, fmt.Errorf("append event: %w", err)
	}
	return stored, inserted, nil
}

// EnsureAuditThread creates the workspace audit thread if missing and
// returns its ID.
func (e *Emitter) EnsureAuditThread(ctx context.Context, workspaceID uuid.UUID) (uuid.UUID, error) {
	if workspaceID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("ensure audit thread: workspace id is required")
	}
	threadID := ThreadID(workspaceID)
	now := e.clock().UTC()
	thread := domain.Thread{
		ID:          threadID,
		WorkspaceID: workspaceID,
		Title:       auditThreadTitle,
		Metadata: map[string]any{
			"system":  true,
			"purpose": "automation-audit",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.threads.EnsureThread(ctx, thread); err != nil {
		return uuid.Nil, fmt.Errorf("ensure audit thread: %w", err)
	}
	return threadID, nil
}

// EmitToAuditThread appends one event to the workspace audit thread,
// creating the thread first when needed.
func (e *Emitter) EmitToAuditThread(ctx context.Context, workspaceID uuid.UUID, event domain.ActivityEvent) (domain.ActivityEvent, bool, error) {
	threadID, err := e.EnsureAuditThread(ctx, workspaceID)
	if err != nil {
		return domain.ActivityEvent{}, false, err
	}
	event.ThreadID = threadID
	event.WorkspaceID = workspaceID
	return e.Emit(ctx, event)
}

// EmitRunRecords writes the started/initialized pair inside a freshly
// launched thread. Keys are scoped to the thread, so a stale retry that
// creates a new thread writes a fresh pair.
func (e *Emitter) EmitRunRecords(ctx context.Context, thread domain.Thread, templateID uuid.UUID, templateName, origin string, appliedPolicies, seededMemories int) error {
	started := domain.ActivityEvent{
		ThreadID:    thread.ID,
		WorkspaceID: thread.WorkspaceID,
		EventType:   domain.EventTypeRunStarted,
		ToolName:    ToolRun,
		Summary:     fmt.Sprintf("workflow run started for template %q", templateName),
		Payload: map[string]any{
			"template_id": templateID.String(),
			"origin":      origin,
		},
		DedupeKey: RunRecordKey(thread.ID, "run-started"),
	}
	if _, _, err := e.Emit(ctx, started); err != nil {
		return fmt.Errorf("emit run started: %w", err)
	}

	initialized := domain.ActivityEvent{
		ThreadID:    thread.ID,
		WorkspaceID: thread.WorkspaceID,
		EventType:   domain.EventTypeRunInitialized,
		ToolName:    ToolRun,
		Summary:     fmt.Sprintf("initialized with %d policies and %d memory seeds", appliedPolicies, seededMemories),
		Payload: map[string]any{
			"template_id":           templateID.String(),
			"origin":                origin,
			"applied_policies":      appliedPolicies,
			"seeded_memory_entries": seededMemories,
		},
		DedupeKey: RunRecordKey(thread.ID, "run-initialized"),
	}
	if _, _, err := e.Emit(ctx, initialized); err != nil {
		return fmt.Errorf("emit run initialized: %w", err)
	}
	return nil
}
