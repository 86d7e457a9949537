// Package reconciler abandons schedule runs stuck in pending.
//
// A run is stuck when it was claimed but its execution never reached a
// terminal status and no later tick picked it up again (the template was
// deleted, its schedule disabled, or the process died mid-run past the
// stale-retry horizon). The reconciler periodically marks such rows as
// errored so the ledger converges; the audit trail gets one sweep event
// per abandoned occurrence.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/audit"
	"github.com/playbooklabs/playbook/internal/domain"
)

// abandonMessage is written into the run's error message on abandonment.
const abandonMessage = "abandoned by sweeper"

// Store lists stuck pending runs and transitions them to error.
type Store interface {
	ListStalePendingRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleRun, error)

	// AbandonRun moves a pending run to error. It reports false when the
	// run was no longer pending, which means a concurrent stale retry got
	// there first and the row must be left alone.
	AbandonRun(ctx context.Context, runID uuid.UUID, message string, now time.Time) (bool, error)
}

// Auditor writes sweep events to the workspace audit thread.
type Auditor interface {
	EmitToAuditThread(ctx context.Context, workspaceID uuid.UUID, event domain.ActivityEvent) (domain.ActivityEvent, bool, error)
}

// MetricsSink receives sweep instrumentation.
type MetricsSink interface {
	StalePendingRuns(count int)
	RunAbandoned()
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age past which a pending run is considered stuck.
	// Must exceed the ledger's stale-retry threshold, otherwise the
	// sweeper races the scheduler's own retry.
	// Default: 30 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of runs to abandon per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 30 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler abandons stuck pending runs.
type Reconciler struct {
	config  Config
	store   Store
	auditor Auditor
	metrics MetricsSink
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, auditor Auditor) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		auditor: auditor,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one sweep cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	olderThan := now.Add(-r.config.Threshold)

	runs, err := r.store.ListStalePendingRuns(ctx, olderThan, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to list stale runs: %v", err)
		return
	}

	if r.metrics != nil {
		r.metrics.StalePendingRuns(len(runs))
	}
	if len(runs) == 0 {
		// Nothing to do. Silent success.
		return
	}

	log.Printf("reconciler: found %d stale pending runs", len(runs))

	abandoned := 0
	skipped := 0
	failed := 0

	for _, run := range runs {
		// Check context before each abandon to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d runs", abandoned+skipped+failed, len(runs))
			return
		}

		ok, err := r.store.AbandonRun(ctx, run.ID, abandonMessage, now)
		if err != nil {
			log.Printf("reconciler: failed to abandon run=%s template=%s: %v", run.ID, run.TemplateID, err)
			failed++
			continue
		}
		if !ok {
			// Claimed by a concurrent retry between list and abandon.
			skipped++
			continue
		}

		r.emitSweepEvent(ctx, run, now)
		if r.metrics != nil {
			r.metrics.RunAbandoned()
		}

		log.Printf("reconciler: abandoned run=%s template=%s scheduled_for=%s (age=%s)",
			run.ID, run.TemplateID, run.ScheduledFor.Format(time.RFC3339),
			now.Sub(run.UpdatedAt).Round(time.Second))
		abandoned++
	}

	log.Printf("reconciler: cycle complete, abandoned=%d, skipped=%d, failed=%d", abandoned, skipped, failed)
}

// emitSweepEvent records the abandonment in the workspace audit thread.
// One event per occurrence: the dedupe key pins it to (template, time).
func (r *Reconciler) emitSweepEvent(ctx context.Context, run domain.ScheduleRun, now time.Time) {
	event := domain.ActivityEvent{
		WorkspaceID: run.WorkspaceID,
		EventType:   domain.EventTypeScheduleFailed,
		ToolName:    audit.ToolSweeper,
		Summary:     fmt.Sprintf("abandoned pending run for occurrence %s", run.ScheduledFor.Format(time.RFC3339)),
		Payload: map[string]any{
			"template_id":   run.TemplateID.String(),
			"run_id":        run.ID.String(),
			"scheduled_for": run.ScheduledFor.Format(time.RFC3339),
			"error":         abandonMessage,
			"pending_since": run.UpdatedAt.Format(time.RFC3339),
			"swept_at":      now.Format(time.RFC3339),
		},
		DedupeKey: audit.SweepKey(run.TemplateID, run.ScheduledFor),
	}
	if _, _, err := r.auditor.EmitToAuditThread(ctx, run.WorkspaceID, event); err != nil {
		log.Printf("reconciler: failed to emit sweep event run=%s: %v", run.ID, err)
	}
}
