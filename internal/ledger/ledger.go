// Package ledger tracks one schedule run per (template, occurrence).
// Claims ride on a uniqueness constraint, so concurrent schedulers and
// crash/retry cycles settle on exactly one attempt, with a bounded
// stale-retry escape hatch for attempts that died before reaching a
// terminal status.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/domain"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("schedule run not found")

// DefaultStaleRetryThreshold is how long a run may sit in pending before
// a later claim is allowed to retry the same occurrence.
const DefaultStaleRetryThreshold = 5 * time.Minute

// DefaultPageSize bounds run listings when the caller does not set one.
const DefaultPageSize = 100

// RunPatch carries a status transition. Status, thread, connectors and
// error message overwrite; metadata merges into the existing map.
type RunPatch struct {
	Status            domain.RunStatus
	RunThreadID       *uuid.UUID
	MissingConnectors []string
	ErrorMessage      string
	Metadata          map[string]string
}

// ListFilter narrows run listings.
type ListFilter struct {
	TemplateID *uuid.UUID
	Limit      int
}

// Store is the persistence surface the ledger needs.
type Store interface {
	// InsertPendingRun inserts the run unless one already exists for the
	// same (template, scheduledFor). It returns the stored row and
	// whether this call inserted it.
	InsertPendingRun(ctx context.Context, run domain.ScheduleRun) (domain.ScheduleRun, bool, error)
	UpdateRun(ctx context.Context, runID uuid.UUID, patch RunPatch) (domain.ScheduleRun, error)
	ListRuns(ctx context.Context, workspaceID uuid.UUID, filter ListFilter) ([]domain.ScheduleRun, error)
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Run domain.ScheduleRun
	// Inserted is true when this call created the run row.
	Inserted bool
	// StaleRetry is true when an existing row was still pending past the
	// stale threshold, so the occurrence may be attempted again.
	StaleRetry bool
}

// Claimed reports whether the caller now owns the occurrence and should
// execute it.
func (r ClaimResult) Claimed() bool {
	return r.Inserted || r.StaleRetry
}

// Ledger mediates claim and update semantics over a Store.
type Ledger struct {
	store      Store
	staleAfter time.Duration
	clock      func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{
		store:      store,
		staleAfter: DefaultStaleRetryThreshold,
		clock:      time.Now,
	}
}

// WithStaleRetryThreshold overrides the pending-age cutoff for retries.
func (l *Ledger) WithStaleRetryThreshold(d time.Duration) *Ledger {
	if d > 0 {
		l.staleAfter = d
	}
	return l
}

// CreateAttempt claims the (template, scheduledFor) occurrence. The first
// caller inserts a pending row and wins. Later callers lose, unless the
// existing row is still pending and older than the stale threshold, in
// which case the occurrence is handed back out as a stale retry.
func (l *Ledger) CreateAttempt(ctx context.Context, templateID, workspaceID uuid.UUID, scheduledFor time.Time, metadata map[string]string) (ClaimResult, error) {
	if templateID == uuid.Nil {
		return ClaimResult{}, fmt.Errorf("create attempt: template id is required")
	}
	if workspaceID == uuid.Nil {
		return ClaimResult{}, fmt.Errorf("create attempt: workspace id is required")
	}
	if scheduledFor.IsZero() {
		return ClaimResult{}, fmt.Errorf("create attempt: scheduled time is required")
	}

	now := l.clock().UTC()
	run := domain.ScheduleRun{
		ID:           uuid.New(),
		TemplateID:   templateID,
		WorkspaceID:  workspaceID,
		ScheduledFor: scheduledFor.UTC(),
		Status:       domain.RunStatusPending,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	stored, inserted, err := l.store.InsertPendingRun(ctx, run)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("insert pending run: %w", err)
	}
	if inserted {
		return ClaimResult{Run: stored, Inserted: true}, nil
	}
	if stored.Status == domain.RunStatusPending && now.Sub(stored.UpdatedAt) >= l.staleAfter {
		return ClaimResult{Run: stored, StaleRetry: true}, nil
	}
	return ClaimResult{Run: stored}, nil
}

// UpdateRun applies a status transition to an existing run.
func (l *Ledger) UpdateRun(ctx context.Context, runID uuid.UUID, patch RunPatch) (domain.ScheduleRun, error) {
	if runID == uuid.Nil {
		return domain.ScheduleRun{}, fmt.Errorf("update run: run id is required")
	}
	if !patch.Status.Valid() {
		return domain.ScheduleRun{}, fmt.Errorf("update run: invalid status %q", patch.Status)
	}
	updated, err := l.store.UpdateRun(ctx, runID, patch)
	if err != nil {
		return domain.ScheduleRun{}, fmt.Errorf("update run: %w", err)
	}
	return updated, nil
}

// ListRuns returns recent runs for a workspace, newest occurrence first.
func (l *Ledger) ListRuns(ctx context.Context, workspaceID uuid.UUID, filter ListFilter) ([]domain.ScheduleRun, error) {
	if workspaceID == uuid.Nil {
		return nil, fmt.Errorf("list runs: workspace id is required")
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}
	runs, err := l.store.ListRuns(ctx, workspaceID, filter)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
