package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/domain"
	"github.com/playbooklabs/playbook/internal/ledger"
	"github.com/playbooklabs/playbook/internal/testutil"
)

// mockStore returns configurable stale pending runs.
type mockStore struct {
	mu         sync.Mutex
	runs       []domain.ScheduleRun
	listErr    error
	abandonErr error
	abandonOK  map[uuid.UUID]bool
	abandoned  []uuid.UUID
	listCalls  int
}

func (s *mockStore) ListStalePendingRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++

	if s.listErr != nil {
		return nil, s.listErr
	}

	// Filter by olderThan and limit
	var result []domain.ScheduleRun
	for _, run := range s.runs {
		if run.Status == domain.RunStatusPending && run.UpdatedAt.Before(olderThan) {
			result = append(result, run)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (s *mockStore) AbandonRun(ctx context.Context, runID uuid.UUID, message string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandonErr != nil {
		return false, s.abandonErr
	}
	if s.abandonOK != nil {
		if ok, found := s.abandonOK[runID]; found && !ok {
			return false, nil
		}
	}
	s.abandoned = append(s.abandoned, runID)
	return true, nil
}

func (s *mockStore) setRuns(runs []domain.ScheduleRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = runs
}

func (s *mockStore) setListError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *mockStore) abandonedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]uuid.UUID, len(s.abandoned))
	copy(result, s.abandoned)
	return result
}

// mockAuditor tracks sweep events.
type mockAuditor struct {
	mu     sync.Mutex
	events []domain.ActivityEvent
	err    error
}

func (a *mockAuditor) EmitToAuditThread(ctx context.Context, workspaceID uuid.UUID, event domain.ActivityEvent) (domain.ActivityEvent, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return domain.ActivityEvent{}, false, a.err
	}
	event.WorkspaceID = workspaceID
	a.events = append(a.events, event)
	return event, true, nil
}

func (a *mockAuditor) getEvents() []domain.ActivityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := make([]domain.ActivityEvent, len(a.events))
	copy(result, a.events)
	return result
}

type mockMetrics struct {
	mu        sync.Mutex
	staleSeen []int
	abandoned int
}

func (m *mockMetrics) StalePendingRuns(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleSeen = append(m.staleSeen, count)
}

func (m *mockMetrics) RunAbandoned() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned++
}

func pendingRun(now time.Time, age time.Duration) domain.ScheduleRun {
	return domain.ScheduleRun{
		ID:           uuid.New(),
		TemplateID:   uuid.New(),
		WorkspaceID:  uuid.New(),
		ScheduledFor: now.Add(-age),
		Status:       domain.RunStatusPending,
		CreatedAt:    now.Add(-age),
		UpdatedAt:    now.Add(-age),
	}
}

// TestReconciler_AbandonsStalePendingRuns verifies that a pending run older
// than the threshold is moved to error and recorded in the audit thread.
func TestReconciler_AbandonsStalePendingRuns(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}

	now := time.Now().UTC()
	stale := pendingRun(now, 45*time.Minute)
	store.setRuns([]domain.ScheduleRun{stale})

	recon := New(
		Config{
			Interval:  time.Hour, // Not used in direct runCycle call
			Threshold: 30 * time.Minute,
			BatchSize: 100,
		},
		store,
		auditor,
	)
	recon.clock = testutil.NewClock(now).Now

	recon.runCycle(context.Background())

	if ids := store.abandonedIDs(); len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("expected run %s abandoned, got %v", stale.ID, ids)
	}

	events := auditor.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 sweep event, got %d", len(events))
	}
	ev := events[0]
	if ev.EventType != domain.EventTypeScheduleFailed {
		t.Errorf("sweep event type = %q, want %q", ev.EventType, domain.EventTypeScheduleFailed)
	}
	if ev.WorkspaceID != stale.WorkspaceID {
		t.Error("sweep event should target the run's workspace")
	}
	if got := ev.Payload["error"]; got != "abandoned by sweeper" {
		t.Errorf("error payload = %v", got)
	}
	if got := ev.Payload["run_id"]; got != stale.ID.String() {
		t.Errorf("run_id payload = %v, want %s", got, stale.ID)
	}
}

// TestReconciler_SweepEventDedupeKey verifies the sweep event is keyed to
// (template, occurrence) so repeated cycles never duplicate it.
func TestReconciler_SweepEventDedupeKey(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}

	now := time.Now().UTC()
	stale := pendingRun(now, time.Hour)
	store.setRuns([]domain.ScheduleRun{stale})

	recon := New(DefaultConfig(), store, auditor)
	recon.clock = testutil.NewClock(now).Now

	recon.runCycle(context.Background())

	events := auditor.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 sweep event, got %d", len(events))
	}
	want := fmt.Sprintf("template:sweep:%s:%d", stale.TemplateID, stale.ScheduledFor.UnixMilli())
	if events[0].DedupeKey != want {
		t.Errorf("sweep dedupe key = %q, want %q", events[0].DedupeKey, want)
	}
}

// TestReconciler_SkipsFreshPendingRuns verifies that runs younger than the
// threshold are left for the scheduler's own stale retry.
func TestReconciler_SkipsFreshPendingRuns(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}

	now := time.Now().UTC()
	fresh := pendingRun(now, 10*time.Minute)
	store.setRuns([]domain.ScheduleRun{fresh})

	recon := New(
		Config{
			Interval:  time.Hour,
			Threshold: 30 * time.Minute,
			BatchSize: 100,
		},
		store,
		auditor,
	)
	recon.clock = testutil.NewClock(now).Now

	recon.runCycle(context.Background())

	if ids := store.abandonedIDs(); len(ids) != 0 {
		t.Errorf("fresh pending run must not be abandoned, got %v", ids)
	}
	if events := auditor.getEvents(); len(events) != 0 {
		t.Errorf("expected no sweep events, got %d", len(events))
	}
}

// TestReconciler_FreshRunSweptOnceStale verifies a run survives cycles
// until it crosses the threshold, then gets abandoned.
func TestReconciler_FreshRunSweptOnceStale(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}

	now := time.Now().UTC()
	run := pendingRun(now, 10*time.Minute)
	store.setRuns([]domain.ScheduleRun{run})

	clk := testutil.NewClock(now)
	recon := New(DefaultConfig(), store, auditor)
	recon.clock = clk.Now

	recon.runCycle(context.Background())
	if ids := store.abandonedIDs(); len(ids) != 0 {
		t.Fatalf("run below threshold must survive, got %v", ids)
	}

	clk.Advance(25 * time.Minute)
	recon.runCycle(context.Background())
	if ids := store.abandonedIDs(); len(ids) != 1 || ids[0] != run.ID {
		t.Fatalf("expected run abandoned after crossing threshold, got %v", ids)
	}
}

// TestReconciler_BatchSizeRespected verifies that at most BatchSize runs
// are abandoned per cycle.
func TestReconciler_BatchSizeRespected(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}

	now := time.Now().UTC()
	batchSize := 5

	var runs []domain.ScheduleRun
	for i := 0; i < 10; i++ {
		runs = append(runs, pendingRun(now, time.Hour))
	}
	store.setRuns(runs)

	recon := New(
		Config{
			Interval:  time.Hour,
			Threshold: 30 * time.Minute,
			BatchSize: batchSize,
		},
		store,
		auditor,
	)
	recon.clock = testutil.NewClock(now).Now

	recon.runCycle(context.Background())

	if ids := store.abandonedIDs(); len(ids) != batchSize {
		t.Errorf("expected exactly %d abandoned runs (batch size), got %d", batchSize, len(ids))
	}
}

// TestReconciler_ConcurrentRetrySkipped verifies that a run claimed by a
// stale retry between list and abandon is left alone: no sweep event.
func TestReconciler_ConcurrentRetrySkipped(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}

	now := time.Now().UTC()
	stale := pendingRun(now, time.Hour)
	store.setRuns([]domain.ScheduleRun{stale})
	store.abandonOK = map[uuid.UUID]bool{stale.ID: false}

	recon := New(DefaultConfig(), store, auditor)
	recon.clock = testutil.NewClock(now).Now

	recon.runCycle(context.Background())

	if events := auditor.getEvents(); len(events) != 0 {
		t.Errorf("skipped run must not produce a sweep event, got %d", len(events))
	}
}

// TestReconciler_DBErrorAbortsGracefully verifies that database errors
// abort the cycle without crashing.
func TestReconciler_DBErrorAbortsGracefully(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}

	store.setListError(errors.New("database connection failed"))

	recon := New(DefaultConfig(), store, auditor)
	recon.clock = testutil.NewClock(time.Now().UTC()).Now

	// Should not panic
	recon.runCycle(context.Background())

	if events := auditor.getEvents(); len(events) != 0 {
		t.Error("should not emit events when DB fails")
	}
}

// TestReconciler_AbandonErrorContinues verifies that an abandon failure for
// one run doesn't stop processing of others.
func TestReconciler_AbandonErrorContinues(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}

	now := time.Now().UTC()
	var runs []domain.ScheduleRun
	for i := 0; i < 3; i++ {
		runs = append(runs, pendingRun(now, time.Hour))
	}
	store.setRuns(runs)
	store.abandonErr = errors.New("update failed")

	recon := New(DefaultConfig(), store, auditor)
	recon.clock = testutil.NewClock(now).Now

	// Should not panic, should attempt all 3
	recon.runCycle(context.Background())

	if events := auditor.getEvents(); len(events) != 0 {
		t.Error("should have 0 sweep events when abandon fails")
	}
}

// TestReconciler_ContextCancellation verifies that the reconciler stops
// processing when context is cancelled.
func TestReconciler_ContextCancellation(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}

	now := time.Now().UTC()
	var runs []domain.ScheduleRun
	for i := 0; i < 100; i++ {
		runs = append(runs, pendingRun(now, time.Hour))
	}
	store.setRuns(runs)

	recon := New(DefaultConfig(), store, auditor)
	recon.clock = testutil.NewClock(now).Now

	// Cancel context immediately
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recon.runCycle(ctx)

	if ids := store.abandonedIDs(); len(ids) != 0 {
		t.Errorf("should stop on context cancellation, got %d abandons", len(ids))
	}
}

// TestReconciler_DefaultConfig verifies default configuration values.
func TestReconciler_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Interval != 5*time.Minute {
		t.Errorf("default interval should be 5m, got %s", cfg.Interval)
	}
	if cfg.Threshold != 30*time.Minute {
		t.Errorf("default threshold should be 30m, got %s", cfg.Threshold)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("default batch size should be 100, got %d", cfg.BatchSize)
	}
}

// TestReconciler_ThresholdExceedsStaleRetry is a safety invariant test.
// The sweeper must only abandon runs the scheduler has already had a chance
// to stale-retry; if someone lowers the sweep threshold below the ledger's
// retry threshold, the sweeper would race live retries.
func TestReconciler_ThresholdExceedsStaleRetry(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Threshold <= ledger.DefaultStaleRetryThreshold {
		t.Errorf("sweep threshold (%s) must exceed the ledger stale-retry threshold (%s)",
			cfg.Threshold, ledger.DefaultStaleRetryThreshold)
	}
}

// TestReconciler_MetricsRecorded verifies the stale gauge and abandon
// counter are fed each cycle.
func TestReconciler_MetricsRecorded(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}
	metrics := &mockMetrics{}

	now := time.Now().UTC()
	store.setRuns([]domain.ScheduleRun{pendingRun(now, time.Hour), pendingRun(now, 2*time.Hour)})

	recon := New(DefaultConfig(), store, auditor).WithMetrics(metrics)
	recon.clock = testutil.NewClock(now).Now

	recon.runCycle(context.Background())

	if len(metrics.staleSeen) != 1 || metrics.staleSeen[0] != 2 {
		t.Errorf("stale gauge observations = %v, want [2]", metrics.staleSeen)
	}
	if metrics.abandoned != 2 {
		t.Errorf("abandoned counter = %d, want 2", metrics.abandoned)
	}
}

// TestReconciler_RunLoopExecutesCycles verifies Run performs an immediate
// first cycle and stops on context cancellation.
func TestReconciler_RunLoopExecutesCycles(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}

	recon := New(Config{
		Interval:  50 * time.Millisecond,
		Threshold: 30 * time.Minute,
		BatchSize: 100,
	}, store, auditor)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	recon.Run(ctx)

	store.mu.Lock()
	calls := store.listCalls
	store.mu.Unlock()
	if calls < 1 {
		t.Error("expected at least one sweep cycle")
	}
}
