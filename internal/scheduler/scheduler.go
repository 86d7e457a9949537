// Package scheduler drives schedule-based workflow launches. A fixed
// ticker evaluates every template, resolves the single latest due
// occurrence inside a bounded lookback window, claims it through the run
// ledger, and hands claimed occurrences to the executor. One template's
// failure never stops the others.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/audit"
	"github.com/playbooklabs/playbook/internal/domain"
	"github.com/playbooklabs/playbook/internal/executor"
	"github.com/playbooklabs/playbook/internal/ledger"
	"github.com/playbooklabs/playbook/internal/recurrence"
)

const (
	// DefaultTickInterval is how often templates are evaluated.
	DefaultTickInterval = 30 * time.Second

	// DefaultLookback bounds how far back a due occurrence may lie. A
	// template disabled for longer than this silently skips the missed
	// occurrences instead of firing them all on re-enable.
	DefaultLookback = 35 * 24 * time.Hour

	// clockSkewGrace widens the due check so an occurrence landing a
	// moment after the tick fires on this tick instead of the next one.
	clockSkewGrace = time.Second

	// maxOccurrenceIterations caps the window walk for pathological
	// rules. Hitting the cap keeps the latest occurrence found so far.
	maxOccurrenceIterations = 2500
)

// TemplateStore lists the templates to evaluate.
type TemplateStore interface {
	ListAllTemplates(ctx context.Context) ([]domain.WorkflowTemplate, error)
}

// RuleParser turns a recurrence rule and timezone into a resolvable
// schedule. The anchor seeds rules that carry no start date of their own.
type RuleParser interface {
	Parse(rule, timezone string, anchor time.Time) (recurrence.Schedule, error)
}

// Claims is the run-ledger surface the scheduler needs.
type Claims interface {
	CreateAttempt(ctx context.Context, templateID, workspaceID uuid.UUID, scheduledFor time.Time, metadata map[string]string) (ledger.ClaimResult, error)
	UpdateRun(ctx context.Context, runID uuid.UUID, patch ledger.RunPatch) (domain.ScheduleRun, error)
}

// Executor launches a run from a template.
type Executor interface {
	Execute(ctx context.Context, tpl domain.WorkflowTemplate, opts executor.Options) (executor.Result, error)
}

// Auditor records run lifecycle events.
type Auditor interface {
	EmitToAuditThread(ctx context.Context, workspaceID uuid.UUID, event domain.ActivityEvent) (domain.ActivityEvent, bool, error)
	EmitRunRecords(ctx context.Context, thread domain.Thread, templateID uuid.UUID, templateName, origin string, appliedPolicies, seededMemories int) error
}

// MetricsSink receives scheduler instrumentation.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, due int)
	TickError()
	ClaimOutcome(outcome string)
	RunOutcome(origin, status string)
}

// AnalyticsSink receives per-run outcome counters. Failures are logged
// and ignored.
type AnalyticsSink interface {
	RecordRunOutcome(ctx context.Context, workspaceID, templateID uuid.UUID, status domain.RunStatus) error
}

// TickSummary reports what one tick did.
type TickSummary struct {
	EvaluatedTemplates  int
	DueTemplates        int
	SkippedExistingRuns int
	StartedRuns         int
	BlockedRuns         int
	FailedRuns          int
}

type Config struct {
	TickInterval time.Duration
	Lookback     time.Duration
}

// Scheduler owns its tick loop: Start launches it, Stop tears it down
// without interrupting an in-flight tick.
type Scheduler struct {
	config    Config
	templates TemplateStore
	parser    RuleParser
	claims    Claims
	executor  Executor
	audit     Auditor
	metrics   MetricsSink
	analytics AnalyticsSink
	clock     func() time.Time

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	inFlight atomic.Bool
}

func New(config Config, templates TemplateStore, parser RuleParser, claims Claims, exec Executor, auditor Auditor) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.Lookback <= 0 {
		config.Lookback = DefaultLookback
	}
	return &Scheduler{
		config:    config,
		templates: templates,
		parser:    parser,
		claims:    claims,
		executor:  exec,
		audit:     auditor,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// WithAnalytics attaches a run-outcome analytics sink.
func (s *Scheduler) WithAnalytics(sink AnalyticsSink) *Scheduler {
	s.analytics = sink
	return s
}

// Start launches the tick loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(s.stopCh, s.doneCh)
	log.Printf("scheduler: started tick=%s lookback=%s", s.config.TickInterval, s.config.Lookback)
}

// Stop halts the ticker and blocks until the loop exits. An in-flight
// tick finishes its pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stop, done := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	close(stop)
	<-done
	log.Println("scheduler: stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.RunTick(context.Background(), s.clock().UTC())
		}
	}
}

// RunTick evaluates every template once against now. A tick that starts
// while another is still in flight is dropped and returns an empty
// summary.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) TickSummary {
	if !s.inFlight.CompareAndSwap(false, true) {
		log.Println("scheduler: tick dropped, previous tick still in flight")
		return TickSummary{}
	}
	defer s.inFlight.Store(false)

	start := s.clock()
	if s.metrics != nil {
		s.metrics.TickStarted()
	}

	summary := s.processTick(ctx, now.UTC())

	if s.metrics != nil {
		s.metrics.TickCompleted(s.clock().Sub(start), summary.DueTemplates)
	}
	log.Printf("scheduler: tick complete evaluated=%d due=%d started=%d blocked=%d failed=%d skipped=%d",
		summary.EvaluatedTemplates, summary.DueTemplates, summary.StartedRuns,
		summary.BlockedRuns, summary.FailedRuns, summary.SkippedExistingRuns)
	return summary
}

func (s *Scheduler) processTick(ctx context.Context, now time.Time) TickSummary {
	var summary TickSummary

	templates, err := s.templates.ListAllTemplates(ctx)
	if err != nil {
		log.Printf("scheduler: list templates: %v", err)
		if s.metrics != nil {
			s.metrics.TickError()
		}
		return summary
	}

	for _, tpl := range templates {
		summary.EvaluatedTemplates++
		s.processTemplate(ctx, tpl, now, &summary)
	}
	return summary
}

// processTemplate handles one template. Every failure is contained here:
// it is logged, counted, and never propagated to the tick.
func (s *Scheduler) processTemplate(ctx context.Context, tpl domain.WorkflowTemplate, now time.Time, summary *TickSummary) {
	if !tpl.Enabled || !tpl.Schedule.Active() {
		return
	}

	occurrence, ok := s.resolveLatestDueOccurrence(tpl, now)
	if !ok {
		return
	}
	summary.DueTemplates++

	metadata := map[string]string{
		"origin":        "scheduler",
		"rrule":         tpl.Schedule.RRule,
		"timezone":      tpl.Schedule.EffectiveTimezone(),
		"scheduled_for": occurrence.Format(time.RFC3339),
	}
	claim, err := s.claims.CreateAttempt(ctx, tpl.ID, tpl.WorkspaceID, occurrence, metadata)
	if err != nil {
		log.Printf("scheduler: template %s claim failed: %v", tpl.ID, err)
		summary.FailedRuns++
		return
	}
	if !claim.Claimed() {
		summary.SkippedExistingRuns++
		if s.metrics != nil {
			s.metrics.ClaimOutcome("skipped")
		}
		return
	}
	outcome := "claimed"
	if claim.StaleRetry {
		outcome = "stale_retry"
		log.Printf("scheduler: template %s retrying stale occurrence %s", tpl.ID, occurrence.Format(time.RFC3339))
	}
	if s.metrics != nil {
		s.metrics.ClaimOutcome(outcome)
	}

	// The claim record is written before execution so a crash in the
	// middle still leaves a visible trace next to the pending run.
	s.emitClaimed(ctx, tpl, claim.Run, occurrence)

	s.executeRun(ctx, tpl, claim.Run, occurrence, summary)
}

// resolveLatestDueOccurrence walks the recurrence from the start of the
// lookback window and keeps the last occurrence at or before now plus
// grace. Older occurrences inside the window are deliberately skipped:
// only the most recent one is ever launched.
func (s *Scheduler) resolveLatestDueOccurrence(tpl domain.WorkflowTemplate, now time.Time) (time.Time, bool) {
	effectiveNow := now.Add(clockSkewGrace)
	windowStart := effectiveNow.Add(-s.config.Lookback)

	schedule, err := s.parser.Parse(tpl.Schedule.RRule, tpl.Schedule.EffectiveTimezone(), windowStart)
	if err != nil {
		log.Printf("scheduler: template %s rule parse failed: %v", tpl.ID, err)
		return time.Time{}, false
	}

	cursor := windowStart.Add(-time.Millisecond)
	var latest time.Time
	found := false
	for i := 0; i < maxOccurrenceIterations; i++ {
		occurrence, ok := schedule.Next(cursor)
		if !ok || occurrence.After(effectiveNow) {
			break
		}
		latest = occurrence
		found = true
		cursor = occurrence.Add(time.Millisecond)
	}
	return latest, found
}

func (s *Scheduler) executeRun(ctx context.Context, tpl domain.WorkflowTemplate, run domain.ScheduleRun, occurrence time.Time, summary *TickSummary) {
	opts := executor.Options{
		Metadata: map[string]any{
			"origin":        "scheduler",
			"run_id":        run.ID.String(),
			"scheduled_for": occurrence.Format(time.RFC3339),
		},
	}
	result, err := s.executor.Execute(ctx, tpl, opts)
	if err != nil {
		summary.FailedRuns++
		s.markError(ctx, tpl, run, occurrence, audit.PhaseError, err.Error())
		return
	}

	switch result.Status {
	case domain.RunStatusStarted:
		if result.Thread == nil {
			summary.FailedRuns++
			s.markError(ctx, tpl, run, occurrence, audit.PhaseMissingThread, "executor reported started without a thread")
			return
		}
		summary.StartedRuns++
		s.markStarted(ctx, tpl, run, occurrence, result)
	case domain.RunStatusBlocked:
		summary.BlockedRuns++
		s.markBlocked(ctx, tpl, run, occurrence, result.MissingConnectors)
	default:
		summary.FailedRuns++
		s.markError(ctx, tpl, run, occurrence, audit.PhaseError, fmt.Sprintf("executor reported unexpected status %q", result.Status))
	}
}

func (s *Scheduler) markStarted(ctx context.Context, tpl domain.WorkflowTemplate, run domain.ScheduleRun, occurrence time.Time, result executor.Result) {
	threadID := result.Thread.ID
	if _, err := s.claims.UpdateRun(ctx, run.ID, ledger.RunPatch{
		Status:      domain.RunStatusStarted,
		RunThreadID: &threadID,
		Metadata:    map[string]string{"thread_id": threadID.String()},
	}); err != nil {
		log.Printf("scheduler: run %s mark started failed: %v", run.ID, err)
	}

	if err := s.audit.EmitRunRecords(ctx, *result.Thread, tpl.ID, tpl.Name, "scheduler", result.AppliedPolicies, result.SeededMemoryEntries); err != nil {
		log.Printf("scheduler: run %s thread records failed: %v", run.ID, err)
	}

	s.emitOutcome(ctx, tpl, domain.ActivityEvent{
		EventType: domain.EventTypeScheduleStarted,
		ToolName:  audit.ToolScheduler,
		Summary:   fmt.Sprintf("started run of template %q in thread %s", tpl.Name, threadID),
		Payload: map[string]any{
			"template_id":           tpl.ID.String(),
			"run_id":                run.ID.String(),
			"scheduled_for":         occurrence.Format(time.RFC3339),
			"thread_id":             threadID.String(),
			"applied_policies":      result.AppliedPolicies,
			"seeded_memory_entries": result.SeededMemoryEntries,
		},
		DedupeKey: audit.ScheduleKey(tpl.ID, occurrence, audit.PhaseStarted),
	})
	s.recordOutcome(ctx, tpl, domain.RunStatusStarted)
}

func (s *Scheduler) markBlocked(ctx context.Context, tpl domain.WorkflowTemplate, run domain.ScheduleRun, occurrence time.Time, missing []string) {
	if _, err := s.claims.UpdateRun(ctx, run.ID, ledger.RunPatch{
		Status:            domain.RunStatusBlocked,
		MissingConnectors: missing,
	}); err != nil {
		log.Printf("scheduler: run %s mark blocked failed: %v", run.ID, err)
	}

	s.emitOutcome(ctx, tpl, domain.ActivityEvent{
		EventType: domain.EventTypeScheduleBlocked,
		ToolName:  audit.ToolScheduler,
		Summary:   fmt.Sprintf("run of template %q blocked on connectors %v", tpl.Name, missing),
		Payload: map[string]any{
			"template_id":        tpl.ID.String(),
			"run_id":             run.ID.String(),
			"scheduled_for":      occurrence.Format(time.RFC3339),
			"missing_connectors": missing,
		},
		DedupeKey: audit.ScheduleKey(tpl.ID, occurrence, audit.PhaseBlocked),
	})
	s.recordOutcome(ctx, tpl, domain.RunStatusBlocked)
}

func (s *Scheduler) markError(ctx context.Context, tpl domain.WorkflowTemplate, run domain.ScheduleRun, occurrence time.Time, phase audit.Phase, message string) {
	log.Printf("scheduler: template %s run %s failed: %s", tpl.ID, run.ID, message)
	if _, err := s.claims.UpdateRun(ctx, run.ID, ledger.RunPatch{
		Status:       domain.RunStatusError,
		ErrorMessage: message,
	}); err != nil {
		log.Printf("scheduler: run %s mark error failed: %v", run.ID, err)
	}

	s.emitOutcome(ctx, tpl, domain.ActivityEvent{
		EventType: domain.EventTypeScheduleFailed,
		ToolName:  audit.ToolScheduler,
		Summary:   fmt.Sprintf("run of template %q failed: %s", tpl.Name, message),
		Payload: map[string]any{
			"template_id":   tpl.ID.String(),
			"run_id":        run.ID.String(),
			"scheduled_for": occurrence.Format(time.RFC3339),
			"error":         message,
		},
		DedupeKey: audit.ScheduleKey(tpl.ID, occurrence, phase),
	})
	s.recordOutcome(ctx, tpl, domain.RunStatusError)
}

func (s *Scheduler) emitClaimed(ctx context.Context, tpl domain.WorkflowTemplate, run domain.ScheduleRun, occurrence time.Time) {
	s.emitOutcome(ctx, tpl, domain.ActivityEvent{
		EventType: domain.EventTypeScheduleClaimed,
		ToolName:  audit.ToolScheduler,
		Summary:   fmt.Sprintf("claimed occurrence %s of template %q", occurrence.Format(time.RFC3339), tpl.Name),
		Payload: map[string]any{
			"template_id":   tpl.ID.String(),
			"run_id":        run.ID.String(),
			"scheduled_for": occurrence.Format(time.RFC3339),
		},
		DedupeKey: audit.ScheduleKey(tpl.ID, occurrence, audit.PhaseCall),
	})
}

func (s *Scheduler) emitOutcome(ctx context.Context, tpl domain.WorkflowTemplate, event domain.ActivityEvent) {
	if _, _, err := s.audit.EmitToAuditThread(ctx, tpl.WorkspaceID, event); err != nil {
		log.Printf("scheduler: template %s audit emit failed: %v", tpl.ID, err)
	}
}

func (s *Scheduler) recordOutcome(ctx context.Context, tpl domain.WorkflowTemplate, status domain.RunStatus) {
	if s.metrics != nil {
		s.metrics.RunOutcome("schedule", string(status))
	}
	if s.analytics != nil {
		if err := s.analytics.RecordRunOutcome(ctx, tpl.WorkspaceID, tpl.ID, status); err != nil {
			log.Printf("scheduler: template %s analytics record failed: %v", tpl.ID, err)
		}
	}
}
