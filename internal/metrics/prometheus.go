package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	ticksTotal        prometheus.Counter
	tickErrorsTotal   prometheus.Counter
	dueTemplatesTotal prometheus.Counter
	tickDuration      prometheus.Histogram
	claimsTotal       *prometheus.CounterVec

	// Run metrics
	runsTotal *prometheus.CounterVec

	// Ingestion metrics
	eventsRecordedTotal prometheus.Counter
	triggerMatchesTotal prometheus.Counter

	// Sweeper metrics
	stalePendingRuns   prometheus.Gauge
	runsAbandonedTotal prometheus.Counter

	// Leader election metrics
	leaderStatus            prometheus.Gauge
	leaderAcquisitionsTotal prometheus.Counter
	leaderLossesTotal       *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initRunMetrics(reg)
	s.initIngestionMetrics(reg)
	s.initSweeperMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playbook_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playbook_scheduler_tick_errors_total",
		Help: "Total number of scheduler tick errors.",
	})
	s.dueTemplatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playbook_scheduler_due_templates_total",
		Help: "Total number of templates found due across all ticks.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "playbook_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.claimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playbook_ledger_claims_total",
		Help: "Total number of claim attempts by outcome.",
	}, []string{"outcome"})

	s.register(reg, s.ticksTotal, "playbook_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "playbook_scheduler_tick_errors_total")
	s.register(reg, s.dueTemplatesTotal, "playbook_scheduler_due_templates_total")
	s.register(reg, s.tickDuration, "playbook_scheduler_tick_duration_seconds")
	s.register(reg, s.claimsTotal, "playbook_ledger_claims_total")
}

func (s *PrometheusSink) initRunMetrics(reg prometheus.Registerer) {
	s.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playbook_runs_total",
		Help: "Total number of template runs by origin and final status.",
	}, []string{"origin", "status"})

	s.register(reg, s.runsTotal, "playbook_runs_total")
}

func (s *PrometheusSink) initIngestionMetrics(reg prometheus.Registerer) {
	s.eventsRecordedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playbook_events_recorded_total",
		Help: "Total number of activity events stored (replays excluded).",
	})
	s.triggerMatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playbook_trigger_matches_total",
		Help: "Total number of trigger matches across all events.",
	})

	s.register(reg, s.eventsRecordedTotal, "playbook_events_recorded_total")
	s.register(reg, s.triggerMatchesTotal, "playbook_trigger_matches_total")
}

func (s *PrometheusSink) initSweeperMetrics(reg prometheus.Registerer) {
	s.stalePendingRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playbook_sweeper_stale_pending_runs",
		Help: "Number of stale pending runs found in the last sweep cycle.",
	})
	s.runsAbandonedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playbook_sweeper_runs_abandoned_total",
		Help: "Total number of pending runs abandoned by the sweeper.",
	})

	s.register(reg, s.stalePendingRuns, "playbook_sweeper_stale_pending_runs")
	s.register(reg, s.runsAbandonedTotal, "playbook_sweeper_runs_abandoned_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playbook_leader_status",
		Help: "1 when this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquisitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playbook_leader_acquisitions_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.leaderLossesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playbook_leader_losses_total",
		Help: "Total number of times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "playbook_leader_status")
	s.register(reg, s.leaderAcquisitionsTotal, "playbook_leader_acquisitions_total")
	s.register(reg, s.leaderLossesTotal, "playbook_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, dueTemplates int) {
	s.tickDuration.Observe(duration.Seconds())
	s.dueTemplatesTotal.Add(float64(dueTemplates))
}

func (s *PrometheusSink) TickError() {
	s.tickErrorsTotal.Inc()
}

func (s *PrometheusSink) ClaimOutcome(outcome string) {
	s.claimsTotal.WithLabelValues(outcome).Inc()
}

// Run metrics implementation

func (s *PrometheusSink) RunOutcome(origin, status string) {
	s.runsTotal.WithLabelValues(origin, status).Inc()
}

// Ingestion metrics implementation

func (s *PrometheusSink) EventRecorded() {
	s.eventsRecordedTotal.Inc()
}

func (s *PrometheusSink) TriggerMatches(count int) {
	s.triggerMatchesTotal.Add(float64(count))
}

// Sweeper metrics implementation

func (s *PrometheusSink) StalePendingRuns(count int) {
	s.stalePendingRuns.Set(float64(count))
}

func (s *PrometheusSink) RunAbandoned() {
	s.runsAbandonedTotal.Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquisitionsTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLossesTotal.WithLabelValues(reason).Inc()
}
