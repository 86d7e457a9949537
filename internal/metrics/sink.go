package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, dueTemplates int)
	TickError()
	ClaimOutcome(outcome string)

	// Run metrics, shared by every launch origin
	RunOutcome(origin, status string)

	// Ingestion metrics
	EventRecorded()
	TriggerMatches(count int)

	// Sweeper metrics
	StalePendingRuns(count int)
	RunAbandoned()

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost", "error"
}

// Claim outcome label values for ClaimOutcome.
const (
	ClaimOutcomeClaimed    = "claimed"
	ClaimOutcomeStaleRetry = "stale_retry"
	ClaimOutcomeSkipped    = "skipped"
)

// Run origin label values for RunOutcome.
const (
	OriginSchedule = "schedule"
	OriginTrigger  = "trigger"
	OriginManual   = "manual"
)
