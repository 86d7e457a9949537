package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                           {}
func (n *NoopSink) TickCompleted(duration time.Duration, dueTemplates int) {}
func (n *NoopSink) TickError()                                             {}
func (n *NoopSink) ClaimOutcome(outcome string)                            {}
func (n *NoopSink) RunOutcome(origin, status string)                       {}
func (n *NoopSink) EventRecorded()                                         {}
func (n *NoopSink) TriggerMatches(count int)                               {}
func (n *NoopSink) StalePendingRuns(count int)                             {}
func (n *NoopSink) RunAbandoned()                                          {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                      {}
func (n *NoopSink) LeaderAcquired()                                        {}
func (n *NoopSink) LeaderLost(reason string)                               {}
