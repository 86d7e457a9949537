package analytics

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/circuitbreaker"
	"github.com/playbooklabs/playbook/internal/domain"
)

// Recorder is the write side of the analytics sink.
type Recorder interface {
	RecordRunOutcome(ctx context.Context, workspaceID, templateID uuid.UUID, status domain.RunStatus) error
}

// GuardedRecorder wraps a Recorder with a circuit breaker so a Redis outage
// sheds analytics writes instead of slowing every run down with timeouts.
type GuardedRecorder struct {
	inner   Recorder
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuardedRecorder(inner Recorder, breaker *circuitbreaker.CircuitBreaker) *GuardedRecorder {
	return &GuardedRecorder{inner: inner, breaker: breaker}
}

func (g *GuardedRecorder) RecordRunOutcome(ctx context.Context, workspaceID, templateID uuid.UUID, status domain.RunStatus) error {
	if err := g.breaker.Allow(); err != nil {
		return fmt.Errorf("analytics shed: %w", err)
	}
	if err := g.inner.RecordRunOutcome(ctx, workspaceID, templateID, status); err != nil {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}
