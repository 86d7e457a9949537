package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/playbooklabs/playbook/internal/testutil"
)

func TestAllow_Closed(t *testing.T) {
	cb := New(3, 5*time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("fresh breaker must allow, got %v", err)
	}
}

func TestAllow_BelowThreshold(t *testing.T) {
	cb := New(3, 5*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	if err := cb.Allow(); err != nil {
		t.Fatalf("below threshold must allow, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb := New(3, 5*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestAllow_CooldownElapsed_AdmitsSingleProbe(t *testing.T) {
	clk := testutil.NewClock(time.Date(2026, time.February, 16, 15, 0, 0, 0, time.UTC))
	cb := New(3, 2*time.Minute)
	cb.clock = clk.Now

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()

	clk.Advance(time.Minute)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("cooldown not elapsed, expected ErrCircuitOpen, got %v", err)
	}

	clk.Advance(time.Minute)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe after cooldown must be admitted, got %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("second caller must be shed while the probe is in flight")
	}
}

func TestRecordSuccess_ClosesAfterProbe(t *testing.T) {
	clk := testutil.NewClock(time.Date(2026, time.February, 16, 15, 0, 0, 0, time.UTC))
	cb := New(2, time.Minute)
	cb.clock = clk.Now

	cb.RecordFailure()
	cb.RecordFailure()
	clk.Advance(time.Minute)

	if err := cb.Allow(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	cb.RecordSuccess()

	if err := cb.Allow(); err != nil {
		t.Fatalf("circuit must be closed after a successful probe, got %v", err)
	}
}

func TestRecordFailure_ProbeFailureReopens(t *testing.T) {
	clk := testutil.NewClock(time.Date(2026, time.February, 16, 15, 0, 0, 0, time.UTC))
	cb := New(2, time.Minute)
	cb.clock = clk.Now

	cb.RecordFailure()
	cb.RecordFailure()
	clk.Advance(time.Minute)

	if err := cb.Allow(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	cb.RecordFailure()

	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("failed probe must re-open the circuit")
	}

	// The re-open restarts the cooldown from the probe failure.
	clk.Advance(time.Minute)
	if err := cb.Allow(); err != nil {
		t.Fatalf("next probe after a full cooldown must be admitted, got %v", err)
	}
}

func TestRecordSuccess_ClosedNoOp(t *testing.T) {
	cb := New(3, 5*time.Second)
	cb.RecordSuccess()
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
