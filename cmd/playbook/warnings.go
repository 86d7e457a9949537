package main

import (
	"log"

	"github.com/playbooklabs/playbook/internal/config"
)

// logConfigWarnings reports configuration combinations that are valid but
// risky. Validation rejects broken configs; these are the footguns that
// still boot.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.SweepEnabled {
		log.Println("WARNING [P0]: SWEEP_ENABLED=false: pending runs orphaned by a crash are never abandoned and linger in the ledger")
	}
	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false: tick, claim and run outcomes are invisible in production")
	}
	if !cfg.LeaderElectionEnabled {
		log.Println("INFO: LEADER_ELECTION_ENABLED=false: every instance runs its own scheduler; claims stay safe but tick work is duplicated")
	}
	if cfg.RedisAddr != "" && cfg.AnalyticsBreakerThreshold == 0 {
		log.Println("INFO: ANALYTICS_BREAKER_THRESHOLD=0: analytics writes are never shed; a Redis outage adds latency to every run outcome")
	}
}
