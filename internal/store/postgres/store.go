// Package postgres persists templates, runs, threads, activity events,
// memory entries and access policies. A single Store implements every
// consumer-side persistence interface in the engine. Run claims and
// event dedupe keys ride on unique constraints, so idempotency holds
// across concurrent instances without coordination.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/playbooklabs/playbook/internal/api"
	"github.com/playbooklabs/playbook/internal/audit"
	"github.com/playbooklabs/playbook/internal/executor"
	"github.com/playbooklabs/playbook/internal/ledger"
	"github.com/playbooklabs/playbook/internal/reactor"
	"github.com/playbooklabs/playbook/internal/reconciler"
	"github.com/playbooklabs/playbook/internal/scheduler"
)

// templatePageSize bounds each page when walking the full template set.
const templatePageSize = 100

// Store implements the engine's persistence interfaces using PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a PostgreSQL store. Every operation runs under opTimeout
// when it is positive; zero disables the per-operation deadline.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// isUniqueViolation checks if the error is a PostgreSQL unique violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time interface assertions
var (
	_ ledger.Store            = (*Store)(nil)
	_ scheduler.TemplateStore = (*Store)(nil)
	_ reactor.TemplateStore   = (*Store)(nil)
	_ reconciler.Store        = (*Store)(nil)
	_ audit.Log               = (*Store)(nil)
	_ audit.Threads           = (*Store)(nil)
	_ executor.Connectors     = (*Store)(nil)
	_ executor.Policies       = (*Store)(nil)
	_ executor.Threads        = (*Store)(nil)
	_ executor.Memories       = (*Store)(nil)
	_ api.Store               = (*Store)(nil)
)
