package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/playbooklabs/playbook/internal/domain"
	"github.com/playbooklabs/playbook/internal/ledger"
)

// metadataJSON encodes run metadata for a JSONB column. Empty maps become
// '{}' so jsonb concatenation keeps operating on objects.
func metadataJSON(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// runRow holds one schedule_runs row before decoding.
type runRow struct {
	run      domain.ScheduleRun
	status   string
	threadID uuid.NullUUID
	missing  pq.StringArray
	metadata []byte
}

func (r *runRow) scan(s rowScanner) error {
	return s.Scan(
		&r.run.ID, &r.run.TemplateID, &r.run.WorkspaceID, &r.run.ScheduledFor, &r.status,
		&r.threadID, &r.missing, &r.run.ErrorMessage, &r.metadata,
		&r.run.CreatedAt, &r.run.UpdatedAt,
	)
}

func (r *runRow) decode() (domain.ScheduleRun, error) {
	run := r.run
	run.Status = domain.RunStatus(r.status)
	if r.threadID.Valid {
		id := r.threadID.UUID
		run.RunThreadID = &id
	}
	if len(r.missing) > 0 {
		run.MissingConnectors = []string(r.missing)
	}
	if len(r.metadata) > 0 {
		meta := map[string]string{}
		if err := json.Unmarshal(r.metadata, &meta); err != nil {
			return domain.ScheduleRun{}, fmt.Errorf("run metadata: %w", err)
		}
		if len(meta) > 0 {
			run.Metadata = meta
		}
	}
	return run, nil
}

// InsertPendingRun inserts the run unless one already exists for the same
// (template, scheduledFor). The insert is the claim: the uniqueness
// constraint decides the winner under concurrency, and losers get the
// existing row back with inserted=false.
func (s *Store) InsertPendingRun(ctx context.Context, run domain.ScheduleRun) (domain.ScheduleRun, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	metadata, err := metadataJSON(run.Metadata)
	if err != nil {
		return domain.ScheduleRun{}, false, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertPendingRun,
		run.ID,
		run.TemplateID,
		run.WorkspaceID,
		run.ScheduledFor,
		string(run.Status),
		pq.Array(run.MissingConnectors),
		run.ErrorMessage,
		metadata,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err == nil {
		return run, true, nil
	}
	if !isUniqueViolation(err) {
		return domain.ScheduleRun{}, false, err
	}

	// Lost the claim race: someone already owns this occurrence.
	existing, err := s.getRunByOccurrence(ctx, run.TemplateID, run.ScheduledFor)
	if err != nil {
		return domain.ScheduleRun{}, false, err
	}
	return existing, false, nil
}

func (s *Store) getRunByOccurrence(ctx context.Context, templateID uuid.UUID, scheduledFor time.Time) (domain.ScheduleRun, error) {
	var row runRow
	if err := row.scan(s.db.QueryRowContext(ctx, queryGetRunByOccurrence, templateID, scheduledFor)); err != nil {
		return domain.ScheduleRun{}, err
	}
	return row.decode()
}

// UpdateRun applies a status transition. Thread ID only ever moves from
// NULL to a value; patch metadata merges into the stored map.
// Returns ledger.ErrRunNotFound when the run does not exist.
func (s *Store) UpdateRun(ctx context.Context, runID uuid.UUID, patch ledger.RunPatch) (domain.ScheduleRun, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	metadata, err := metadataJSON(patch.Metadata)
	if err != nil {
		return domain.ScheduleRun{}, fmt.Errorf("encode metadata: %w", err)
	}

	var threadID uuid.NullUUID
	if patch.RunThreadID != nil {
		threadID = uuid.NullUUID{UUID: *patch.RunThreadID, Valid: true}
	}

	var row runRow
	err = row.scan(s.db.QueryRowContext(ctx, queryUpdateRun,
		runID,
		string(patch.Status),
		threadID,
		pq.Array(patch.MissingConnectors),
		patch.ErrorMessage,
		metadata,
	))
	if err == sql.ErrNoRows {
		return domain.ScheduleRun{}, ledger.ErrRunNotFound
	}
	if err != nil {
		return domain.ScheduleRun{}, err
	}
	return row.decode()
}

// ListRuns returns recent runs for a workspace, newest occurrence first.
func (s *Store) ListRuns(ctx context.Context, workspaceID uuid.UUID, filter ledger.ListFilter) ([]domain.ScheduleRun, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var templateID uuid.NullUUID
	if filter.TemplateID != nil {
		templateID = uuid.NullUUID{UUID: *filter.TemplateID, Valid: true}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, queryListRuns, workspaceID, templateID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRuns(rows)
}

// ListStalePendingRuns returns pending runs untouched since olderThan,
// oldest first, limited to limit rows.
func (s *Store) ListStalePendingRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleRun, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListStalePendingRuns, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]domain.ScheduleRun, error) {
	var result []domain.ScheduleRun
	for rows.Next() {
		var row runRow
		if err := row.scan(rows); err != nil {
			return nil, err
		}
		run, err := row.decode()
		if err != nil {
			log.Printf("postgres: run %s decode failed, skipping: %v", row.run.ID, err)
			continue
		}
		result = append(result, run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// AbandonRun moves a pending run to error. It reports false when the run
// was no longer pending, meaning a concurrent retry already owns the row.
func (s *Store) AbandonRun(ctx context.Context, runID uuid.UUID, message string, now time.Time) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryAbandonRun, runID, message, now)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
