package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/domain"
)

// threadRow holds one threads row before decoding.
type threadRow struct {
	thread   domain.Thread
	metadata []byte
}

func (r *threadRow) scan(s rowScanner) error {
	return s.Scan(
		&r.thread.ID, &r.thread.WorkspaceID, &r.thread.Title,
		&r.metadata, &r.thread.CreatedAt, &r.thread.UpdatedAt,
	)
}

func (r *threadRow) decode() (domain.Thread, error) {
	thread := r.thread
	if len(r.metadata) > 0 {
		metadata := map[string]any{}
		if err := json.Unmarshal(r.metadata, &metadata); err != nil {
			return domain.Thread{}, fmt.Errorf("thread metadata: %w", err)
		}
		if len(metadata) > 0 {
			thread.Metadata = metadata
		}
	}
	return thread, nil
}

// EnsureThread creates the thread row when it does not already exist.
// An existing row is left untouched.
func (s *Store) EnsureThread(ctx context.Context, thread domain.Thread) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	metadata, err := payloadJSON(thread.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryEnsureThread,
		thread.ID,
		thread.WorkspaceID,
		thread.Title,
		metadata,
		thread.CreatedAt,
		thread.UpdatedAt,
	)
	return err
}

// CreateThread inserts a new thread and returns the stored row.
func (s *Store) CreateThread(ctx context.Context, thread domain.Thread) (domain.Thread, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	metadata, err := payloadJSON(thread.Metadata)
	if err != nil {
		return domain.Thread{}, fmt.Errorf("encode metadata: %w", err)
	}

	var row threadRow
	err = row.scan(s.db.QueryRowContext(ctx, queryInsertThread,
		thread.ID,
		thread.WorkspaceID,
		thread.Title,
		metadata,
		thread.CreatedAt,
		thread.UpdatedAt,
	))
	if err != nil {
		return domain.Thread{}, err
	}
	return row.decode()
}

// UpdateThread applies a patch. A nil title leaves the stored title alone;
// patch metadata merges into the stored map.
// Returns sql.ErrNoRows when the thread does not exist.
func (s *Store) UpdateThread(ctx context.Context, threadID uuid.UUID, patch domain.ThreadPatch) (domain.Thread, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	metadata, err := payloadJSON(patch.Metadata)
	if err != nil {
		return domain.Thread{}, fmt.Errorf("encode metadata: %w", err)
	}

	var title sql.NullString
	if patch.Title != nil {
		title = sql.NullString{String: *patch.Title, Valid: true}
	}

	var row threadRow
	err = row.scan(s.db.QueryRowContext(ctx, queryUpdateThread, threadID, title, metadata))
	if err != nil {
		return domain.Thread{}, err
	}
	return row.decode()
}
