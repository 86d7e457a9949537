package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/domain"
)

// payloadJSON encodes an event payload or thread metadata for a JSONB
// column. Empty maps become '{}' so jsonb concatenation keeps operating
// on objects.
func payloadJSON(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// eventRow holds one activity_events row before decoding.
type eventRow struct {
	event   domain.ActivityEvent
	typ     string
	source  uuid.NullUUID
	target  uuid.NullUUID
	payload []byte
}

func (r *eventRow) scan(s rowScanner) error {
	return s.Scan(
		&r.event.ID, &r.event.ThreadID, &r.event.WorkspaceID, &r.typ,
		&r.source, &r.target, &r.event.ToolName, &r.event.Summary,
		&r.payload, &r.event.DedupeKey, &r.event.OccurredAt, &r.event.CreatedAt,
	)
}

func (r *eventRow) decode() (domain.ActivityEvent, error) {
	event := r.event
	event.EventType = domain.EventType(r.typ)
	if r.source.Valid {
		id := r.source.UUID
		event.SourceAgentID = &id
	}
	if r.target.Valid {
		id := r.target.UUID
		event.TargetAgentID = &id
	}
	if len(r.payload) > 0 {
		payload := map[string]any{}
		if err := json.Unmarshal(r.payload, &payload); err != nil {
			return domain.ActivityEvent{}, fmt.Errorf("event payload: %w", err)
		}
		if len(payload) > 0 {
			event.Payload = payload
		}
	}
	return event, nil
}

// AppendEvent inserts one activity event. An event whose dedupe key is
// already stored is not inserted again; the previously stored row comes
// back with inserted=false.
func (s *Store) AppendEvent(ctx context.Context, event domain.ActivityEvent) (domain.ActivityEvent, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	payload, err := payloadJSON(event.Payload)
	if err != nil {
		return domain.ActivityEvent{}, false, fmt.Errorf("encode payload: %w", err)
	}

	var source, target uuid.NullUUID
	if event.SourceAgentID != nil {
		source = uuid.NullUUID{UUID: *event.SourceAgentID, Valid: true}
	}
	if event.TargetAgentID != nil {
		target = uuid.NullUUID{UUID: *event.TargetAgentID, Valid: true}
	}

	var row eventRow
	err = row.scan(s.db.QueryRowContext(ctx, queryInsertEvent,
		event.ID,
		event.ThreadID,
		event.WorkspaceID,
		string(event.EventType),
		source,
		target,
		event.ToolName,
		event.Summary,
		payload,
		event.DedupeKey,
		event.OccurredAt,
	))
	if err == nil {
		stored, decodeErr := row.decode()
		if decodeErr != nil {
			return domain.ActivityEvent{}, false, decodeErr
		}
		return stored, true, nil
	}
	if err != sql.ErrNoRows {
		return domain.ActivityEvent{}, false, err
	}

	// Dedupe hit: hand back the previously stored event.
	var existing eventRow
	if err := existing.scan(s.db.QueryRowContext(ctx, queryGetEventByDedupeKey, event.DedupeKey)); err != nil {
		return domain.ActivityEvent{}, false, err
	}
	stored, err := existing.decode()
	if err != nil {
		return domain.ActivityEvent{}, false, err
	}
	return stored, false, nil
}

// ListEvents returns recent activity events for a workspace, newest first,
// optionally narrowed to one thread.
func (s *Store) ListEvents(ctx context.Context, workspaceID uuid.UUID, threadID *uuid.UUID, limit int) ([]domain.ActivityEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var thread uuid.NullUUID
	if threadID != nil {
		thread = uuid.NullUUID{UUID: *threadID, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, queryListEvents, workspaceID, thread, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ActivityEvent
	for rows.Next() {
		var row eventRow
		if err := row.scan(rows); err != nil {
			return nil, err
		}
		event, err := row.decode()
		if err != nil {
			log.Printf("postgres: event %s decode failed, skipping: %v", row.event.ID, err)
			continue
		}
		result = append(result, event)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
