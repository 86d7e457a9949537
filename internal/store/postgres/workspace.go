package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/playbooklabs/playbook/internal/domain"
)

// ListEnabledKeys returns the connector keys enabled for a workspace.
func (s *Store) ListEnabledKeys(ctx context.Context, workspaceID uuid.UUID) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListEnabledConnectorKeys, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

// UpsertPolicy writes one access policy, keyed by
// (workspace, agent, tool). Later writes overwrite the permission.
func (s *Store) UpsertPolicy(ctx context.Context, policy domain.AccessPolicy) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryUpsertPolicy,
		policy.WorkspaceID,
		policy.AgentID,
		policy.ToolName,
		string(policy.Permission),
		policy.UpdatedAt,
	)
	return err
}

// CreateMemory inserts one memory entry.
func (s *Store) CreateMemory(ctx context.Context, entry domain.MemoryEntry) (domain.MemoryEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var threadID uuid.NullUUID
	if entry.ThreadID != nil {
		threadID = uuid.NullUUID{UUID: *entry.ThreadID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, queryInsertMemoryEntry,
		entry.ID,
		entry.WorkspaceID,
		threadID,
		string(entry.Scope),
		entry.Content,
		pq.Array(entry.Tags),
		entry.Source,
		entry.CreatedAt,
	)
	if err != nil {
		return domain.MemoryEntry{}, err
	}
	return entry, nil
}
