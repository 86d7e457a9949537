package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the engine's tables and indexes when missing.
// Safe to run on every startup: all statements are IF NOT EXISTS.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflow_templates (
    id UUID PRIMARY KEY,
    workspace_id UUID NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    enabled BOOLEAN NOT NULL DEFAULT true,
    starter_prompts JSONB NOT NULL DEFAULT '[]',
    expected_artifacts TEXT[] NOT NULL DEFAULT '{}',
    required_connector_keys TEXT[] NOT NULL DEFAULT '{}',
    agent_ids TEXT[] NOT NULL DEFAULT '{}',
    default_speaker_agent_id UUID,
    policy_defaults JSONB NOT NULL DEFAULT '[]',
    memory_seeds JSONB NOT NULL DEFAULT '[]',
    schedule_enabled BOOLEAN NOT NULL DEFAULT false,
    schedule_rrule TEXT NOT NULL DEFAULT '',
    schedule_timezone TEXT NOT NULL DEFAULT '',
    triggers JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS workflow_templates_workspace_idx
    ON workflow_templates (workspace_id);

CREATE TABLE IF NOT EXISTS schedule_runs (
    id UUID PRIMARY KEY,
    template_id UUID NOT NULL,
    workspace_id UUID NOT NULL,
    scheduled_for TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    run_thread_id UUID,
    missing_connectors TEXT[] NOT NULL DEFAULT '{}',
    error_message TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (template_id, scheduled_for)
);

CREATE INDEX IF NOT EXISTS schedule_runs_workspace_recent_idx
    ON schedule_runs (workspace_id, scheduled_for DESC);
CREATE INDEX IF NOT EXISTS schedule_runs_pending_age_idx
    ON schedule_runs (status, updated_at);

CREATE TABLE IF NOT EXISTS threads (
    id UUID PRIMARY KEY,
    workspace_id UUID NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_events (
    id UUID PRIMARY KEY,
    thread_id UUID NOT NULL,
    workspace_id UUID NOT NULL,
    event_type TEXT NOT NULL,
    source_agent_id UUID,
    target_agent_id UUID,
    tool_name TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    payload JSONB NOT NULL DEFAULT '{}',
    dedupe_key TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS activity_events_dedupe_key_idx
    ON activity_events (dedupe_key) WHERE dedupe_key <> '';
CREATE INDEX IF NOT EXISTS activity_events_workspace_recent_idx
    ON activity_events (workspace_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS activity_events_thread_idx
    ON activity_events (thread_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS memory_entries (
    id UUID PRIMARY KEY,
    workspace_id UUID NOT NULL,
    thread_id UUID,
    scope TEXT NOT NULL,
    content TEXT NOT NULL,
    tags TEXT[] NOT NULL DEFAULT '{}',
    source TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS memory_entries_workspace_idx
    ON memory_entries (workspace_id, created_at DESC);

CREATE TABLE IF NOT EXISTS access_policies (
    workspace_id UUID NOT NULL,
    agent_id UUID NOT NULL,
    tool_name TEXT NOT NULL,
    permission TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (workspace_id, agent_id, tool_name)
);

CREATE TABLE IF NOT EXISTS workspace_connectors (
    workspace_id UUID NOT NULL,
    connector_key TEXT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT true,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (workspace_id, connector_key)
);
`
