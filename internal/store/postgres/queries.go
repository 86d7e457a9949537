package postgres

const templateColumns = `
    id, workspace_id, name, description, enabled,
    starter_prompts, expected_artifacts, required_connector_keys,
    agent_ids, default_speaker_agent_id,
    policy_defaults, memory_seeds,
    schedule_enabled, schedule_rrule, schedule_timezone,
    triggers, created_at, updated_at`

const queryListTemplatesPage = `
SELECT` + templateColumns + `
FROM workflow_templates
ORDER BY id
LIMIT $1 OFFSET $2
`

const queryGetTemplateByID = `
SELECT` + templateColumns + `
FROM workflow_templates
WHERE id = $1
`

const runColumns = `
    id, template_id, workspace_id, scheduled_for, status,
    run_thread_id, missing_connectors, error_message, metadata,
    created_at, updated_at`

const queryInsertPendingRun = `
INSERT INTO schedule_runs (id, template_id, workspace_id, scheduled_for, status, missing_connectors, error_message, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const queryGetRunByOccurrence = `
SELECT` + runColumns + `
FROM schedule_runs
WHERE template_id = $1 AND scheduled_for = $2
`

const queryUpdateRun = `
UPDATE schedule_runs
SET status = $2,
    run_thread_id = COALESCE($3, run_thread_id),
    missing_connectors = $4,
    error_message = $5,
    metadata = metadata || $6::jsonb,
    updated_at = NOW()
WHERE id = $1
RETURNING` + runColumns + `
`

const queryListRuns = `
SELECT` + runColumns + `
FROM schedule_runs
WHERE workspace_id = $1
  AND ($2::uuid IS NULL OR template_id = $2)
ORDER BY scheduled_for DESC
LIMIT $3
`

const queryListStalePendingRuns = `
SELECT` + runColumns + `
FROM schedule_runs
WHERE status = 'pending'
  AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`

const queryAbandonRun = `
UPDATE schedule_runs
SET status = 'error', error_message = $2, updated_at = $3
WHERE id = $1
  AND status = 'pending'
`

const eventColumns = `
    id, thread_id, workspace_id, event_type,
    source_agent_id, target_agent_id, tool_name, summary,
    payload, dedupe_key, occurred_at, created_at`

const queryInsertEvent = `
INSERT INTO activity_events (id, thread_id, workspace_id, event_type, source_agent_id, target_agent_id, tool_name, summary, payload, dedupe_key, occurred_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
ON CONFLICT (dedupe_key) WHERE dedupe_key <> '' DO NOTHING
RETURNING` + eventColumns + `
`

const queryGetEventByDedupeKey = `
SELECT` + eventColumns + `
FROM activity_events
WHERE dedupe_key = $1
`

const queryListEvents = `
SELECT` + eventColumns + `
FROM activity_events
WHERE workspace_id = $1
  AND ($2::uuid IS NULL OR thread_id = $2)
ORDER BY occurred_at DESC, created_at DESC
LIMIT $3
`

const threadColumns = `
    id, workspace_id, title, metadata, created_at, updated_at`

const queryEnsureThread = `
INSERT INTO threads (id, workspace_id, title, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING
`

const queryInsertThread = `
INSERT INTO threads (id, workspace_id, title, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING` + threadColumns + `
`

const queryUpdateThread = `
UPDATE threads
SET title = COALESCE($2, title),
    metadata = metadata || $3::jsonb,
    updated_at = NOW()
WHERE id = $1
RETURNING` + threadColumns + `
`

const queryListEnabledConnectorKeys = `
SELECT connector_key
FROM workspace_connectors
WHERE workspace_id = $1 AND enabled = true
ORDER BY connector_key
`

const queryUpsertPolicy = `
INSERT INTO access_policies (workspace_id, agent_id, tool_name, permission, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (workspace_id, agent_id, tool_name)
DO UPDATE SET permission = EXCLUDED.permission, updated_at = EXCLUDED.updated_at
`

const queryInsertMemoryEntry = `
INSERT INTO memory_entries (id, workspace_id, thread_id, scope, content, tags, source, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
