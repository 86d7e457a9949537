package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/domain"
)

// parseEventRequest validates an ingestion request and converts it to a
// domain event. The workspace falls back to the handler's workspace when
// the request carries none; the occurrence time falls back to now at the
// emit step.
func parseEventRequest(req EventRequest, workspaceID uuid.UUID) (domain.ActivityEvent, error) {
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		return domain.ActivityEvent{}, fmt.Errorf("event_type is required")
	}

	if req.ThreadID == "" {
		return domain.ActivityEvent{}, fmt.Errorf("thread_id is required")
	}
	threadID, err := uuid.Parse(req.ThreadID)
	if err != nil {
		return domain.ActivityEvent{}, fmt.Errorf("invalid thread_id: %w", err)
	}

	if req.WorkspaceID != "" {
		workspaceID, err = uuid.Parse(req.WorkspaceID)
		if err != nil {
			return domain.ActivityEvent{}, fmt.Errorf("invalid workspace_id: %w", err)
		}
	}

	event := domain.ActivityEvent{
		ThreadID:    threadID,
		WorkspaceID: workspaceID,
		EventType:   domain.EventType(eventType),
		ToolName:    req.ToolName,
		Summary:     req.Summary,
		Payload:     req.Payload,
		DedupeKey:   req.DedupeKey,
	}

	event.SourceAgentID, err = parseAgentID("source_agent_id", req.SourceAgentID)
	if err != nil {
		return domain.ActivityEvent{}, err
	}
	event.TargetAgentID, err = parseAgentID("target_agent_id", req.TargetAgentID)
	if err != nil {
		return domain.ActivityEvent{}, err
	}

	if req.OccurredAt != "" {
		occurredAt, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			return domain.ActivityEvent{}, fmt.Errorf("invalid occurred_at: %w", err)
		}
		event.OccurredAt = occurredAt.UTC()
	}

	return event, nil
}

func parseAgentID(field, value string) (*uuid.UUID, error) {
	if value == "" {
		return nil, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return &id, nil
}
