package api

import (
	"time"

	"github.com/playbooklabs/playbook/internal/domain"
	"github.com/playbooklabs/playbook/internal/executor"
)

type EventRequest struct {
	ThreadID    string `json:"thread_id"`
	WorkspaceID string `json:"workspace_id,omitempty"` // defaults to the handler's workspace
	EventType   string `json:"event_type"`

	SourceAgentID string `json:"source_agent_id,omitempty"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	Summary       string `json:"summary,omitempty"`

	Payload   map[string]any `json:"payload,omitempty"`
	DedupeKey string         `json:"dedupe_key,omitempty"`

	OccurredAt string `json:"occurred_at,omitempty"` // RFC3339, defaults to now
}

// LaunchRequest carries per-launch overrides for a manual template launch.
// An empty body launches with the template's defaults.
type LaunchRequest struct {
	Title string `json:"title,omitempty"`
}

type EventResponse struct {
	ID            string         `json:"id"`
	ThreadID      string         `json:"thread_id"`
	WorkspaceID   string         `json:"workspace_id"`
	EventType     string         `json:"event_type"`
	SourceAgentID string         `json:"source_agent_id,omitempty"`
	TargetAgentID string         `json:"target_agent_id,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	DedupeKey     string         `json:"dedupe_key,omitempty"`
	OccurredAt    string         `json:"occurred_at"`
	CreatedAt     string         `json:"created_at"`
}

type RunResponse struct {
	ID                string            `json:"id"`
	TemplateID        string            `json:"template_id"`
	WorkspaceID       string            `json:"workspace_id"`
	ScheduledFor      string            `json:"scheduled_for"`
	Status            string            `json:"status"`
	RunThreadID       string            `json:"run_thread_id,omitempty"`
	MissingConnectors []string          `json:"missing_connectors,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at"`
}

type LaunchResponse struct {
	Status              string   `json:"status"`
	TemplateID          string   `json:"template_id"`
	TemplateName        string   `json:"template_name"`
	ThreadID            string   `json:"thread_id,omitempty"`
	ThreadTitle         string   `json:"thread_title,omitempty"`
	AppliedPolicies     int      `json:"applied_policies"`
	SeededMemoryEntries int      `json:"seeded_memory_entries"`
	MissingConnectors   []string `json:"missing_connectors,omitempty"`
}

type ListEventsResponse struct {
	Events []EventResponse `json:"events"`
}

type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func eventResponse(event domain.ActivityEvent) EventResponse {
	resp := EventResponse{
		ID:          event.ID.String(),
		ThreadID:    event.ThreadID.String(),
		WorkspaceID: event.WorkspaceID.String(),
		EventType:   string(event.EventType),
		ToolName:    event.ToolName,
		Summary:     event.Summary,
		Payload:     event.Payload,
		DedupeKey:   event.DedupeKey,
		OccurredAt:  formatTime(event.OccurredAt),
		CreatedAt:   formatTime(event.CreatedAt),
	}
	if event.SourceAgentID != nil {
		resp.SourceAgentID = event.SourceAgentID.String()
	}
	if event.TargetAgentID != nil {
		resp.TargetAgentID = event.TargetAgentID.String()
	}
	return resp
}

func runResponse(run domain.ScheduleRun) RunResponse {
	resp := RunResponse{
		ID:                run.ID.String(),
		TemplateID:        run.TemplateID.String(),
		WorkspaceID:       run.WorkspaceID.String(),
		ScheduledFor:      formatTime(run.ScheduledFor),
		Status:            string(run.Status),
		MissingConnectors: run.MissingConnectors,
		ErrorMessage:      run.ErrorMessage,
		Metadata:          run.Metadata,
		CreatedAt:         formatTime(run.CreatedAt),
		UpdatedAt:         formatTime(run.UpdatedAt),
	}
	if run.RunThreadID != nil {
		resp.RunThreadID = run.RunThreadID.String()
	}
	return resp
}

func launchResponse(tpl domain.WorkflowTemplate, result executor.Result) LaunchResponse {
	resp := LaunchResponse{
		Status:              string(result.Status),
		TemplateID:          tpl.ID.String(),
		TemplateName:        tpl.Name,
		AppliedPolicies:     result.AppliedPolicies,
		SeededMemoryEntries: result.SeededMemoryEntries,
		MissingConnectors:   result.MissingConnectors,
	}
	if result.Thread != nil {
		resp.ThreadID = result.Thread.ID.String()
		resp.ThreadTitle = result.Thread.Title
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
