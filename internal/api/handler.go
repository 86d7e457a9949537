// Package api exposes the engine's operational HTTP surface: event
// ingestion, run and activity listings, manual template launches and
// health checks. Ingestion hands events to the reactor, so trigger
// evaluation happens before the response is written.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/playbooklabs/playbook/internal/audit"
	"github.com/playbooklabs/playbook/internal/domain"
	"github.com/playbooklabs/playbook/internal/executor"
	"github.com/playbooklabs/playbook/internal/ledger"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Store reads templates and activity events.
type Store interface {
	GetTemplateByID(ctx context.Context, templateID uuid.UUID) (domain.WorkflowTemplate, error)
	ListEvents(ctx context.Context, workspaceID uuid.UUID, threadID *uuid.UUID, limit int) ([]domain.ActivityEvent, error)
}

// Recorder ingests one activity event and reacts to trigger matches
// before returning. An error means the event was not stored.
type Recorder interface {
	Record(ctx context.Context, event domain.ActivityEvent) (domain.ActivityEvent, error)
}

// Runs lists schedule runs from the ledger.
type Runs interface {
	ListRuns(ctx context.Context, workspaceID uuid.UUID, filter ledger.ListFilter) ([]domain.ScheduleRun, error)
}

// Executor launches a run from a template.
type Executor interface {
	Execute(ctx context.Context, tpl domain.WorkflowTemplate, opts executor.Options) (executor.Result, error)
}

// Auditor records manual launch lifecycle events.
type Auditor interface {
	EmitToAuditThread(ctx context.Context, workspaceID uuid.UUID, event domain.ActivityEvent) (domain.ActivityEvent, bool, error)
	EmitRunRecords(ctx context.Context, thread domain.Thread, templateID uuid.UUID, templateName, origin string, appliedPolicies, seededMemories int) error
}

// MetricsSink receives manual launch instrumentation.
type MetricsSink interface {
	RunOutcome(origin, status string)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	store       Store
	recorder    Recorder
	runs        Runs
	executor    Executor
	audit       Auditor
	metrics     MetricsSink
	workspaceID uuid.UUID // single-tenant for now
	db          HealthChecker
}

func NewHandler(store Store, recorder Recorder, runs Runs, exec Executor, auditor Auditor, workspaceID uuid.UUID) *Handler {
	return &Handler{
		store:       store,
		recorder:    recorder,
		runs:        runs,
		executor:    exec,
		audit:       auditor,
		workspaceID: workspaceID,
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithMetrics attaches a metrics sink.
func (h *Handler) WithMetrics(sink MetricsSink) *Handler {
	h.metrics = sink
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/events" && r.Method == http.MethodPost:
		h.recordEvent(w, r)

	case path == "/runs" && r.Method == http.MethodGet:
		h.listRuns(w, r)

	case path == "/activity" && r.Method == http.MethodGet:
		h.listActivity(w, r)

	case strings.HasSuffix(path, "/launch") && r.Method == http.MethodPost:
		h.launchTemplate(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		// Simple health check - just return ok
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	// Verbose health check - check all components
	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	// Check database connectivity with timeout
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	// Return appropriate status code based on health
	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// recordEvent ingests one external activity event. The reactor evaluates
// triggers inline, but reaction failures never reach this response: an
// error here means the event itself was not stored.
func (h *Handler) recordEvent(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Check if error is due to body size limit
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	event, err := parseEventRequest(req, h.workspaceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := h.recorder.Record(r.Context(), event)
	if err != nil {
		log.Printf("api: record event error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to record event")
		return
	}

	writeJSON(w, http.StatusAccepted, eventResponse(stored))
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := ledger.ListFilter{Limit: limit}
	if idStr := r.URL.Query().Get("template_id"); idStr != "" {
		templateID, err := uuid.Parse(idStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid template_id")
			return
		}
		filter.TemplateID = &templateID
	}

	runs, err := h.runs.ListRuns(r.Context(), h.workspaceID, filter)
	if err != nil {
		log.Printf("api: list runs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := ListRunsResponse{Runs: make([]RunResponse, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = runResponse(run)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var threadID *uuid.UUID
	if idStr := r.URL.Query().Get("thread_id"); idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid thread_id")
			return
		}
		threadID = &id
	}

	events, err := h.store.ListEvents(r.Context(), h.workspaceID, threadID, limit)
	if err != nil {
		log.Printf("api: list activity error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}

	resp := ListEventsResponse{Events: make([]EventResponse, len(events))}
	for i, event := range events {
		resp.Events[i] = eventResponse(event)
	}

	writeJSON(w, http.StatusOK, resp)
}

// launchTemplate starts a manual run of one template. Blocked launches
// report the missing connectors with a 409; started launches record the
// same audit trail as scheduled and triggered runs, under origin manual.
func (h *Handler) launchTemplate(w http.ResponseWriter, r *http.Request) {
	// Extract template ID from path: /templates/{id}/launch
	path := r.URL.Path
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "templates" || parts[2] != "launch" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	templateID, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}

	// Limit request body size to prevent DoS via large payloads. An empty
	// body is a plain launch with no overrides.
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	tpl, err := h.store.GetTemplateByID(r.Context(), templateID)
	if err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		log.Printf("api: load template error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load template")
		return
	}

	opts := executor.Options{
		Title:    req.Title,
		Metadata: map[string]any{"origin": "manual"},
	}
	result, err := h.executor.Execute(r.Context(), tpl, opts)
	if err != nil {
		log.Printf("api: launch template %s error: %v", templateID, err)
		h.runOutcome(string(domain.RunStatusError))
		writeError(w, http.StatusInternalServerError, "failed to launch template")
		return
	}

	switch result.Status {
	case domain.RunStatusStarted:
		if result.Thread == nil {
			log.Printf("api: launch template %s reported started without a thread", templateID)
			h.runOutcome(string(domain.RunStatusError))
			writeError(w, http.StatusInternalServerError, "failed to launch template")
			return
		}
		h.recordLaunch(r.Context(), tpl, result)
		h.runOutcome(string(domain.RunStatusStarted))
		writeJSON(w, http.StatusCreated, launchResponse(tpl, result))

	case domain.RunStatusBlocked:
		h.runOutcome(string(domain.RunStatusBlocked))
		writeJSON(w, http.StatusConflict, launchResponse(tpl, result))

	default:
		log.Printf("api: launch template %s reported unexpected status %q", templateID, result.Status)
		h.runOutcome(string(domain.RunStatusError))
		writeError(w, http.StatusInternalServerError, "failed to launch template")
	}
}

// recordLaunch writes the audit trail for a started manual launch. The
// launch already happened, so failures here are logged, not returned.
func (h *Handler) recordLaunch(ctx context.Context, tpl domain.WorkflowTemplate, result executor.Result) {
	thread := *result.Thread

	if err := h.audit.EmitRunRecords(ctx, thread, tpl.ID, tpl.Name, "manual", result.AppliedPolicies, result.SeededMemoryEntries); err != nil {
		log.Printf("api: launch template %s thread records failed: %v", tpl.ID, err)
	}

	note := domain.ActivityEvent{
		EventType: domain.EventTypeRunStarted,
		ToolName:  audit.ToolLaunch,
		Summary:   fmt.Sprintf("manual launch of template %q started in thread %s", tpl.Name, thread.ID),
		Payload: map[string]any{
			"template_id":           tpl.ID.String(),
			"thread_id":             thread.ID.String(),
			"origin":                "manual",
			"applied_policies":      result.AppliedPolicies,
			"seeded_memory_entries": result.SeededMemoryEntries,
		},
		DedupeKey: audit.ManualKey(tpl.ID, thread.ID),
	}
	if _, _, err := h.audit.EmitToAuditThread(ctx, h.workspaceID, note); err != nil {
		log.Printf("api: launch template %s audit event failed: %v", tpl.ID, err)
	}
}

func (h *Handler) runOutcome(status string) {
	if h.metrics != nil {
		h.metrics.RunOutcome("manual", status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parseLimit extracts and validates the limit query parameter. Returns
// DefaultLimit if limit is not specified. Returns an error if limit
// exceeds MaxLimit or is negative/invalid.
func parseLimit(r *http.Request) (int, error) {
	limit := DefaultLimit

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, err
		}
		if limit < 0 {
			return 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	return limit, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
