package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/playbooklabs/playbook/internal/domain"
)

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// Wire shapes of the JSONB template columns.
type starterPromptRecord struct {
	Label  string `json:"label"`
	Prompt string `json:"prompt"`
}

type policyDefaultRecord struct {
	AgentID    string `json:"agent_id,omitempty"`
	ToolName   string `json:"tool_name"`
	Permission string `json:"permission"`
}

type memorySeedRecord struct {
	Scope   string   `json:"scope"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

type triggerRecord struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Enabled       bool   `json:"enabled"`
	ExecutionMode string `json:"execution_mode"`
	EventKey      string `json:"event_key,omitempty"`
	SourceKey     string `json:"source_key,omitempty"`
	MatchText     string `json:"match_text,omitempty"`
}

// templateRow holds one workflow_templates row before decoding.
type templateRow struct {
	tpl      domain.WorkflowTemplate
	prompts  []byte
	agents   pq.StringArray
	speaker  uuid.NullUUID
	policies []byte
	seeds    []byte
	triggers []byte
}

func (r *templateRow) scan(s rowScanner) error {
	return s.Scan(
		&r.tpl.ID, &r.tpl.WorkspaceID, &r.tpl.Name, &r.tpl.Description, &r.tpl.Enabled,
		&r.prompts, pq.Array(&r.tpl.ExpectedArtifacts), pq.Array(&r.tpl.RequiredConnectorKeys),
		&r.agents, &r.speaker,
		&r.policies, &r.seeds,
		&r.tpl.Schedule.Enabled, &r.tpl.Schedule.RRule, &r.tpl.Schedule.Timezone,
		&r.triggers, &r.tpl.CreatedAt, &r.tpl.UpdatedAt,
	)
}

// decode parses the JSONB columns and UUID arrays into the domain type.
func (r *templateRow) decode() (domain.WorkflowTemplate, error) {
	tpl := r.tpl

	var prompts []starterPromptRecord
	if err := json.Unmarshal(r.prompts, &prompts); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("starter prompts: %w", err)
	}
	for _, p := range prompts {
		tpl.StarterPrompts = append(tpl.StarterPrompts, domain.StarterPrompt{Label: p.Label, Prompt: p.Prompt})
	}

	for _, raw := range r.agents {
		id, err := uuid.Parse(raw)
		if err != nil {
			return domain.WorkflowTemplate{}, fmt.Errorf("agent id %q: %w", raw, err)
		}
		tpl.AgentIDs = append(tpl.AgentIDs, id)
	}
	if r.speaker.Valid {
		id := r.speaker.UUID
		tpl.DefaultSpeakerAgentID = &id
	}

	var policies []policyDefaultRecord
	if err := json.Unmarshal(r.policies, &policies); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("policy defaults: %w", err)
	}
	for _, p := range policies {
		pd := domain.PolicyDefault{
			ToolName:   p.ToolName,
			Permission: domain.PolicyPermission(p.Permission),
		}
		if p.AgentID != "" {
			id, err := uuid.Parse(p.AgentID)
			if err != nil {
				return domain.WorkflowTemplate{}, fmt.Errorf("policy agent id %q: %w", p.AgentID, err)
			}
			pd.AgentID = &id
		}
		tpl.PolicyDefaults = append(tpl.PolicyDefaults, pd)
	}

	var seeds []memorySeedRecord
	if err := json.Unmarshal(r.seeds, &seeds); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("memory seeds: %w", err)
	}
	for _, m := range seeds {
		tpl.MemorySeeds = append(tpl.MemorySeeds, domain.MemorySeed{
			Scope:   domain.MemoryScope(m.Scope),
			Content: m.Content,
			Tags:    m.Tags,
		})
	}

	var triggers []triggerRecord
	if err := json.Unmarshal(r.triggers, &triggers); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("triggers: %w", err)
	}
	for _, t := range triggers {
		id, err := uuid.Parse(t.ID)
		if err != nil {
			return domain.WorkflowTemplate{}, fmt.Errorf("trigger id %q: %w", t.ID, err)
		}
		tpl.Triggers = append(tpl.Triggers, domain.TriggerDefinition{
			ID:            id,
			Type:          domain.TriggerType(t.Type),
			Enabled:       t.Enabled,
			ExecutionMode: domain.ExecutionMode(t.ExecutionMode),
			EventKey:      t.EventKey,
			SourceKey:     t.SourceKey,
			MatchText:     t.MatchText,
		})
	}

	return tpl, nil
}

// ListAllTemplates returns every workflow template, paged internally so a
// tick never materializes an unbounded result in one query. Rows that fail
// to decode are logged and skipped instead of failing the listing.
func (s *Store) ListAllTemplates(ctx context.Context) ([]domain.WorkflowTemplate, error) {
	var result []domain.WorkflowTemplate
	for offset := 0; ; offset += templatePageSize {
		page, scanned, err := s.listTemplatesPage(ctx, templatePageSize, offset)
		if err != nil {
			return nil, err
		}
		result = append(result, page...)
		if scanned < templatePageSize {
			return result, nil
		}
	}
}

func (s *Store) listTemplatesPage(ctx context.Context, limit, offset int) ([]domain.WorkflowTemplate, int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListTemplatesPage, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []domain.WorkflowTemplate
	scanned := 0
	for rows.Next() {
		scanned++
		var row templateRow
		if err := row.scan(rows); err != nil {
			return nil, 0, err
		}
		tpl, err := row.decode()
		if err != nil {
			log.Printf("postgres: template %s decode failed, skipping: %v", row.tpl.ID, err)
			continue
		}
		result = append(result, tpl)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return result, scanned, nil
}

// GetTemplateByID returns a template by its ID.
// Returns sql.ErrNoRows when no template exists.
func (s *Store) GetTemplateByID(ctx context.Context, templateID uuid.UUID) (domain.WorkflowTemplate, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row templateRow
	if err := row.scan(s.db.QueryRowContext(ctx, queryGetTemplateByID, templateID)); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	tpl, err := row.decode()
	if err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("decode template %s: %w", row.tpl.ID, err)
	}
	return tpl, nil
}
