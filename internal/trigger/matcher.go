// Package trigger matches runtime activity events against workflow
// template trigger definitions. Matching is pure: one event plus a
// template list in, zero or more match candidates out. Events emitted by
// the automation engine itself are excluded up front so matches can
// never feed back into the engine.
package trigger

import (
	"encoding/json"
	"strings"

	"github.com/playbooklabs/playbook/internal/audit"
	"github.com/playbooklabs/playbook/internal/domain"
)

// signal is the normalized view of an event for one trigger type. A
// trigger matches when its event key appears in eventKeys and its source
// key, when set, appears in sourceKeys.
type signal struct {
	eventKeys  []string
	sourceKeys []string
}

func (s *signal) hasEventKey(key string) bool {
	for _, k := range s.eventKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (s *signal) hasSourceKey(key string) bool {
	for _, k := range s.sourceKeys {
		if k == key {
			return true
		}
	}
	return false
}

// CollectMatches evaluates one event against every enabled trigger of
// every enabled template in the event's workspace. Auto-run eligibility
// is granted only to timeline_event triggers; connector and webhook
// matches are downgraded to notifications regardless of their configured
// mode.
func CollectMatches(event domain.ActivityEvent, templates []domain.WorkflowTemplate) []domain.MatchCandidate {
	if isEngineEvent(event) {
		return nil
	}

	timeline := timelineSignal(event)
	connector := connectorSignal(event)
	webhook := webhookSignal(event)
	haystack := matchHaystack(event)

	var matches []domain.MatchCandidate
	for _, tpl := range templates {
		if !tpl.Enabled || tpl.WorkspaceID != event.WorkspaceID {
			continue
		}
		for _, trig := range tpl.Triggers {
			if !trig.Enabled {
				continue
			}
			var sig *signal
			switch trig.Type {
			case domain.TriggerTypeTimelineEvent:
				sig = timeline
			case domain.TriggerTypeConnectorEvent:
				sig = connector
			case domain.TriggerTypeWebhook:
				sig = webhook
			default:
				continue
			}
			if !matchesTrigger(trig, sig, haystack) {
				continue
			}
			matches = append(matches, domain.MatchCandidate{
				TemplateID:      tpl.ID,
				TemplateName:    tpl.Name,
				WorkspaceID:     tpl.WorkspaceID,
				TriggerID:       trig.ID,
				TriggerType:     trig.Type,
				Mode:            trig.ExecutionMode,
				AutoRunEligible: trig.ExecutionMode == domain.ExecutionModeAutoRun && trig.Type == domain.TriggerTypeTimelineEvent,
				DedupeKey:       audit.TriggerMatchKey(event.ID, tpl.ID, trig.ID),
			})
		}
	}
	return matches
}

// isEngineEvent reports whether the event originated from the automation
// engine. Match notifications and anything emitted through an internal
// tool name never re-enter matching.
func isEngineEvent(event domain.ActivityEvent) bool {
	if event.EventType == domain.EventTypeTriggerMatched {
		return true
	}
	return strings.HasPrefix(normalize(event.ToolName), domain.InternalToolPrefix)
}

func matchesTrigger(trig domain.TriggerDefinition, sig *signal, haystack string) bool {
	if sig == nil {
		return false
	}
	eventKey := normalize(trig.EventKey)
	if eventKey == "" || !sig.hasEventKey(eventKey) {
		return false
	}
	if sourceKey := normalize(trig.SourceKey); sourceKey != "" && !sig.hasSourceKey(sourceKey) {
		return false
	}
	if matchText := normalize(trig.MatchText); matchText != "" && !strings.Contains(haystack, matchText) {
		return false
	}
	return true
}

// timelineSignal treats the raw event type as the event key and the tool
// name as the source.
func timelineSignal(event domain.ActivityEvent) *signal {
	return &signal{
		eventKeys:  normalizeAll(string(event.EventType)),
		sourceKeys: normalizeAll(event.ToolName),
	}
}

// connectorSignal requires a connector identifier; without one the event
// carries no connector semantics and connector triggers cannot match.
// The action comes from the payload or from the tool name suffix under
// the <connector>:<action> convention.
func connectorSignal(event domain.ActivityEvent) *signal {
	connector := connectorIdentifier(event)
	if connector == "" {
		return nil
	}
	action := connectorAction(event)
	eventKeys := []string{
		string(event.EventType),
		payloadString(event.Payload, "event_key"),
		action,
	}
	if action != "" {
		eventKeys = append(eventKeys, string(event.EventType)+":"+action)
	}
	return &signal{
		eventKeys:  normalizeAll(eventKeys...),
		sourceKeys: normalizeAll(connector, event.ToolName),
	}
}

// webhookSignal requires a webhook hint: a tool name mentioning webhook,
// explicit webhook payload fields, or a connector identifier equal to
// the literal "webhook".
func webhookSignal(event domain.ActivityEvent) *signal {
	connector := connectorIdentifier(event)
	hinted := strings.Contains(normalize(event.ToolName), "webhook") ||
		payloadString(event.Payload, "webhook_event") != "" ||
		payloadString(event.Payload, "webhook_source") != "" ||
		connector == "webhook"
	if !hinted {
		return nil
	}
	return &signal{
		eventKeys: normalizeAll(
			string(event.EventType),
			payloadString(event.Payload, "event_key"),
			payloadString(event.Payload, "webhook_event"),
		),
		sourceKeys: normalizeAll(
			connector,
			payloadString(event.Payload, "source_key"),
			payloadString(event.Payload, "webhook_source"),
			"webhook",
		),
	}
}

// connectorIdentifier resolves which connector an event came from:
// explicit payload fields first, then the tool name prefix.
func connectorIdentifier(event domain.ActivityEvent) string {
	if v := payloadString(event.Payload, "connector_key"); v != "" {
		return normalize(v)
	}
	if v := payloadString(event.Payload, "connector"); v != "" {
		return normalize(v)
	}
	name := normalize(event.ToolName)
	if i := strings.Index(name, ":"); i > 0 {
		return name[:i]
	}
	return ""
}

func connectorAction(event domain.ActivityEvent) string {
	if v := payloadString(event.Payload, "action"); v != "" {
		return normalize(v)
	}
	name := normalize(event.ToolName)
	if i := strings.Index(name, ":"); i >= 0 && i+1 < len(name) {
		return name[i+1:]
	}
	return ""
}

// matchHaystack is the text a trigger's matchText substring is searched
// in: the summary plus the serialized payload, lowercased.
func matchHaystack(event domain.ActivityEvent) string {
	parts := []string{event.Summary}
	if len(event.Payload) > 0 {
		if raw, err := json.Marshal(event.Payload); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, ok := payload[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeAll lowercases, trims, and dedupes, dropping empties.
func normalizeAll(values ...string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		n := normalize(v)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
