package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

type event struct {
	ThreadID  string         `json:"thread_id"`
	EventType string         `json:"event_type"`
	ToolName  string         `json:"tool_name,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	DedupeKey string         `json:"dedupe_key,omitempty"`
}

func main() {
	engineURL := getenv("ENGINE_URL", "http://localhost:8080")
	threadID := os.Getenv("THREAD_ID")
	if threadID == "" {
		log.Fatal("THREAD_ID is required (uuid of the thread the signal belongs to)")
	}

	kind := getenv("KIND", "timeline")

	count := 1
	if v := os.Getenv("COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			log.Fatalf("invalid COUNT %q", v)
		}
		count = n
	}

	interval := time.Second
	if v := os.Getenv("INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid INTERVAL %q", v)
		}
		interval = d
	}

	log.Printf("event-injector sending %d %s signal(s) to %s", count, kind, engineURL)

	for i := 1; i <= count; i++ {
		ev := buildEvent(kind, threadID, i)
		if err := send(engineURL, ev); err != nil {
			log.Printf("send #%d failed: %v", i, err)
		}
		if i < count {
			time.Sleep(interval)
		}
	}
}

func buildEvent(kind, threadID string, seq int) event {
	ev := event{
		ThreadID:  threadID,
		EventType: getenv("EVENT_TYPE", "incident.escalated"),
		Summary:   getenv("SUMMARY", fmt.Sprintf("injected %s signal #%d", kind, seq)),
		DedupeKey: os.Getenv("DEDUPE_KEY"),
		Payload:   map[string]any{"injected": true, "seq": seq},
	}

	switch kind {
	case "timeline":
		// The tool name is the timeline source key.
		ev.ToolName = getenv("SOURCE", "pagerduty")
	case "connector":
		// <connector>:<action> convention on the tool name.
		ev.ToolName = getenv("SOURCE", "github") + ":" + getenv("ACTION", "issue_opened")
	case "webhook":
		ev.Payload["webhook_event"] = ev.EventType
		ev.Payload["webhook_source"] = getenv("SOURCE", "ci")
	default:
		log.Fatalf("unknown KIND %q (want timeline, connector or webhook)", kind)
	}
	return ev
}

func send(engineURL string, ev event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	resp, err := http.Post(engineURL+"/events", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(resp.Body)
	log.Printf("%s -> %d %s", ev.EventType, resp.StatusCode, string(reply))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
