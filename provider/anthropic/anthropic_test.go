package anthropic_provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammad-safakhou/reviewqa/internal/llm"
)

func TestCompleteLiftsSystemPrompt(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"[\"SQL: ['q']\"]"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{APIKey: "k", BaseURL: srv.URL, Model: "claude"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	out, err := c.Complete(context.Background(), []llm.Message{
		llm.System("plan it"),
		llm.User("question"),
		llm.Assistant("answer"),
		llm.User("follow up"),
	}, llm.CompleteOptions{Stop: []string{"SQLResult:"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `["SQL: ['q']"]` {
		t.Fatalf("unexpected text %q", out)
	}
	system, _ := body["system"].([]interface{})
	if len(system) != 1 {
		t.Fatalf("expected one system block, got %v", body["system"])
	}
	msgs, _ := body["messages"].([]interface{})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 conversation messages, got %d", len(msgs))
	}
	if body["model"] != "claude" {
		t.Fatalf("unexpected model %v", body["model"])
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Options{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
