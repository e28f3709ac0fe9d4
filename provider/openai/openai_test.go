package openai_provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/reviewqa/internal/llm"
)

func TestCompleteSendsStopAndModel(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"SELECT 1"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{APIKey: "k", BaseURL: srv.URL, CompletionModel: "gpt-3.5-turbo"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	out, err := c.Complete(context.Background(), []llm.Message{llm.User("q")}, llm.CompleteOptions{Stop: []string{"SQLResult:"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "SELECT 1" {
		t.Fatalf("unexpected completion %q", out)
	}
	if got["model"] != "gpt-3.5-turbo" {
		t.Fatalf("expected default model, got %v", got["model"])
	}
	stop, _ := got["stop"].([]interface{})
	if len(stop) != 1 || stop[0] != "SQLResult:" {
		t.Fatalf("expected stop sequence, got %v", got["stop"])
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.25]}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{APIKey: "k", BaseURL: srv.URL, EmbeddingModel: "text-embedding-ada-002"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	vec, err := c.Embed(context.Background(), "Danske\nBank")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Fatalf("unexpected vector %v", vec)
	}
}

func TestClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, _ := NewClient(Options{APIKey: "k", BaseURL: srv.URL, CompletionModel: "m"})
	_, err := c.Complete(context.Background(), []llm.Message{llm.User("q")}, llm.CompleteOptions{})
	var perm *backoff.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Options{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
