package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPipelineNormalize(t *testing.T) {
	p := PipelineConfig{}.Normalize()
	if p.TokenBudget != 5000 || p.FetchBudget != 150 || p.SQLRowCap != 20 || p.PilotSize != 300 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if p.TokenizerModel != "gpt-4" {
		t.Fatalf("expected gpt-4 tokenizer, got %q", p.TokenizerModel)
	}
	if p.CallTimeout != time.Minute {
		t.Fatalf("expected 60s call timeout, got %s", p.CallTimeout)
	}

	custom := PipelineConfig{TokenBudget: 100, SQLRowCap: 5, MaxRetries: -2}.Normalize()
	if custom.TokenBudget != 100 || custom.SQLRowCap != 5 {
		t.Fatalf("explicit values should be kept: %+v", custom)
	}
	if custom.MaxRetries != 0 {
		t.Fatalf("negative retries should clamp to 0, got %d", custom.MaxRetries)
	}
}

func TestRoutingNormalize(t *testing.T) {
	r := LLMRoutingConfig{Planning: "openai:gpt-4", Fallback: "openai:gpt-3.5-turbo"}.Normalize()
	if r.Planning != "openai:gpt-4" {
		t.Fatalf("planning route overwritten: %q", r.Planning)
	}
	if r.SQL != "openai:gpt-3.5-turbo" || r.Metadata != "openai:gpt-3.5-turbo" || r.Analysis != "openai:gpt-3.5-turbo" {
		t.Fatalf("empty routes should use fallback: %+v", r)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "reviews"}
	if got := p.DSN(); got != "postgres://u:p@db:5432/reviews?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", got)
	}
	p.URL = "postgres://x"
	if got := p.DSN(); got != "postgres://x" {
		t.Fatalf("url should win, got %q", got)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
  "llm": {
    "providers": {"openai": {"type": "openai", "api_key": "sk-test"}},
    "routing": {"fallback": "openai:gpt-3.5-turbo", "analysis": "openai:gpt-4"}
  },
  "storage": {"postgres": {"url": "postgres://localhost/reviews"}}
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Embedding.Dimensions != 768 {
		t.Fatalf("expected default embedding dims, got %d", cfg.Embedding.Dimensions)
	}
	if cfg.LLM.Routing.Planning != "openai:gpt-3.5-turbo" {
		t.Fatalf("planning should fall back, got %q", cfg.LLM.Routing.Planning)
	}
	if cfg.Pipeline.TokenBudget != 5000 {
		t.Fatalf("expected token budget default, got %d", cfg.Pipeline.TokenBudget)
	}
}

func TestLoadConfigRejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"llm": {"providers": {"x": {"type": "gemini"}}, "routing": {"fallback": "x:m"}}, "storage": {"postgres": {"url": "postgres://localhost/reviews"}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}
