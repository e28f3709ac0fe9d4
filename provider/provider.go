package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/reviewqa/config"
	"github.com/mohammad-safakhou/reviewqa/internal/helpers"
	"github.com/mohammad-safakhou/reviewqa/internal/llm"
	anthropic_provider "github.com/mohammad-safakhou/reviewqa/provider/anthropic"
	openai_provider "github.com/mohammad-safakhou/reviewqa/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

type factory func(p config.LLMProvider) (llm.Completer, error)

var factories = map[Client]factory{
	OpenAI: func(p config.LLMProvider) (llm.Completer, error) {
		return openai_provider.NewClient(openai_provider.Options{APIKey: p.APIKey, BaseURL: p.BaseURL, Timeout: p.Timeout})
	},
	Anthropic: func(p config.LLMProvider) (llm.Completer, error) {
		return anthropic_provider.NewClient(anthropic_provider.Options{APIKey: p.APIKey, BaseURL: p.BaseURL, Timeout: p.Timeout})
	},
}

// Registry resolves "<provider>:<model>" routes to completers bound to a
// model with its configured defaults and retry policy.
type Registry struct {
	clients  map[string]llm.Completer
	cfg      map[string]config.LLMProvider
	primary  string
	policy   helpers.RetryPolicy
	fallback string
}

// NewRegistry builds one client per configured provider.
func NewRegistry(cfg config.LLMConfig, policy helpers.RetryPolicy) (*Registry, error) {
	r := &Registry{
		clients:  make(map[string]llm.Completer, len(cfg.Providers)),
		cfg:      cfg.Providers,
		policy:   policy,
		fallback: cfg.Routing.Fallback,
	}
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := cfg.Providers[name]
		f, ok := factories[Client(strings.ToLower(p.Type))]
		if !ok {
			return nil, fmt.Errorf("unsupported LLM provider %q", p.Type)
		}
		c, err := f(p)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		r.clients[name] = c
	}
	if len(names) > 0 {
		r.primary = names[0]
	}
	return r, nil
}

// Completer returns a completer for route. An empty route uses the fallback.
func (r *Registry) Completer(route string) (llm.Completer, error) {
	if strings.TrimSpace(route) == "" {
		route = r.fallback
	}
	name, model := splitRoute(route, r.primary)
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("route %q: unknown provider %q", route, name)
	}
	defaults := llm.CompleteOptions{Model: model}
	if m, ok := r.cfg[name].Models[model]; ok {
		if m.APIName != "" {
			defaults.Model = m.APIName
		}
		defaults.MaxTokens = m.MaxTokens
		defaults.Temperature = llm.Float(m.Temperature)
	} else {
		defaults.Temperature = llm.Float(0)
	}
	policy := r.policy
	if n := r.cfg[name].MaxRetries; n > 0 {
		policy.MaxRetries = n
	}
	return &Bound{client: client, defaults: defaults, policy: policy}, nil
}

func splitRoute(route, primary string) (string, string) {
	if i := strings.Index(route, ":"); i >= 0 {
		return strings.TrimSpace(route[:i]), strings.TrimSpace(route[i+1:])
	}
	return primary, strings.TrimSpace(route)
}

// Bound is a completer pinned to one model. Calls are deadline scoped and
// retried since completions are read-only.
type Bound struct {
	client   llm.Completer
	defaults llm.CompleteOptions
	policy   helpers.RetryPolicy
}

// NewBound wraps client with model defaults and a retry policy.
func NewBound(client llm.Completer, defaults llm.CompleteOptions, policy helpers.RetryPolicy) *Bound {
	return &Bound{client: client, defaults: defaults, policy: policy}
}

// Model returns the API model name used by default.
func (b *Bound) Model() string { return b.defaults.Model }

func (b *Bound) Complete(ctx context.Context, messages []llm.Message, opts llm.CompleteOptions) (string, error) {
	if opts.Model == "" {
		opts.Model = b.defaults.Model
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = b.defaults.MaxTokens
	}
	if opts.Temperature == nil {
		opts.Temperature = b.defaults.Temperature
	}
	var out string
	err := helpers.Retry(ctx, b.policy, func(ctx context.Context) error {
		var err error
		out, err = b.client.Complete(ctx, messages, opts)
		return err
	})
	return out, err
}

// RetryingEmbedder retries embedding calls with the given policy.
type RetryingEmbedder struct {
	inner  llm.Embedder
	policy helpers.RetryPolicy
}

func NewRetryingEmbedder(inner llm.Embedder, policy helpers.RetryPolicy) *RetryingEmbedder {
	return &RetryingEmbedder{inner: inner, policy: policy}
}

func (e *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := helpers.Retry(ctx, e.policy, func(ctx context.Context) error {
		var err error
		out, err = e.inner.Embed(ctx, text)
		return err
	})
	return out, err
}

// NewEmbedder builds the embedding client described by cfg.Embedding. Only
// OpenAI providers expose embeddings.
func NewEmbedder(cfg *config.Config, policy helpers.RetryPolicy) (*CachedEmbedder, error) {
	name := cfg.Embedding.Provider
	p, ok := cfg.LLM.Providers[name]
	if !ok {
		return nil, fmt.Errorf("embedding provider %q not configured", name)
	}
	if Client(strings.ToLower(p.Type)) != OpenAI {
		return nil, errors.New("embeddings require an openai provider")
	}
	c, err := openai_provider.NewClient(openai_provider.Options{
		APIKey:         p.APIKey,
		BaseURL:        p.BaseURL,
		EmbeddingModel: cfg.Embedding.Model,
		Dimensions:     cfg.Embedding.Dimensions,
		Timeout:        p.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return NewCachedEmbedder(NewRetryingEmbedder(c, policy), cfg.Embedding.CacheTTL, cfg.Embedding.CacheSize), nil
}
