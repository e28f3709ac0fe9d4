package openai_provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/reviewqa/internal/helpers"
	"github.com/mohammad-safakhou/reviewqa/internal/llm"
	openai "github.com/sashabaranov/go-openai"
)

// Client implements llm.Completer and llm.Embedder using OpenAI's API
type Client struct {
	api             *openai.Client
	completionModel string
	embeddingModel  string
	dimensions      int
}

// Options configures a Client.
type Options struct {
	APIKey          string
	BaseURL         string
	CompletionModel string
	EmbeddingModel  string
	// Dimensions is only sent for models that accept shortened embeddings.
	Dimensions int
	Timeout    time.Duration
}

// NewClient creates a new OpenAI client
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai: api key not set")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		api:             openai.NewClientWithConfig(cfg),
		completionModel: opts.CompletionModel,
		embeddingModel:  opts.EmbeddingModel,
		dimensions:      opts.Dimensions,
	}, nil
}

// Complete sends the conversation to the chat completions endpoint.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, opts llm.CompleteOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.completionModel
	}
	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  make([]openai.ChatCompletionMessage, 0, len(messages)),
		MaxTokens: opts.MaxTokens,
		Stop:      opts.Stop,
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed generates an embedding for text. Newlines are flattened as the
// embedding models were trained on single-line input.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{strings.ReplaceAll(text, "\n", " ")},
		Model: openai.EmbeddingModel(c.embeddingModel),
	}
	if c.dimensions > 0 && strings.HasPrefix(c.embeddingModel, "text-embedding-3") {
		req.Dimensions = c.dimensions
	}
	resp, err := c.api.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classify("embedding", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// classify marks client errors other than rate limiting as permanent.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("openai %s: %w", op, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return helpers.Permanent(wrapped)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		code := reqErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return helpers.Permanent(wrapped)
		}
	}
	return wrapped
}
