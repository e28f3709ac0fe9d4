package anthropic_provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mohammad-safakhou/reviewqa/internal/helpers"
	"github.com/mohammad-safakhou/reviewqa/internal/llm"
)

const defaultMaxTokens = 2048

// Client implements llm.Completer using the Anthropic Messages API.
type Client struct {
	api       anthropic.Client
	model     string
	maxTokens int64
}

// Options configures a Client.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// NewClient creates a new Anthropic-based client. Retries are handled by the
// caller so the SDK's own retry loop is disabled.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("anthropic: api key not set")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{api: anthropic.NewClient(reqOpts...), model: opts.Model, maxTokens: maxTokens}, nil
}

// Complete sends the conversation to Claude and returns the response text.
// System messages are lifted into the system prompt.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, opts llm.CompleteOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(model),
		MaxTokens:     maxTokens,
		StopSequences: opts.Stop,
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case llm.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		wrapped := fmt.Errorf("anthropic API error: %w", err)
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			code := apiErr.StatusCode
			if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
				return "", helpers.Permanent(wrapped)
			}
		}
		return "", wrapped
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}
