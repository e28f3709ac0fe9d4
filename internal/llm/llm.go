// Package llm declares the collaborator contracts for text generation and
// embeddings shared by providers and the pipeline.
package llm

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteOptions tunes a single completion. Zero values mean provider
// defaults.
type CompleteOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	Stop        []string
}

// Completer returns one text completion for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error)
}

// Embedder maps text into the entity embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// System is shorthand for a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User is shorthand for a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant is shorthand for an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// LastUser returns the content of the last user message, or "".
func LastUser(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// Float returns a pointer to f, for CompleteOptions.Temperature.
func Float(f float64) *float64 { return &f }
