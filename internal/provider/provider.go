// Package provider abstracts the embedding and chat-completion backends.
// Two concrete variants exist, OpenAI-style and Gemini-style, selected once
// at construction time. Consumers depend on the Client interface and never
// branch on the backend name.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/imehof/bookchat/internal/config"
)

// Chat message roles shared by both backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single chat turn in the provider-neutral format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant messages that request tool invocations.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID correlates a tool-result message with the originating call.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Name is the tool name on tool-result messages. The Gemini backend
	// correlates results by name, the OpenAI backend by ToolCallID.
	Name string `json:"name,omitempty"`
}

// ToolCall is a structured request from the model to invoke a tool.
// Arguments is the raw JSON argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares a callable function to the model.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  ToolParams `json:"parameters"`
}

// ToolParams is the JSON-schema object describing a tool's arguments.
type ToolParams struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

// GenerateRequest is one chat-completion invocation.
type GenerateRequest struct {
	Messages    []Message
	Tools       []Tool
	Temperature float64
}

// Reply is the model's answer to a GenerateRequest. A reply with a non-empty
// ToolCalls list asks the caller to execute tools and re-invoke the model.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is the capability set every backend must provide. Vector dimension
// is fixed per backend and known before any collection is created.
type Client interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	Generate(ctx context.Context, req GenerateRequest) (Reply, error)
	Dimension() int
}

// Error is a failure from the embedding or chat backend. Callers surface a
// generic message to end users and log the detail.
type Error struct {
	Backend string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s provider error (HTTP %d): %s", e.Backend, e.Status, e.Message)
	}
	return fmt.Sprintf("%s provider error: %s", e.Backend, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// asRateLimit reports whether err is a provider Error with HTTP status 429,
// the only failure class worth retrying automatically.
func asRateLimit(err error, dst **Error) bool {
	return errors.As(err, dst) && (*dst).Status == http.StatusTooManyRequests
}

// New constructs the backend selected by cfg.Backend.
func New(cfg config.ProviderConfig) (Client, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		return NewOpenAI(cfg), nil
	case config.BackendGemini:
		return NewGemini(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider backend %q", cfg.Backend)
	}
}
