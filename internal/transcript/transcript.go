// Package transcript persists an append-only log of chat turns. Logging a
// turn must never fail the chat response; callers log append errors and move
// on.
package transcript

import (
	"context"
	"time"
)

// Metadata captures how an answer was produced.
type Metadata struct {
	Sources     []string          `json:"sources,omitempty"`
	ToolQueries []string          `json:"tool_queries,omitempty"`
	Profile     map[string]string `json:"profile,omitempty"`
}

// Entry is one completed chat turn.
type Entry struct {
	SessionID        string
	UserID           string
	CreatedAt        time.Time
	UserMessage      string
	AssistantMessage string
	SelectedText     string
	Metadata         Metadata
}

// Sink records chat turns.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}
