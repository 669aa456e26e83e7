package retrieval

import (
	"context"
	"strings"

	"github.com/imehof/bookchat/internal/provider"
)

// rewriteInstruction turns a follow-up question into a standalone one so the
// vector search doesn't miss context carried only by earlier turns.
const rewriteInstruction = "Given a chat history and the latest user question " +
	"which might reference context in the chat history, " +
	"formulate a standalone question which can be understood without " +
	"the chat history. Do NOT answer the question, just reformulate " +
	"it if necessary and otherwise return it as is."

// Generator is the slice of the provider client the rewriter needs.
type Generator interface {
	Generate(ctx context.Context, req provider.GenerateRequest) (provider.Reply, error)
}

// Rewriter produces a standalone search query from a question plus history.
type Rewriter struct {
	generator Generator
}

// NewRewriter creates a Rewriter backed by the given Generator.
func NewRewriter(generator Generator) *Rewriter {
	return &Rewriter{generator: generator}
}

// Rewrite returns the question unchanged, without calling the model, when
// history is empty. Otherwise it asks the model to reformulate the question
// so it stands alone. An empty model reply falls back to the original
// question; model errors propagate to the caller.
func (r *Rewriter) Rewrite(ctx context.Context, question string, history []provider.Message) (string, error) {
	if len(history) == 0 {
		return question, nil
	}

	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: rewriteInstruction})
	messages = append(messages, history...)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: question})

	reply, err := r.generator.Generate(ctx, provider.GenerateRequest{
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}

	rewritten := strings.TrimSpace(reply.Content)
	if rewritten == "" {
		return question, nil
	}
	return rewritten, nil
}
