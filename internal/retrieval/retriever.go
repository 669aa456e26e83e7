// Package retrieval finds course content relevant to a question: embed the
// query, search the vector index, and optionally rewrite follow-up questions
// into standalone ones using the chat history.
package retrieval

import (
	"context"

	"github.com/imehof/bookchat/internal/vectorindex"
)

const (
	// DefaultTopK is used when the caller asks for zero results.
	DefaultTopK = 5
	// MaxTopK caps how many chunks a single search may return.
	MaxTopK = 10
)

// Chunk is a retrieved content fragment with its similarity score.
type Chunk struct {
	Text   string
	Source string
	Title  string
	Score  float32
}

// Embedder turns a query into a vector.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the slice of the vector index the retriever needs.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]vectorindex.Scored, error)
}

// Retriever combines embedding and vector search to find relevant content.
type Retriever struct {
	embedder Embedder
	index    Searcher
}

// NewRetriever creates a Retriever backed by the given Embedder and index.
func NewRetriever(embedder Embedder, index Searcher) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Retrieve embeds the query and returns the top-K most similar chunks.
// topK is clamped to [1, MaxTopK]; zero or negative requests the default.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]Chunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	vec, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.index.Search(ctx, vec, topK)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, len(scored))
	for i, s := range scored {
		chunks[i] = Chunk{
			Text:   s.Payload.Text,
			Source: s.Payload.Source,
			Title:  s.Payload.Title,
			Score:  s.Score,
		}
	}
	return chunks, nil
}
