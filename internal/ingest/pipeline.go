// Package ingest turns course documents into searchable vector records:
// load, clean, chunk, embed, upsert.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/imehof/bookchat/internal/chunker"
	"github.com/imehof/bookchat/internal/loader"
	"github.com/imehof/bookchat/internal/vectorindex"
)

// Embedder generates embeddings for document chunks.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

const (
	// embedBatchSize bounds the texts sent in one embedding request.
	embedBatchSize = 64
	// upsertBatchSize bounds the records written to the index per call.
	upsertBatchSize = 100
)

// Options tune the pipeline. Zero values fall back to defaults.
type Options struct {
	ChunkSize    int // max chunk length in runes (default 1000)
	ChunkOverlap int // overlap between consecutive chunks (default 200)
	MinDocLength int // documents shorter than this are skipped (default 50)
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.ChunkOverlap <= 0 {
		o.ChunkOverlap = 200
	}
	if o.MinDocLength <= 0 {
		o.MinDocLength = 50
	}
	return o
}

// Pipeline ingests documents into a vector index.
type Pipeline struct {
	embedder Embedder
	index    vectorindex.Index
	opts     Options
	logger   *slog.Logger
}

// New creates a Pipeline with the given dependencies.
func New(embedder Embedder, index vectorindex.Index, opts Options) *Pipeline {
	return &Pipeline{
		embedder: embedder,
		index:    index,
		opts:     opts.withDefaults(),
		logger:   slog.Default(),
	}
}

// Result summarizes one ingestion run.
type Result struct {
	Documents int // documents chunked and indexed
	Chunks    int // total chunks written
	Skipped   int // documents below the minimum length
}

// Run rebuilds the collection from the given document paths. The existing
// collection is destroyed first, so a failed run leaves the index partially
// populated and the run must be repeated. Record ids increase monotonically
// across the whole run.
func (p *Pipeline) Run(ctx context.Context, paths []string) (Result, error) {
	runID := uuid.New().String()
	p.logger.Info("starting ingestion", "run_id", runID, "paths", len(paths))

	var res Result

	if err := p.index.EnsureCollection(ctx, p.embedder.Dimension()); err != nil {
		return res, fmt.Errorf("preparing collection: %w", err)
	}

	var nextID uint64
	var pending []vectorindex.Record

	for _, path := range paths {
		doc, err := loader.Load(path)
		if err != nil {
			return res, fmt.Errorf("loading %s: %w", path, err)
		}

		text := loader.Clean(doc.Content)
		if utf8.RuneCountInString(text) < p.opts.MinDocLength {
			res.Skipped++
			p.logger.Info("skipping short document", "run_id", runID, "path", path, "length", utf8.RuneCountInString(text))
			continue
		}

		chunks, err := chunker.Chunk(text, p.opts.ChunkSize, p.opts.ChunkOverlap)
		if err != nil {
			return res, fmt.Errorf("chunking %s: %w", path, err)
		}

		for start := 0; start < len(chunks); start += embedBatchSize {
			end := min(start+embedBatchSize, len(chunks))
			batch := chunks[start:end]

			vectors, err := p.embedder.EmbedMany(ctx, batch)
			if err != nil {
				return res, fmt.Errorf("embedding %s: %w", path, err)
			}
			if len(vectors) != len(batch) {
				return res, fmt.Errorf("embedding %s: got %d vectors for %d chunks", path, len(vectors), len(batch))
			}

			for i, vec := range vectors {
				pending = append(pending, vectorindex.Record{
					ID:     nextID,
					Vector: vec,
					Payload: vectorindex.Payload{
						Text:    batch[i],
						Source:  doc.ID,
						Ordinal: start + i,
						Title:   doc.Title,
					},
				})
				nextID++

				if len(pending) >= upsertBatchSize {
					if err := p.index.Upsert(ctx, pending); err != nil {
						return res, fmt.Errorf("upserting batch: %w", err)
					}
					pending = pending[:0]
				}
			}
		}

		res.Documents++
		res.Chunks += len(chunks)
		p.logger.Info("indexed document", "run_id", runID, "path", path, "title", doc.Title, "chunks", len(chunks))
	}

	if len(pending) > 0 {
		if err := p.index.Upsert(ctx, pending); err != nil {
			return res, fmt.Errorf("upserting final batch: %w", err)
		}
	}

	p.logger.Info("ingestion complete", "run_id", runID,
		"documents", res.Documents, "chunks", res.Chunks, "skipped", res.Skipped)
	return res, nil
}
