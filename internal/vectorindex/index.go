// Package vectorindex stores embedded chunks and serves nearest-neighbor
// queries. Two backends exist: a remote Qdrant collection and a local SQLite
// table with brute-force cosine search for development and tests.
package vectorindex

import (
	"context"
	"errors"
)

// ErrUnavailable marks failures to reach the vector store or a missing
// collection. Callers must not fold this into "no matches found".
var ErrUnavailable = errors.New("vector index unavailable")

// ErrDimensionMismatch is returned when a record's vector length differs from
// the collection's configured dimension. It is fatal for the ingestion run.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Payload is the chunk data stored alongside each vector.
type Payload struct {
	Text    string
	Source  string
	Ordinal int
	Title   string
}

// Record is the unit stored in the index. IDs are assigned monotonically per
// ingestion run.
type Record struct {
	ID      uint64
	Vector  []float32
	Payload Payload
}

// Scored is a Record with its cosine similarity to the query vector.
type Scored struct {
	Record
	Score float32
}

// Index is the collection-oriented vector store contract.
//
// EnsureCollection has replace semantics: an existing collection with the
// same name is destroyed and recreated empty. Searches racing a re-ingestion
// may observe an empty or partially populated collection; swapping in a
// shadow collection would close that gap but is not what ingestion does today.
type Index interface {
	EnsureCollection(ctx context.Context, dimension int) error
	// Upsert writes one batch. Either the whole batch becomes visible to
	// subsequent searches or the call fails without partial effect.
	Upsert(ctx context.Context, records []Record) error
	// Search returns at most topK records ordered by decreasing cosine
	// similarity, ties broken by lower id.
	Search(ctx context.Context, vector []float32, topK int) ([]Scored, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
