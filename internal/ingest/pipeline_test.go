package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/imehof/bookchat/internal/vectorindex"
)

type stubEmbedder struct {
	dim       int
	embedMany func(ctx context.Context, texts []string) ([][]float32, error)
}

func (s *stubEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if s.embedMany != nil {
		return s.embedMany(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, s.dim)
		vec[0] = float32(len(t))
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return s.dim }

func newTestIndex(t *testing.T) *vectorindex.SQLite {
	t.Helper()
	idx, err := vectorindex.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestRun_IndexesDocuments(t *testing.T) {
	dir := t.TempDir()
	a := writeDoc(t, dir, "walking.md", "# Bipedal Walking\n\n"+strings.Repeat("The zero moment point must stay inside the support polygon. ", 10))
	b := writeDoc(t, dir, "ros.md", "# ROS 2 Basics\n\n"+strings.Repeat("Nodes communicate over DDS topics using typed messages. ", 10))

	idx := newTestIndex(t)
	p := New(&stubEmbedder{dim: 4}, idx, Options{ChunkSize: 200, ChunkOverlap: 40})

	res, err := p.Run(context.Background(), []string{a, b})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Documents != 2 {
		t.Errorf("Documents = %d, want 2", res.Documents)
	}
	if res.Skipped != 0 {
		t.Errorf("Skipped = %d, want 0", res.Skipped)
	}
	if res.Chunks < 2 {
		t.Errorf("Chunks = %d, want at least 2", res.Chunks)
	}

	count, err := idx.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != res.Chunks {
		t.Errorf("index count = %d, want %d", count, res.Chunks)
	}
}

func TestRun_SkipsShortDocuments(t *testing.T) {
	dir := t.TempDir()
	long := writeDoc(t, dir, "long.md", strings.Repeat("A sentence about robot kinematics. ", 10))
	short := writeDoc(t, dir, "short.md", "Too short.")

	idx := newTestIndex(t)
	p := New(&stubEmbedder{dim: 4}, idx, Options{ChunkSize: 200, ChunkOverlap: 40})

	res, err := p.Run(context.Background(), []string{long, short})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Documents != 1 {
		t.Errorf("Documents = %d, want 1", res.Documents)
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.Skipped)
	}
}

func TestRun_ReingestSameCount(t *testing.T) {
	dir := t.TempDir()
	doc := writeDoc(t, dir, "doc.md", strings.Repeat("Inverse kinematics solves joint angles from end effector pose. ", 12))

	idx := newTestIndex(t)
	p := New(&stubEmbedder{dim: 4}, idx, Options{ChunkSize: 150, ChunkOverlap: 30})

	ctx := context.Background()
	first, err := p.Run(ctx, []string{doc})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := p.Run(ctx, []string{doc})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if first.Chunks != second.Chunks {
		t.Errorf("chunk counts differ across runs: %d vs %d", first.Chunks, second.Chunks)
	}

	count, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != second.Chunks {
		t.Errorf("index count after re-ingest = %d, want %d", count, second.Chunks)
	}
}

func TestRun_ZeroValidDocumentsLeavesEmptyCollection(t *testing.T) {
	dir := t.TempDir()
	short := writeDoc(t, dir, "short.md", "Stub.")

	idx := newTestIndex(t)
	p := New(&stubEmbedder{dim: 4}, idx, Options{})

	res, err := p.Run(context.Background(), []string{short})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Documents != 0 || res.Skipped != 1 {
		t.Errorf("got %+v, want 0 documents, 1 skipped", res)
	}

	count, err := idx.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("index count = %d, want 0", count)
	}
}

func TestRun_EmbedErrorAborts(t *testing.T) {
	dir := t.TempDir()
	doc := writeDoc(t, dir, "doc.md", strings.Repeat("Path planning avoids obstacles in configuration space. ", 10))

	idx := newTestIndex(t)
	embedErr := errors.New("backend down")
	p := New(&stubEmbedder{
		dim: 4,
		embedMany: func(ctx context.Context, texts []string) ([][]float32, error) {
			return nil, embedErr
		},
	}, idx, Options{})

	_, err := p.Run(context.Background(), []string{doc})
	if !errors.Is(err, embedErr) {
		t.Errorf("got %v, want wrapped embed error", err)
	}
}

func TestRun_MissingFileAborts(t *testing.T) {
	idx := newTestIndex(t)
	p := New(&stubEmbedder{dim: 4}, idx, Options{})

	_, err := p.Run(context.Background(), []string{filepath.Join(t.TempDir(), "nope.md")})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRun_PayloadCarriesSourceAndOrdinal(t *testing.T) {
	dir := t.TempDir()
	doc := writeDoc(t, dir, "grasping.md", "# Grasping\n\n"+strings.Repeat("Force closure requires contact wrenches spanning the wrench space. ", 8))

	idx := newTestIndex(t)
	p := New(&stubEmbedder{dim: 4}, idx, Options{ChunkSize: 150, ChunkOverlap: 30})

	ctx := context.Background()
	if _, err := p.Run(ctx, []string{doc}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results after ingestion")
	}
	seen := make(map[int]bool)
	for _, r := range results {
		if r.Payload.Source != doc {
			t.Errorf("source = %q, want %q", r.Payload.Source, doc)
		}
		if r.Payload.Title != "Grasping" {
			t.Errorf("title = %q, want %q", r.Payload.Title, "Grasping")
		}
		if seen[r.Payload.Ordinal] {
			t.Errorf("duplicate ordinal %d", r.Payload.Ordinal)
		}
		seen[r.Payload.Ordinal] = true
	}
}
