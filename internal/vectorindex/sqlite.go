package vectorindex

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Compile-time check that SQLite implements Index.
var _ Index = (*SQLite)(nil)

// SQLite provides vector storage and brute-force cosine similarity search
// backed by a local SQLite file. It is the default backend when no Qdrant
// host is configured, and what the tests run against.
//
// Brute-force scan is fine for a course corpus (thousands of chunks). If the
// corpus ever grows past ~100K vectors, switch to the Qdrant backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the vector database in dataDir.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func OpenSQLite(dataDir string) (*SQLite, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vectors.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening vector database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging vector database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	return &SQLite{db: db}, nil
}

// EnsureCollection drops any existing chunk table and recreates it empty with
// the given embedding dimension.
func (s *SQLite) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning collection transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DROP TABLE IF EXISTS chunks`,
		`DROP TABLE IF EXISTS collection_info`,
		`CREATE TABLE chunks (
			id INTEGER PRIMARY KEY,
			embedding BLOB NOT NULL,
			text TEXT NOT NULL,
			source TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			title TEXT NOT NULL
		)`,
		`CREATE TABLE collection_info (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			dimension INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("recreating collection: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO collection_info (id, dimension) VALUES (1, ?)`, dimension); err != nil {
		return fmt.Errorf("recording collection dimension: %w", err)
	}

	return tx.Commit()
}

// dimension returns the configured embedding dimension, or ErrUnavailable if
// the collection has never been created.
func (s *SQLite) dimension(ctx context.Context) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM collection_info WHERE id = 1`).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) {
		return 0, fmt.Errorf("collection not initialized: %w", ErrUnavailable)
	}
	if err != nil {
		return 0, fmt.Errorf("reading collection dimension: %w", err)
	}
	return dim, nil
}

// isMissingTable reports whether err is SQLite's "no such table" error, which
// we get when searching before any ingestion has run.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// Upsert writes a batch of records in a single transaction. Records with
// existing ids are replaced.
func (s *SQLite) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	dim, err := s.dimension(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		if len(r.Vector) != dim {
			return fmt.Errorf("record %d has %d dimensions, collection expects %d: %w",
				r.ID, len(r.Vector), dim, ErrDimensionMismatch)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks (id, embedding, text, source, ordinal, title)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		blob := encodeFloat32s(r.Vector)
		if _, err := stmt.ExecContext(ctx, r.ID, blob, r.Payload.Text, r.Payload.Source, r.Payload.Ordinal, r.Payload.Title); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting record %d: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the id and score during the scan phase of Search.
// Full payloads are fetched only for top-K winners.
type idScore struct {
	ID    uint64
	Score float32
}

// Search performs brute-force cosine similarity search over all vectors,
// returning the top-K most similar records. Equal scores rank by lower id.
func (s *SQLite) Search(ctx context.Context, vector []float32, topK int) ([]Scored, error) {
	if topK <= 0 {
		return nil, nil
	}
	if _, err := s.dimension(ctx); err != nil {
		return nil, err
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id uint64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %d: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		cand := idScore{ID: id, Score: score}
		if h.Len() < topK {
			heap.Push(h, cand)
		} else if ranksAbove(cand, (*h)[0]) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K ids.
	scores := make(map[uint64]float32, h.Len())
	queryArgs := make([]interface{}, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		scores[item.ID] = item.Score
		queryArgs = append(queryArgs, item.ID)
	}
	fullQuery := `SELECT id, text, source, ordinal, title, embedding
		FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(queryArgs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	var results []Scored
	for fullRows.Next() {
		var r Record
		var blob []byte
		if err := fullRows.Scan(&r.ID, &r.Payload.Text, &r.Payload.Source, &r.Payload.Ordinal, &r.Payload.Title, &blob); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %d: %w", r.ID, err)
		}
		r.Vector = vec
		results = append(results, Scored{Record: r, Score: scores[r.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

// Count returns the number of records in the collection. A collection that
// has never been created counts as empty.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	if isMissingTable(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ranksAbove reports whether a should rank above b in search results:
// higher score first, lower id on ties.
func ranksAbove(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// sortByScore sorts Scored records by rank. Used for small slices (topK).
func sortByScore(results []Scored) {
	for i := 1; i < len(results); i++ {
		a := idScore{ID: results[i].ID, Score: results[i].Score}
		for j := i; j > 0; j-- {
			b := idScore{ID: results[j-1].ID, Score: results[j-1].Score}
			if !ranksAbove(a, b) {
				break
			}
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore: the root is the current worst-ranked
// candidate, evicted first when a better one arrives.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return ranksAbove(h[j], h[i]) }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
