package vectorindex

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// Compile-time check that Qdrant implements Index.
var _ Index = (*Qdrant)(nil)

// Qdrant stores vectors in a remote Qdrant collection over gRPC. Selected
// when a Qdrant host is configured; otherwise the SQLite backend is used.
type Qdrant struct {
	client     *qdrant.Client
	collection string
}

// QdrantOptions carries connection parameters for NewQdrant.
type QdrantOptions struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
}

// NewQdrant connects to a Qdrant instance. TLS is enabled whenever an API
// key is set, since Qdrant Cloud requires it.
func NewQdrant(opts QdrantOptions) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.APIKey != "",
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}
	return &Qdrant{client: client, collection: opts.Collection}, nil
}

// EnsureCollection deletes any existing collection with the configured name
// and recreates it empty with cosine distance.
func (q *Qdrant) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", q.collection, unavailable(err))
	}
	if exists {
		if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
			return fmt.Errorf("deleting collection %s: %w", q.collection, unavailable(err))
		}
	}

	if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(dimension),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	}); err != nil {
		return fmt.Errorf("creating collection %s: %w", q.collection, unavailable(err))
	}
	return nil
}

// Upsert writes a batch of points with Wait set, so subsequent searches see
// the batch as soon as the call returns.
func (q *Qdrant) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	pts := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		pts[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"text":    r.Payload.Text,
				"source":  r.Payload.Source,
				"ordinal": r.Payload.Ordinal,
				"title":   r.Payload.Title,
			}),
		}
	}

	wait := true
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         pts,
		Wait:           &wait,
	}); err != nil {
		return fmt.Errorf("upserting %d points: %w", len(pts), unavailable(err))
	}
	return nil
}

// Search returns the topK nearest points by cosine similarity.
func (q *Qdrant) Search(ctx context.Context, vector []float32, topK int) ([]Scored, error) {
	if topK <= 0 {
		return nil, nil
	}

	limit := uint64(topK)
	resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Limit:          &limit,
		Query:          qdrant.NewQuery(vector...),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", q.collection, unavailable(err))
	}

	var out []Scored
	for _, p := range resp {
		var r Record
		if p.Id != nil {
			if num, ok := p.Id.PointIdOptions.(*qdrant.PointId_Num); ok {
				r.ID = num.Num
			}
		}
		r.Payload = Payload{
			Text:    payloadString(p.Payload, "text"),
			Source:  payloadString(p.Payload, "source"),
			Ordinal: payloadInt(p.Payload, "ordinal"),
			Title:   payloadString(p.Payload, "title"),
		}
		out = append(out, Scored{Record: r, Score: p.Score})
	}
	return out, nil
}

// Count returns the exact number of points in the collection. A missing
// collection counts as empty.
func (q *Qdrant) Count(ctx context.Context) (int, error) {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return 0, fmt.Errorf("checking collection %s: %w", q.collection, unavailable(err))
	}
	if !exists {
		return 0, nil
	}

	exact := true
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("counting collection %s: %w", q.collection, unavailable(err))
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

// unavailable tags a transport-level qdrant error so callers can map it to a
// degraded response instead of a generic failure.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func payloadString(m map[string]*qdrant.Value, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	if s, ok := v.Kind.(*qdrant.Value_StringValue); ok {
		return s.StringValue
	}
	return ""
}

func payloadInt(m map[string]*qdrant.Value, key string) int {
	v, ok := m[key]
	if !ok {
		return 0
	}
	if n, ok := v.Kind.(*qdrant.Value_IntegerValue); ok {
		return int(n.IntegerValue)
	}
	return 0
}
