package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL              string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey           string
	CollectionPrefix string // one collection per space: <prefix>_<space>
	Dims             uint64
}

// Point is one video embedding to upsert into a space.
type Point struct {
	VideoID   string
	ChannelID string
	Embedding []float32
}

// QdrantIndex implements Searcher backed by Qdrant.
type QdrantIndex struct {
	client *qdrant.Client
	prefix string
	dims   uint64
	logger *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// The REST port (6333) maps to the gRPC port (6334).
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex creates a QdrantIndex and connects via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = "videos"
	}
	return &QdrantIndex{
		client: client,
		prefix: prefix,
		dims:   cfg.Dims,
		logger: logger,
	}, nil
}

// Collection returns the collection name for a space.
func (q *QdrantIndex) Collection(space Space) string {
	return q.prefix + "_" + string(space)
}

// EnsureCollections creates any missing per-space collection and its payload
// indexes. CreateFieldIndex is idempotent, so indexes are always ensured.
func (q *QdrantIndex) EnsureCollections(ctx context.Context) error {
	for _, space := range Spaces {
		name := q.Collection(space)
		exists, err := q.client.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("search: check collection %q exists: %w", name, err)
		}
		if !exists {
			m := uint64(16)
			efConstruct := uint64(128)
			if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     q.dims,
					Distance: qdrant.Distance_Cosine,
					HnswConfig: &qdrant.HnswConfigDiff{
						M:           &m,
						EfConstruct: &efConstruct,
					},
				}),
			}); err != nil {
				return fmt.Errorf("search: create collection %q: %w", name, err)
			}
			q.logger.Info("qdrant: created collection", "collection", name, "dims", q.dims)
		}

		keywordType := qdrant.FieldType_FieldTypeKeyword
		for _, field := range []string{"video_id", "channel_id"} {
			if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				FieldName:      field,
				FieldType:      &keywordType,
			}); err != nil {
				return fmt.Errorf("search: ensure index on %s.%s: %w", name, field, err)
			}
		}
	}
	return nil
}

// Search queries one space. Qdrant applies the score threshold server-side;
// results are re-ranked locally so ordering ties are deterministic.
func (q *QdrantIndex) Search(ctx context.Context, space Space, embedding []float32, limit int, threshold float64) ([]Result, error) {
	if !space.Valid() {
		return nil, fmt.Errorf("search: unknown space %q", space)
	}
	if limit <= 0 {
		limit = 10
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is small and positive
	scoreThreshold := float32(threshold)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.Collection(space),
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &fetchLimit,
		ScoreThreshold: &scoreThreshold,
		WithPayload:    qdrant.NewWithPayloadInclude("video_id"),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query %s: %w", space, err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		v, ok := sp.Payload["video_id"]
		if !ok || v.GetStringValue() == "" {
			q.logger.Warn("qdrant: point without video_id payload", "collection", q.Collection(space), "id", sp.Id.GetUuid())
			continue
		}
		results = append(results, Result{VideoID: v.GetStringValue(), Score: float64(sp.Score)})
	}
	return Rank(results, threshold, limit), nil
}

// Upsert inserts or updates video embeddings in one space.
func (q *QdrantIndex) Upsert(ctx context.Context, space Space, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if !space.Valid() {
		return fmt.Errorf("search: unknown space %q", space)
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(p.VideoID).String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(map[string]any{
				"video_id":   p.VideoID,
				"channel_id": p.ChannelID,
			}),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.Collection(space),
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points into %s: %w", len(points), space, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds and concurrent checks after expiry share one gRPC call.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// singleflight reuses the first caller's function, so the check runs on
	// its own context rather than any one caller's.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
