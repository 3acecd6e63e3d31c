package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// IndexConfig configures the secondary Qdrant index.
type IndexConfig struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	UseTLS     bool
	Dims       int
}

// Point is one chunk embedding plus the payload the secondary index
// keeps for filtering. Content is a snippet, not the full chunk; hits
// are hydrated from PostgreSQL before they reach callers.
type Point struct {
	ChunkID    uuid.UUID
	EvidenceID uuid.UUID
	CaseID     uuid.UUID
	Domain     string
	Confidence float32
	Snippet    string
	Vector     []float32
}

// Hit is one secondary-index match.
type Hit struct {
	ChunkID uuid.UUID
	Score   float64
}

// Index wraps the Qdrant client for the chunk collection.
//
// Index is safe for concurrent use by multiple goroutines.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
}

// NewIndex connects to Qdrant. The collection is not touched until
// EnsureCollection.
func NewIndex(cfg IndexConfig, logger *slog.Logger) (*Index, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("qdrant host is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if cfg.Dims <= 0 {
		return nil, fmt.Errorf("dims must be positive, got %d", cfg.Dims)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       uint64(cfg.Dims),
		logger:     logger,
	}, nil
}

// EnsureCollection creates the chunk collection if it does not exist.
// Cosine distance matches the pgvector <=> operator, so scores from the
// two paths rank the same way.
func (ix *Index) EnsureCollection(ctx context.Context) error {
	exists, err := ix.client.CollectionExists(ctx, ix.collection)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}
	if exists {
		return nil
	}

	err = ix.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: ix.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     ix.dims,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %q: %w", ix.collection, err)
	}

	ix.logger.Info("qdrant collection created",
		"collection", ix.collection, "dims", ix.dims)
	return nil
}

// Upsert writes points to the collection, waiting for them to be
// persisted so the outbox worker's ack is meaningful.
func (ix *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ChunkID.String()),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"evidence_id":  p.EvidenceID.String(),
				"case_id":      p.CaseID.String(),
				"legal_domain": p.Domain,
				"confidence":   float64(p.Confidence),
				"snippet":      p.Snippet,
			}),
		}
	}

	_, err := ix.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: ix.collection,
		Points:         qpoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

// Delete removes points by chunk ID. Deleting an absent point is not an
// error, which keeps replayed delete ops idempotent.
func (ix *Index) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id.String())
	}

	_, err := ix.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: ix.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("deleting %d points: %w", len(ids), err)
	}
	return nil
}

// Query runs ANN search, optionally filtered to one case. Scores are
// cosine similarity as reported by Qdrant.
func (ix *Index) Query(ctx context.Context, vec []float32, caseID *uuid.UUID, limit int) ([]Hit, error) {
	req := &qdrant.QueryPoints{
		CollectionName: ix.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)), //nolint:gosec // limit is validated positive by callers
	}
	if caseID != nil {
		req.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("case_id", caseID.String()),
			},
		}
	}

	points, err := ix.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("querying qdrant: %w", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		id, err := uuid.Parse(p.GetId().GetUuid())
		if err != nil {
			ix.logger.Warn("qdrant returned non-uuid point id", "id", p.GetId())
			continue
		}
		hits = append(hits, Hit{ChunkID: id, Score: float64(p.GetScore())})
	}
	return hits, nil
}

// Healthy reports whether the Qdrant service answers.
func (ix *Index) Healthy(ctx context.Context) error {
	if _, err := ix.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (ix *Index) Close() error {
	return ix.client.Close()
}
