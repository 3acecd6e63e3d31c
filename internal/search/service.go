package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/metrics"
)

// maxSecondaryTerms is the short-query cutoff for the secondary path.
// Long queries lean on the full-text component, which only the primary
// has; consulting Qdrant for them adds latency without recall.
const maxSecondaryTerms = 12

// ServiceConfig configures the search router.
type ServiceConfig struct {
	Store    *Store
	Index    *Index // nil disables the secondary path
	Embedder *Embedder
	Logger   *slog.Logger
	Metrics  *metrics.Metrics // nil disables instrumentation

	// Threshold is the primary score below which the secondary is
	// consulted.
	Threshold float64
	// DefaultTopK applies when a query does not give a TopK.
	DefaultTopK int
	// MaxTopK caps the per-query TopK.
	MaxTopK int
}

func (cfg ServiceConfig) validate() error {
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.Embedder == nil {
		return fmt.Errorf("embedder is required")
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %v", cfg.Threshold)
	}
	return nil
}

// Service routes retrieval between the pgvector primary and the
// optional Qdrant secondary.
//
// The primary always runs: it holds the authoritative rows and the only
// full-text signal. The secondary is consulted when the primary's
// answer looks weak (too few results, or a best score under the
// configured threshold) and the query is short enough that pure ANN
// recall can plausibly help.
//
// Service is safe for concurrent use by multiple goroutines.
type Service struct {
	store    *Store
	index    *Index
	embedder *Embedder
	logger   *slog.Logger
	metrics  *metrics.Metrics

	threshold   float64
	defaultTopK int
	maxTopK     int
}

// NewService creates a search Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultTopK := cfg.DefaultTopK
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	maxTopK := cfg.MaxTopK
	if maxTopK <= 0 {
		maxTopK = 20
	}

	return &Service{
		store:       cfg.Store,
		index:       cfg.Index,
		embedder:    cfg.Embedder,
		logger:      logger,
		metrics:     cfg.Metrics,
		threshold:   cfg.Threshold,
		defaultTopK: defaultTopK,
		maxTopK:     maxTopK,
	}, nil
}

// SecondaryEnabled reports whether a Qdrant index is wired in.
func (s *Service) SecondaryEnabled() bool { return s.index != nil }

// Search answers a retrieval query.
func (s *Service) Search(ctx context.Context, q Query) (*Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}
	topK := q.TopK
	if topK <= 0 {
		topK = s.defaultTopK
	}
	topK = min(topK, s.maxTopK)

	start := time.Now()

	vec, err := s.embedder.EmbedOne(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	filter := Filter{CaseID: q.CaseID, Domains: q.Domains, MinConfidence: q.MinConfidence}
	primary, err := s.store.Hybrid(ctx, vec, q.Text, filter, topK)
	if err != nil {
		return nil, fmt.Errorf("primary search: %w", err)
	}

	route := RoutePrimary
	results := primary
	if s.consultSecondary(q, primary, topK) {
		merged, ok := s.mergeSecondary(ctx, vec.Slice(), q, primary, topK)
		if ok {
			results = merged
			route = RouteMerged
		} else {
			route = RouteDegraded
		}
	}

	took := time.Since(start)
	if s.metrics != nil {
		s.metrics.SearchQueries.WithLabelValues(string(route)).Inc()
		s.metrics.SearchDuration.Observe(took.Seconds())
	}
	s.logger.Debug("search complete",
		"route", route, "results", len(results), "took", took)

	return &Response{Results: results, Route: route, Took: took}, nil
}

// consultSecondary is the routing heuristic.
func (s *Service) consultSecondary(q Query, primary []Result, topK int) bool {
	if s.index == nil {
		return false
	}
	if termCount(q.Text) > maxSecondaryTerms {
		return false
	}
	if len(primary) < (topK+1)/2 {
		return true
	}
	return bestScore(primary) < s.threshold
}

// mergeSecondary queries Qdrant and folds its hits into the primary
// results. Returns ok=false when the secondary path failed and the
// primary results should stand alone.
func (s *Service) mergeSecondary(ctx context.Context, vec []float32, q Query, primary []Result, topK int) ([]Result, bool) {
	hits, err := s.index.Query(ctx, vec, q.CaseID, topK)
	if err != nil {
		s.logger.Warn("secondary search failed, serving primary results", "error", err)
		return nil, false
	}

	byID := make(map[string]Result, len(primary)+len(hits))
	for _, r := range primary {
		byID[r.ChunkID.String()] = r
	}

	// Hydrate hits the primary did not return: the secondary stores
	// only a snippet, and the row filters must still hold.
	var missing []Hit
	for _, h := range hits {
		if _, ok := byID[h.ChunkID.String()]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		chunkIDs := make([]uuid.UUID, 0, len(missing))
		for _, h := range missing {
			chunkIDs = append(chunkIDs, h.ChunkID)
		}
		rowsByID, err := s.store.ByIDs(ctx, chunkIDs)
		if err != nil {
			s.logger.Warn("hydrating secondary hits failed, serving primary results", "error", err)
			return nil, false
		}
		for _, h := range missing {
			row, ok := rowsByID[h.ChunkID]
			if !ok {
				continue // deleted since indexing; outbox will catch up
			}
			if !matchesFilter(row, q) {
				continue
			}
			// The secondary reports plain cosine similarity. Scale it
			// by the vector weight so it ranks against hybrid scores,
			// whose text component these hits did not earn.
			row.Score = clamp01(h.Score * vectorWeight)
			byID[row.ChunkID.String()] = row
		}
	}

	// Primary-overlapping hits keep the higher of the two scores.
	for _, h := range hits {
		if r, ok := byID[h.ChunkID.String()]; ok {
			if scaled := clamp01(h.Score * vectorWeight); scaled > r.Score {
				r.Score = scaled
				byID[h.ChunkID.String()] = r
			}
		}
	}

	merged := make([]Result, 0, len(byID))
	for _, r := range byID {
		merged = append(merged, r)
	}
	sortResults(merged)
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, true
}

// sortResults orders by score descending with chunk ID as a
// deterministic tiebreak.
func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		return rs[i].ChunkID.String() < rs[j].ChunkID.String()
	})
}

// matchesFilter re-applies query filters to a hydrated row.
func matchesFilter(r Result, q Query) bool {
	if q.MinConfidence > 0 && r.Confidence < q.MinConfidence {
		return false
	}
	if len(q.Domains) > 0 {
		found := false
		for _, d := range q.Domains {
			if r.Domain == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func bestScore(rs []Result) float64 {
	best := 0.0
	for _, r := range rs {
		if r.Score > best {
			best = r.Score
		}
	}
	return best
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
