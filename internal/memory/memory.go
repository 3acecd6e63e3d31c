// Package memory persists distilled research findings across assistant
// sessions.
//
// A finding is a short statement the assistant judged worth keeping
// ("The 2019 amendment caps liquidated damages at 1.5x fees"), owned by
// a user and optionally scoped to a case. Recall ranks findings by
// vector similarity weighted by recency decay, importance, and the
// category of the finding, so fresh case-law beats stale trivia.
//
// Layering mirrors the search package: Store speaks vectors and SQL,
// Service owns embedding, sanitizing, and the Redis cache.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/casewire/casewire/internal/chunk"
	"github.com/casewire/casewire/internal/search"
)

var (
	// ErrNotFound is returned when a finding does not exist.
	ErrNotFound = errors.New("memory not found")
	// ErrForbidden is returned when a finding belongs to another owner.
	ErrForbidden = errors.New("memory belongs to another owner")
)

const (
	// MaxContentLength bounds one finding.
	MaxContentLength = 4000
	// DefaultTopK is the recall result count when unspecified.
	DefaultTopK = 5
	// MaxTopK caps recall result counts.
	MaxTopK = 20
	// MinRelevance drops recall results that are barely related.
	MinRelevance = 0.3

	// AutoMergeThreshold is the cosine similarity above which a new
	// finding silently merges into its nearest stored neighbor.
	AutoMergeThreshold = 0.95
	// ArbitrationThreshold opens the band [0.85, 0.95) in which an
	// arbitrator decides between merging and coexisting.
	ArbitrationThreshold = 0.85

	// decayPerDay is the linear relevance loss per day since last
	// access; decayFloor keeps old findings discoverable.
	decayPerDay = 0.1
	decayFloor  = 0.1
	// staleThreshold archives findings whose effective weight
	// (decay * importance) has fallen below it. With the 0.1 floor,
	// findings at importance >= 0.5 never age out.
	staleThreshold = 0.05

	// DecayInterval is how often the scheduler re-scores findings.
	DecayInterval = 24 * time.Hour

	// cacheTTL bounds the Redis recent-findings cache.
	cacheTTL = time.Hour
)

// Category classifies a finding. The values match the research_memories
// CHECK constraint.
type Category string

const (
	CategoryLegalBrief Category = "legal_brief"
	CategoryCaseLaw    Category = "case_law"
	CategoryContract   Category = "contract"
	CategoryFinding    Category = "finding"
	CategoryGeneral    Category = "general"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryLegalBrief, CategoryCaseLaw, CategoryContract, CategoryFinding, CategoryGeneral:
		return true
	}
	return false
}

// Boost is the relevance multiplier for the category. Authored legal
// analysis outranks general notes at equal similarity.
func (c Category) Boost() float64 {
	switch c {
	case CategoryLegalBrief:
		return 1.2
	case CategoryCaseLaw:
		return 1.15
	case CategoryContract:
		return 1.1
	default:
		return 1.0
	}
}

// Memory is one stored research finding.
type Memory struct {
	ID             uuid.UUID  `json:"id"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	CaseID         *uuid.UUID `json:"case_id,omitempty"`
	Content        string     `json:"content"`
	Category       Category   `json:"category"`
	Importance     float32    `json:"importance"`
	DecayScore     float32    `json:"decay_score"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Relevance is populated by Recall.
	Relevance float64 `json:"relevance,omitempty"`
}

// SaveParams describes a finding to remember.
type SaveParams struct {
	OwnerID  uuid.UUID
	CaseID   *uuid.UUID
	Content  string
	Category Category
	// Importance in (0, 1]; zero means derive it from the content.
	Importance float32
}

// RecallQuery asks for findings relevant to a question.
type RecallQuery struct {
	OwnerID uuid.UUID
	CaseID  *uuid.UUID
	Text    string
	TopK    int
}

// ServiceConfig configures the memory service.
type ServiceConfig struct {
	Store    *Store
	Embedder *search.Embedder
	// Redis is optional; without it Recent skips its cache.
	Redis  *redis.Client
	Logger *slog.Logger
	// Arbitrator is optional; without it near-duplicate saves insert.
	Arbitrator Arbitrator
}

func (cfg ServiceConfig) validate() error {
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.Embedder == nil {
		return fmt.Errorf("embedder is required")
	}
	return nil
}

// Service is the research memory front door.
//
// Service is safe for concurrent use by multiple goroutines.
type Service struct {
	store      *Store
	embedder   *search.Embedder
	redis      *redis.Client
	logger     *slog.Logger
	arbitrator Arbitrator
}

// NewService creates a memory Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		redis:      cfg.Redis,
		logger:     logger,
		arbitrator: cfg.Arbitrator,
	}, nil
}

// Remember sanitizes and stores a finding. Content that still contains
// secrets after line redaction is rejected. Unset importance is derived
// from the content's legal-term density.
func (s *Service) Remember(ctx context.Context, p SaveParams) (*Memory, error) {
	p.Content = strings.TrimSpace(SanitizeLines(p.Content))
	if err := validateSave(p); err != nil {
		return nil, err
	}
	if p.Importance <= 0 || p.Importance > 1 {
		p.Importance = chunk.Confidence(p.Content)
	}

	vec, err := s.embedder.EmbedOne(ctx, p.Content)
	if err != nil {
		return nil, fmt.Errorf("embedding finding: %w", err)
	}

	m, err := s.store.Save(ctx, p, vec, s.arbitrator)
	if err != nil {
		return nil, err
	}
	s.invalidateRecent(ctx, p.OwnerID, p.CaseID)
	return m, nil
}

// Recall returns the findings most relevant to the query text, ranked
// by similarity * decay * importance * category boost. Returned
// findings get their access tracking bumped best-effort.
func (s *Service) Recall(ctx context.Context, q RecallQuery) ([]*Memory, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" || q.OwnerID == uuid.Nil {
		return nil, nil
	}
	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	topK = min(topK, MaxTopK)

	vec, err := s.embedder.EmbedOne(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding recall query: %w", err)
	}

	found, err := s.store.Search(ctx, vec, q.OwnerID, q.CaseID, topK)
	if err != nil {
		return nil, err
	}

	if len(found) > 0 {
		ids := make([]uuid.UUID, len(found))
		for i, m := range found {
			ids[i] = m.ID
		}
		if err := s.store.Touch(ctx, ids); err != nil {
			s.logger.Warn("bumping memory access failed", "error", err)
		}
	}
	return found, nil
}

// Recent returns the latest findings for an owner and optional case,
// served from Redis when possible. It backs prompt priming, where mild
// staleness is acceptable.
func (s *Service) Recent(ctx context.Context, ownerID uuid.UUID, caseID *uuid.UUID, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = DefaultTopK
	}

	key := recentKey(ownerID, caseID)
	if s.redis != nil {
		if raw, err := s.redis.Get(ctx, key).Bytes(); err == nil {
			var cached []*Memory
			if err := json.Unmarshal(raw, &cached); err == nil {
				if len(cached) > limit {
					cached = cached[:limit]
				}
				return cached, nil
			}
		}
	}

	found, err := s.store.Recent(ctx, ownerID, caseID, limit)
	if err != nil {
		return nil, err
	}
	if s.redis != nil && len(found) > 0 {
		if raw, err := json.Marshal(found); err == nil {
			if err := s.redis.Set(ctx, key, raw, cacheTTL).Err(); err != nil {
				s.logger.Debug("caching recent findings failed", "error", err)
			}
		}
	}
	return found, nil
}

// Forget soft-deletes a finding after checking ownership.
func (s *Service) Forget(ctx context.Context, id, ownerID uuid.UUID) error {
	m, err := s.store.Deactivate(ctx, id, ownerID)
	if err != nil {
		return err
	}
	s.invalidateRecent(ctx, ownerID, m.CaseID)
	return nil
}

func (s *Service) invalidateRecent(ctx context.Context, ownerID uuid.UUID, caseID *uuid.UUID) {
	if s.redis == nil {
		return
	}
	keys := []string{recentKey(ownerID, nil)}
	if caseID != nil {
		keys = append(keys, recentKey(ownerID, caseID))
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		s.logger.Debug("invalidating recent-findings cache failed", "error", err)
	}
}

func recentKey(ownerID uuid.UUID, caseID *uuid.UUID) string {
	if caseID == nil {
		return fmt.Sprintf("memory:%s:", ownerID)
	}
	return fmt.Sprintf("memory:%s:%s", ownerID, caseID)
}

func validateSave(p SaveParams) error {
	if p.OwnerID == uuid.Nil {
		return fmt.Errorf("owner is required")
	}
	if p.Content == "" {
		return fmt.Errorf("content is required")
	}
	if len(p.Content) > MaxContentLength {
		return fmt.Errorf("content length %d exceeds maximum %d", len(p.Content), MaxContentLength)
	}
	if !p.Category.Valid() {
		return fmt.Errorf("invalid category: %q", p.Category)
	}
	if ContainsSecrets(p.Content) {
		return fmt.Errorf("content contains potential secrets")
	}
	return nil
}

// FormatFindings renders recalled findings for prompt injection under a
// token budget. Content is flattened so a finding cannot smuggle
// instruction boundaries into the prompt.
func FormatFindings(findings []*Memory, maxTokens int) string {
	if len(findings) == 0 {
		return ""
	}
	maxChars := maxTokens * 4

	var b strings.Builder
	b.WriteString("Prior research findings:\n")
	for _, m := range findings {
		line := "- " + flattenContent(m.Content) + "\n"
		if b.Len()+len(line) > maxChars {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// flattenContent strips markup and newlines from finding content before
// it enters a prompt.
func flattenContent(s string) string {
	s = strings.NewReplacer(
		"<", "",
		">", "",
		"`", "",
		"\n", " ",
		"\r", " ",
	).Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
