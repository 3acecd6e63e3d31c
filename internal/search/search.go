// Package search indexes evidence text and answers semantic queries
// over it. PostgreSQL with pgvector is the system of record and the
// primary query path; an optional Qdrant index serves as a secondary
// recall path, kept in step through a transactional outbox. The router
// consults the secondary only when the primary's answer looks weak.
package search

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/chunk"
)

var (
	// ErrNotFound is returned when a chunk does not exist.
	ErrNotFound = errors.New("chunk not found")
	// ErrEmptyQuery is returned when the query text is blank.
	ErrEmptyQuery = errors.New("search query is empty")
	// ErrQueueFull is returned when the async indexing queue cannot
	// accept more work.
	ErrQueueFull = errors.New("index queue full")
	// ErrClosed is returned when work is submitted after shutdown began.
	ErrClosed = errors.New("indexer closed")
)

// Route names which retrieval path produced a response. The values
// appear as metric labels.
type Route string

const (
	// RoutePrimary means pgvector alone answered.
	RoutePrimary Route = "pgvector"
	// RouteMerged means Qdrant results were merged into the primary's.
	RouteMerged Route = "merged"
	// RouteDegraded means Qdrant was consulted but failed, so the
	// primary results stand alone.
	RouteDegraded Route = "degraded"
)

// Query is one retrieval request.
type Query struct {
	// Text is the natural-language query.
	Text string
	// CaseID scopes results to one case when non-nil.
	CaseID *uuid.UUID
	// Domains keeps only chunks in the given practice areas.
	Domains []chunk.Domain
	// MinConfidence drops chunks classified below this confidence.
	MinConfidence float32
	// TopK is the requested result count; zero means the configured
	// default.
	TopK int
}

// Result is one retrieved chunk.
type Result struct {
	ChunkID    uuid.UUID    `json:"chunk_id"`
	EvidenceID uuid.UUID    `json:"evidence_id"`
	CaseID     uuid.UUID    `json:"case_id"`
	Content    string       `json:"content"`
	Section    string       `json:"section,omitempty"`
	Domain     chunk.Domain `json:"legal_domain"`
	Confidence float32      `json:"confidence"`
	// Score is the retrieval score in [0, 1], comparable across paths.
	Score float64 `json:"score"`
}

// Response carries the results plus which route produced them.
type Response struct {
	Results []Result      `json:"results"`
	Route   Route         `json:"route"`
	Took    time.Duration `json:"took"`
}
