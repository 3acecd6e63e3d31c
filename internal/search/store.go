package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/casewire/casewire/internal/chunk"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Weights of the hybrid score. Vector similarity dominates; the
// full-text rank breaks ties between chunks with similar embeddings and
// rewards exact term matches the embedding may have smoothed over.
const (
	vectorWeight = 0.7
	textWeight   = 0.3
)

// hybridScoreExpr combines cosine similarity with full-text rank. $1 is
// the query embedding, $2 the query text. Both components are computed
// in one pass so the planner can use the HNSW index for candidate
// ordering.
const hybridScoreExpr = `(` +
	`0.7 * (1 - (embedding <=> $1)) + ` +
	`0.3 * ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)))`

// Store persists evidence chunks and their outbox rows in PostgreSQL.
//
// Every mutation writes matching search_outbox rows in the same
// transaction, so the secondary index can be replayed to convergence no
// matter where the process dies.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a chunk Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Replace swaps the chunk set of one piece of evidence: existing chunks
// are deleted (queueing outbox delete ops) and the new ones inserted
// (queueing upsert ops), all in one transaction. chunks and vecs must
// be parallel slices.
func (s *Store) Replace(ctx context.Context, evidenceID, caseID uuid.UUID, chunks []chunk.Chunk, vecs []pgvector.Vector) error {
	if len(chunks) != len(vecs) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vecs))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if err := s.deleteChunks(ctx, tx, evidenceID); err != nil {
		return err
	}

	for i, ch := range chunks {
		var chunkID uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO evidence_chunks
				(evidence_id, case_id, chunk_index, content, section,
				 legal_domain, confidence, token_estimate, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			evidenceID, caseID, ch.Index, ch.Content, ch.Section,
			ch.Domain, ch.Confidence, ch.Tokens, vecs[i]).Scan(&chunkID)
		if err != nil {
			return fmt.Errorf("inserting chunk %d: %w", ch.Index, err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO search_outbox (chunk_id, op) VALUES ($1, 'upsert')`, chunkID)
		if err != nil {
			return fmt.Errorf("queueing upsert for chunk %d: %w", ch.Index, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	s.logger.Debug("chunks replaced",
		"evidence_id", evidenceID, "chunks", len(chunks))
	return nil
}

// DeleteByEvidence removes all chunks of one piece of evidence,
// queueing outbox delete ops in the same transaction.
func (s *Store) DeleteByEvidence(ctx context.Context, evidenceID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if err := s.deleteChunks(ctx, tx, evidenceID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// deleteChunks deletes the evidence's chunk rows inside tx and queues a
// delete op per removed chunk.
func (s *Store) deleteChunks(ctx context.Context, tx pgx.Tx, evidenceID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		WITH removed AS (
			DELETE FROM evidence_chunks WHERE evidence_id = $1 RETURNING id
		)
		INSERT INTO search_outbox (chunk_id, op)
		SELECT id, 'delete' FROM removed`, evidenceID)
	if err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

// Filter narrows a hybrid query.
type Filter struct {
	CaseID        *uuid.UUID
	Domains       []chunk.Domain
	MinConfidence float32
}

// Hybrid runs the blended vector + full-text query and returns up to
// topK results ordered by score descending.
func (s *Store) Hybrid(ctx context.Context, vec pgvector.Vector, text string, f Filter, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	query := `SELECT id, evidence_id, case_id, content, section, legal_domain, confidence,
		` + hybridScoreExpr + ` AS score
		FROM evidence_chunks
		WHERE embedding IS NOT NULL`
	args := []any{vec, text}

	if f.CaseID != nil {
		args = append(args, *f.CaseID)
		query += fmt.Sprintf(" AND case_id = $%d", len(args))
	}
	if len(f.Domains) > 0 {
		domains := make([]string, len(f.Domains))
		for i, d := range f.Domains {
			domains[i] = string(d)
		}
		args = append(args, domains)
		query += fmt.Sprintf(" AND legal_domain = ANY($%d)", len(args))
	}
	if f.MinConfidence > 0 {
		args = append(args, f.MinConfidence)
		query += fmt.Sprintf(" AND confidence >= $%d", len(args))
	}

	args = append(args, topK)
	query += fmt.Sprintf(" ORDER BY score DESC, id ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hybrid query: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// ByIDs loads chunk rows for the given IDs, scored zero. Used to
// hydrate secondary-index hits with authoritative row data. Missing IDs
// are silently absent from the result.
func (s *Store) ByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Result, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, evidence_id, case_id, content, section, legal_domain, confidence, 0
		FROM evidence_chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks by id: %w", err)
	}
	defer rows.Close()

	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]Result, len(results))
	for _, r := range results {
		out[r.ChunkID] = r
	}
	return out, nil
}

// Count returns the corpus size.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM evidence_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

// scanResults drains rows into Results.
func scanResults(rows pgx.Rows) ([]Result, error) {
	var out []Result
	for rows.Next() {
		var r Result
		err := rows.Scan(&r.ChunkID, &r.EvidenceID, &r.CaseID, &r.Content,
			&r.Section, &r.Domain, &r.Confidence, &r.Score)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return out, nil
}

// termCount counts whitespace-separated terms, used by the router's
// short-query heuristic.
func termCount(s string) int {
	return len(strings.Fields(s))
}
