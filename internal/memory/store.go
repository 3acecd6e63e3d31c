package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// memoryCols is the standard SELECT column list for the scan helpers.
const memoryCols = `id, owner_id, case_id, content, category, importance,
	decay_score, access_count, last_accessed_at, active, created_at, updated_at`

// relevanceExpr ranks a finding for recall: cosine similarity weighted
// by recency decay, importance, and category, clamped to 1.0. The
// vector parameter must be $1.
const relevanceExpr = `LEAST(1.0, (1 - (embedding <=> $1))
	* decay_score * importance
	* CASE category
	      WHEN 'legal_brief' THEN 1.2
	      WHEN 'case_law' THEN 1.15
	      WHEN 'contract' THEN 1.1
	      ELSE 1.0
	  END)`

const insertMemorySQL = `
	INSERT INTO research_memories (owner_id, case_id, content, category, importance, embedding)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (owner_id, md5(content)) WHERE active
	DO UPDATE SET category = EXCLUDED.category,
	              case_id = EXCLUDED.case_id,
	              importance = EXCLUDED.importance,
	              embedding = EXCLUDED.embedding,
	              decay_score = 1.0,
	              last_accessed_at = now(),
	              updated_at = now()
	RETURNING ` + memoryCols

// Store persists findings in the research_memories table. It operates
// on pre-computed vectors; embedding is the caller's concern.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a memory store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Save inserts a finding with near-duplicate handling.
//
// Two-threshold dedup against the owner's nearest stored finding:
//
//  1. similarity >= 0.95: merge into the existing row (revives it if
//     it was archived)
//  2. similarity in [0.85, 0.95) with an arbitrator: ask it whether the
//     candidate replaces, coexists with, or duplicates the existing one
//  3. otherwise: insert
//
// The transaction takes a per-owner advisory lock so concurrent saves
// for the same owner cannot race the nearest-neighbor read. Different
// owners proceed in parallel.
func (s *Store) Save(ctx context.Context, p SaveParams, vec pgvector.Vector, arb Arbitrator) (*Memory, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	// pg_advisory_xact_lock releases automatically at commit/rollback.
	if _, lockErr := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.OwnerID.String()); lockErr != nil {
		return nil, fmt.Errorf("acquiring advisory lock: %w", lockErr)
	}

	nearest, similarity, found, err := findNearest(ctx, tx, vec, p.OwnerID)
	if err != nil {
		return nil, err
	}

	var saved *Memory
	if found {
		saved, err = s.saveWithDedup(ctx, tx, nearest, similarity, p, vec, arb)
	} else {
		saved, err = insertRow(ctx, tx, p, vec)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing memory transaction: %w", err)
	}
	return saved, nil
}

// nearestNeighbor holds the result of a nearest-neighbor lookup.
type nearestNeighbor struct {
	id      uuid.UUID
	active  bool
	content string
}

// findNearest finds the owner's nearest finding for dedup, archived
// rows included so a re-asserted finding revives instead of
// duplicating. Returns found=false when the owner has none.
func findNearest(ctx context.Context, q querier, vec pgvector.Vector, ownerID uuid.UUID) (nn nearestNeighbor, similarity float64, found bool, err error) {
	queryErr := q.QueryRow(ctx,
		`SELECT id, active, content, 1 - (embedding <=> $1) AS similarity
		 FROM research_memories
		 WHERE owner_id = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT 1`,
		vec, ownerID,
	).Scan(&nn.id, &nn.active, &nn.content, &similarity)

	switch {
	case errors.Is(queryErr, pgx.ErrNoRows):
		return nearestNeighbor{}, 0, false, nil
	case queryErr != nil:
		return nearestNeighbor{}, 0, false, fmt.Errorf("querying nearest finding: %w", queryErr)
	default:
		return nn, similarity, true, nil
	}
}

// saveWithDedup applies the two-threshold dedup decision.
func (s *Store) saveWithDedup(ctx context.Context, q querier, nn nearestNeighbor, similarity float64,
	p SaveParams, vec pgvector.Vector, arb Arbitrator) (*Memory, error) {

	if similarity >= AutoMergeThreshold {
		m, err := mergeRow(ctx, q, nn.id, p, vec)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("auto-merged finding", "id", nn.id, "similarity", similarity)
		return m, nil
	}

	if similarity >= ArbitrationThreshold && arb != nil {
		arbCtx, cancel := context.WithTimeout(ctx, ArbitrationTimeout)
		defer cancel()

		result, arbErr := arb.Arbitrate(arbCtx, nn.content, p.Content)
		if arbErr == nil {
			return s.applyArbitration(ctx, q, result, nn, p, vec)
		}
		s.logger.Warn("arbitration failed, inserting candidate", "error", arbErr)
	}

	return insertRow(ctx, q, p, vec)
}

// applyArbitration executes the arbitrator's decision.
func (s *Store) applyArbitration(ctx context.Context, q querier, result *ArbitrationResult,
	nn nearestNeighbor, p SaveParams, vec pgvector.Vector) (*Memory, error) {

	switch result.Operation {
	case OpNoop:
		s.logger.Debug("arbitration: noop, keeping existing finding",
			"existing_id", nn.id, "reasoning", truncate(result.Reasoning, 200))
		m, err := scanMemory(q.QueryRow(ctx,
			`SELECT `+memoryCols+` FROM research_memories WHERE id = $1`, nn.id))
		if err != nil {
			return nil, fmt.Errorf("loading existing finding: %w", err)
		}
		return m, nil

	case OpUpdate:
		s.logger.Debug("arbitration: candidate replaces existing",
			"existing_id", nn.id, "reasoning", truncate(result.Reasoning, 200))
		return mergeRow(ctx, q, nn.id, p, vec)

	case OpAdd:
		s.logger.Debug("arbitration: keeping both findings",
			"existing_id", nn.id, "reasoning", truncate(result.Reasoning, 200))
		return insertRow(ctx, q, p, vec)

	default:
		s.logger.Warn("unknown arbitration operation, inserting candidate", "operation", result.Operation)
		return insertRow(ctx, q, p, vec)
	}
}

// mergeRow overwrites an existing finding with the candidate and
// resets its recency.
func mergeRow(ctx context.Context, q querier, id uuid.UUID, p SaveParams, vec pgvector.Vector) (*Memory, error) {
	m, err := scanMemory(q.QueryRow(ctx,
		`UPDATE research_memories
		 SET content = $1, embedding = $2, category = $3, case_id = $4,
		     importance = $5, decay_score = 1.0, last_accessed_at = now(),
		     active = true, updated_at = now()
		 WHERE id = $6
		 RETURNING `+memoryCols,
		p.Content, vec, p.Category, p.CaseID, p.Importance, id,
	))
	if err != nil {
		return nil, fmt.Errorf("merging finding: %w", err)
	}
	return m, nil
}

// insertRow inserts a new finding. Exact content duplicates fall into
// the dedup index and refresh the existing row instead.
func insertRow(ctx context.Context, q querier, p SaveParams, vec pgvector.Vector) (*Memory, error) {
	m, err := scanMemory(q.QueryRow(ctx, insertMemorySQL,
		p.OwnerID, p.CaseID, p.Content, p.Category, p.Importance, vec,
	))
	if err != nil {
		return nil, fmt.Errorf("inserting finding: %w", err)
	}
	return m, nil
}

// Search returns the owner's findings most relevant to the query
// vector, best first. Findings below the relevance cutoff are dropped
// even when fewer than topK remain. With a case scope, case-bound and
// owner-global findings qualify; without one, everything does.
func (s *Store) Search(ctx context.Context, vec pgvector.Vector, ownerID uuid.UUID, caseID *uuid.UUID, topK int) ([]*Memory, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	inner := `SELECT ` + memoryCols + `, ` + relevanceExpr + ` AS relevance
		FROM research_memories
		WHERE owner_id = $2 AND active AND embedding IS NOT NULL`
	args := []any{vec, ownerID}

	if caseID != nil {
		args = append(args, *caseID)
		inner += fmt.Sprintf(" AND (case_id = $%d OR case_id IS NULL)", len(args))
	}

	args = append(args, MinRelevance)
	cutoff := len(args)
	args = append(args, topK)

	query := fmt.Sprintf(`SELECT %s, relevance FROM (%s) ranked
		WHERE relevance > $%d::float8
		ORDER BY relevance DESC, id ASC
		LIMIT $%d`, memoryCols, inner, cutoff, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching findings: %w", err)
	}
	defer rows.Close()

	return scanMemoriesWithRelevance(rows)
}

// Recent returns the owner's latest active findings, newest first.
func (s *Store) Recent(ctx context.Context, ownerID uuid.UUID, caseID *uuid.UUID, limit int) ([]*Memory, error) {
	query := `SELECT ` + memoryCols + ` FROM research_memories WHERE owner_id = $1 AND active`
	args := []any{ownerID}

	if caseID != nil {
		args = append(args, *caseID)
		query += fmt.Sprintf(" AND (case_id = $%d OR case_id IS NULL)", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC, id ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing recent findings: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// Touch restores full recency for the given findings and bumps their
// access counters. Best-effort from Recall; a partial update is
// acceptable because access tracking is advisory, not authoritative.
func (s *Store) Touch(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE research_memories
		 SET access_count = access_count + 1,
		     last_accessed_at = now(),
		     decay_score = 1.0
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("touching %d findings: %w", len(ids), err)
	}
	return nil
}

// UpdateDecayScores recomputes decay for all active findings from time
// since last access. Returns the number of rows updated.
//
// The Go-side reference formula must stay in sync with the SQL:
//
//	Go:  max(0.1, 1 - 0.1*days)
//	SQL: GREATEST($1, 1 - $2 * extract(epoch from (now() - last_accessed_at)) / 86400)
//
// NOTE: The explicit ::float8 casts are required because pgx v5 sends
// Go float64 as an untyped parameter, and PostgreSQL can infer it as
// integer, silently truncating the value. See github.com/jackc/pgx/issues/2125.
func (s *Store) UpdateDecayScores(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_memories
		 SET decay_score = GREATEST($1::float8,
		     1.0 - $2::float8 * extract(epoch from (now() - last_accessed_at)) / 86400.0)
		 WHERE active`,
		float64(decayFloor), float64(decayPerDay),
	)
	if err != nil {
		return 0, fmt.Errorf("updating decay scores: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeactivateStale archives findings whose decayed weight has dropped
// below the stale threshold. Operates globally, all owners. Returns the
// number of findings archived.
func (s *Store) DeactivateStale(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_memories
		 SET active = false, updated_at = now()
		 WHERE active AND decay_score * importance < $1::float8`,
		float64(staleThreshold),
	)
	if err != nil {
		return 0, fmt.Errorf("archiving stale findings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Deactivate archives a finding after verifying ownership. Returns the
// archived finding, ErrNotFound if no active finding has the ID, or
// ErrForbidden if it belongs to another owner.
func (s *Store) Deactivate(ctx context.Context, id, ownerID uuid.UUID) (*Memory, error) {
	var dbOwner uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id FROM research_memories WHERE id = $1 AND active`, id,
	).Scan(&dbOwner)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading finding owner: %w", err)
	}
	if dbOwner != ownerID {
		return nil, ErrForbidden
	}

	m, err := scanMemory(s.pool.QueryRow(ctx,
		`UPDATE research_memories
		 SET active = false, updated_at = now()
		 WHERE id = $1
		 RETURNING `+memoryCols, id,
	))
	if err != nil {
		return nil, fmt.Errorf("archiving finding: %w", err)
	}
	return m, nil
}

// Count returns the number of active findings for an owner.
func (s *Store) Count(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM research_memories WHERE owner_id = $1 AND active`, ownerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting findings: %w", err)
	}
	return n, nil
}

// decayScore is the Go-side reference for the SQL decay formula, kept
// for tests.
func decayScore(elapsed time.Duration) float64 {
	days := elapsed.Hours() / 24
	return max(decayFloor, 1.0-decayPerDay*days)
}

func scanMemory(row pgx.Row) (*Memory, error) {
	var m Memory
	err := row.Scan(&m.ID, &m.OwnerID, &m.CaseID, &m.Content, &m.Category,
		&m.Importance, &m.DecayScore, &m.AccessCount, &m.LastAccessedAt,
		&m.Active, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMemories(rows pgx.Rows) ([]*Memory, error) {
	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning finding: %w", err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating findings: %w", err)
	}
	return memories, nil
}

func scanMemoriesWithRelevance(rows pgx.Rows) ([]*Memory, error) {
	var memories []*Memory
	for rows.Next() {
		var m Memory
		err := rows.Scan(&m.ID, &m.OwnerID, &m.CaseID, &m.Content, &m.Category,
			&m.Importance, &m.DecayScore, &m.AccessCount, &m.LastAccessedAt,
			&m.Active, &m.CreatedAt, &m.UpdatedAt, &m.Relevance)
		if err != nil {
			return nil, fmt.Errorf("scanning ranked finding: %w", err)
		}
		memories = append(memories, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ranked findings: %w", err)
	}
	return memories, nil
}
