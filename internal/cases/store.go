package cases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// caseCols is the standard SELECT column list for scanCase.
const caseCols = `id, case_number, title, description, status, priority,
	created_by, assigned_to, metadata, created_at, updated_at, closed_at`

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store persists cases in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a case Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Create inserts a case, allocating the next case number for the current
// year. The counter upsert and the insert share one transaction, so
// concurrent creates get distinct numbers with no gaps on success.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Case, error) {
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		return nil, ErrTitleRequired
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	if !p.Priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, p.Priority)
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	year := time.Now().UTC().Year()
	var seq int
	err = tx.QueryRow(ctx, `
		INSERT INTO case_counters (year, counter) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET counter = case_counters.counter + 1
		RETURNING counter`, year).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("allocating case number: %w", err)
	}
	caseNumber := fmt.Sprintf("CW-%d-%04d", year, seq)

	row := tx.QueryRow(ctx, `
		INSERT INTO cases (case_number, title, description, priority, created_by, assigned_to, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+caseCols,
		caseNumber, p.Title, p.Description, p.Priority, p.CreatedBy, p.AssignedTo, p.Metadata)

	c, err := scanCase(row)
	if err != nil {
		return nil, fmt.Errorf("creating case: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}

	s.logger.Info("case created", "case_id", c.ID, "case_number", c.CaseNumber)
	return c, nil
}

// Get looks up a case by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Case, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+caseCols+` FROM cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting case: %w", err)
	}
	return c, nil
}

// GetByNumber looks up a case by its case number (CW-2026-0001).
func (s *Store) GetByNumber(ctx context.Context, number string) (*Case, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+caseCols+` FROM cases WHERE case_number = $1`, number)
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting case by number: %w", err)
	}
	return c, nil
}

// List returns cases matching the filter, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Case, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}

	query := `SELECT ` + caseCols + ` FROM cases`
	var conds []string
	var args []any

	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.AssignedTo != nil {
		args = append(args, *f.AssignedTo)
		conds = append(conds, fmt.Sprintf("assigned_to = $%d", len(args)))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, "%"+q+"%")
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR case_number ILIKE $%d)", len(args), len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := max(f.Offset, 0)

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning case: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cases: %w", err)
	}
	return out, nil
}

// Update applies the non-nil fields of p. Setting a terminal status
// stamps closed_at; moving back to a working status clears it.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (*Case, error) {
	var sets []string
	var args []any

	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return nil, ErrTitleRequired
		}
		args = append(args, title)
		sets = append(sets, fmt.Sprintf("title = $%d", len(args)))
	}
	if p.Description != nil {
		args = append(args, *p.Description)
		sets = append(sets, fmt.Sprintf("description = $%d", len(args)))
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *p.Status)
		}
		args = append(args, *p.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
		if p.Status.terminal() {
			sets = append(sets, "closed_at = COALESCE(closed_at, now())")
		} else {
			sets = append(sets, "closed_at = NULL")
		}
	}
	if p.Priority != nil {
		if !p.Priority.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, *p.Priority)
		}
		args = append(args, *p.Priority)
		sets = append(sets, fmt.Sprintf("priority = $%d", len(args)))
	}
	if p.AssignedTo != nil {
		if p.AssignedTo.Valid {
			args = append(args, p.AssignedTo.UUID)
			sets = append(sets, fmt.Sprintf("assigned_to = $%d", len(args)))
		} else {
			sets = append(sets, "assigned_to = NULL")
		}
	}
	if p.Metadata != nil {
		args = append(args, p.Metadata)
		sets = append(sets, fmt.Sprintf("metadata = $%d", len(args)))
	}

	if len(sets) == 0 {
		return s.Get(ctx, id)
	}

	sets = append(sets, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf("UPDATE cases SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), caseCols)

	row := s.pool.QueryRow(ctx, query, args...)
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating case: %w", err)
	}
	return c, nil
}

// Delete removes a case and, via FK cascade, everything under it.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Info("case deleted", "case_id", id)
	return nil
}

// CountByStatus returns case counts per status for the dashboard.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM cases GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting cases: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating counts: %w", err)
	}
	return counts, nil
}

// scanCase scans a case row from either pgx.Row or pgx.Rows.
func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	err := row.Scan(&c.ID, &c.CaseNumber, &c.Title, &c.Description, &c.Status,
		&c.Priority, &c.CreatedBy, &c.AssignedTo, &c.Metadata,
		&c.CreatedAt, &c.UpdatedAt, &c.ClosedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
