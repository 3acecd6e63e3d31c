package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const reportCols = `id, case_id, title, body, report_type, status, version,
	created_by, created_at, updated_at`

const citationCols = `id, case_id, report_id, evidence_id, citation_text,
	source_type, source_url, court, year, pinpoint, notes, created_by, created_at`

const canvasCols = `id, case_id, name, state, version, updated_by, created_at, updated_at`

const (
	pgUniqueViolation = "23505"
	pgFKViolation     = "23503"
)

// Store persists reports, citations, and canvas states in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a report Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// CreateReport inserts a report at version 1.
func (s *Store) CreateReport(ctx context.Context, p CreateReportParams) (*Report, error) {
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		return nil, ErrTitleRequired
	}
	if p.Type == "" {
		p.Type = TypeBrief
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO reports (case_id, title, body, report_type, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+reportCols,
		p.CaseID, p.Title, p.Body, p.Type, p.CreatedBy)

	r, err := scanReport(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgFKViolation {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("creating report: %w", err)
	}
	s.logger.Info("report created", "report_id", r.ID, "case_id", r.CaseID)
	return r, nil
}

// GetReport looks up a report by id.
func (s *Store) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportCols+` FROM reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting report: %w", err)
	}
	return r, nil
}

// ListReports returns the case's reports, newest first. An empty status
// means all statuses.
func (s *Store) ListReports(ctx context.Context, caseID uuid.UUID, status Status) ([]Report, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	query := `SELECT ` + reportCols + ` FROM reports WHERE case_id = $1`
	args := []any{caseID}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reports: %w", err)
	}
	return out, nil
}

// UpdateReport applies the non-nil fields of p and bumps the version.
func (s *Store) UpdateReport(ctx context.Context, id uuid.UUID, p UpdateReportParams) (*Report, error) {
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
	if p.Body != nil {
		args = append(args, *p.Body)
		sets = append(sets, fmt.Sprintf("body = $%d", len(args)))
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *p.Status)
		}
		args = append(args, *p.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}

	if len(sets) == 0 {
		return s.GetReport(ctx, id)
	}

	sets = append(sets, "version = version + 1", "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf("UPDATE reports SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), reportCols)

	row := s.pool.QueryRow(ctx, query, args...)
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating report: %w", err)
	}
	return r, nil
}

// DeleteReport removes a report. Citations pinned to it survive with a
// cleared report reference.
func (s *Store) DeleteReport(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCitation inserts a citation.
func (s *Store) CreateCitation(ctx context.Context, p CreateCitationParams) (*Citation, error) {
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" {
		return nil, ErrTextRequired
	}
	if p.SourceType == "" {
		p.SourceType = SourceCaseLaw
	}
	if !p.SourceType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceType, p.SourceType)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO citations (case_id, report_id, evidence_id, citation_text,
			source_type, source_url, court, year, pinpoint, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+citationCols,
		p.CaseID, p.ReportID, p.EvidenceID, p.Text,
		p.SourceType, p.SourceURL, p.Court, p.Year, p.Pinpoint, p.Notes, p.CreatedBy)

	c, err := scanCitation(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgFKViolation {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("creating citation: %w", err)
	}
	return c, nil
}

// ListCitations returns the case's citations, newest first. A non-nil
// reportID narrows to citations pinned to that report.
func (s *Store) ListCitations(ctx context.Context, caseID uuid.UUID, reportID *uuid.UUID) ([]Citation, error) {
	query := `SELECT ` + citationCols + ` FROM citations WHERE case_id = $1`
	args := []any{caseID}
	if reportID != nil {
		args = append(args, *reportID)
		query += fmt.Sprintf(" AND report_id = $%d", len(args))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing citations: %w", err)
	}
	defer rows.Close()

	var out []Citation
	for rows.Next() {
		c, err := scanCitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning citation: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating citations: %w", err)
	}
	return out, nil
}

// DeleteCitation removes a citation.
func (s *Store) DeleteCitation(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM citations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting citation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCitationNotFound
	}
	return nil
}

// SaveCanvasParams carries one canvas save. Version is the version the
// client last saw: 0 creates the canvas, anything else must match the
// stored version exactly.
type SaveCanvasParams struct {
	CaseID    uuid.UUID
	Name      string
	State     json.RawMessage
	Version   int
	UpdatedBy *uuid.UUID
}

// SaveCanvas creates or updates a named canvas with an optimistic
// version check. A mismatched version returns ErrVersionConflict and
// leaves the stored state untouched.
func (s *Store) SaveCanvas(ctx context.Context, p SaveCanvasParams) (*CanvasState, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, ErrNameRequired
	}
	if len(p.State) == 0 {
		p.State = json.RawMessage(`{}`)
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

	var current int
	err = tx.QueryRow(ctx, `
		SELECT version FROM canvas_states
		WHERE case_id = $1 AND name = $2
		FOR UPDATE`, p.CaseID, p.Name).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if p.Version != 0 {
			return nil, fmt.Errorf("%w: canvas %q does not exist", ErrVersionConflict, p.Name)
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO canvas_states (case_id, name, state, updated_by)
			VALUES ($1, $2, $3, $4)
			RETURNING `+canvasCols,
			p.CaseID, p.Name, p.State, p.UpdatedBy)
		cs, err := scanCanvas(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case pgUniqueViolation:
					// Lost a create race; the other writer owns version 1.
					return nil, fmt.Errorf("%w: canvas %q created concurrently", ErrVersionConflict, p.Name)
				case pgFKViolation:
					return nil, ErrCaseNotFound
				}
			}
			return nil, fmt.Errorf("creating canvas: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("committing: %w", err)
		}
		return cs, nil
	case err != nil:
		return nil, fmt.Errorf("locking canvas: %w", err)
	}

	if current != p.Version {
		return nil, fmt.Errorf("%w: have %d, claim %d", ErrVersionConflict, current, p.Version)
	}

	row := tx.QueryRow(ctx, `
		UPDATE canvas_states
		SET state = $1, version = version + 1, updated_by = $2, updated_at = now()
		WHERE case_id = $3 AND name = $4
		RETURNING `+canvasCols,
		p.State, p.UpdatedBy, p.CaseID, p.Name)
	cs, err := scanCanvas(row)
	if err != nil {
		return nil, fmt.Errorf("updating canvas: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return cs, nil
}

// GetCanvas looks up a canvas by case and name.
func (s *Store) GetCanvas(ctx context.Context, caseID uuid.UUID, name string) (*CanvasState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+canvasCols+` FROM canvas_states WHERE case_id = $1 AND name = $2`,
		caseID, name)
	cs, err := scanCanvas(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCanvasNotFound
		}
		return nil, fmt.Errorf("getting canvas: %w", err)
	}
	return cs, nil
}

// ListCanvases returns the case's canvases ordered by name.
func (s *Store) ListCanvases(ctx context.Context, caseID uuid.UUID) ([]CanvasState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+canvasCols+` FROM canvas_states WHERE case_id = $1 ORDER BY name`, caseID)
	if err != nil {
		return nil, fmt.Errorf("listing canvases: %w", err)
	}
	defer rows.Close()

	var out []CanvasState
	for rows.Next() {
		cs, err := scanCanvas(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning canvas: %w", err)
		}
		out = append(out, *cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating canvases: %w", err)
	}
	return out, nil
}

// DeleteCanvas removes a canvas by case and name.
func (s *Store) DeleteCanvas(ctx context.Context, caseID uuid.UUID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM canvas_states WHERE case_id = $1 AND name = $2`, caseID, name)
	if err != nil {
		return fmt.Errorf("deleting canvas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCanvasNotFound
	}
	return nil
}

func scanReport(row pgx.Row) (*Report, error) {
	var r Report
	err := row.Scan(&r.ID, &r.CaseID, &r.Title, &r.Body, &r.Type, &r.Status,
		&r.Version, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanCitation(row pgx.Row) (*Citation, error) {
	var c Citation
	err := row.Scan(&c.ID, &c.CaseID, &c.ReportID, &c.EvidenceID, &c.Text,
		&c.SourceType, &c.SourceURL, &c.Court, &c.Year, &c.Pinpoint, &c.Notes,
		&c.CreatedBy, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCanvas(row pgx.Row) (*CanvasState, error) {
	var cs CanvasState
	err := row.Scan(&cs.ID, &cs.CaseID, &cs.Name, &cs.State, &cs.Version,
		&cs.UpdatedBy, &cs.CreatedAt, &cs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}
