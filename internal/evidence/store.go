package evidence

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
)

// evidenceCols is the standard SELECT column list for scanEvidence.
const evidenceCols = `id, case_id, title, description, evidence_type, object_key,
	file_name, content_type, size_bytes, sha256, source_url, content_text,
	tags, metadata, uploaded_by, created_at, updated_at`

const (
	pgUniqueViolation = "23505"
	pgFKViolation     = "23503"

	defaultListLimit = 50
	maxListLimit     = 200
)

// Store persists evidence rows in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates an evidence Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Create inserts an evidence row. When p.SHA256 matches an existing row
// in the same case, the existing row is returned and created is false,
// so re-uploading the same file is a no-op for callers.
func (s *Store) Create(ctx context.Context, p CreateParams) (ev *Evidence, created bool, err error) {
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		return nil, false, ErrTitleRequired
	}
	if !p.Type.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	var sha *string
	if p.SHA256 != "" {
		sha = &p.SHA256
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO evidence (case_id, title, description, evidence_type, object_key,
			file_name, content_type, size_bytes, sha256, source_url, content_text,
			tags, metadata, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+evidenceCols,
		p.CaseID, p.Title, p.Description, p.Type, p.ObjectKey,
		p.FileName, p.ContentType, p.SizeBytes, sha, p.SourceURL, p.ContentText,
		p.Tags, p.Metadata, p.UploadedBy)

	ev, err = scanEvidence(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				existing, getErr := s.getBySHA256(ctx, p.CaseID, p.SHA256)
				if getErr != nil {
					return nil, false, fmt.Errorf("fetching duplicate evidence: %w", getErr)
				}
				s.logger.Info("evidence re-upload deduplicated",
					"case_id", p.CaseID, "evidence_id", existing.ID)
				return existing, false, nil
			case pgFKViolation:
				return nil, false, ErrCaseNotFound
			}
		}
		return nil, false, fmt.Errorf("creating evidence: %w", err)
	}

	s.logger.Info("evidence created",
		"evidence_id", ev.ID, "case_id", ev.CaseID, "type", ev.Type)
	return ev, true, nil
}

// Get looks up evidence by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Evidence, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+evidenceCols+` FROM evidence WHERE id = $1`, id)
	ev, err := scanEvidence(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting evidence: %w", err)
	}
	return ev, nil
}

// ListByCase returns the case's evidence matching the filter, newest first.
func (s *Store) ListByCase(ctx context.Context, caseID uuid.UUID, f ListFilter) ([]Evidence, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, f.Type)
	}

	args := []any{caseID}
	conds := []string{"case_id = $1"}

	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("evidence_type = $%d", len(args)))
	}
	if f.Tag != "" {
		args = append(args, f.Tag)
		conds = append(conds, fmt.Sprintf("$%d = ANY(tags)", len(args)))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, "%"+q+"%")
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR file_name ILIKE $%d)", len(args), len(args)))
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
	query := fmt.Sprintf(`SELECT %s FROM evidence WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		evidenceCols, strings.Join(conds, " AND "), len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing evidence: %w", err)
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning evidence: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating evidence: %w", err)
	}
	return out, nil
}

// Update applies the non-nil fields of p.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (*Evidence, error) {
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
	if p.Tags != nil {
		tags := *p.Tags
		if tags == nil {
			tags = []string{}
		}
		args = append(args, tags)
		sets = append(sets, fmt.Sprintf("tags = $%d", len(args)))
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
	query := fmt.Sprintf("UPDATE evidence SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), evidenceCols)

	row := s.pool.QueryRow(ctx, query, args...)
	ev, err := scanEvidence(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating evidence: %w", err)
	}
	return ev, nil
}

// Delete removes an evidence row and returns its object key so the
// caller can clean up the stored blob. The key is empty for evidence
// types with no file.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) (string, error) {
	var objectKey string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM evidence WHERE id = $1 RETURNING object_key`, id).Scan(&objectKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("deleting evidence: %w", err)
	}
	s.logger.Info("evidence deleted", "evidence_id", id)
	return objectKey, nil
}

// CountByCase returns how many evidence rows the case has.
func (s *Store) CountByCase(ctx context.Context, caseID uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM evidence WHERE case_id = $1`, caseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting evidence: %w", err)
	}
	return n, nil
}

func (s *Store) getBySHA256(ctx context.Context, caseID uuid.UUID, sha string) (*Evidence, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+evidenceCols+` FROM evidence WHERE case_id = $1 AND sha256 = $2`, caseID, sha)
	return scanEvidence(row)
}

// scanEvidence scans an evidence row from either pgx.Row or pgx.Rows.
func scanEvidence(row pgx.Row) (*Evidence, error) {
	var ev Evidence
	err := row.Scan(&ev.ID, &ev.CaseID, &ev.Title, &ev.Description, &ev.Type,
		&ev.ObjectKey, &ev.FileName, &ev.ContentType, &ev.SizeBytes, &ev.SHA256,
		&ev.SourceURL, &ev.ContentText, &ev.Tags, &ev.Metadata, &ev.UploadedBy,
		&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
