package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSessionNotFound is returned when a chat session does not exist.
	ErrSessionNotFound = errors.New("chat session not found")
	// ErrForbidden is returned when a session belongs to another user.
	ErrForbidden = errors.New("session belongs to another user")
)

// Role is a stored message author. Values match ai.Role, so history
// rows load straight into model messages.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
	RoleTool   Role = "tool"
)

// Valid reports whether r is a storable role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModel, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Session is one conversation thread, optionally pinned to a case.
type Session struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	CaseID    *uuid.UUID `json:"case_id,omitempty"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Message is one stored conversation turn element.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const sessionCols = `id, user_id, case_id, title, created_at, updated_at`

const messageCols = `id, session_id, seq, role, content, created_at`

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 200

	// historyLoadLimit caps how many rows one history load reads. The
	// token budget trims further; newest rows win when a session
	// outgrows the window.
	historyLoadLimit = 1000
)

// Store persists chat sessions and their messages in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a chat Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// CreateSession opens a new conversation thread for a user.
func (s *Store) CreateSession(ctx context.Context, userID uuid.UUID, caseID *uuid.UUID, title string) (*Session, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions (user_id, case_id, title)
		VALUES ($1, $2, $3)
		RETURNING `+sessionCols,
		userID, caseID, strings.TrimSpace(title))
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.logger.Debug("chat session created", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}

// Session looks up a session by id.
func (s *Store) Session(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM chat_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return sess, nil
}

// ListSessions returns a user's sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, userID uuid.UUID, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	limit = min(limit, maxSessionLimit)

	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionCols+` FROM chat_sessions
		WHERE user_id = $1
		ORDER BY updated_at DESC, id ASC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// SetTitle renames a session.
func (s *Store) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET title = $2, updated_at = now() WHERE id = $1`,
		id, strings.TrimSpace(title))
	if err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its messages. Only
// the owning user may delete it.
func (s *Store) DeleteSession(ctx context.Context, id, userID uuid.UUID) error {
	var owner uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM chat_sessions WHERE id = $1`, id).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("checking session owner: %w", err)
	}
	if owner != userID {
		return ErrForbidden
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	s.logger.Debug("chat session deleted", "session_id", id)
	return nil
}

// Messages returns the newest rows of a session in chronological
// order. limit <= 0 loads up to historyLoadLimit.
func (s *Store) Messages(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 || limit > historyLoadLimit {
		limit = historyLoadLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageCols+` FROM (
			SELECT `+messageCols+` FROM chat_messages
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent ORDER BY seq ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// History loads the session's messages as model messages for prompt
// assembly.
func (s *Store) History(ctx context.Context, sessionID uuid.UUID) ([]*ai.Message, error) {
	msgs, err := s.Messages(ctx, sessionID, historyLoadLimit)
	if err != nil {
		return nil, err
	}
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &ai.Message{
			Role:    ai.Role(m.Role),
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return out, nil
}

// AppendMessages adds messages to a session in order. Sequence numbers
// are assigned under the session row lock, so concurrent appends get
// gap-free, non-conflicting positions.
func (s *Store) AppendMessages(ctx context.Context, sessionID uuid.UUID, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
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

	var locked uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM chat_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("locking session: %w", err)
	}

	var maxSeq int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM chat_messages WHERE session_id = $1`, sessionID).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("reading max seq: %w", err)
	}

	for i, m := range msgs {
		_, err = tx.Exec(ctx, `
			INSERT INTO chat_messages (session_id, seq, role, content)
			VALUES ($1, $2, $3, $4)`,
			sessionID, maxSeq+i+1, m.Role, m.Content)
		if err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}

	if _, err = tx.Exec(ctx, `
		UPDATE chat_sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	s.logger.Debug("messages appended",
		"session_id", sessionID, "count", len(msgs), "last_seq", maxSeq+len(msgs))
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.CaseID, &sess.Title,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
