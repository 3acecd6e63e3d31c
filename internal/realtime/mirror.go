package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// mirrorSchema holds the sync client's local state: the evidence
// mirror and the offline write queue. AUTOINCREMENT on client_seq
// guarantees replay order survives restarts and deletes.
const mirrorSchema = `
CREATE TABLE IF NOT EXISTS evidence_mirror (
	id            TEXT PRIMARY KEY,
	case_id       TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	evidence_type TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL,
	deleted       INTEGER NOT NULL DEFAULT 0,
	payload       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_evidence_mirror_case ON evidence_mirror(case_id);

CREATE TABLE IF NOT EXISTS write_queue (
	client_seq INTEGER PRIMARY KEY AUTOINCREMENT,
	op         TEXT NOT NULL,
	payload    TEXT NOT NULL,
	queued_at  INTEGER NOT NULL
);
`

// Mirror is the sync client's SQLite-backed copy of case evidence plus
// its offline write queue. Timestamps are stored as unix nanoseconds so
// last-writer-wins comparisons happen in SQL.
type Mirror struct {
	db *sql.DB
}

// OpenMirror opens (creating if needed) the mirror database at path.
func OpenMirror(path string) (*Mirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening mirror database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(mirrorSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing mirror schema: %w", err)
	}

	return &Mirror{db: db}, nil
}

// Close closes the underlying database.
func (m *Mirror) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// mirrorRecord is the subset of an evidence payload the mirror indexes.
type mirrorRecord struct {
	ID           uuid.UUID `json:"id"`
	CaseID       uuid.UUID `json:"case_id"`
	Title        string    `json:"title"`
	EvidenceType string    `json:"evidence_type"`
}

// Apply folds one server event into the mirror. Non-evidence events are
// ignored. Writes older than the stored row (by server timestamp) are
// no-ops, so out-of-order delivery converges on the latest state.
func (m *Mirror) Apply(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EvidenceCreated, EvidenceUpdated:
		return m.applyUpsert(ctx, ev)
	case EvidenceDeleted:
		return m.applyDelete(ctx, ev)
	default:
		return nil
	}
}

func (m *Mirror) applyUpsert(ctx context.Context, ev Event) error {
	var rec mirrorRecord
	if err := json.Unmarshal(ev.Payload, &rec); err != nil {
		return fmt.Errorf("decoding evidence payload: %w", err)
	}
	if rec.ID == uuid.Nil {
		return fmt.Errorf("evidence payload missing id")
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO evidence_mirror (id, case_id, title, evidence_type, updated_at, deleted, payload)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			case_id       = excluded.case_id,
			title         = excluded.title,
			evidence_type = excluded.evidence_type,
			updated_at    = excluded.updated_at,
			deleted       = 0,
			payload       = excluded.payload
		WHERE excluded.updated_at >= evidence_mirror.updated_at`,
		rec.ID.String(), rec.CaseID.String(), rec.Title, rec.EvidenceType,
		ev.TS.UnixNano(), string(ev.Payload))
	if err != nil {
		return fmt.Errorf("upserting mirror row: %w", err)
	}
	return nil
}

func (m *Mirror) applyDelete(ctx context.Context, ev Event) error {
	var rec mirrorRecord
	if err := json.Unmarshal(ev.Payload, &rec); err != nil {
		return fmt.Errorf("decoding evidence payload: %w", err)
	}
	if rec.ID == uuid.Nil {
		return fmt.Errorf("evidence payload missing id")
	}

	// Tombstone instead of DELETE: the stored timestamp fends off stale
	// updates arriving after the delete.
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO evidence_mirror (id, case_id, title, evidence_type, updated_at, deleted, payload)
		VALUES (?, ?, '', '', ?, 1, '')
		ON CONFLICT(id) DO UPDATE SET
			deleted    = 1,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= evidence_mirror.updated_at`,
		rec.ID.String(), ev.CaseID.String(), ev.TS.UnixNano())
	if err != nil {
		return fmt.Errorf("tombstoning mirror row: %w", err)
	}
	return nil
}

// MirrorEvidence is one live mirrored evidence row.
type MirrorEvidence struct {
	ID           uuid.UUID       `json:"id"`
	CaseID       uuid.UUID       `json:"case_id"`
	Title        string          `json:"title"`
	EvidenceType string          `json:"evidence_type"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Evidence lists the live (non-tombstoned) mirrored rows of a case,
// most recently updated first.
func (m *Mirror) Evidence(ctx context.Context, caseID uuid.UUID) ([]MirrorEvidence, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, case_id, title, evidence_type, updated_at, payload
		FROM evidence_mirror
		WHERE case_id = ? AND deleted = 0
		ORDER BY updated_at DESC, id ASC`, caseID.String())
	if err != nil {
		return nil, fmt.Errorf("listing mirrored evidence: %w", err)
	}
	defer rows.Close()

	var out []MirrorEvidence
	for rows.Next() {
		var (
			idStr, caseIDStr, title, typ, payload string
			updatedNanos                          int64
		)
		if err := rows.Scan(&idStr, &caseIDStr, &title, &typ, &updatedNanos, &payload); err != nil {
			return nil, fmt.Errorf("scanning mirror row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parsing mirrored id: %w", err)
		}
		cid, err := uuid.Parse(caseIDStr)
		if err != nil {
			return nil, fmt.Errorf("parsing mirrored case id: %w", err)
		}
		me := MirrorEvidence{
			ID:           id,
			CaseID:       cid,
			Title:        title,
			EvidenceType: typ,
			UpdatedAt:    time.Unix(0, updatedNanos).UTC(),
		}
		if payload != "" {
			me.Payload = json.RawMessage(payload)
		}
		out = append(out, me)
	}
	return out, rows.Err()
}

// Enqueue appends an offline write to the replay queue and returns its
// client sequence number.
func (m *Mirror) Enqueue(ctx context.Context, op string, payload any) (int64, error) {
	if op == "" {
		return 0, fmt.Errorf("op is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling write payload: %w", err)
	}

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO write_queue (op, payload, queued_at) VALUES (?, ?, ?)`,
		op, string(raw), time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("enqueueing write: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading queue sequence: %w", err)
	}
	return seq, nil
}

// Pending returns queued writes in replay order.
func (m *Mirror) Pending(ctx context.Context) ([]QueuedWrite, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT client_seq, op, payload, queued_at
		FROM write_queue ORDER BY client_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing queued writes: %w", err)
	}
	defer rows.Close()

	var out []QueuedWrite
	for rows.Next() {
		var (
			w       QueuedWrite
			payload string
			nanos   int64
		)
		if err := rows.Scan(&w.Seq, &w.Op, &payload, &nanos); err != nil {
			return nil, fmt.Errorf("scanning queued write: %w", err)
		}
		w.Payload = json.RawMessage(payload)
		w.QueuedAt = time.Unix(0, nanos).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

// Ack removes an acknowledged write from the queue.
func (m *Mirror) Ack(ctx context.Context, seq int64) error {
	if _, err := m.db.ExecContext(ctx, `
		DELETE FROM write_queue WHERE client_seq = ?`, seq); err != nil {
		return fmt.Errorf("acking write %d: %w", seq, err)
	}
	return nil
}

// QueueDepth reports how many writes await replay.
func (m *Mirror) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT count(*) FROM write_queue`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queued writes: %w", err)
	}
	return n, nil
}
