package realtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestMirror(t *testing.T) *Mirror {
	t.Helper()
	m, err := OpenMirror(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("opening mirror: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("closing mirror: %v", err)
		}
	})
	return m
}

// evidenceEvent builds an evidence event with an explicit timestamp so
// ordering scenarios are deterministic.
func evidenceEvent(t *testing.T, typ EventType, caseID, evidenceID uuid.UUID, title string, ts time.Time) Event {
	t.Helper()
	ev, err := NewEvent(typ, caseID, uuid.New(), map[string]any{
		"id":            evidenceID,
		"case_id":       caseID,
		"title":         title,
		"evidence_type": "document",
	})
	if err != nil {
		t.Fatalf("building event: %v", err)
	}
	ev.TS = ts
	return ev
}

func TestMirrorApplyUpsertAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := openTestMirror(t)
	caseID := uuid.New()
	otherCase := uuid.New()
	now := time.Now().UTC()

	first := uuid.New()
	second := uuid.New()
	if err := m.Apply(ctx, evidenceEvent(t, EvidenceCreated, caseID, first, "contract scan", now)); err != nil {
		t.Fatalf("applying first create: %v", err)
	}
	if err := m.Apply(ctx, evidenceEvent(t, EvidenceCreated, caseID, second, "deposition video", now.Add(time.Second))); err != nil {
		t.Fatalf("applying second create: %v", err)
	}
	if err := m.Apply(ctx, evidenceEvent(t, EvidenceCreated, otherCase, uuid.New(), "unrelated", now)); err != nil {
		t.Fatalf("applying other-case create: %v", err)
	}

	got, err := m.Evidence(ctx, caseID)
	if err != nil {
		t.Fatalf("listing evidence: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("listed %d rows, want 2 (other case excluded)", len(got))
	}
	// Most recently updated first.
	if got[0].ID != second || got[1].ID != first {
		t.Errorf("order = [%s %s], want newest first", got[0].ID, got[1].ID)
	}
	if got[0].Title != "deposition video" || got[0].EvidenceType != "document" {
		t.Errorf("row = %+v, want title and type from payload", got[0])
	}
	if len(got[0].Payload) == 0 {
		t.Error("payload not stored")
	}
}

func TestMirrorLastWriterWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := openTestMirror(t)
	caseID := uuid.New()
	evidenceID := uuid.New()
	base := time.Now().UTC()

	if err := m.Apply(ctx, evidenceEvent(t, EvidenceCreated, caseID, evidenceID, "v1", base)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Apply(ctx, evidenceEvent(t, EvidenceUpdated, caseID, evidenceID, "v3", base.Add(2*time.Second))); err != nil {
		t.Fatalf("newer update: %v", err)
	}
	// A delayed older update must not clobber the newer title.
	if err := m.Apply(ctx, evidenceEvent(t, EvidenceUpdated, caseID, evidenceID, "v2-stale", base.Add(time.Second))); err != nil {
		t.Fatalf("stale update: %v", err)
	}

	got, err := m.Evidence(ctx, caseID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("listed %d rows, want 1", len(got))
	}
	if got[0].Title != "v3" {
		t.Errorf("title = %q, want %q (stale write ignored)", got[0].Title, "v3")
	}
}

func TestMirrorDeleteTombstone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := openTestMirror(t)
	caseID := uuid.New()
	evidenceID := uuid.New()
	base := time.Now().UTC()

	if err := m.Apply(ctx, evidenceEvent(t, EvidenceCreated, caseID, evidenceID, "doomed", base)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Apply(ctx, evidenceEvent(t, EvidenceDeleted, caseID, evidenceID, "", base.Add(2*time.Second))); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := m.Evidence(ctx, caseID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("listed %d rows after delete, want 0", len(got))
	}

	// A stale update that raced the delete must not resurrect the row.
	if err := m.Apply(ctx, evidenceEvent(t, EvidenceUpdated, caseID, evidenceID, "zombie", base.Add(time.Second))); err != nil {
		t.Fatalf("stale post-delete update: %v", err)
	}
	got, err = m.Evidence(ctx, caseID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("stale update resurrected a deleted row")
	}

	// But a genuinely newer write on the same id is a re-creation.
	if err := m.Apply(ctx, evidenceEvent(t, EvidenceCreated, caseID, evidenceID, "reborn", base.Add(3*time.Second))); err != nil {
		t.Fatalf("re-create: %v", err)
	}
	got, err = m.Evidence(ctx, caseID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(got) != 1 || got[0].Title != "reborn" {
		t.Errorf("re-created row = %+v, want one live row titled reborn", got)
	}
}

func TestMirrorIgnoresNonEvidenceEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := openTestMirror(t)
	caseID := uuid.New()

	ev, err := NewEvent(CanvasSaved, caseID, uuid.New(), map[string]any{"name": "timeline"})
	if err != nil {
		t.Fatalf("building event: %v", err)
	}
	if err := m.Apply(ctx, ev); err != nil {
		t.Fatalf("applying canvas event: %v", err)
	}

	got, err := m.Evidence(ctx, caseID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("canvas event created %d mirror rows, want 0", len(got))
	}
}

func TestMirrorQueuePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.db")

	m, err := OpenMirror(path)
	if err != nil {
		t.Fatalf("opening mirror: %v", err)
	}

	seq1, err := m.Enqueue(ctx, "evidence.update", map[string]string{"title": "new title"})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	seq2, err := m.Enqueue(ctx, "evidence.update", map[string]string{"title": "newer title"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequences not increasing: %d then %d", seq1, seq2)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}

	// The queue is durable state, not process state.
	m, err = OpenMirror(path)
	if err != nil {
		t.Fatalf("reopening mirror: %v", err)
	}
	defer func() { _ = m.Close() }()

	pending, err := m.Pending(ctx)
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d writes, want 2", len(pending))
	}
	if pending[0].Seq != seq1 || pending[1].Seq != seq2 {
		t.Errorf("replay order = [%d %d], want [%d %d]",
			pending[0].Seq, pending[1].Seq, seq1, seq2)
	}
	if pending[0].Op != "evidence.update" {
		t.Errorf("op = %q, want evidence.update", pending[0].Op)
	}

	if err := m.Ack(ctx, seq1); err != nil {
		t.Fatalf("acking: %v", err)
	}
	depth, err := m.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth after ack = %d, want 1", depth)
	}

	// Fresh enqueues never reuse an acked sequence number.
	seq3, err := m.Enqueue(ctx, "evidence.update", map[string]string{"title": "third"})
	if err != nil {
		t.Fatalf("third enqueue: %v", err)
	}
	if seq3 <= seq2 {
		t.Errorf("sequence reused: %d after %d", seq3, seq2)
	}
}
