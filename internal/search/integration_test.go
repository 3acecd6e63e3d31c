//go:build integration
// +build integration

package search

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/casewire/casewire/internal/chunk"
	"github.com/casewire/casewire/internal/testutil"
)

var sharedDB *testutil.TestDBContainer

func TestMain(m *testing.M) {
	var cleanup func()
	var err error
	sharedDB, cleanup, err = testutil.SetupTestDBForMain()
	if err != nil {
		log.Fatalf("starting test database: %v", err)
	}
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// testVec builds a one-hot 768-dim vector. Distinct positions are
// orthogonal, which makes cosine ranking assertions exact.
func testVec(hot int) pgvector.Vector {
	v := make([]float32, 768)
	v[hot%768] = 1
	return pgvector.NewVector(v)
}

func seedCase(t *testing.T) (caseID, evidenceID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	var userID uuid.UUID
	err := sharedDB.Pool.QueryRow(ctx, `
		INSERT INTO users (email, name, password_hash, role)
		VALUES ($1, 'Search Tester', 'x', 'lawyer')
		RETURNING id`,
		fmt.Sprintf("search-%s@example.com", uuid.NewString()[:8])).Scan(&userID)
	if err != nil {
		t.Fatalf("inserting user: %v", err)
	}
	err = sharedDB.Pool.QueryRow(ctx, `
		INSERT INTO cases (case_number, title, created_by)
		VALUES ($1, 'Search fixture case', $2)
		RETURNING id`,
		fmt.Sprintf("CW-2026-%s", uuid.NewString()[:8]), userID).Scan(&caseID)
	if err != nil {
		t.Fatalf("inserting case: %v", err)
	}
	err = sharedDB.Pool.QueryRow(ctx, `
		INSERT INTO evidence (case_id, title, evidence_type, content_text, uploaded_by)
		VALUES ($1, 'Fixture contract', 'document', 'full text', $2)
		RETURNING id`,
		caseID, userID).Scan(&evidenceID)
	if err != nil {
		t.Fatalf("inserting evidence: %v", err)
	}
	return caseID, evidenceID
}

func contractChunks() []chunk.Chunk {
	return []chunk.Chunk{
		{
			Index:      0,
			Content:    "The vendor shall indemnify the client against all claims arising from breach of this agreement.",
			Section:    "Section 12. Indemnification",
			Domain:     chunk.DomainContract,
			Confidence: 0.9,
			Tokens:     24,
		},
		{
			Index:      1,
			Content:    "Either party may terminate upon thirty days written notice.",
			Section:    "Section 14. Termination",
			Domain:     chunk.DomainContract,
			Confidence: 0.8,
			Tokens:     14,
		},
	}
}

func chunkIDs(t *testing.T, evidenceID uuid.UUID) []uuid.UUID {
	t.Helper()
	rows, err := sharedDB.Pool.Query(context.Background(), `
		SELECT id FROM evidence_chunks WHERE evidence_id = $1 ORDER BY chunk_index`, evidenceID)
	if err != nil {
		t.Fatalf("querying chunk ids: %v", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scanning chunk id: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func outboxOps(t *testing.T, ids []uuid.UUID, op string) int {
	t.Helper()
	var n int
	err := sharedDB.Pool.QueryRow(context.Background(), `
		SELECT count(*) FROM search_outbox WHERE chunk_id = ANY($1) AND op = $2`,
		ids, op).Scan(&n)
	if err != nil {
		t.Fatalf("counting outbox ops: %v", err)
	}
	return n
}

func TestReplaceWritesChunksAndOutbox(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(sharedDB.Pool, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	caseID, evidenceID := seedCase(t)

	chunks := contractChunks()
	if err := store.Replace(ctx, evidenceID, caseID, chunks, []pgvector.Vector{testVec(0), testVec(1)}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	ids := chunkIDs(t, evidenceID)
	if len(ids) != 2 {
		t.Fatalf("stored chunks = %d, want 2", len(ids))
	}
	if got := outboxOps(t, ids, "upsert"); got != 2 {
		t.Errorf("outbox upsert rows = %d, want 2", got)
	}

	// Re-indexing replaces the rows and queues deletes for the old
	// chunk IDs alongside upserts for the new ones.
	if err := store.Replace(ctx, evidenceID, caseID, chunks[:1], []pgvector.Vector{testVec(0)}); err != nil {
		t.Fatalf("Replace() again error = %v", err)
	}
	newIDs := chunkIDs(t, evidenceID)
	if len(newIDs) != 1 {
		t.Fatalf("chunks after re-index = %d, want 1", len(newIDs))
	}
	if got := outboxOps(t, ids, "delete"); got != 2 {
		t.Errorf("outbox delete rows for old chunks = %d, want 2", got)
	}
	if got := outboxOps(t, newIDs, "upsert"); got != 1 {
		t.Errorf("outbox upsert rows for new chunk = %d, want 1", got)
	}
}

func TestHybridRanksVectorAndTextMatches(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(sharedDB.Pool, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	caseID, evidenceID := seedCase(t)

	if err := store.Replace(ctx, evidenceID, caseID, contractChunks(), []pgvector.Vector{testVec(10), testVec(11)}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	// Query vector equals the first chunk's embedding, and the text
	// matches its content. It must rank first with a higher score.
	results, err := store.Hybrid(ctx, testVec(10), "indemnify breach claims", Filter{CaseID: &caseID}, 5)
	if err != nil {
		t.Fatalf("Hybrid() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Hybrid() results = %d, want 2", len(results))
	}
	if results[0].Section != "Section 12. Indemnification" {
		t.Errorf("top result section = %q, want the indemnification chunk", results[0].Section)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v then %v", results[0].Score, results[1].Score)
	}
	// Exact cosine match contributes 0.7; ts_rank adds a little more.
	if results[0].Score < 0.7 {
		t.Errorf("top score = %v, want >= 0.7 for an exact vector match", results[0].Score)
	}
	if results[0].EvidenceID != evidenceID || results[0].CaseID != caseID {
		t.Error("result does not carry its evidence and case IDs")
	}
}

func TestHybridFilters(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(sharedDB.Pool, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	caseID, evidenceID := seedCase(t)
	otherCaseID, otherEvidenceID := seedCase(t)

	if err := store.Replace(ctx, evidenceID, caseID, contractChunks(), []pgvector.Vector{testVec(20), testVec(21)}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	tortChunk := []chunk.Chunk{{
		Index:      0,
		Content:    "The defendant's negligence caused the plaintiff's injury.",
		Domain:     chunk.DomainTort,
		Confidence: 0.4,
		Tokens:     12,
	}}
	if err := store.Replace(ctx, otherEvidenceID, otherCaseID, tortChunk, []pgvector.Vector{testVec(22)}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	// Case scope excludes the other case's chunk entirely.
	results, err := store.Hybrid(ctx, testVec(22), "negligence injury", Filter{CaseID: &caseID}, 10)
	if err != nil {
		t.Fatalf("Hybrid() error = %v", err)
	}
	for _, r := range results {
		if r.CaseID != caseID {
			t.Errorf("case filter leaked chunk from case %s", r.CaseID)
		}
	}

	// Domain filter.
	results, err = store.Hybrid(ctx, testVec(22), "negligence", Filter{Domains: []chunk.Domain{chunk.DomainTort}}, 10)
	if err != nil {
		t.Fatalf("Hybrid() error = %v", err)
	}
	if len(results) == 0 {
		t.Fatal("domain filter returned no tort chunks")
	}
	for _, r := range results {
		if r.Domain != chunk.DomainTort {
			t.Errorf("domain filter returned %q chunk", r.Domain)
		}
	}

	// Confidence floor excludes the 0.4-confidence tort chunk.
	results, err = store.Hybrid(ctx, testVec(22), "negligence", Filter{MinConfidence: 0.5}, 10)
	if err != nil {
		t.Fatalf("Hybrid() error = %v", err)
	}
	for _, r := range results {
		if r.Confidence < 0.5 {
			t.Errorf("confidence filter returned %v-confidence chunk", r.Confidence)
		}
	}
}

func TestByIDs(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(sharedDB.Pool, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	caseID, evidenceID := seedCase(t)

	if err := store.Replace(ctx, evidenceID, caseID, contractChunks(), []pgvector.Vector{testVec(30), testVec(31)}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	ids := chunkIDs(t, evidenceID)

	got, err := store.ByIDs(ctx, append(ids, uuid.New()))
	if err != nil {
		t.Fatalf("ByIDs() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ByIDs() returned %d rows, want 2 (unknown ID skipped)", len(got))
	}
	for _, id := range ids {
		if _, ok := got[id]; !ok {
			t.Errorf("ByIDs() missing chunk %s", id)
		}
	}

	empty, err := store.ByIDs(ctx, nil)
	if err != nil {
		t.Fatalf("ByIDs(nil) error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ByIDs(nil) returned %d rows, want 0", len(empty))
	}
}

func TestDeleteByEvidence(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(sharedDB.Pool, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	caseID, evidenceID := seedCase(t)

	if err := store.Replace(ctx, evidenceID, caseID, contractChunks(), []pgvector.Vector{testVec(40), testVec(41)}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	ids := chunkIDs(t, evidenceID)

	if err := store.DeleteByEvidence(ctx, evidenceID); err != nil {
		t.Fatalf("DeleteByEvidence() error = %v", err)
	}
	if remaining := chunkIDs(t, evidenceID); len(remaining) != 0 {
		t.Errorf("chunks remaining after delete = %d, want 0", len(remaining))
	}
	if got := outboxOps(t, ids, "delete"); got != 2 {
		t.Errorf("outbox delete rows = %d, want 2", got)
	}
}

func TestClaimRowsSkipsLockedAndFuture(t *testing.T) {
	ctx := context.Background()
	if _, err := sharedDB.Pool.Exec(ctx, `TRUNCATE search_outbox`); err != nil {
		t.Fatalf("truncating outbox: %v", err)
	}

	due1, due2, future := uuid.New(), uuid.New(), uuid.New()
	if _, err := sharedDB.Pool.Exec(ctx, `
		INSERT INTO search_outbox (chunk_id, op, available_at) VALUES
		($1, 'upsert', now() - interval '1 minute'),
		($2, 'delete', now() - interval '1 minute'),
		($3, 'upsert', now() + interval '1 hour')`,
		due1, due2, future); err != nil {
		t.Fatalf("seeding outbox: %v", err)
	}

	tx1, err := sharedDB.Pool.Begin(ctx)
	if err != nil {
		t.Fatalf("beginning tx1: %v", err)
	}
	defer tx1.Rollback(ctx)

	claimed, err := claimRows(ctx, tx1, 10)
	if err != nil {
		t.Fatalf("claimRows() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimRows() = %d rows, want 2 due rows", len(claimed))
	}
	if claimed[0].chunkID != due1 || claimed[1].chunkID != due2 {
		t.Error("claimRows() not ordered by outbox id")
	}
	if claimed[0].op != "upsert" || claimed[1].op != "delete" {
		t.Errorf("claimed ops = %q, %q", claimed[0].op, claimed[1].op)
	}

	// A second worker transaction must skip the locked rows instead of
	// blocking on them.
	tx2, err := sharedDB.Pool.Begin(ctx)
	if err != nil {
		t.Fatalf("beginning tx2: %v", err)
	}
	defer tx2.Rollback(ctx)

	claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	concurrent, err := claimRows(claimCtx, tx2, 10)
	if err != nil {
		t.Fatalf("concurrent claimRows() error = %v", err)
	}
	if len(concurrent) != 0 {
		t.Errorf("concurrent claimRows() = %d rows, want 0 while locked", len(concurrent))
	}
}
