//go:build integration
// +build integration

package cases

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"testing"

	"github.com/google/uuid"
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

// newUser inserts a user row directly; case FKs need one.
func newUser(t *testing.T) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := sharedDB.Pool.QueryRow(context.Background(), `
		INSERT INTO users (email, name, password_hash, role)
		VALUES ($1, 'Test User', 'x', 'lawyer')
		RETURNING id`,
		fmt.Sprintf("user-%s@example.com", uuid.NewString()[:8])).Scan(&id)
	if err != nil {
		t.Fatalf("inserting user: %v", err)
	}
	return id
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(sharedDB.Pool, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestCreateAssignsSequentialNumbers(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	owner := newUser(t)

	c1, err := store.Create(ctx, CreateParams{Title: "Smith v. Jones", CreatedBy: owner})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	c2, err := store.Create(ctx, CreateParams{Title: "In re Estate of Park", CreatedBy: owner})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	pattern := regexp.MustCompile(`^CW-\d{4}-\d{4}$`)
	if !pattern.MatchString(c1.CaseNumber) {
		t.Errorf("case number %q does not match CW-YYYY-NNNN", c1.CaseNumber)
	}
	if c1.CaseNumber == c2.CaseNumber {
		t.Errorf("duplicate case numbers: %q", c1.CaseNumber)
	}
	if c1.Status != StatusOpen {
		t.Errorf("new case status = %q, want open", c1.Status)
	}
	if c1.Priority != PriorityMedium {
		t.Errorf("default priority = %q, want medium", c1.Priority)
	}
}

func TestCreateConcurrentNumbersUnique(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	owner := newUser(t)

	const n = 8
	results := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			c, err := store.Create(ctx, CreateParams{
				Title:     fmt.Sprintf("Concurrent case %d", i),
				CreatedBy: owner,
			})
			if err != nil {
				errs <- err
				return
			}
			results <- c.CaseNumber
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("concurrent Create() error = %v", err)
		case num := <-results:
			if seen[num] {
				t.Fatalf("duplicate case number under concurrency: %q", num)
			}
			seen[num] = true
		}
	}
}

func TestGetAndGetByNumber(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	owner := newUser(t)

	created, err := store.Create(ctx, CreateParams{
		Title:       "Doe v. MegaCorp",
		Description: "Wrongful termination",
		Priority:    PriorityHigh,
		CreatedBy:   owner,
		Metadata:    map[string]any{"court": "9th Circuit"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != "Doe v. MegaCorp" || got.Priority != PriorityHigh {
		t.Errorf("Get() = %+v, fields mismatch", got)
	}
	if got.Metadata["court"] != "9th Circuit" {
		t.Errorf("metadata = %v, want court key", got.Metadata)
	}

	byNum, err := store.GetByNumber(ctx, created.CaseNumber)
	if err != nil {
		t.Fatalf("GetByNumber() error = %v", err)
	}
	if byNum.ID != created.ID {
		t.Errorf("GetByNumber() id = %v, want %v", byNum.ID, created.ID)
	}

	if _, err := store.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(random) = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatusStampsClosedAt(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	owner := newUser(t)

	c, err := store.Create(ctx, CreateParams{Title: "Closable case", CreatedBy: owner})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	closed := StatusClosed
	got, err := store.Update(ctx, c.ID, UpdateParams{Status: &closed})
	if err != nil {
		t.Fatalf("Update(closed) error = %v", err)
	}
	if got.ClosedAt == nil {
		t.Fatal("closed case has nil closed_at")
	}

	// Archiving keeps the original closed_at.
	archived := StatusArchived
	got2, err := store.Update(ctx, c.ID, UpdateParams{Status: &archived})
	if err != nil {
		t.Fatalf("Update(archived) error = %v", err)
	}
	if got2.ClosedAt == nil || !got2.ClosedAt.Equal(*got.ClosedAt) {
		t.Errorf("archive changed closed_at: %v -> %v", got.ClosedAt, got2.ClosedAt)
	}

	// Reopening clears it.
	open := StatusActive
	got3, err := store.Update(ctx, c.ID, UpdateParams{Status: &open})
	if err != nil {
		t.Fatalf("Update(active) error = %v", err)
	}
	if got3.ClosedAt != nil {
		t.Errorf("reopened case closed_at = %v, want nil", got3.ClosedAt)
	}
}

func TestUpdateAssigneeAndClear(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	owner := newUser(t)
	assignee := newUser(t)

	c, err := store.Create(ctx, CreateParams{Title: "Assignable case", CreatedBy: owner})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Update(ctx, c.ID, UpdateParams{
		AssignedTo: &uuid.NullUUID{UUID: assignee, Valid: true},
	})
	if err != nil {
		t.Fatalf("Update(assign) error = %v", err)
	}
	if got.AssignedTo == nil || *got.AssignedTo != assignee {
		t.Errorf("assigned_to = %v, want %v", got.AssignedTo, assignee)
	}

	got, err = store.Update(ctx, c.ID, UpdateParams{AssignedTo: &uuid.NullUUID{}})
	if err != nil {
		t.Fatalf("Update(clear) error = %v", err)
	}
	if got.AssignedTo != nil {
		t.Errorf("assigned_to = %v, want nil after clear", got.AssignedTo)
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	owner := newUser(t)

	c, err := store.Create(ctx, CreateParams{Title: "Riverside Water Rights", CreatedBy: owner})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	pending := StatusPending
	if _, err := store.Update(ctx, c.ID, UpdateParams{Status: &pending}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	byStatus, err := store.List(ctx, ListFilter{Status: StatusPending})
	if err != nil {
		t.Fatalf("List(status) error = %v", err)
	}
	found := false
	for _, got := range byStatus {
		if got.Status != StatusPending {
			t.Errorf("List(pending) returned status %q", got.Status)
		}
		if got.ID == c.ID {
			found = true
		}
	}
	if !found {
		t.Error("List(pending) missing the pending case")
	}

	byQuery, err := store.List(ctx, ListFilter{Query: "riverside"})
	if err != nil {
		t.Fatalf("List(query) error = %v", err)
	}
	if len(byQuery) == 0 {
		t.Fatal("List(riverside) returned nothing, want case-insensitive title match")
	}

	if _, err := store.List(ctx, ListFilter{Status: "bogus"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("List(bogus status) = %v, want ErrInvalidStatus", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	owner := newUser(t)

	c, err := store.Create(ctx, CreateParams{Title: "Disposable case", CreatedBy: owner})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// An evidence row under the case must disappear with it.
	var evidenceID uuid.UUID
	err = sharedDB.Pool.QueryRow(ctx, `
		INSERT INTO evidence (case_id, title, evidence_type)
		VALUES ($1, 'Exhibit A', 'document')
		RETURNING id`, c.ID).Scan(&evidenceID)
	if err != nil {
		t.Fatalf("inserting evidence: %v", err)
	}

	if err := store.Delete(ctx, c.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}

	var count int
	if err := sharedDB.Pool.QueryRow(ctx,
		`SELECT count(*) FROM evidence WHERE id = $1`, evidenceID).Scan(&count); err != nil {
		t.Fatalf("counting evidence: %v", err)
	}
	if count != 0 {
		t.Error("evidence survived case deletion")
	}
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	owner := newUser(t)

	if _, err := store.Create(ctx, CreateParams{Title: "Counted case", CreatedBy: owner}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[StatusOpen] < 1 {
		t.Errorf("open count = %d, want >= 1", counts[StatusOpen])
	}
}
