//go:build integration
// +build integration

package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
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

func newCase(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	var userID uuid.UUID
	err := sharedDB.Pool.QueryRow(ctx, `
		INSERT INTO users (email, name, password_hash, role)
		VALUES ($1, 'Report Tester', 'x', 'lawyer')
		RETURNING id`,
		fmt.Sprintf("rp-%s@example.com", uuid.NewString()[:8])).Scan(&userID)
	if err != nil {
		t.Fatalf("inserting user: %v", err)
	}
	var caseID uuid.UUID
	err = sharedDB.Pool.QueryRow(ctx, `
		INSERT INTO cases (case_number, title, created_by)
		VALUES ($1, 'Report host case', $2)
		RETURNING id`,
		fmt.Sprintf("CW-TEST-%s", uuid.NewString()[:8]), userID).Scan(&caseID)
	if err != nil {
		t.Fatalf("inserting case: %v", err)
	}
	return caseID
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(sharedDB.Pool, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestReportLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	caseID := newCase(t)

	r, err := store.CreateReport(ctx, CreateReportParams{
		CaseID: caseID,
		Title:  "Motion to dismiss",
		Body:   "# Argument\n\nVenue is improper.",
		Type:   TypeMotion,
	})
	if err != nil {
		t.Fatalf("CreateReport() error = %v", err)
	}
	if r.Version != 1 || r.Status != StatusDraft {
		t.Errorf("new report = v%d %q, want v1 draft", r.Version, r.Status)
	}

	body := "# Argument\n\nVenue is improper under 28 U.S.C. § 1391."
	review := StatusReview
	updated, err := store.UpdateReport(ctx, r.ID, UpdateReportParams{Body: &body, Status: &review})
	if err != nil {
		t.Fatalf("UpdateReport() error = %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version after update = %d, want 2", updated.Version)
	}
	if updated.Status != StatusReview {
		t.Errorf("status = %q, want review", updated.Status)
	}

	listed, err := store.ListReports(ctx, caseID, StatusReview)
	if err != nil {
		t.Fatalf("ListReports() error = %v", err)
	}
	if len(listed) != 1 || listed[0].ID != r.ID {
		t.Errorf("ListReports(review) = %v, want the motion", listed)
	}

	if err := store.DeleteReport(ctx, r.ID); err != nil {
		t.Fatalf("DeleteReport() error = %v", err)
	}
	if _, err := store.GetReport(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReport(deleted) = %v, want ErrNotFound", err)
	}
}

func TestCreateReportUnknownCase(t *testing.T) {
	store := newStore(t)
	_, err := store.CreateReport(context.Background(), CreateReportParams{
		CaseID: uuid.New(),
		Title:  "Orphan report",
	})
	if !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("CreateReport(unknown case) = %v, want ErrCaseNotFound", err)
	}
}

func TestCitationsSurviveReportDeletion(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	caseID := newCase(t)

	r, err := store.CreateReport(ctx, CreateReportParams{CaseID: caseID, Title: "Brief"})
	if err != nil {
		t.Fatalf("CreateReport() error = %v", err)
	}

	year := 1954
	c, err := store.CreateCitation(ctx, CreateCitationParams{
		CaseID:     caseID,
		ReportID:   &r.ID,
		Text:       "Brown v. Board of Education, 347 U.S. 483",
		SourceType: SourceCaseLaw,
		Court:      "U.S. Supreme Court",
		Year:       &year,
		Pinpoint:   "at 495",
	})
	if err != nil {
		t.Fatalf("CreateCitation() error = %v", err)
	}

	pinned, err := store.ListCitations(ctx, caseID, &r.ID)
	if err != nil {
		t.Fatalf("ListCitations(report) error = %v", err)
	}
	if len(pinned) != 1 || pinned[0].ID != c.ID {
		t.Fatalf("ListCitations(report) = %v, want the Brown citation", pinned)
	}

	if err := store.DeleteReport(ctx, r.ID); err != nil {
		t.Fatalf("DeleteReport() error = %v", err)
	}

	all, err := store.ListCitations(ctx, caseID, nil)
	if err != nil {
		t.Fatalf("ListCitations() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("citation count after report deletion = %d, want 1", len(all))
	}
	if all[0].ReportID != nil {
		t.Errorf("report_id = %v, want nil after report deletion", all[0].ReportID)
	}

	if err := store.DeleteCitation(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCitation() error = %v", err)
	}
	if err := store.DeleteCitation(ctx, c.ID); !errors.Is(err, ErrCitationNotFound) {
		t.Errorf("second DeleteCitation() = %v, want ErrCitationNotFound", err)
	}
}

func TestSaveCanvasVersioning(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	caseID := newCase(t)

	state1 := json.RawMessage(`{"nodes":[{"id":"a"}]}`)
	cs, err := store.SaveCanvas(ctx, SaveCanvasParams{
		CaseID: caseID, Name: "timeline", State: state1, Version: 0,
	})
	if err != nil {
		t.Fatalf("SaveCanvas(create) error = %v", err)
	}
	if cs.Version != 1 {
		t.Errorf("created canvas version = %d, want 1", cs.Version)
	}

	state2 := json.RawMessage(`{"nodes":[{"id":"a"},{"id":"b"}]}`)
	cs2, err := store.SaveCanvas(ctx, SaveCanvasParams{
		CaseID: caseID, Name: "timeline", State: state2, Version: 1,
	})
	if err != nil {
		t.Fatalf("SaveCanvas(update) error = %v", err)
	}
	if cs2.Version != 2 {
		t.Errorf("updated canvas version = %d, want 2", cs2.Version)
	}

	// A save carrying the old version must fail and change nothing.
	_, err = store.SaveCanvas(ctx, SaveCanvasParams{
		CaseID: caseID, Name: "timeline", State: state1, Version: 1,
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("SaveCanvas(stale) = %v, want ErrVersionConflict", err)
	}

	got, err := store.GetCanvas(ctx, caseID, "timeline")
	if err != nil {
		t.Fatalf("GetCanvas() error = %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version after failed save = %d, want 2", got.Version)
	}
	var decoded struct {
		Nodes []struct{ ID string } `json:"nodes"`
	}
	if err := json.Unmarshal(got.State, &decoded); err != nil {
		t.Fatalf("unmarshaling state: %v", err)
	}
	if len(decoded.Nodes) != 2 {
		t.Errorf("state nodes = %d, want the 2-node save to stand", len(decoded.Nodes))
	}

	// Claiming a version for a canvas that was never created is stale too.
	_, err = store.SaveCanvas(ctx, SaveCanvasParams{
		CaseID: caseID, Name: "ghost", State: state1, Version: 3,
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("SaveCanvas(missing, v3) = %v, want ErrVersionConflict", err)
	}
}

func TestListAndDeleteCanvases(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	caseID := newCase(t)

	for _, name := range []string{"relations", "timeline"} {
		_, err := store.SaveCanvas(ctx, SaveCanvasParams{
			CaseID: caseID, Name: name, Version: 0,
		})
		if err != nil {
			t.Fatalf("SaveCanvas(%s) error = %v", name, err)
		}
	}

	listed, err := store.ListCanvases(ctx, caseID)
	if err != nil {
		t.Fatalf("ListCanvases() error = %v", err)
	}
	if len(listed) != 2 || listed[0].Name != "relations" || listed[1].Name != "timeline" {
		t.Errorf("ListCanvases() = %v, want [relations timeline] by name", listed)
	}

	if err := store.DeleteCanvas(ctx, caseID, "relations"); err != nil {
		t.Fatalf("DeleteCanvas() error = %v", err)
	}
	if err := store.DeleteCanvas(ctx, caseID, "relations"); !errors.Is(err, ErrCanvasNotFound) {
		t.Errorf("second DeleteCanvas() = %v, want ErrCanvasNotFound", err)
	}
}
