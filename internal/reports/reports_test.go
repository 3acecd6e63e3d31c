package reports

import (
	"strings"
	"testing"
)

func TestReportTypeValid(t *testing.T) {
	for _, typ := range []ReportType{TypeBrief, TypeMemo, TypeMotion, TypeSummary, TypeAnalysis} {
		if !typ.Valid() {
			t.Errorf("ReportType(%q).Valid() = false, want true", typ)
		}
	}
	for _, typ := range []ReportType{"", "essay", "Brief"} {
		if typ.Valid() {
			t.Errorf("ReportType(%q).Valid() = true, want false", typ)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, st := range []Status{StatusDraft, StatusReview, StatusFinal} {
		if !st.Valid() {
			t.Errorf("Status(%q).Valid() = false, want true", st)
		}
	}
	for _, st := range []Status{"", "published", "DRAFT"} {
		if st.Valid() {
			t.Errorf("Status(%q).Valid() = true, want false", st)
		}
	}
}

func TestSourceTypeValid(t *testing.T) {
	for _, st := range []SourceType{SourceCaseLaw, SourceStatute, SourceRegulation, SourceArticle, SourceWeb} {
		if !st.Valid() {
			t.Errorf("SourceType(%q).Valid() = false, want true", st)
		}
	}
	if SourceType("blog").Valid() {
		t.Error(`SourceType("blog").Valid() = true, want false`)
	}
}

func TestNewStoreRequiresPool(t *testing.T) {
	_, err := NewStore(nil, nil)
	if err == nil {
		t.Fatal("NewStore(nil) error = nil, want error")
	}
	if !strings.Contains(err.Error(), "pool is required") {
		t.Errorf("NewStore(nil) error = %q, want pool message", err)
	}
}
