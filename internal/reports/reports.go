// Package reports manages the written work product of a case: reports
// (briefs, memos, motions), the citations backing them, and the saved
// evidence canvas layouts. Canvas saves use optimistic concurrency so
// two browser tabs cannot silently overwrite each other.
package reports

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no report matches.
	ErrNotFound = errors.New("report not found")
	// ErrCitationNotFound is returned when no citation matches.
	ErrCitationNotFound = errors.New("citation not found")
	// ErrCanvasNotFound is returned when no canvas state matches.
	ErrCanvasNotFound = errors.New("canvas state not found")
	// ErrCaseNotFound is returned when the referenced case does not exist.
	ErrCaseNotFound = errors.New("case not found")
	// ErrTitleRequired is returned when a report title is empty.
	ErrTitleRequired = errors.New("report title is required")
	// ErrNameRequired is returned when a canvas name is empty.
	ErrNameRequired = errors.New("canvas name is required")
	// ErrTextRequired is returned when a citation text is empty.
	ErrTextRequired = errors.New("citation text is required")
	// ErrInvalidType is returned for an unknown report type.
	ErrInvalidType = errors.New("invalid report type")
	// ErrInvalidStatus is returned for an unknown report status.
	ErrInvalidStatus = errors.New("invalid report status")
	// ErrInvalidSourceType is returned for an unknown citation source type.
	ErrInvalidSourceType = errors.New("invalid citation source type")
	// ErrVersionConflict is returned when a canvas save carries a stale
	// version number.
	ErrVersionConflict = errors.New("canvas version conflict")
)

// ReportType classifies a report.
type ReportType string

const (
	TypeBrief    ReportType = "brief"
	TypeMemo     ReportType = "memo"
	TypeMotion   ReportType = "motion"
	TypeSummary  ReportType = "summary"
	TypeAnalysis ReportType = "analysis"
)

// Valid reports whether t is a known report type.
func (t ReportType) Valid() bool {
	switch t {
	case TypeBrief, TypeMemo, TypeMotion, TypeSummary, TypeAnalysis:
		return true
	}
	return false
}

// Status is a report's review state.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusReview Status = "review"
	StatusFinal  Status = "final"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusReview, StatusFinal:
		return true
	}
	return false
}

// SourceType classifies where a citation points.
type SourceType string

const (
	SourceCaseLaw    SourceType = "case_law"
	SourceStatute    SourceType = "statute"
	SourceRegulation SourceType = "regulation"
	SourceArticle    SourceType = "article"
	SourceWeb        SourceType = "web"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	switch s {
	case SourceCaseLaw, SourceStatute, SourceRegulation, SourceArticle, SourceWeb:
		return true
	}
	return false
}

// Report is a piece of written work product under a case. Body is
// markdown. Version counts saves.
type Report struct {
	ID        uuid.UUID  `json:"id"`
	CaseID    uuid.UUID  `json:"case_id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Type      ReportType `json:"report_type"`
	Status    Status     `json:"status"`
	Version   int        `json:"version"`
	CreatedBy *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Citation is a legal authority referenced by a case, optionally pinned
// to a report and a piece of evidence.
type Citation struct {
	ID         uuid.UUID  `json:"id"`
	CaseID     uuid.UUID  `json:"case_id"`
	ReportID   *uuid.UUID `json:"report_id,omitempty"`
	EvidenceID *uuid.UUID `json:"evidence_id,omitempty"`
	Text       string     `json:"citation_text"`
	SourceType SourceType `json:"source_type"`
	SourceURL  string     `json:"source_url,omitempty"`
	Court      string     `json:"court,omitempty"`
	Year       *int       `json:"year,omitempty"`
	Pinpoint   string     `json:"pinpoint,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	CreatedBy  *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CanvasState is one named evidence canvas layout for a case. State is
// opaque JSON owned by the front end; the server only versions it.
type CanvasState struct {
	ID        uuid.UUID       `json:"id"`
	CaseID    uuid.UUID       `json:"case_id"`
	Name      string          `json:"name"`
	State     json.RawMessage `json:"state"`
	Version   int             `json:"version"`
	UpdatedBy *uuid.UUID      `json:"updated_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreateReportParams carries the fields for a new report.
type CreateReportParams struct {
	CaseID    uuid.UUID
	Title     string
	Body      string
	Type      ReportType
	CreatedBy *uuid.UUID
}

// UpdateReportParams carries partial report updates. Nil fields are left
// unchanged. Any change bumps the version.
type UpdateReportParams struct {
	Title  *string
	Body   *string
	Status *Status
}

// CreateCitationParams carries the fields for a new citation.
type CreateCitationParams struct {
	CaseID     uuid.UUID
	ReportID   *uuid.UUID
	EvidenceID *uuid.UUID
	Text       string
	SourceType SourceType
	SourceURL  string
	Court      string
	Year       *int
	Pinpoint   string
	Notes      string
	CreatedBy  *uuid.UUID
}
