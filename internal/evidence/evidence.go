// Package evidence manages the evidence records attached to cases:
// uploaded files, captured web pages, testimony notes, and physical
// exhibit descriptions. File bytes live in object storage; this package
// owns the metadata rows and the idempotent re-upload behavior.
package evidence

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no evidence row matches.
	ErrNotFound = errors.New("evidence not found")
	// ErrCaseNotFound is returned when the referenced case does not exist.
	ErrCaseNotFound = errors.New("case not found")
	// ErrTitleRequired is returned when the title is empty.
	ErrTitleRequired = errors.New("evidence title is required")
	// ErrInvalidType is returned for an unknown evidence type.
	ErrInvalidType = errors.New("invalid evidence type")
)

// Type classifies a piece of evidence.
type Type string

const (
	TypeDocument  Type = "document"
	TypeImage     Type = "image"
	TypeVideo     Type = "video"
	TypeAudio     Type = "audio"
	TypeLink      Type = "link"
	TypeTestimony Type = "testimony"
	TypePhysical  Type = "physical"
)

// Valid reports whether t is a known evidence type.
func (t Type) Valid() bool {
	switch t {
	case TypeDocument, TypeImage, TypeVideo, TypeAudio, TypeLink, TypeTestimony, TypePhysical:
		return true
	}
	return false
}

// Indexable reports whether evidence of this type carries text worth
// feeding to the search corpus.
func (t Type) Indexable() bool {
	switch t {
	case TypeDocument, TypeLink, TypeTestimony:
		return true
	}
	return false
}

// Evidence is one item of case evidence.
type Evidence struct {
	ID          uuid.UUID      `json:"id"`
	CaseID      uuid.UUID      `json:"case_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Type        Type           `json:"evidence_type"`
	ObjectKey   string         `json:"object_key,omitempty"`
	FileName    string         `json:"file_name,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	SizeBytes   int64          `json:"size_bytes"`
	SHA256      *string        `json:"sha256,omitempty"`
	SourceURL   string         `json:"source_url,omitempty"`
	ContentText string         `json:"content_text,omitempty"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
	UploadedBy  *uuid.UUID     `json:"uploaded_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CreateParams carries the fields for a new evidence row. SHA256, when
// set, makes the create idempotent within the case.
type CreateParams struct {
	CaseID      uuid.UUID
	Title       string
	Description string
	Type        Type
	ObjectKey   string
	FileName    string
	ContentType string
	SizeBytes   int64
	SHA256      string
	SourceURL   string
	ContentText string
	Tags        []string
	Metadata    map[string]any
	UploadedBy  *uuid.UUID
}

// UpdateParams carries partial updates. Nil fields are left unchanged.
type UpdateParams struct {
	Title       *string
	Description *string
	Tags        *[]string
	Metadata    map[string]any
}

// ListFilter narrows ListByCase. Zero values mean "no filter".
type ListFilter struct {
	Type   Type
	Tag    string
	Query  string
	Limit  int
	Offset int
}
