// Package cases manages legal case records.
//
// A case is the root aggregate: evidence, reports, citations, canvases,
// and chat sessions all hang off a case ID. Case numbers are assigned
// from per-year counters in the form CW-<year>-<seq>.
package cases

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates no case matches the lookup.
	ErrNotFound = errors.New("case not found")

	// ErrTitleRequired indicates an empty case title.
	ErrTitleRequired = errors.New("case title is required")

	// ErrInvalidStatus indicates an unknown case status.
	ErrInvalidStatus = errors.New("invalid case status")

	// ErrInvalidPriority indicates an unknown case priority.
	ErrInvalidPriority = errors.New("invalid case priority")
)

// Status is the case lifecycle state.
type Status string

// Case statuses. Closed and archived cases keep their closed_at stamp;
// reopening clears it.
const (
	StatusOpen     Status = "open"
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusClosed   Status = "closed"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusActive, StatusPending, StatusClosed, StatusArchived:
		return true
	}
	return false
}

// terminal reports whether the status stamps closed_at.
func (s Status) terminal() bool {
	return s == StatusClosed || s == StatusArchived
}

// Priority is the case urgency level.
type Priority string

// Case priorities.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Case is a legal case record.
type Case struct {
	ID          uuid.UUID      `json:"id"`
	CaseNumber  string         `json:"case_number"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      Status         `json:"status"`
	Priority    Priority       `json:"priority"`
	CreatedBy   *uuid.UUID     `json:"created_by,omitempty"`
	AssignedTo  *uuid.UUID     `json:"assigned_to,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
}

// CreateParams are the inputs for Store.Create.
type CreateParams struct {
	Title       string
	Description string
	Priority    Priority
	CreatedBy   uuid.UUID
	AssignedTo  *uuid.UUID
	Metadata    map[string]any
}

// UpdateParams are the inputs for Store.Update. Nil fields are left
// unchanged; AssignedTo with Valid=false clears the assignee.
type UpdateParams struct {
	Title       *string
	Description *string
	Status      *Status
	Priority    *Priority
	AssignedTo  *uuid.NullUUID
	Metadata    map[string]any
}

// ListFilter narrows Store.List results.
type ListFilter struct {
	Status     Status
	AssignedTo *uuid.UUID
	// Query matches title and case number, case-insensitively.
	Query  string
	Limit  int
	Offset int
}
