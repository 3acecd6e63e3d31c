package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/cases"
	"github.com/casewire/casewire/internal/realtime"
)

// optionalUUID distinguishes an absent field from an explicit null so
// PATCH bodies can clear a reference.
type optionalUUID struct {
	set   bool
	value uuid.NullUUID
}

func (o *optionalUUID) UnmarshalJSON(b []byte) error {
	o.set = true
	if string(b) == "null" {
		return nil
	}
	var id uuid.UUID
	if err := json.Unmarshal(b, &id); err != nil {
		return err //nolint:wrapcheck // surfaced verbatim in the 400 body
	}
	o.value = uuid.NullUUID{UUID: id, Valid: true}
	return nil
}

type createCaseRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    cases.Priority `json:"priority"`
	AssignedTo  *uuid.UUID     `json:"assigned_to,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermCasesWrite)
	if !ok {
		return
	}

	var req createCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := s.cases.Create(r.Context(), cases.CreateParams{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		CreatedBy:   p.UserID,
		AssignedTo:  req.AssignedTo,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeCaseError(w, err, "creating case")
		return
	}

	s.publishEvent(r.Context(), realtime.CaseUpdated, c.ID, p.UserID, c)
	writeJSON(w, http.StatusCreated, c)
}

type listCasesResponse struct {
	Cases []cases.Case `json:"cases"`
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermCasesRead); !ok {
		return
	}

	filter := cases.ListFilter{
		Status: cases.Status(r.URL.Query().Get("status")),
		Query:  r.URL.Query().Get("q"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("assigned_to"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid assigned_to")
			return
		}
		filter.AssignedTo = &id
	}

	list, err := s.cases.List(r.Context(), filter)
	if err != nil {
		s.writeCaseError(w, err, "listing cases")
		return
	}
	writeJSON(w, http.StatusOK, listCasesResponse{Cases: list})
}

// handleGetCase accepts either a case UUID or a human-facing case
// number such as CW-2026-0142.
func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermCasesRead); !ok {
		return
	}

	var (
		c   *cases.Case
		err error
	)
	raw := r.PathValue("id")
	if id, parseErr := uuid.Parse(raw); parseErr == nil {
		c, err = s.cases.Get(r.Context(), id)
	} else {
		c, err = s.cases.GetByNumber(r.Context(), raw)
	}
	if err != nil {
		s.writeCaseError(w, err, "getting case")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type updateCaseRequest struct {
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	Status      *cases.Status   `json:"status"`
	Priority    *cases.Priority `json:"priority"`
	AssignedTo  optionalUUID    `json:"assigned_to"`
	Metadata    map[string]any  `json:"metadata"`
}

func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermCasesWrite)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	params := cases.UpdateParams{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	}
	if req.AssignedTo.set {
		params.AssignedTo = &req.AssignedTo.value
	}

	c, err := s.cases.Update(r.Context(), id, params)
	if err != nil {
		s.writeCaseError(w, err, "updating case")
		return
	}

	s.publishEvent(r.Context(), realtime.CaseUpdated, c.ID, p.UserID, c)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCase(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermCasesDelete)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := s.cases.Delete(r.Context(), id); err != nil {
		s.writeCaseError(w, err, "deleting case")
		return
	}

	s.publishEvent(r.Context(), realtime.CaseUpdated, id, p.UserID,
		map[string]any{"id": id, "deleted": true})
	w.WriteHeader(http.StatusNoContent)
}

type caseStatsResponse struct {
	ByStatus map[cases.Status]int64 `json:"by_status"`
}

func (s *Server) handleCaseStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermCasesRead); !ok {
		return
	}

	counts, err := s.cases.CountByStatus(r.Context())
	if err != nil {
		s.writeCaseError(w, err, "counting cases")
		return
	}
	writeJSON(w, http.StatusOK, caseStatsResponse{ByStatus: counts})
}

// writeCaseError maps case store errors onto the response envelope.
func (s *Server) writeCaseError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, cases.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "case not found")
	case errors.Is(err, cases.ErrTitleRequired),
		errors.Is(err, cases.ErrInvalidStatus),
		errors.Is(err, cases.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.logger.Error(action, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", action+" failed")
	}
}
