package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/realtime"
	"github.com/casewire/casewire/internal/reports"
)

type createReportRequest struct {
	Title string             `json:"title"`
	Body  string             `json:"body"`
	Type  reports.ReportType `json:"report_type"`
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermReportsWrite)
	if !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req createReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = reports.TypeMemo
	}

	rep, err := s.reports.CreateReport(r.Context(), reports.CreateReportParams{
		CaseID:    caseID,
		Title:     req.Title,
		Body:      req.Body,
		Type:      req.Type,
		CreatedBy: &p.UserID,
	})
	if err != nil {
		s.writeReportError(w, err, "creating report")
		return
	}

	s.publishEvent(r.Context(), realtime.ReportUpdated, rep.CaseID, p.UserID, rep)
	writeJSON(w, http.StatusCreated, rep)
}

type listReportsResponse struct {
	Reports []reports.Report `json:"reports"`
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermReportsRead); !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	list, err := s.reports.ListReports(r.Context(), caseID,
		reports.Status(r.URL.Query().Get("status")))
	if err != nil {
		s.writeReportError(w, err, "listing reports")
		return
	}
	writeJSON(w, http.StatusOK, listReportsResponse{Reports: list})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermReportsRead); !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	rep, err := s.reports.GetReport(r.Context(), id)
	if err != nil {
		s.writeReportError(w, err, "getting report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type updateReportRequest struct {
	Title  *string         `json:"title"`
	Body   *string         `json:"body"`
	Status *reports.Status `json:"status"`
}

func (s *Server) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermReportsWrite)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rep, err := s.reports.UpdateReport(r.Context(), id, reports.UpdateReportParams{
		Title:  req.Title,
		Body:   req.Body,
		Status: req.Status,
	})
	if err != nil {
		s.writeReportError(w, err, "updating report")
		return
	}

	s.publishEvent(r.Context(), realtime.ReportUpdated, rep.CaseID, p.UserID, rep)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermReportsWrite)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	rep, err := s.reports.GetReport(r.Context(), id)
	if err != nil {
		s.writeReportError(w, err, "getting report")
		return
	}
	if err := s.reports.DeleteReport(r.Context(), id); err != nil {
		s.writeReportError(w, err, "deleting report")
		return
	}

	s.publishEvent(r.Context(), realtime.ReportUpdated, rep.CaseID, p.UserID,
		map[string]any{"id": id, "deleted": true})
	w.WriteHeader(http.StatusNoContent)
}

type createCitationRequest struct {
	ReportID   *uuid.UUID         `json:"report_id,omitempty"`
	EvidenceID *uuid.UUID         `json:"evidence_id,omitempty"`
	Text       string             `json:"text"`
	SourceType reports.SourceType `json:"source_type"`
	SourceURL  string             `json:"source_url,omitempty"`
	Court      string             `json:"court,omitempty"`
	Year       *int               `json:"year,omitempty"`
	Pinpoint   string             `json:"pinpoint,omitempty"`
	Notes      string             `json:"notes,omitempty"`
}

func (s *Server) handleCreateCitation(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermCitationsWrite)
	if !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req createCitationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cit, err := s.reports.CreateCitation(r.Context(), reports.CreateCitationParams{
		CaseID:     caseID,
		ReportID:   req.ReportID,
		EvidenceID: req.EvidenceID,
		Text:       req.Text,
		SourceType: req.SourceType,
		SourceURL:  req.SourceURL,
		Court:      req.Court,
		Year:       req.Year,
		Pinpoint:   req.Pinpoint,
		Notes:      req.Notes,
		CreatedBy:  &p.UserID,
	})
	if err != nil {
		s.writeReportError(w, err, "creating citation")
		return
	}
	writeJSON(w, http.StatusCreated, cit)
}

type listCitationsResponse struct {
	Citations []reports.Citation `json:"citations"`
}

func (s *Server) handleListCitations(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermCitationsRead); !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var reportID *uuid.UUID
	if raw := r.URL.Query().Get("report_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid report_id")
			return
		}
		reportID = &id
	}

	list, err := s.reports.ListCitations(r.Context(), caseID, reportID)
	if err != nil {
		s.writeReportError(w, err, "listing citations")
		return
	}
	writeJSON(w, http.StatusOK, listCitationsResponse{Citations: list})
}

func (s *Server) handleDeleteCitation(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermCitationsWrite); !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := s.reports.DeleteCitation(r.Context(), id); err != nil {
		s.writeReportError(w, err, "deleting citation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeReportError maps report store errors onto the response
// envelope.
func (s *Server) writeReportError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, reports.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "report not found")
	case errors.Is(err, reports.ErrCitationNotFound):
		writeError(w, http.StatusNotFound, "not_found", "citation not found")
	case errors.Is(err, reports.ErrCanvasNotFound):
		writeError(w, http.StatusNotFound, "not_found", "canvas not found")
	case errors.Is(err, reports.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, "not_found", "case not found")
	case errors.Is(err, reports.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", "canvas was modified concurrently, reload and retry")
	case errors.Is(err, reports.ErrTitleRequired),
		errors.Is(err, reports.ErrNameRequired),
		errors.Is(err, reports.ErrTextRequired),
		errors.Is(err, reports.ErrInvalidType),
		errors.Is(err, reports.ErrInvalidStatus),
		errors.Is(err, reports.ErrInvalidSourceType):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.logger.Error(action, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", action+" failed")
	}
}
