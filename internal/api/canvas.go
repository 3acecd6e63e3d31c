package api

import (
	"encoding/json"
	"net/http"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/realtime"
	"github.com/casewire/casewire/internal/reports"
)

type saveCanvasRequest struct {
	State   json.RawMessage `json:"state"`
	Version int             `json:"version"`
}

// handleSaveCanvas stores a named canvas under optimistic locking: the
// request carries the version it was based on, and a stale version
// gets 409 so the client can reload and merge.
func (s *Server) handleSaveCanvas(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermCanvasWrite)
	if !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req saveCanvasRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	canvas, err := s.reports.SaveCanvas(r.Context(), reports.SaveCanvasParams{
		CaseID:    caseID,
		Name:      r.PathValue("name"),
		State:     req.State,
		Version:   req.Version,
		UpdatedBy: &p.UserID,
	})
	if err != nil {
		s.writeReportError(w, err, "saving canvas")
		return
	}

	s.publishEvent(r.Context(), realtime.CanvasSaved, canvas.CaseID, p.UserID, canvas)
	writeJSON(w, http.StatusOK, canvas)
}

func (s *Server) handleGetCanvas(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermCanvasRead); !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	canvas, err := s.reports.GetCanvas(r.Context(), caseID, r.PathValue("name"))
	if err != nil {
		s.writeReportError(w, err, "getting canvas")
		return
	}
	writeJSON(w, http.StatusOK, canvas)
}

type listCanvasesResponse struct {
	Canvases []reports.CanvasState `json:"canvases"`
}

func (s *Server) handleListCanvases(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermCanvasRead); !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	list, err := s.reports.ListCanvases(r.Context(), caseID)
	if err != nil {
		s.writeReportError(w, err, "listing canvases")
		return
	}
	writeJSON(w, http.StatusOK, listCanvasesResponse{Canvases: list})
}

func (s *Server) handleDeleteCanvas(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermCanvasWrite); !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := s.reports.DeleteCanvas(r.Context(), caseID, r.PathValue("name")); err != nil {
		s.writeReportError(w, err, "deleting canvas")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
