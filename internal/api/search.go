package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/chunk"
	"github.com/casewire/casewire/internal/search"
)

// handleSearch runs a semantic query over indexed evidence.
//
//	GET /api/v1/search?q=...&case_id=...&domains=contract,tort&min_confidence=0.5&top_k=10
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermSearchUse); !ok {
		return
	}
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "search_unavailable", "search is not configured")
		return
	}

	q := search.Query{
		Text: r.URL.Query().Get("q"),
		TopK: queryInt(r, "top_k", 0),
	}

	if raw := r.URL.Query().Get("case_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid case_id")
			return
		}
		q.CaseID = &id
	}

	for _, raw := range strings.Split(r.URL.Query().Get("domains"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		d := chunk.Domain(raw)
		if !d.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown domain: "+raw)
			return
		}
		q.Domains = append(q.Domains, d)
	}

	if raw := r.URL.Query().Get("min_confidence"); raw != "" {
		f, err := strconv.ParseFloat(raw, 32)
		if err != nil || f < 0 || f > 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "min_confidence must be in [0, 1]")
			return
		}
		q.MinConfidence = float32(f)
	}

	resp, err := s.search.Search(r.Context(), q)
	if err != nil {
		switch {
		case errors.Is(err, search.ErrEmptyQuery):
			writeError(w, http.StatusBadRequest, "bad_request", "query text is required")
		case errors.Is(err, search.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "overloaded", "search queue is full, retry shortly")
		case errors.Is(err, search.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "search_unavailable", "search is shutting down")
		default:
			s.logger.Error("searching", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
