package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/assistant"
	"github.com/casewire/casewire/internal/auth"
)

type createSessionRequest struct {
	Title  string     `json:"title,omitempty"`
	CaseID *uuid.UUID `json:"case_id,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermChatUse)
	if !ok {
		return
	}

	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, err := s.sessions.CreateSession(r.Context(), p.UserID, req.CaseID, req.Title)
	if err != nil {
		s.logger.Error("creating chat session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "creating session failed")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type listSessionsResponse struct {
	Sessions []assistant.Session `json:"sessions"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermChatUse)
	if !ok {
		return
	}

	list, err := s.sessions.ListSessions(r.Context(), p.UserID, queryInt(r, "limit", 0))
	if err != nil {
		s.logger.Error("listing chat sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "listing sessions failed")
		return
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermChatUse)
	if !ok {
		return
	}

	sess, ok := s.ownedSession(w, r, p)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type listMessagesResponse struct {
	Messages []assistant.Message `json:"messages"`
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermChatUse)
	if !ok {
		return
	}

	sess, ok := s.ownedSession(w, r, p)
	if !ok {
		return
	}

	msgs, err := s.sessions.Messages(r.Context(), sess.ID, queryInt(r, "limit", 0))
	if err != nil {
		s.logger.Error("loading chat messages", "error", err, "session_id", sess.ID)
		writeError(w, http.StatusInternalServerError, "internal_error", "loading messages failed")
		return
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{Messages: msgs})
}

type renameSessionRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermChatUse)
	if !ok {
		return
	}

	sess, ok := s.ownedSession(w, r, p)
	if !ok {
		return
	}

	var req renameSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "title is required")
		return
	}

	if err := s.sessions.SetTitle(r.Context(), sess.ID, req.Title); err != nil {
		if errors.Is(err, assistant.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "chat session not found")
			return
		}
		s.logger.Error("renaming chat session", "error", err, "session_id", sess.ID)
		writeError(w, http.StatusInternalServerError, "internal_error", "renaming session failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermChatUse)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	err := s.sessions.DeleteSession(r.Context(), id, p.UserID)
	if err != nil {
		if errors.Is(err, assistant.ErrSessionNotFound) || errors.Is(err, assistant.ErrForbidden) {
			writeError(w, http.StatusNotFound, "not_found", "chat session not found")
			return
		}
		s.logger.Error("deleting chat session", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "internal_error", "deleting session failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedSession loads the session in the id path segment and verifies
// the caller owns it. Foreign sessions read as missing.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, p *auth.Principal) (*assistant.Session, bool) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return nil, false
	}

	sess, err := s.sessions.Session(r.Context(), id)
	if err != nil {
		if errors.Is(err, assistant.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "chat session not found")
		} else {
			s.logger.Error("loading chat session", "error", err, "session_id", id)
			writeError(w, http.StatusInternalServerError, "internal_error", "loading session failed")
		}
		return nil, false
	}
	if sess.UserID != p.UserID {
		writeError(w, http.StatusNotFound, "not_found", "chat session not found")
		return nil, false
	}
	return sess, true
}
