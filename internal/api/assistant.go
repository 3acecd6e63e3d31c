package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/assistant"
	"github.com/casewire/casewire/internal/auth"
)

// sessionTitleMax caps auto-generated session titles.
const sessionTitleMax = 80

// handleAsk runs the counsel flow synchronously.
//
// Request body: {"query": "...", "sessionId": "...", "caseId": "..."}
// An empty sessionId opens a fresh session owned by the caller.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermChatUse)
	if !ok {
		return
	}
	if s.flow == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant_unavailable", "assistant is not configured")
		return
	}

	var input assistant.Input
	if !decodeJSON(w, r, &input) {
		return
	}
	if input.Query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "query is required")
		return
	}
	if !s.resolveAssistantSession(w, r, p, &input) {
		return
	}

	out, err := s.flow.Run(r.Context(), input)
	if err != nil {
		s.writeAssistantError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAskStream runs the counsel flow and streams the answer as
// Server-Sent Events.
//
// Event types:
//   - chunk: partial text {"text": "..."}
//   - done:  final output {"answer": "...", "sessionId": "...", "sources": [...]}
//   - error: failure {"code": "...", "message": "..."}
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermChatUse)
	if !ok {
		return
	}
	if s.flow == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant_unavailable", "assistant is not configured")
		return
	}

	var input assistant.Input
	if !decodeJSON(w, r, &input) {
		return
	}
	if input.Query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "query is required")
		return
	}
	if !s.resolveAssistantSession(w, r, p, &input) {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	s.logger.Info("SSE stream started", "session_id", input.SessionID)

	var (
		finalOutput assistant.Output
		streamErr   error
	)
	for streamValue, err := range s.flow.Stream(ctx, input) {
		select {
		case <-ctx.Done():
			s.logger.Info("client disconnected", "session_id", input.SessionID)
			return
		default:
		}

		if err != nil {
			streamErr = err
			break
		}
		if streamValue.Done {
			finalOutput = streamValue.Output
			break
		}
		if streamValue.Stream.Text != "" {
			writeSSEChunk(w, flusher, streamValue.Stream.Text)
		}
	}

	if streamErr != nil {
		s.logger.Error("stream failed", "error", streamErr, "session_id", input.SessionID)
		writeSSEError(w, flusher, "stream_error", streamErr.Error())
		return
	}

	writeSSEDone(w, flusher, finalOutput)
	s.logger.Info("SSE stream completed",
		"session_id", input.SessionID,
		"answer_len", len(finalOutput.Answer))
}

// resolveAssistantSession fills in input.SessionID, creating a session
// for the caller when the request has none and verifying ownership
// when it does. Foreign sessions read as missing.
func (s *Server) resolveAssistantSession(w http.ResponseWriter, r *http.Request, p *auth.Principal, input *assistant.Input) bool {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant_unavailable", "chat history is not configured")
		return false
	}

	if input.SessionID == "" {
		var caseID *uuid.UUID
		if input.CaseID != "" {
			id, err := uuid.Parse(input.CaseID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "invalid caseId")
				return false
			}
			caseID = &id
		}
		sess, err := s.sessions.CreateSession(r.Context(), p.UserID, caseID, titleFromQuery(input.Query))
		if err != nil {
			s.logger.Error("creating chat session", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "creating session failed")
			return false
		}
		input.SessionID = sess.ID.String()
		if s.titles != nil {
			// Best-effort: swap the query-derived title for a model
			// one once it arrives.
			go s.retitleSession(sess.ID, input.Query)
		}
		return true
	}

	id, err := uuid.Parse(input.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid sessionId")
		return false
	}
	sess, err := s.sessions.Session(r.Context(), id)
	if err != nil {
		if errors.Is(err, assistant.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "chat session not found")
		} else {
			s.logger.Error("loading chat session", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "loading session failed")
		}
		return false
	}
	if sess.UserID != p.UserID {
		writeError(w, http.StatusNotFound, "not_found", "chat session not found")
		return false
	}
	return true
}

// retitleSession replaces a fresh session's query-derived title with
// a generated one. Runs detached from the request; the generator
// carries its own timeout and returns "" on any failure.
func (s *Server) retitleSession(id uuid.UUID, query string) {
	title := s.titles.GenerateTitle(context.Background(), query)
	if title == "" {
		return
	}
	if err := s.sessions.SetTitle(context.Background(), id, title); err != nil {
		s.logger.Debug("retitling session", "session_id", id, "error", err)
	}
}

// titleFromQuery derives a session title from the opening question.
func titleFromQuery(q string) string {
	if utf8.RuneCountInString(q) <= sessionTitleMax {
		return q
	}
	runes := []rune(q)
	return string(runes[:sessionTitleMax-1]) + "…"
}

func (s *Server) writeAssistantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assistant.ErrInvalidSession):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid sessionId")
	case errors.Is(err, assistant.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "chat session not found")
	case errors.Is(err, assistant.ErrForbidden):
		writeError(w, http.StatusNotFound, "not_found", "chat session not found")
	default:
		s.logger.Error("assistant request failed", "error", err)
		writeError(w, http.StatusBadGateway, "assistant_error", "assistant request failed")
	}
}

// sseErrorData is the payload for SSE "error" events.
type sseErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, text string) {
	data, _ := json.Marshal(assistant.StreamChunk{Text: text})
	fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", data)
	flusher.Flush()
}

func writeSSEDone(w http.ResponseWriter, flusher http.Flusher, out assistant.Output) {
	data, _ := json.Marshal(out)
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
	flusher.Flush()
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, code, message string) {
	data, _ := json.Marshal(sseErrorData{Code: code, Message: message})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}
