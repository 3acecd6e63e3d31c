package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/capture"
	"github.com/casewire/casewire/internal/evidence"
	"github.com/casewire/casewire/internal/objstore"
	"github.com/casewire/casewire/internal/realtime"
)

// multipartMemoryBytes is the in-memory threshold for parsed uploads;
// larger files spool to a temp file.
const multipartMemoryBytes = 4 << 20

const presignTTL = 15 * time.Minute

// handleCreateEvidence accepts either a multipart file upload or a
// JSON body for file-less evidence (links, testimony notes).
func (s *Server) handleCreateEvidence(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermEvidenceUpload)
	if !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		s.uploadFileEvidence(w, r, p, caseID)
		return
	}
	s.createMetadataEvidence(w, r, p, caseID)
}

// uploadFileEvidence streams the file part into object storage while
// hashing it, then records the row. A SHA-256 duplicate within the
// case returns the existing row with 200 and the fresh object is
// removed.
func (s *Server) uploadFileEvidence(w http.ResponseWriter, r *http.Request, p *auth.Principal, caseID uuid.UUID) {
	if s.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "object storage is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "parsing multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "file field is required")
		return
	}
	defer func() { _ = file.Close() }()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = header.Filename
	}
	evType := evidence.Type(r.FormValue("evidence_type"))
	if evType == "" {
		evType = inferEvidenceType(contentType)
	}

	hasher := sha256.New()
	key, err := s.objects.Put(r.Context(), header.Filename, contentType,
		io.TeeReader(file, hasher), header.Size)
	if err != nil {
		s.logger.Error("storing upload", "case_id", caseID, "error", err)
		writeError(w, http.StatusBadGateway, "storage_error", "storing file failed")
		return
	}

	ev, created, err := s.evidence.Create(r.Context(), evidence.CreateParams{
		CaseID:      caseID,
		Title:       title,
		Description: r.FormValue("description"),
		Type:        evType,
		ObjectKey:   key,
		FileName:    header.Filename,
		ContentType: contentType,
		SizeBytes:   header.Size,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		ContentText: r.FormValue("content_text"),
		Tags:        splitTags(r.FormValue("tags")),
		UploadedBy:  &p.UserID,
	})
	if err != nil {
		s.removeObject(r.Context(), key)
		s.writeEvidenceError(w, err, "creating evidence")
		return
	}
	if !created {
		// Same bytes already on file for this case.
		s.removeObject(r.Context(), key)
		writeJSON(w, http.StatusOK, ev)
		return
	}

	s.indexEvidence(ev)
	s.publishEvent(r.Context(), realtime.EvidenceCreated, ev.CaseID, p.UserID, ev)
	writeJSON(w, http.StatusCreated, ev)
}

type createEvidenceRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Type        evidence.Type  `json:"evidence_type"`
	SourceURL   string         `json:"source_url,omitempty"`
	ContentText string         `json:"content_text,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) createMetadataEvidence(w http.ResponseWriter, r *http.Request, p *auth.Principal, caseID uuid.UUID) {
	var req createEvidenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = evidence.TypeDocument
	}

	ev, _, err := s.evidence.Create(r.Context(), evidence.CreateParams{
		CaseID:      caseID,
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		SourceURL:   req.SourceURL,
		ContentText: req.ContentText,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		UploadedBy:  &p.UserID,
	})
	if err != nil {
		s.writeEvidenceError(w, err, "creating evidence")
		return
	}

	s.indexEvidence(ev)
	s.publishEvent(r.Context(), realtime.EvidenceCreated, ev.CaseID, p.UserID, ev)
	writeJSON(w, http.StatusCreated, ev)
}

type captureRequest struct {
	URL  string   `json:"url"`
	Tags []string `json:"tags,omitempty"`
}

// handleCaptureEvidence fetches a web page, extracts its readable
// text, and files it as link evidence.
func (s *Server) handleCaptureEvidence(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermEvidenceUpload)
	if !ok {
		return
	}
	if s.capture == nil {
		writeError(w, http.StatusServiceUnavailable, "capture_unavailable", "web capture is not configured")
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req captureRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.capture.Capture(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, capture.ErrNotHTML) {
			writeError(w, http.StatusUnsupportedMediaType, "not_html", "target is not an HTML page")
			return
		}
		s.logger.Warn("capturing page", "url", req.URL, "error", err)
		writeError(w, http.StatusBadGateway, "capture_failed", err.Error())
		return
	}

	title := result.Title
	if title == "" {
		title = result.URL
	}
	ev, created, err := s.evidence.Create(r.Context(), evidence.CreateParams{
		CaseID:      caseID,
		Title:       title,
		Description: result.Excerpt,
		Type:        evidence.TypeLink,
		ContentType: result.ContentType,
		SHA256:      captureSHA(result),
		SourceURL:   result.URL,
		ContentText: result.Text,
		Tags:        req.Tags,
		Metadata: map[string]any{
			"byline":     result.Byline,
			"site_name":  result.SiteName,
			"fetched_at": result.FetchedAt,
			"truncated":  result.Truncated,
		},
		UploadedBy: &p.UserID,
	})
	if err != nil {
		s.writeEvidenceError(w, err, "filing capture")
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, ev)
		return
	}

	s.indexEvidence(ev)
	s.publishEvent(r.Context(), realtime.EvidenceCreated, ev.CaseID, p.UserID, ev)
	writeJSON(w, http.StatusCreated, ev)
}

// captureSHA hashes the extracted text so re-capturing an unchanged
// page dedupes like a file re-upload.
func captureSHA(res *capture.Result) string {
	sum := sha256.Sum256([]byte(res.URL + "\x00" + res.Text))
	return hex.EncodeToString(sum[:])
}

type listEvidenceResponse struct {
	Evidence []evidence.Evidence `json:"evidence"`
	Total    int64               `json:"total"`
}

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermEvidenceRead); !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	filter := evidence.ListFilter{
		Type:   evidence.Type(r.URL.Query().Get("type")),
		Tag:    r.URL.Query().Get("tag"),
		Query:  r.URL.Query().Get("q"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	list, err := s.evidence.ListByCase(r.Context(), caseID, filter)
	if err != nil {
		s.writeEvidenceError(w, err, "listing evidence")
		return
	}
	total, err := s.evidence.CountByCase(r.Context(), caseID)
	if err != nil {
		s.writeEvidenceError(w, err, "counting evidence")
		return
	}
	writeJSON(w, http.StatusOK, listEvidenceResponse{Evidence: list, Total: total})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermEvidenceRead); !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	ev, err := s.evidence.Get(r.Context(), id)
	if err != nil {
		s.writeEvidenceError(w, err, "getting evidence")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type presignResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleDownloadEvidence streams the stored object. With ?presign=1 it
// returns a short-lived direct URL instead, so large files bypass the
// API server.
func (s *Server) handleDownloadEvidence(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePermission(w, r, auth.PermEvidenceRead); !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	ev, err := s.evidence.Get(r.Context(), id)
	if err != nil {
		s.writeEvidenceError(w, err, "getting evidence")
		return
	}
	if ev.ObjectKey == "" {
		writeError(w, http.StatusNotFound, "no_object", "evidence has no stored file")
		return
	}
	if s.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "object storage is not configured")
		return
	}

	if r.URL.Query().Get("presign") == "1" {
		url, err := s.objects.Presign(r.Context(), ev.ObjectKey, presignTTL)
		if err != nil {
			s.logger.Error("presigning object", "key", ev.ObjectKey, "error", err)
			writeError(w, http.StatusBadGateway, "storage_error", "presigning failed")
			return
		}
		writeJSON(w, http.StatusOK, presignResponse{URL: url, ExpiresAt: time.Now().UTC().Add(presignTTL)})
		return
	}

	w.Header().Set("Content-Type", ev.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+sanitizeFilename(ev.FileName)+`"`)
	if _, _, err := s.objects.Stream(r.Context(), ev.ObjectKey, w); err != nil {
		if errors.Is(err, objstore.ErrNotFound) && !headersSent(w) {
			writeError(w, http.StatusNotFound, "no_object", "stored file is missing")
			return
		}
		// Mid-stream failures cannot change the status line anymore.
		s.logger.Debug("streaming object", "key", ev.ObjectKey, "error", err)
	}
}

// headersSent reports whether the wrapped writer already wrote a
// status line.
func headersSent(w http.ResponseWriter) bool {
	lw, ok := w.(*loggingWriter)
	return ok && lw.statusCode != 0
}

// sanitizeFilename strips characters that would break the
// Content-Disposition header.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, name)
	if name == "" {
		return "download"
	}
	return name
}

type updateEvidenceRequest struct {
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Tags        *[]string      `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleUpdateEvidence(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermEvidenceUpload)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateEvidenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ev, err := s.evidence.Update(r.Context(), id, evidence.UpdateParams{
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeEvidenceError(w, err, "updating evidence")
		return
	}

	s.indexEvidence(ev)
	s.publishEvent(r.Context(), realtime.EvidenceUpdated, ev.CaseID, p.UserID, ev)
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDeleteEvidence(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermEvidenceDelete)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	ev, err := s.evidence.Get(r.Context(), id)
	if err != nil {
		s.writeEvidenceError(w, err, "getting evidence")
		return
	}

	objectKey, err := s.evidence.Delete(r.Context(), id)
	if err != nil {
		s.writeEvidenceError(w, err, "deleting evidence")
		return
	}
	if objectKey != "" {
		s.removeObject(r.Context(), objectKey)
	}
	if s.indexer != nil {
		if err := s.indexer.EnqueueRemoval(id); err != nil {
			s.logger.Warn("queueing index removal", "evidence_id", id, "error", err)
		}
	}

	s.publishEvent(r.Context(), realtime.EvidenceDeleted, ev.CaseID, p.UserID, ev)
	w.WriteHeader(http.StatusNoContent)
}

// indexEvidence queues the row for embedding when its type is
// searchable and it carries text.
func (s *Server) indexEvidence(ev *evidence.Evidence) {
	if s.indexer == nil || !ev.Type.Indexable() || ev.ContentText == "" {
		return
	}
	text := strings.TrimSpace(ev.Title + "\n\n" + ev.ContentText)
	if err := s.indexer.Enqueue(ev.ID, ev.CaseID, text); err != nil {
		s.logger.Warn("queueing evidence for indexing", "evidence_id", ev.ID, "error", err)
	}
}

// removeObject deletes a stored object, logging rather than failing
// the request when cleanup does not succeed.
func (s *Server) removeObject(ctx context.Context, key string) {
	if s.objects == nil || key == "" {
		return
	}
	if err := s.objects.Delete(ctx, key); err != nil {
		s.logger.Warn("removing stored object", "key", key, "error", err)
	}
}

func inferEvidenceType(contentType string) evidence.Type {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return evidence.TypeImage
	case strings.HasPrefix(contentType, "video/"):
		return evidence.TypeVideo
	case strings.HasPrefix(contentType, "audio/"):
		return evidence.TypeAudio
	default:
		return evidence.TypeDocument
	}
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// writeEvidenceError maps evidence store errors onto the response
// envelope.
func (s *Server) writeEvidenceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, evidence.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "evidence not found")
	case errors.Is(err, evidence.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, "not_found", "case not found")
	case errors.Is(err, evidence.ErrTitleRequired),
		errors.Is(err, evidence.ErrInvalidType):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.logger.Error(action, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", action+" failed")
	}
}
