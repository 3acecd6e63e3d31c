package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/evidence"
	"github.com/casewire/casewire/internal/realtime"
	"github.com/casewire/casewire/internal/reports"
)

// wsSnapshotLimit caps the evidence rows sent in the opening snapshot
// frame.
const wsSnapshotLimit = 500

// handleCaseEvents upgrades to WebSocket and joins the case room. The
// first frame is an evidence snapshot for offline reconciliation;
// after that the client receives live events and may replay queued
// writes.
func (s *Server) handleCaseEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePermission(w, r, auth.PermCasesRead)
	if !ok {
		return
	}
	caseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := s.cases.Get(r.Context(), caseID); err != nil {
		s.writeCaseError(w, err, "getting case")
		return
	}

	snapshot, err := s.evidenceSnapshot(r.Context(), caseID, p.UserID)
	if err != nil {
		s.logger.Error("building snapshot", "case_id", caseID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "building snapshot failed")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	// The hub owns the connection gauge.
	err = s.hub.ServeWS(r.Context(), conn, caseID, realtime.ServeOptions{
		Snapshot: snapshot,
		OnWrite: func(ctx context.Context, qw realtime.QueuedWrite) error {
			return s.applyQueuedWrite(ctx, p, caseID, qw)
		},
	})
	if err != nil {
		s.logger.Debug("websocket session ended", "case_id", caseID, "error", err)
	}
}

// evidenceSnapshot renders current evidence rows as update events so
// the client mirror can upsert them with last-write-wins semantics.
func (s *Server) evidenceSnapshot(ctx context.Context, caseID, actorID uuid.UUID) ([]realtime.Event, error) {
	rows, err := s.evidence.ListByCase(ctx, caseID, evidence.ListFilter{Limit: wsSnapshotLimit})
	if err != nil {
		return nil, fmt.Errorf("listing evidence: %w", err)
	}

	snapshot := make([]realtime.Event, 0, len(rows))
	for i := range rows {
		ev, err := realtime.NewEvent(realtime.EvidenceUpdated, caseID, actorID, &rows[i])
		if err != nil {
			return nil, fmt.Errorf("encoding snapshot row: %w", err)
		}
		ev.TS = rows[i].UpdatedAt
		snapshot = append(snapshot, ev)
	}
	return snapshot, nil
}

// Queued write ops accepted from sync clients.
const (
	opEvidenceUpdate = "evidence.update"
	opReportUpdate   = "report.update"
	opCanvasSave     = "canvas.save"
)

type evidenceWritePayload struct {
	ID          uuid.UUID      `json:"id"`
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Tags        *[]string      `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
}

type reportWritePayload struct {
	ID     uuid.UUID       `json:"id"`
	Title  *string         `json:"title"`
	Body   *string         `json:"body"`
	Status *reports.Status `json:"status"`
}

type canvasWritePayload struct {
	Name    string          `json:"name"`
	State   json.RawMessage `json:"state"`
	Version int             `json:"version"`
}

// applyQueuedWrite executes one replayed offline write. Returned
// errors become rejection frames; the client keeps the write queued
// for inspection.
func (s *Server) applyQueuedWrite(ctx context.Context, p *auth.Principal, caseID uuid.UUID, qw realtime.QueuedWrite) error {
	switch qw.Op {
	case opEvidenceUpdate:
		if !p.Can(auth.PermEvidenceUpload) {
			return fmt.Errorf("missing permission: %s", auth.PermEvidenceUpload)
		}
		var pay evidenceWritePayload
		if err := json.Unmarshal(qw.Payload, &pay); err != nil {
			return fmt.Errorf("decoding evidence write: %w", err)
		}
		// Ownership is checked before the write so a rejected replay
		// leaves the row untouched.
		ev, err := s.evidence.Get(ctx, pay.ID)
		if err != nil {
			return fmt.Errorf("loading evidence: %w", err)
		}
		if ev.CaseID != caseID {
			return errors.New("evidence belongs to another case")
		}
		ev, err = s.evidence.Update(ctx, pay.ID, evidence.UpdateParams{
			Title:       pay.Title,
			Description: pay.Description,
			Tags:        pay.Tags,
			Metadata:    pay.Metadata,
		})
		if err != nil {
			return fmt.Errorf("applying evidence write: %w", err)
		}
		s.publishEvent(ctx, realtime.EvidenceUpdated, ev.CaseID, p.UserID, ev)
		return nil

	case opReportUpdate:
		if !p.Can(auth.PermReportsWrite) {
			return fmt.Errorf("missing permission: %s", auth.PermReportsWrite)
		}
		var pay reportWritePayload
		if err := json.Unmarshal(qw.Payload, &pay); err != nil {
			return fmt.Errorf("decoding report write: %w", err)
		}
		rep, err := s.reports.GetReport(ctx, pay.ID)
		if err != nil {
			return fmt.Errorf("loading report: %w", err)
		}
		if rep.CaseID != caseID {
			return errors.New("report belongs to another case")
		}
		rep, err = s.reports.UpdateReport(ctx, pay.ID, reports.UpdateReportParams{
			Title:  pay.Title,
			Body:   pay.Body,
			Status: pay.Status,
		})
		if err != nil {
			return fmt.Errorf("applying report write: %w", err)
		}
		s.publishEvent(ctx, realtime.ReportUpdated, rep.CaseID, p.UserID, rep)
		return nil

	case opCanvasSave:
		if !p.Can(auth.PermCanvasWrite) {
			return fmt.Errorf("missing permission: %s", auth.PermCanvasWrite)
		}
		var pay canvasWritePayload
		if err := json.Unmarshal(qw.Payload, &pay); err != nil {
			return fmt.Errorf("decoding canvas write: %w", err)
		}
		canvas, err := s.reports.SaveCanvas(ctx, reports.SaveCanvasParams{
			CaseID:    caseID,
			Name:      pay.Name,
			State:     pay.State,
			Version:   pay.Version,
			UpdatedBy: &p.UserID,
		})
		if err != nil {
			return fmt.Errorf("applying canvas write: %w", err)
		}
		s.publishEvent(ctx, realtime.CanvasSaved, canvas.CaseID, p.UserID, canvas)
		return nil

	default:
		return fmt.Errorf("unknown op %q", qw.Op)
	}
}
