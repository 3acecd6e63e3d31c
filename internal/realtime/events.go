// Package realtime fans case mutations out to connected clients.
//
// Mutating handlers publish an [Event] through the [Bus]; the bus
// relays it over Redis pub/sub so every server instance's [Hub] delivers
// it to the WebSocket subscribers of that case. Without Redis the bus
// degrades to single-node delivery through the local hub.
//
// The same package hosts the sync client: [Client] dials the server's
// WebSocket endpoint, keeps a local SQLite [Mirror] of the case's
// evidence, and queues writes offline for replay on reconnect.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a case mutation.
type EventType string

const (
	EvidenceCreated EventType = "evidence.created"
	EvidenceUpdated EventType = "evidence.updated"
	EvidenceDeleted EventType = "evidence.deleted"
	ReportUpdated   EventType = "report.updated"
	CanvasSaved     EventType = "canvas.saved"
	CaseUpdated     EventType = "case.updated"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EvidenceCreated, EvidenceUpdated, EvidenceDeleted,
		ReportUpdated, CanvasSaved, CaseUpdated:
		return true
	}
	return false
}

// Event is the envelope every subscriber receives. Payload carries the
// mutated record as produced by the owning store, so clients never need
// a second fetch to render the change.
type Event struct {
	ID      uuid.UUID       `json:"id"`
	Type    EventType       `json:"type"`
	CaseID  uuid.UUID       `json:"case_id"`
	ActorID uuid.UUID       `json:"actor_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

// NewEvent stamps an envelope with identity and server time. payload is
// marshaled here so callers pass the record itself.
func NewEvent(t EventType, caseID, actorID uuid.UUID, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshaling event payload: %w", err)
		}
		raw = b
	}
	return Event{
		ID:      uuid.New(),
		Type:    t,
		CaseID:  caseID,
		ActorID: actorID,
		Payload: raw,
		TS:      time.Now().UTC(),
	}, nil
}

// Channel returns the Redis pub/sub channel for one case.
func Channel(caseID uuid.UUID) string {
	return "case:" + caseID.String() + ":events"
}

// channelPattern matches every case channel for the relay subscription.
const channelPattern = "case:*:events"

// Frame kinds on the WebSocket wire. The server pushes event and
// snapshot frames; the sync client pushes write frames and receives
// acks.
const (
	FrameEvent    = "event"
	FrameSnapshot = "snapshot"
	FrameWrite    = "write"
	FrameAck      = "ack"
	FrameError    = "error"
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Kind string `json:"kind"`

	Event    *Event       `json:"event,omitempty"`
	Snapshot []Event      `json:"snapshot,omitempty"`
	Write    *QueuedWrite `json:"write,omitempty"`

	// Seq identifies the write being acknowledged or rejected.
	Seq   int64  `json:"seq,omitempty"`
	Error string `json:"error,omitempty"`
}

// QueuedWrite is a client-side mutation captured while offline. Seq is
// assigned by the client's local queue and is strictly increasing, so
// replay order is the original write order.
type QueuedWrite struct {
	Seq      int64           `json:"seq"`
	Op       string          `json:"op"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt time.Time       `json:"queued_at"`
}
