package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/casewire/casewire/internal/metrics"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read
	// side gives up. Pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes caps inbound client frames.
	maxFrameBytes = 64 * 1024

	// sendBuffer is the per-subscriber event buffer. A subscriber that
	// falls this far behind is dropped rather than allowed to stall
	// everyone else's delivery.
	sendBuffer = 32
)

// Subscriber is one registered event consumer. Events arrive on C in
// publish order; the channel closes when the subscriber is dropped or
// the hub shuts down.
type Subscriber struct {
	caseID uuid.UUID
	send   chan Event

	mu     sync.Mutex
	closed bool
}

// C returns the event stream.
func (s *Subscriber) C() <-chan Event { return s.send }

// CaseID returns the case this subscriber watches.
func (s *Subscriber) CaseID() uuid.UUID { return s.caseID }

// offer enqueues without blocking. False means the buffer is full or
// the subscriber is already closed.
func (s *Subscriber) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Hub delivers events to the WebSocket subscribers of each case on this
// server instance. Cross-instance delivery is the Bus's job.
//
// Hub is safe for concurrent use.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[*Subscriber]struct{}
	closed bool
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		metrics: m,
		rooms:   make(map[uuid.UUID]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a consumer for one case's events. After Close the
// returned subscriber is already terminated.
func (h *Hub) Subscribe(caseID uuid.UUID) *Subscriber {
	sub := &Subscriber{
		caseID: caseID,
		send:   make(chan Event, sendBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.shutdown()
		return sub
	}
	room := h.rooms[caseID]
	if room == nil {
		room = make(map[*Subscriber]struct{})
		h.rooms[caseID] = room
	}
	room[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and terminates a subscriber. Safe to call more
// than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if room, ok := h.rooms[sub.caseID]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, sub.caseID)
		}
	}
	h.mu.Unlock()
	sub.shutdown()
}

// Publish delivers an event to every subscriber of its case. Slow
// subscribers are dropped so one stalled client cannot hold back the
// room.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	room := h.rooms[ev.CaseID]
	subs := make([]*Subscriber, 0, len(room))
	for sub := range room {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.offer(ev) {
			h.logger.Warn("dropping slow realtime subscriber",
				"case_id", ev.CaseID, "event_type", ev.Type)
			h.Unsubscribe(sub)
		}
	}
}

// Subscribers reports the current subscriber count for a case.
func (h *Hub) Subscribers(caseID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[caseID])
}

// Close terminates every subscriber. Subsequent Subscribe calls return
// terminated subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := h.rooms
	h.rooms = make(map[uuid.UUID]map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, room := range rooms {
		for sub := range room {
			sub.shutdown()
		}
	}
}

// WriteFunc applies one replayed client write. An error rejects the
// write; the client keeps it queued.
type WriteFunc func(ctx context.Context, w QueuedWrite) error

// ServeOptions tunes one WebSocket session.
type ServeOptions struct {
	// Snapshot is sent as the first frame so a reconnecting client can
	// reconcile state it missed while offline.
	Snapshot []Event
	// OnWrite handles replayed client writes. Nil rejects them.
	OnWrite WriteFunc
}

// ServeWS runs one upgraded connection until the client disconnects,
// the context ends, or the subscriber is dropped. It owns the
// connection and closes it on return.
func (h *Hub) ServeWS(ctx context.Context, conn *websocket.Conn, caseID uuid.UUID, opts ServeOptions) error {
	sub := h.Subscribe(caseID)
	defer h.Unsubscribe(sub)
	defer func() { _ = conn.Close() }()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
		defer h.metrics.WSConnections.Dec()
	}

	// outbound carries acks and the snapshot to the single writer
	// goroutine; gorilla connections allow one concurrent writer.
	outbound := make(chan Frame, 16)
	done := make(chan struct{})
	defer close(done)

	if len(opts.Snapshot) > 0 {
		outbound <- Frame{Kind: FrameSnapshot, Snapshot: opts.Snapshot}
	}

	writeErr := make(chan error, 1)
	go func() { writeErr <- h.writePump(conn, sub, outbound) }()

	readErr := make(chan error, 1)
	go func() { readErr <- h.readPump(ctx, conn, opts.OnWrite, outbound, done) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-writeErr:
		return err
	case err := <-readErr:
		return err
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscriber, outbound <-chan Frame) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				// Dropped for slowness or hub shutdown: say goodbye.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Frame{Kind: FrameEvent, Event: &ev}); err != nil {
				return fmt.Errorf("writing event frame: %w", err)
			}
		case f := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				return fmt.Errorf("writing %s frame: %w", f.Kind, err)
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("writing ping: %w", err)
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, onWrite WriteFunc, outbound chan<- Frame, done <-chan struct{}) error {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	reply := func(f Frame) {
		select {
		case outbound <- f:
		case <-done:
		}
	}

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return fmt.Errorf("reading frame: %w", err)
			}
			return nil
		}

		switch f.Kind {
		case FrameWrite:
			if f.Write == nil {
				reply(Frame{Kind: FrameError, Error: "write frame missing body"})
				continue
			}
			if onWrite == nil {
				reply(Frame{Kind: FrameError, Seq: f.Write.Seq, Error: "writes not accepted on this connection"})
				continue
			}
			if err := onWrite(ctx, *f.Write); err != nil {
				h.logger.Warn("rejected replayed write",
					"op", f.Write.Op, "seq", f.Write.Seq, "error", err)
				reply(Frame{Kind: FrameError, Seq: f.Write.Seq, Error: err.Error()})
				continue
			}
			reply(Frame{Kind: FrameAck, Seq: f.Write.Seq})
		default:
			// Clients only send write frames; anything else is ignored.
		}
	}
}
