package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/testutil"
)

func mustEvent(t *testing.T, typ EventType, caseID uuid.UUID) Event {
	t.Helper()
	ev, err := NewEvent(typ, caseID, uuid.New(), nil)
	if err != nil {
		t.Fatalf("building event: %v", err)
	}
	return ev
}

func TestHubPublishRoutesByCase(t *testing.T) {
	t.Parallel()

	hub := NewHub(testutil.DiscardLogger(), nil)
	defer hub.Close()

	caseA := uuid.New()
	caseB := uuid.New()

	subA1 := hub.Subscribe(caseA)
	subA2 := hub.Subscribe(caseA)
	subB := hub.Subscribe(caseB)

	ev := mustEvent(t, EvidenceCreated, caseA)
	hub.Publish(ev)

	for i, sub := range []*Subscriber{subA1, subA2} {
		select {
		case got := <-sub.C():
			if got.ID != ev.ID {
				t.Errorf("subscriber %d got event %s, want %s", i, got.ID, ev.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}

	select {
	case got := <-subB.C():
		t.Fatalf("case B subscriber received %s, want nothing", got.ID)
	default:
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub(testutil.DiscardLogger(), nil)
	defer hub.Close()

	caseID := uuid.New()
	slow := hub.Subscribe(caseID)

	// Nobody drains: the buffer fills, then one more publish drops the
	// subscriber.
	for range sendBuffer + 1 {
		hub.Publish(mustEvent(t, EvidenceUpdated, caseID))
	}

	if n := hub.Subscribers(caseID); n != 0 {
		t.Errorf("subscribers after overflow = %d, want 0", n)
	}

	// Drain the buffered events; the channel must then report closed.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel never closed after drop")
		}
	}
}

func TestHubUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	hub := NewHub(testutil.DiscardLogger(), nil)
	defer hub.Close()

	caseID := uuid.New()
	sub := hub.Subscribe(caseID)

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	hub.Unsubscribe(nil)

	if n := hub.Subscribers(caseID); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing to an empty room is a no-op.
	hub.Publish(mustEvent(t, CaseUpdated, caseID))
}

func TestHubClose(t *testing.T) {
	t.Parallel()

	hub := NewHub(testutil.DiscardLogger(), nil)

	sub := hub.Subscribe(uuid.New())
	hub.Close()
	hub.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("subscriber channel open after hub close")
	}

	// Late subscribers get an already-terminated subscription instead
	// of one that will never receive anything.
	late := hub.Subscribe(uuid.New())
	if _, ok := <-late.C(); ok {
		t.Error("post-close subscriber channel open")
	}
}

func TestHubConcurrentPublishAndChurn(t *testing.T) {
	t.Parallel()

	hub := NewHub(testutil.DiscardLogger(), nil)
	defer hub.Close()

	caseID := uuid.New()
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				hub.Publish(mustEvent(t, EvidenceUpdated, caseID))
			}
		}()
	}
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				sub := hub.Subscribe(caseID)
				// Drain a little so not every subscriber is dropped.
				select {
				case <-sub.C():
				default:
				}
				hub.Unsubscribe(sub)
			}
		}()
	}
	wg.Wait()
}
