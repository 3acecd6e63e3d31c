package realtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/testutil"
)

func TestBusPublishRejectsUnknownType(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil, NewHub(testutil.DiscardLogger(), nil), testutil.DiscardLogger(), nil)

	ev := mustEvent(t, EvidenceCreated, uuid.New())
	ev.Type = EventType("evidence.mangled")

	err := bus.Publish(context.Background(), ev)
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
	if !strings.Contains(err.Error(), "unknown event type") {
		t.Errorf("error = %q, want unknown event type", err)
	}
}

func TestBusPublishWithoutRedisDeliversLocally(t *testing.T) {
	t.Parallel()

	hub := NewHub(testutil.DiscardLogger(), nil)
	defer hub.Close()
	bus := NewBus(nil, hub, testutil.DiscardLogger(), nil)

	caseID := uuid.New()
	sub := hub.Subscribe(caseID)
	defer hub.Unsubscribe(sub)

	ev := mustEvent(t, CanvasSaved, caseID)
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-sub.C():
		if got.ID != ev.ID {
			t.Errorf("delivered event %s, want %s", got.ID, ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered to local subscriber")
	}
}

func TestBusRunWithoutRedisParksUntilCancel(t *testing.T) {
	t.Parallel()

	hub := NewHub(testutil.DiscardLogger(), nil)
	defer hub.Close()
	bus := NewBus(nil, hub, testutil.DiscardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
