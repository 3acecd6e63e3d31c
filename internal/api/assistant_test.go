package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/casewire/casewire/internal/assistant"
	"github.com/casewire/casewire/internal/testutil"
)

func TestWriteSSEStream(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeSSEChunk(rec, rec, "The statute of ")
	writeSSEChunk(rec, rec, "limitations is six years.")
	writeSSEDone(rec, rec, assistant.Output{
		Answer:    "The statute of limitations is six years.",
		SessionID: "sess-1",
	})

	events := testutil.ParseSSEEvents(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	chunks := testutil.FindAllEvents(events, "chunk")
	if len(chunks) != 2 {
		t.Fatalf("got %d chunk events, want 2", len(chunks))
	}
	var first assistant.StreamChunk
	if err := json.Unmarshal([]byte(chunks[0].Data), &first); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	if first.Text != "The statute of " {
		t.Errorf("chunk text = %q", first.Text)
	}

	done := testutil.FindEvent(events, "done")
	if done == nil {
		t.Fatal("no done event")
	}
	var out assistant.Output
	if err := json.Unmarshal([]byte(done.Data), &out); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if out.Answer == "" || out.SessionID != "sess-1" {
		t.Errorf("done payload = %+v", out)
	}
}

func TestWriteSSEError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeSSEError(rec, rec, "stream_error", "model unavailable")

	events := testutil.ParseSSEEvents(t, rec.Body.String())
	ev := testutil.FindEvent(events, "error")
	if ev == nil {
		t.Fatal("no error event")
	}
	var data sseErrorData
	if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
		t.Fatalf("unmarshal error event: %v", err)
	}
	if data.Code != "stream_error" || data.Message != "model unavailable" {
		t.Errorf("error payload = %+v", data)
	}
}

func TestTitleFromQuery(t *testing.T) {
	t.Parallel()

	short := "Can the lease be terminated early?"
	if got := titleFromQuery(short); got != short {
		t.Errorf("short query changed: %q", got)
	}

	long := strings.Repeat("a", 200)
	got := titleFromQuery(long)
	if runeCount := len([]rune(got)); runeCount != sessionTitleMax {
		t.Errorf("truncated title has %d runes, want %d", runeCount, sessionTitleMax)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated title missing ellipsis: %q", got)
	}
}
