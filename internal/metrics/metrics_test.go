package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersWithoutPanic(t *testing.T) {
	// Two instances must not collide (each owns a registry).
	m1 := New()
	m2 := New()
	if m1 == nil || m2 == nil {
		t.Fatal("New() returned nil")
	}
}

func TestHandlerServesRecordedMetrics(t *testing.T) {
	m := New()
	m.HTTPRequests.WithLabelValues("GET", "/api/cases", "200").Inc()
	m.SearchQueries.WithLabelValues("pgvector").Inc()
	m.WSConnections.Set(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	out := string(body)
	for _, want := range []string{
		`casewire_http_requests_total{method="GET",route="/api/cases",status="200"} 1`,
		`casewire_search_queries_total{route="pgvector"} 1`,
		`casewire_ws_connections 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
