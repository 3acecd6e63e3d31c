package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, 201, map[string]string{"status": "created"})

	if rec.Code != 201 {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if rec.Header().Get("Content-Length") == "" {
		t.Error("Content-Length not set")
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshaling body: %v", err)
	}
	if body["status"] != "created" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteJSONEncodeFailure(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, 200, map[string]any{"bad": make(chan int)})

	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500 on unencodable payload", rec.Code)
	}
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeError(rec, 404, "not_found", "case not found")

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshaling body: %v", err)
	}
	if body.Error != "not_found" {
		t.Errorf("error code = %q, want %q", body.Error, "not_found")
	}
	if body.Message != "case not found" {
		t.Errorf("message = %q", body.Message)
	}
}

func TestDecodeJSONRejectsMalformed(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", nil)

	var dst struct{}
	if decodeJSON(rec, r, &dst) {
		t.Fatal("decodeJSON accepted an empty body")
	}
	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
