package realtime

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/testutil"
)

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr string
	}{
		{
			name:    "missing server url",
			cfg:     ClientConfig{CaseID: uuid.New()},
			wantErr: "server url",
		},
		{
			name:    "missing case id",
			cfg:     ClientConfig{ServerURL: "http://localhost:8080"},
			wantErr: "case id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewClient(tt.cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestWSEndpoint(t *testing.T) {
	t.Parallel()

	caseID := uuid.New()
	tests := []struct {
		name      string
		serverURL string
		want      string
		wantErr   bool
	}{
		{
			name:      "http to ws",
			serverURL: "http://localhost:8080",
			want:      fmt.Sprintf("ws://localhost:8080/api/v1/cases/%s/events", caseID),
		},
		{
			name:      "https to wss",
			serverURL: "https://casewire.example.com",
			want:      fmt.Sprintf("wss://casewire.example.com/api/v1/cases/%s/events", caseID),
		},
		{
			name:      "ws passthrough",
			serverURL: "ws://10.0.0.5:9000",
			want:      fmt.Sprintf("ws://10.0.0.5:9000/api/v1/cases/%s/events", caseID),
		},
		{
			name:      "base path replaced",
			serverURL: "http://localhost:8080/some/base",
			want:      fmt.Sprintf("ws://localhost:8080/api/v1/cases/%s/events", caseID),
		},
		{
			name:      "unsupported scheme",
			serverURL: "ftp://localhost",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &Client{cfg: ClientConfig{ServerURL: tt.serverURL, CaseID: caseID}}
			got, err := c.wsEndpoint()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("wsEndpoint() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("wsEndpoint(): %v", err)
			}
			if got != tt.want {
				t.Errorf("wsEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()

	for range 200 {
		d := jitter(time.Second)
		if d < 500*time.Millisecond || d >= time.Second {
			t.Fatalf("jitter(1s) = %v, want [500ms, 1s)", d)
		}
	}
}

func TestClientCacheLockExclusive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	caseID := uuid.New()
	cfg := ClientConfig{
		ServerURL: "http://localhost:8080",
		CaseID:    caseID,
		CacheDir:  dir,
		Logger:    testutil.DiscardLogger(),
	}

	first, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("first client: %v", err)
	}

	if _, err := NewClient(cfg); err == nil {
		t.Error("second client acquired the same case lock")
	} else if !strings.Contains(err.Error(), "already being synced") {
		t.Errorf("error = %q, want lock contention message", err)
	}

	// A different case in the same directory is independent.
	otherCfg := cfg
	otherCfg.CaseID = uuid.New()
	other, err := NewClient(otherCfg)
	if err != nil {
		t.Fatalf("client for different case: %v", err)
	}
	if err := other.Close(); err != nil {
		t.Errorf("closing other client: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("closing first client: %v", err)
	}

	// The lock releases on close.
	again, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("reacquiring after close: %v", err)
	}
	if err := again.Close(); err != nil {
		t.Errorf("closing reacquired client: %v", err)
	}
}

func TestClientQueuePersistsOffline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	caseID := uuid.New()
	cfg := ClientConfig{
		ServerURL: "http://localhost:8080",
		CaseID:    caseID,
		CacheDir:  dir,
		Logger:    testutil.DiscardLogger(),
	}

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}

	ctx := t.Context()
	if _, err := client.Queue(ctx, "evidence.update", map[string]string{"id": "e1"}); err != nil {
		t.Fatalf("queueing write: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("closing client: %v", err)
	}

	// A new client over the same cache sees the write.
	reopened, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("reopening client: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	pending, err := reopened.Mirror().Pending(ctx)
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Op != "evidence.update" {
		t.Errorf("pending = %+v, want the queued write", pending)
	}
}
