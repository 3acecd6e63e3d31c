package objstore

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestObjectKeyLayout(t *testing.T) {
	at := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	key := ObjectKey(at, "deposition transcript.pdf")

	if !strings.HasPrefix(key, "2026/08/23/") {
		t.Errorf("key %q missing date prefix", key)
	}
	pattern := regexp.MustCompile(`^2026/08/23/[0-9a-f-]{36}_deposition_transcript\.pdf$`)
	if !pattern.MatchString(key) {
		t.Errorf("key %q does not match uuid_name layout", key)
	}

	// Two uploads of the same name never collide.
	if other := ObjectKey(at, "deposition transcript.pdf"); other == key {
		t.Error("ObjectKey() produced identical keys for two calls")
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "contract.pdf", "contract.pdf"},
		{"spaces", "my exhibit 1.png", "my_exhibit_1.png"},
		{"path traversal", "../../etc/passwd", "passwd"},
		{"windows path", `C:\Users\x\evil.exe`, "evil.exe"},
		{"unicode", "déposition.pdf", "d_position.pdf"},
		{"empty", "", "file"},
		{"only junk", "///..", "file"},
		{"leading dots", "...hidden", "hidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeName(tt.in); got != tt.want {
				t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeNameBoundsLength(t *testing.T) {
	long := strings.Repeat("a", 300) + ".pdf"
	got := sanitizeName(long)
	if len(got) > maxNameLen {
		t.Errorf("sanitizeName() length = %d, want <= %d", len(got), maxNameLen)
	}
	if !strings.HasSuffix(got, ".pdf") {
		t.Errorf("sanitizeName() = %q, want extension kept", got)
	}
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Bucket: "b"}, nil); err == nil {
		t.Error("New() without endpoint: error = nil, want error")
	}
	if _, err := New(ctx, Config{Endpoint: "localhost:9000"}, nil); err == nil {
		t.Error("New() without bucket: error = nil, want error")
	}
}
