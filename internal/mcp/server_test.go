package mcp

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/cases"
	"github.com/casewire/casewire/internal/memory"
	"github.com/casewire/casewire/internal/search"
	"github.com/casewire/casewire/internal/testutil"
)

// validConfig builds a Config that passes validation. The services are
// zero structs: NewServer only wires tool schemas, it never calls them.
func validConfig() Config {
	return Config{
		Name:    "test-server",
		Version: "1.0.0",
		Logger:  testutil.DiscardLogger(),
		Search:  &search.Service{},
		Cases:   &cases.Store{},
		Memory:  &memory.Service{},
		OwnerID: uuid.New(),
	}
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	s, err := NewServer(validConfig())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if s.mcpServer == nil {
		t.Error("mcpServer is nil")
	}
	if s.name != "test-server" {
		t.Errorf("name = %q, want %q", s.name, "test-server")
	}
	if s.version != "1.0.0" {
		t.Errorf("version = %q, want %q", s.version, "1.0.0")
	}
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing name", mutate: func(c *Config) { c.Name = "" }, wantErr: "name"},
		{name: "missing version", mutate: func(c *Config) { c.Version = "" }, wantErr: "version"},
		{name: "missing search", mutate: func(c *Config) { c.Search = nil }, wantErr: "search"},
		{name: "missing cases", mutate: func(c *Config) { c.Cases = nil }, wantErr: "case"},
		{name: "missing memory", mutate: func(c *Config) { c.Memory = nil }, wantErr: "memory"},
		{name: "missing owner", mutate: func(c *Config) { c.OwnerID = uuid.Nil }, wantErr: "owner"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := NewServer(cfg)
			if err == nil {
				t.Fatal("NewServer() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewServerDefaultsLogger(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Logger = nil
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if s.logger == nil {
		t.Error("logger not defaulted")
	}
}

func TestErrorResult(t *testing.T) {
	t.Parallel()

	r := errorResult("bad input %q", "x")
	if !r.IsError {
		t.Error("IsError = false, want true")
	}
	if len(r.Content) != 1 {
		t.Fatalf("len(Content) = %d, want 1", len(r.Content))
	}
}

func TestFormatCase(t *testing.T) {
	t.Parallel()

	c := &cases.Case{
		ID:          uuid.New(),
		CaseNumber:  "CW-2026-0042",
		Title:       "Hartley v. Meridian Logistics",
		Description: "Contract dispute over delivery terms.",
		Status:      cases.StatusActive,
		Priority:    cases.PriorityHigh,
	}

	out := formatCase(c)
	for _, want := range []string{"CW-2026-0042", "Hartley v. Meridian Logistics", "active", "high", "Contract dispute"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatCase() missing %q:\n%s", want, out)
		}
	}
}
