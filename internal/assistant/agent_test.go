package assistant

import (
	"strings"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/memory"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	g := &genkit.Genkit{}
	sessions := &Store{}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "zero config",
			cfg:     Config{},
			wantErr: true,
		},
		{
			name:    "missing sessions",
			cfg:     Config{Genkit: g},
			wantErr: true,
		},
		{
			name:    "missing genkit",
			cfg:     Config{Sessions: sessions},
			wantErr: true,
		},
		{
			name:    "memory without wait group",
			cfg:     Config{Genkit: g, Sessions: sessions, Memory: &memory.Service{}},
			wantErr: true,
		},
		{
			name:    "minimal valid",
			cfg:     Config{Genkit: g, Sessions: sessions},
			wantErr: false,
		},
		{
			name: "memory with wait group",
			cfg: Config{
				Genkit: g, Sessions: sessions,
				Memory: &memory.Service{}, WG: &sync.WaitGroup{},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRouteModel(t *testing.T) {
	t.Parallel()

	caseID := uuid.New()

	tests := []struct {
		name      string
		fastModel string
		input     string
		scope     *uuid.UUID
		wantModel string
		wantTier  string
	}{
		{
			name:      "no fast model configured",
			fastModel: "",
			input:     "hi",
			wantModel: "big",
			wantTier:  "primary",
		},
		{
			name:      "case scope forces primary",
			fastModel: "small",
			input:     "hi",
			scope:     &caseID,
			wantModel: "big",
			wantTier:  "primary",
		},
		{
			name:      "long query forces primary",
			fastModel: "small",
			input:     strings.Repeat("a", fastQueryMaxRunes),
			wantModel: "big",
			wantTier:  "primary",
		},
		{
			name:      "legal vocabulary forces primary",
			fastModel: "small",
			input:     "what is a tort",
			wantModel: "big",
			wantTier:  "primary",
		},
		{
			name:      "legal vocabulary matches case-insensitively",
			fastModel: "small",
			input:     "summarize the CONTRACT",
			wantModel: "big",
			wantTier:  "primary",
		},
		{
			name:      "short plain query routes fast",
			fastModel: "small",
			input:     "hello there",
			wantModel: "small",
			wantTier:  "fast",
		},
		{
			name:      "just under length cutoff routes fast",
			fastModel: "small",
			input:     strings.Repeat("a", fastQueryMaxRunes-1),
			wantModel: "small",
			wantTier:  "fast",
		},
		{
			name:      "multibyte runes counted as runes",
			fastModel: "small",
			input:     strings.Repeat("世", fastQueryMaxRunes-1),
			wantModel: "small",
			wantTier:  "fast",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := &Agent{modelName: "big", fastModelName: tt.fastModel}
			model, tier := a.routeModel(tt.input, tt.scope)
			if model != tt.wantModel || tier != tt.wantTier {
				t.Errorf("routeModel(%q) = (%q, %q), want (%q, %q)",
					tt.input, model, tier, tt.wantModel, tt.wantTier)
			}
		})
	}
}

func TestAnswerCacheKey(t *testing.T) {
	t.Parallel()

	sessionA := uuid.New()
	sessionB := uuid.New()

	keyA := answerCacheKey(sessionA, "what happened on March 3")

	if !strings.HasPrefix(keyA, "assistant:answer:") {
		t.Errorf("key %q missing prefix", keyA)
	}
	// 8 digest bytes hex-encoded.
	if want := len("assistant:answer:") + 16; len(keyA) != want {
		t.Errorf("key length = %d, want %d", len(keyA), want)
	}

	if again := answerCacheKey(sessionA, "what happened on March 3"); again != keyA {
		t.Errorf("same inputs produced different keys: %q vs %q", keyA, again)
	}
	if other := answerCacheKey(sessionB, "what happened on March 3"); other == keyA {
		t.Error("different sessions produced the same key")
	}
	if other := answerCacheKey(sessionA, "what happened on March 4"); other == keyA {
		t.Error("different questions produced the same key")
	}
}

func TestDeepCopyMessages(t *testing.T) {
	t.Parallel()

	t.Run("nil returns nil", func(t *testing.T) {
		t.Parallel()

		if got := deepCopyMessages(nil); got != nil {
			t.Errorf("deepCopyMessages(nil) = %v, want nil", got)
		}
	})

	t.Run("mutating copy leaves original intact", func(t *testing.T) {
		t.Parallel()

		original := []*ai.Message{
			ai.NewUserMessage(ai.NewTextPart("untouched")),
			ai.NewModelMessage(ai.NewTextPart("also untouched")),
		}

		copied := deepCopyMessages(original)
		copied[0].Content[0].Text = "mutated"
		copied[1].Content = append(copied[1].Content, ai.NewTextPart("extra"))

		if original[0].Content[0].Text != "untouched" {
			t.Errorf("original text mutated to %q", original[0].Content[0].Text)
		}
		if len(original[1].Content) != 1 {
			t.Errorf("original content grew to %d parts", len(original[1].Content))
		}
	})

	t.Run("roles and metadata preserved", func(t *testing.T) {
		t.Parallel()

		original := []*ai.Message{
			{
				Role:     ai.RoleSystem,
				Content:  []*ai.Part{ai.NewTextPart("rules")},
				Metadata: map[string]any{"k": "v"},
			},
		}

		copied := deepCopyMessages(original)
		if copied[0].Role != ai.RoleSystem {
			t.Errorf("role = %v, want system", copied[0].Role)
		}
		if copied[0].Metadata["k"] != "v" {
			t.Errorf("metadata not copied: %v", copied[0].Metadata)
		}

		copied[0].Metadata["k"] = "changed"
		if original[0].Metadata["k"] != "v" {
			t.Error("metadata map shared between copy and original")
		}
	})
}
