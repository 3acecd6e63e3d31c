package memory

import (
	"strings"
	"testing"
)

func TestExtractionPromptFormat(t *testing.T) {
	if got := strings.Count(extractionPrompt, "%s"); got != 3 {
		t.Errorf("extractionPrompt has %d %%s placeholders, want 3", got)
	}
	if got := strings.Count(extractionPrompt, "%d"); got != 1 {
		t.Errorf("extractionPrompt has %d %%d placeholders, want 1", got)
	}
	if !strings.Contains(extractionPrompt, "===EXCHANGE_") {
		t.Error("extractionPrompt missing EXCHANGE delimiter")
	}

	// Every storable category must be documented for the model.
	for _, c := range []Category{CategoryLegalBrief, CategoryCaseLaw, CategoryContract, CategoryFinding, CategoryGeneral} {
		if !strings.Contains(extractionPrompt, string(c)) {
			t.Errorf("extractionPrompt missing category %q", c)
		}
	}
}

func TestFormatExchange(t *testing.T) {
	got := FormatExchange("What does ===SECTION=== 9.2 say?", "It caps damages.")
	if strings.Contains(got, "===") {
		t.Errorf("FormatExchange() kept delimiter run: %q", got)
	}
	if !strings.HasPrefix(got, "Question: ") {
		t.Errorf("FormatExchange() = %q, want Question prefix", got)
	}
	if !strings.Contains(got, "\nAnswer: It caps damages.") {
		t.Errorf("FormatExchange() = %q, missing answer line", got)
	}
}

func TestSanitizeDelimiters(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "clean", input: "no delimiters", want: "no delimiters"},
		{name: "exactly three", input: "a===b", want: "a--b"},
		{name: "long run", input: "a==========b", want: "a--b"},
		{name: "two equals untouched", input: "a==b", want: "a==b"},
		{name: "multiple runs", input: "===x===", want: "--x--"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeDelimiters(tt.input); got != tt.want {
				t.Errorf("sanitizeDelimiters(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "no fences", input: `[{"content":"x"}]`, want: `[{"content":"x"}]`},
		{name: "json fence", input: "```json\n[1,2]\n```", want: "[1,2]"},
		{name: "bare fence", input: "```\n[1,2]\n```", want: "[1,2]"},
		{name: "surrounding whitespace", input: "  ```json\n{}\n```  ", want: "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripCodeFences(tt.input); got != tt.want {
				t.Errorf("stripCodeFences(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short, 10) = %q", got)
	}
	if got := truncate("abcdefghij", 4); got != "abcd..." {
		t.Errorf("truncate(abcdefghij, 4) = %q, want abcd...", got)
	}
}

func TestGenerateNonce(t *testing.T) {
	a, err := generateNonce()
	if err != nil {
		t.Fatalf("generateNonce() error: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("generateNonce() len = %d, want 32 hex chars", len(a))
	}

	b, err := generateNonce()
	if err != nil {
		t.Fatalf("generateNonce() error: %v", err)
	}
	if a == b {
		t.Error("generateNonce() returned the same value twice")
	}
}
