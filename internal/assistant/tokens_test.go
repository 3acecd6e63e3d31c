package assistant

import (
	"log/slog"
	"testing"

	"github.com/firebase/genkit/go/ai"
)

func TestDefaultTokenBudget(t *testing.T) {
	t.Parallel()

	budget := DefaultTokenBudget()

	if budget.MaxHistoryTokens <= 0 {
		t.Error("MaxHistoryTokens should be positive")
	}
	if budget.MaxMemoryTokens <= 0 {
		t.Error("MaxMemoryTokens should be positive")
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want int
	}{
		{
			name: "empty string",
			text: "",
			want: 0,
		},
		{
			name: "single char returns 1",
			text: "a",
			want: 1, // 1 rune / 2 = 0, but min 1 for non-empty
		},
		{
			name: "short english",
			text: "hello",
			want: 2, // 5 runes / 2 = 2
		},
		{
			name: "longer english",
			text: "This is a longer test message with multiple words.",
			want: 25, // 50 runes / 2 = 25
		},
		{
			name: "cjk text",
			text: "你好世界",
			want: 2, // 4 runes / 2 = 2
		},
		{
			name: "mixed text",
			text: "Hello 世界",
			want: 4, // 8 runes / 2 = 4
		},
		{
			name: "emoji counts runes not bytes",
			text: "👍👍👍👍",
			want: 2, // 4 runes / 2 = 2
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := estimateTokens(tt.text)
			if got != tt.want {
				t.Errorf("estimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimateMessagesTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msgs []*ai.Message
		want int
	}{
		{
			name: "nil messages",
			msgs: nil,
			want: 0,
		},
		{
			name: "empty messages",
			msgs: []*ai.Message{},
			want: 0,
		},
		{
			name: "single message",
			msgs: []*ai.Message{
				ai.NewUserMessage(ai.NewTextPart("hello world")), // 11 runes / 2 = 5
			},
			want: 5,
		},
		{
			name: "multiple messages",
			msgs: []*ai.Message{
				ai.NewUserMessage(ai.NewTextPart("hello")),       // 5 / 2 = 2
				ai.NewModelMessage(ai.NewTextPart("world")),      // 5 / 2 = 2
				ai.NewUserMessage(ai.NewTextPart("how are you")), // 11 / 2 = 5
			},
			want: 9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := estimateMessagesTokens(tt.msgs)
			if got != tt.want {
				t.Errorf("estimateMessagesTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTruncateHistory(t *testing.T) {
	t.Parallel()

	makeAgent := func() *Agent {
		return &Agent{logger: slog.New(slog.DiscardHandler)}
	}

	systemMsg := func(text string) *ai.Message {
		return ai.NewSystemMessage(ai.NewTextPart(text))
	}
	userMsg := func(text string) *ai.Message {
		return ai.NewUserMessage(ai.NewTextPart(text))
	}
	modelMsg := func(text string) *ai.Message {
		return ai.NewModelMessage(ai.NewTextPart(text))
	}

	tests := []struct {
		name          string
		msgs          []*ai.Message
		budget        int
		wantLen       int
		wantHasSystem bool
		wantTexts     []string // retained texts in order
	}{
		{
			name:    "nil messages returns nil",
			msgs:    nil,
			budget:  1000,
			wantLen: 0,
		},
		{
			name:    "empty messages returns empty",
			msgs:    []*ai.Message{},
			budget:  1000,
			wantLen: 0,
		},
		{
			name: "under budget returns all",
			msgs: []*ai.Message{
				userMsg("hello"),       // 2 tokens
				modelMsg("hi there"),   // 4 tokens
				userMsg("how are you"), // 5 tokens
			},
			budget:    100,
			wantLen:   3,
			wantTexts: []string{"hello", "hi there", "how are you"},
		},
		{
			name: "over budget truncates oldest",
			msgs: []*ai.Message{
				userMsg("first message"), // 6 tokens
				modelMsg("second msg"),   // 5 tokens
				userMsg("third message"), // 6 tokens
				modelMsg("fourth final"), // 6 tokens
			},
			budget:    12,
			wantLen:   2,
			wantTexts: []string{"third message", "fourth final"},
		},
		{
			name: "preserves system message when truncating",
			msgs: []*ai.Message{
				systemMsg("You are a helpful assistant"), // 13 tokens
				userMsg("first"),                         // 2 tokens
				modelMsg("second"),                       // 3 tokens
				userMsg("third"),                         // 2 tokens
				modelMsg("fourth"),                       // 3 tokens
			},
			// system(13) + fourth(3) + third(2) + first(2) fit; second(3) does not.
			budget:        20,
			wantLen:       4,
			wantHasSystem: true,
			wantTexts:     []string{"You are a helpful assistant", "first", "third", "fourth"},
		},
		{
			name: "skips large message but keeps surrounding small ones",
			msgs: []*ai.Message{
				userMsg("hi"), // 1 token
				modelMsg("This is a very long response that takes many many tokens in the budget and should be skipped"),
				userMsg("ok"),   // 1 token
				modelMsg("bye"), // 1 token
			},
			budget:    5,
			wantLen:   3,
			wantTexts: []string{"hi", "ok", "bye"},
		},
		{
			name: "maintains chronological order after truncation",
			msgs: []*ai.Message{
				userMsg("oldest"),  // 3 tokens
				modelMsg("older"),  // 2 tokens
				userMsg("newer"),   // 2 tokens
				modelMsg("newest"), // 3 tokens
			},
			budget:    8,
			wantLen:   3,
			wantTexts: []string{"older", "newer", "newest"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			agent := makeAgent()
			got := agent.truncateHistory(tt.msgs, tt.budget)

			if len(got) != tt.wantLen {
				t.Errorf("truncateHistory() len = %d, want %d", len(got), tt.wantLen)
			}
			if tt.wantLen == 0 {
				return
			}

			if tt.wantHasSystem && got[0].Role != ai.RoleSystem {
				t.Errorf("want first message to be system, got %s", got[0].Role)
			}

			if len(tt.wantTexts) > 0 {
				if len(got) != len(tt.wantTexts) {
					t.Fatalf("got %d messages but want %d", len(got), len(tt.wantTexts))
				}
				for i, want := range tt.wantTexts {
					if len(got[i].Content) == 0 {
						t.Fatalf("message %d has no content", i)
					}
					if got[i].Content[0].Text != want {
						t.Errorf("message %d text = %q, want %q", i, got[i].Content[0].Text, want)
					}
				}
			}
		})
	}
}

func TestTruncateHistoryEdgeCases(t *testing.T) {
	t.Parallel()

	makeAgent := func() *Agent {
		return &Agent{logger: slog.New(slog.DiscardHandler)}
	}

	systemMsg := func(text string) *ai.Message {
		return ai.NewSystemMessage(ai.NewTextPart(text))
	}
	userMsg := func(text string) *ai.Message {
		return ai.NewUserMessage(ai.NewTextPart(text))
	}
	modelMsg := func(text string) *ai.Message {
		return ai.NewModelMessage(ai.NewTextPart(text))
	}

	tests := []struct {
		name      string
		msgs      []*ai.Message
		budget    int
		wantLen   int
		wantTexts []string
	}{
		{
			name: "budget zero drops all non-system",
			msgs: []*ai.Message{
				userMsg("hello"),
				modelMsg("world"),
			},
			budget:  0,
			wantLen: 0,
		},
		{
			name: "negative budget drops all non-system",
			msgs: []*ai.Message{
				userMsg("hello"),
				modelMsg("world"),
			},
			budget:  -100,
			wantLen: 0,
		},
		{
			name: "system message alone exceeds budget",
			msgs: []*ai.Message{
				systemMsg("This is a very long system prompt that uses many tokens"),
				userMsg("hi"),
			},
			budget:    2,
			wantLen:   1, // system always kept; nothing else fits
			wantTexts: []string{"This is a very long system prompt that uses many tokens"},
		},
		{
			name: "single message under budget",
			msgs: []*ai.Message{
				userMsg("hi"),
			},
			budget:    100,
			wantLen:   1,
			wantTexts: []string{"hi"},
		},
		{
			name: "single message over budget returns empty",
			msgs: []*ai.Message{
				userMsg("this message exceeds the tiny budget"),
			},
			budget:  1,
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			agent := makeAgent()
			got := agent.truncateHistory(tt.msgs, tt.budget)

			if len(got) != tt.wantLen {
				t.Fatalf("truncateHistory(budget=%d) len = %d, want %d", tt.budget, len(got), tt.wantLen)
			}
			for i, want := range tt.wantTexts {
				if len(got[i].Content) == 0 {
					t.Fatalf("message %d has no content", i)
				}
				if got[i].Content[0].Text != want {
					t.Errorf("message %d text = %q, want %q", i, got[i].Content[0].Text, want)
				}
			}
		})
	}
}
