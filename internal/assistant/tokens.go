package assistant

import (
	"unicode/utf8"

	"github.com/firebase/genkit/go/ai"
)

// TokenBudget caps how much of the prompt each context section may
// consume. The estimates are deliberately rough; the point is keeping
// prompts inside the model window, not billing accuracy.
type TokenBudget struct {
	// MaxHistoryTokens bounds the conversation history.
	MaxHistoryTokens int
	// MaxMemoryTokens bounds the recalled research findings.
	MaxMemoryTokens int
}

// DefaultTokenBudget is applied when Config leaves the budget zero.
func DefaultTokenBudget() TokenBudget {
	return TokenBudget{
		MaxHistoryTokens: 4000,
		MaxMemoryTokens:  800,
	}
}

// estimateTokens approximates the token count of text at two runes per
// token. That over-counts CJK and under-counts dense English, which
// errs toward smaller prompts. Non-empty text counts as at least one
// token.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text) / 2
	if n < 1 {
		return 1
	}
	return n
}

// estimateMessagesTokens sums the estimate over every text part.
func estimateMessagesTokens(msgs []*ai.Message) int {
	total := 0
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		for _, part := range msg.Content {
			if part == nil {
				continue
			}
			total += estimateTokens(part.Text)
		}
	}
	return total
}

// truncateHistory drops old messages until the estimate fits budget.
//
// A leading system message is always kept, even when it alone exceeds
// the budget. The remaining messages are considered newest first; one
// too large for the remaining budget is skipped without ending the
// walk, so small early exchanges survive a huge middle one. The result
// is in chronological order.
func (a *Agent) truncateHistory(msgs []*ai.Message, budget int) []*ai.Message {
	if len(msgs) == 0 {
		return msgs
	}
	if estimateMessagesTokens(msgs) <= budget {
		return msgs
	}

	var system *ai.Message
	rest := msgs
	if msgs[0] != nil && msgs[0].Role == ai.RoleSystem {
		system = msgs[0]
		rest = msgs[1:]
		budget -= estimateMessagesTokens([]*ai.Message{system})
	}

	var reversed []*ai.Message
	for i := len(rest) - 1; i >= 0; i-- {
		cost := estimateMessagesTokens([]*ai.Message{rest[i]})
		if cost > budget {
			continue
		}
		reversed = append(reversed, rest[i])
		budget -= cost
	}

	kept := make([]*ai.Message, 0, len(reversed)+1)
	if system != nil {
		kept = append(kept, system)
	}
	for i := len(reversed) - 1; i >= 0; i-- {
		kept = append(kept, reversed[i])
	}

	a.logger.Debug("history truncated", "before", len(msgs), "after", len(kept))
	return kept
}
