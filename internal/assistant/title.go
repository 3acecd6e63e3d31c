package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

const (
	titleTimeout       = 5 * time.Second
	titleInputMaxRunes = 500
	// titleMaxRunes caps stored titles so session lists stay scannable.
	titleMaxRunes = 80
)

var titlePrompt = fmt.Sprintf(`Generate a concise title (max %d characters) for a legal research session based on this first question.
The title should capture the matter or topic, not restate the question.
Return ONLY the title text, no quotes, no explanations, no punctuation at the end.

Question: %%s

Title:`, titleMaxRunes)

// GenerateTitle derives a short session title from the first user
// message. Best-effort: returns "" on any failure, and the caller
// keeps the default title.
func (a *Agent) GenerateTitle(ctx context.Context, userMessage string) string {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	inputRunes := []rune(userMessage)
	if len(inputRunes) > titleInputMaxRunes {
		userMessage = string(inputRunes[:titleInputMaxRunes]) + "..."
	}

	opts := []ai.GenerateOption{
		ai.WithPrompt(titlePrompt, userMessage),
	}
	// Titles never need the primary model.
	switch {
	case a.fastModelName != "":
		opts = append(opts, ai.WithModelName(a.fastModelName))
	case a.modelName != "":
		opts = append(opts, ai.WithModelName(a.modelName))
	}

	response, err := genkit.Generate(ctx, a.g, opts...)
	if err != nil {
		a.logger.Debug("title generation failed", "error", err)
		return ""
	}

	title := strings.TrimSpace(response.Text())
	if title == "" {
		return ""
	}
	titleRunes := []rune(title)
	if len(titleRunes) > titleMaxRunes {
		title = string(titleRunes[:titleMaxRunes-3]) + "..."
	}
	return title
}
