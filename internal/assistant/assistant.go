// Package assistant implements the conversational research agent.
//
// The agent answers questions about case files by combining four
// context sources into one prompt: the session's conversation history,
// evidence retrieved through the search service, research findings
// recalled from memory, and tools the model may call mid-generation.
// Around the model call sit the resilience layers every provider
// eventually needs: a proactive rate limiter, retry with exponential
// backoff, and a circuit breaker.
//
// The agent is stateless between turns. Conversation state lives in
// the chat store; cross-session knowledge lives in the memory service.
package assistant

import (
	"context"
	"errors"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
)

const (
	// CounselPromptName is the Dotprompt the agent renders
	// (prompts/counsel.prompt). The default model lives in that file.
	CounselPromptName = "counsel"

	// retrievalTimeout bounds the evidence search that builds the
	// prompt context. On expiry the agent answers without it.
	retrievalTimeout = 5 * time.Second

	// recallTimeout bounds the research memory lookup per request.
	recallTimeout = 5 * time.Second

	// retrievalTopK is how many evidence chunks feed the prompt.
	retrievalTopK = 5

	// answerCacheTTL is how long a repeated question within the same
	// session is served from Redis instead of the model.
	answerCacheTTL = time.Hour

	// fallbackMessage stands in when the model returns no text and
	// requests no tools.
	fallbackMessage = "I couldn't produce an answer for that question. " +
		"Try rephrasing it, or narrow it to a specific case or document."
)

var (
	// ErrInvalidSession indicates the session ID is missing, malformed,
	// or unknown.
	ErrInvalidSession = errors.New("invalid session")

	// ErrExecutionFailed indicates the agent run failed after retries.
	ErrExecutionFailed = errors.New("execution failed")
)

// Source identifies one evidence chunk the answer drew on. Sources are
// returned alongside the answer so the UI can link back to the record.
type Source struct {
	EvidenceID uuid.UUID `json:"evidence_id"`
	ChunkID    uuid.UUID `json:"chunk_id"`
	Section    string    `json:"section,omitempty"`
	Score      float64   `json:"score"`
}

// Response is the agent's final result for one turn.
type Response struct {
	FinalText    string
	Sources      []Source
	ToolRequests []*ai.ToolRequest
	// Cached reports that the answer came from the Redis answer cache
	// and no model call was made.
	Cached bool
}

// StreamCallback receives model output chunks as they are generated.
// Returning an error aborts the generation.
type StreamCallback func(ctx context.Context, chunk *ai.ModelResponseChunk) error
