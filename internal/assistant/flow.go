package assistant

import (
	"context"
	"fmt"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
)

// Input is the request payload for the counsel flow.
type Input struct {
	Query     string `json:"query"`
	SessionID string `json:"sessionId"`
	// CaseID scopes retrieval and memory to one case for this turn.
	CaseID string `json:"caseId,omitempty"`
}

// Output is the response payload from the counsel flow.
type Output struct {
	Answer    string   `json:"answer"`
	SessionID string   `json:"sessionId"`
	Sources   []Source `json:"sources,omitempty"`
}

// StreamChunk is one piece of streamed answer text.
type StreamChunk struct {
	Text string `json:"text"`
}

// FlowName is the counsel flow's registered name in Genkit.
const FlowName = "casewire/counsel"

// Flow is the counsel flow type, exported for genkit.Handler in the
// API server.
type Flow = core.Flow[Input, Output, StreamChunk]

// Flow registration is global in Genkit and panics on repetition, so
// the package keeps a singleton.
var (
	flowOnce sync.Once
	flow     *Flow
)

// NewFlow returns the counsel flow singleton, defining it on first
// call. Later calls return the existing flow and ignore the
// arguments.
func NewFlow(g *genkit.Genkit, agent *Agent) *Flow {
	flowOnce.Do(func() {
		flow = agent.DefineFlow(g)
	})
	return flow
}

// ResetFlowForTesting clears the singleton so tests can define flows
// against fresh Genkit instances. Not safe for concurrent use.
func ResetFlowForTesting() {
	flowOnce = sync.Once{}
	flow = nil
}

// DefineFlow registers the counsel flow. Use NewFlow instead of
// calling this directly; a second registration panics inside Genkit.
//
// The flow is a thin typed wrapper: it parses IDs, adapts the stream
// callback, and delegates to ExecuteStream.
func (a *Agent) DefineFlow(g *genkit.Genkit) *Flow {
	return genkit.DefineStreamingFlow(g, FlowName,
		func(ctx context.Context, input Input, streamCb func(context.Context, StreamChunk) error) (Output, error) {
			sessionID, err := uuid.Parse(input.SessionID)
			if err != nil {
				return Output{SessionID: input.SessionID}, fmt.Errorf("%w: %w", ErrInvalidSession, err)
			}
			var caseID *uuid.UUID
			if input.CaseID != "" {
				id, err := uuid.Parse(input.CaseID)
				if err != nil {
					return Output{SessionID: input.SessionID}, fmt.Errorf("invalid case id: %w", err)
				}
				caseID = &id
			}

			var callback StreamCallback
			if streamCb != nil {
				callback = func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
					if chunk == nil {
						return nil
					}
					for _, part := range chunk.Content {
						if part == nil || part.Text == "" {
							continue
						}
						if err := streamCb(ctx, StreamChunk{Text: part.Text}); err != nil {
							return err
						}
					}
					return nil
				}
			}

			resp, err := a.ExecuteStream(ctx, sessionID, input.Query, caseID, callback)
			if err != nil {
				return Output{SessionID: input.SessionID}, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
			}

			return Output{
				Answer:    resp.FinalText,
				SessionID: input.SessionID,
				Sources:   resp.Sources,
			}, nil
		},
	)
}
