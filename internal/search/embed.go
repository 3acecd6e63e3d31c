package search

import (
	"context"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"
)

// EmbedTimeout bounds a single embedding call.
const EmbedTimeout = 30 * time.Second

// Embedder wraps a genkit embedder with the settings the active
// provider needs. Gemini embedding models return their full native
// dimensionality unless asked for a specific one; Ollama models emit a
// fixed size and ignore options.
type Embedder struct {
	embedder ai.Embedder
	dims     int
	gemini   bool
}

// NewEmbedder creates an Embedder. gemini selects whether an explicit
// output dimensionality is sent with each request.
func NewEmbedder(embedder ai.Embedder, dims int, gemini bool) (*Embedder, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if dims <= 0 {
		return nil, fmt.Errorf("dims must be positive, got %d", dims)
	}
	return &Embedder{embedder: embedder, dims: dims, gemini: gemini}, nil
}

// Dims returns the embedding dimensionality.
func (e *Embedder) Dims() int {
	return e.dims
}

// EmbedOne embeds a single text.
func (e *Embedder) EmbedOne(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// Embed embeds a batch of texts, returning one vector per input in
// order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	req := &ai.EmbedRequest{Input: docs}
	if e.gemini {
		dim := int32(e.dims)
		req.Options = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	resp, err := e.embedder.Embed(embedCtx, req)
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d",
			len(texts), len(resp.Embeddings))
	}

	out := make([]pgvector.Vector, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if len(emb.Embedding) != e.dims {
			return nil, fmt.Errorf("embedding %d has %d dims, want %d",
				i, len(emb.Embedding), e.dims)
		}
		out[i] = pgvector.NewVector(emb.Embedding)
	}
	return out, nil
}
