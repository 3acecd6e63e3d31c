package search

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
)

// RetrieverName is the registered Genkit retriever name.
const RetrieverName = "evidence"

// RetrieverOptions scope a retrieval made through the Genkit bridge.
// Passed as ai.RetrieverRequest.Options.
type RetrieverOptions struct {
	// CaseID limits retrieval to one case when non-nil.
	CaseID *uuid.UUID `json:"case_id,omitempty"`
	// TopK overrides the configured default result count.
	TopK int `json:"top_k,omitempty"`
}

// DefineRetriever registers the search service as a Genkit ai.Retriever
// so the assistant can pull evidence context through the standard
// retrieval interface.
func DefineRetriever(g *genkit.Genkit, svc *Service) ai.Retriever {
	return genkit.DefineRetriever(
		g, RetrieverName, nil,
		func(ctx context.Context, req *ai.RetrieverRequest) (*ai.RetrieverResponse, error) {
			query := queryText(req)
			if query == "" {
				return &ai.RetrieverResponse{}, nil
			}

			q := Query{Text: query}
			if opts, ok := req.Options.(*RetrieverOptions); ok && opts != nil {
				q.CaseID = opts.CaseID
				q.TopK = opts.TopK
			}

			resp, err := svc.Search(ctx, q)
			if err != nil {
				return nil, fmt.Errorf("evidence retrieval: %w", err)
			}

			docs := make([]*ai.Document, len(resp.Results))
			for i, r := range resp.Results {
				docs[i] = ai.DocumentFromText(r.Content, map[string]any{
					"chunk_id":     r.ChunkID.String(),
					"evidence_id":  r.EvidenceID.String(),
					"case_id":      r.CaseID.String(),
					"section":      r.Section,
					"legal_domain": string(r.Domain),
					"score":        r.Score,
				})
			}
			return &ai.RetrieverResponse{Documents: docs}, nil
		},
	)
}

// queryText extracts the text of the retrieval query.
func queryText(req *ai.RetrieverRequest) string {
	if req.Query == nil {
		return ""
	}
	for _, part := range req.Query.Content {
		if part.Text != "" {
			return part.Text
		}
	}
	return ""
}
