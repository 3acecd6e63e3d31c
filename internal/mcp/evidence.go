package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/casewire/casewire/internal/chunk"
	"github.com/casewire/casewire/internal/search"
)

// SearchEvidenceInput is the input schema for the search_evidence tool.
type SearchEvidenceInput struct {
	Query  string `json:"query" jsonschema:"Natural-language query describing what to find"`
	CaseID string `json:"case_id,omitempty" jsonschema:"Optional case UUID to scope the search to one case"`
	Domain string `json:"domain,omitempty" jsonschema:"Optional practice area filter: contract, criminal, tort, property, corporate, family or general"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"Maximum number of results to return (default 5)"`
}

func (s *Server) registerSearchEvidence() error {
	schema, err := jsonschema.For[SearchEvidenceInput](nil)
	if err != nil {
		return fmt.Errorf("schema for search_evidence: %w", err)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "search_evidence",
		Description: "Search indexed evidence chunks using semantic similarity. " +
			"Returns the most relevant passages with their case, section and practice area.",
		InputSchema: schema,
	}, s.SearchEvidence)
	return nil
}

// SearchEvidence handles the search_evidence MCP tool call.
func (s *Server) SearchEvidence(ctx context.Context, _ *mcp.CallToolRequest, in SearchEvidenceInput) (*mcp.CallToolResult, any, error) {
	q := search.Query{Text: in.Query, TopK: in.TopK}

	if in.CaseID != "" {
		id, err := uuid.Parse(in.CaseID)
		if err != nil {
			return errorResult("invalid case_id %q: must be a UUID", in.CaseID), nil, nil
		}
		q.CaseID = &id
	}
	if in.Domain != "" {
		d := chunk.Domain(in.Domain)
		if !d.Valid() {
			return errorResult("unknown domain %q", in.Domain), nil, nil
		}
		q.Domains = []chunk.Domain{d}
	}

	resp, err := s.search.Search(ctx, q)
	if err != nil {
		return nil, nil, fmt.Errorf("search failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return textResult("No matching evidence found."), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d result(s) via %s:\n\n", len(resp.Results), resp.Route)
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "--- Result %d (score %.3f) ---\n", i+1, r.Score)
		fmt.Fprintf(&b, "Case: %s | Evidence: %s\n", r.CaseID, r.EvidenceID)
		if r.Section != "" {
			fmt.Fprintf(&b, "Section: %s\n", r.Section)
		}
		fmt.Fprintf(&b, "Domain: %s (confidence %.2f)\n", r.Domain, r.Confidence)
		fmt.Fprintf(&b, "%s\n\n", r.Content)
	}
	return textResult(strings.TrimRight(b.String(), "\n")), resp, nil
}
