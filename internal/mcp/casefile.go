package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/casewire/casewire/internal/cases"
)

// GetCaseInput is the input schema for the get_case tool. Exactly one
// of id or case_number must be set.
type GetCaseInput struct {
	ID         string `json:"id,omitempty" jsonschema:"Case UUID"`
	CaseNumber string `json:"case_number,omitempty" jsonschema:"Human-readable case number, e.g. CW-2026-0042"`
}

// ListCasesInput is the input schema for the list_cases tool.
type ListCasesInput struct {
	Status string `json:"status,omitempty" jsonschema:"Filter by status: open, active, pending, closed or archived"`
	Query  string `json:"query,omitempty" jsonschema:"Substring match against title and case number"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of cases to return (default 20)"`
}

func (s *Server) registerCaseTools() error {
	getSchema, err := jsonschema.For[GetCaseInput](nil)
	if err != nil {
		return fmt.Errorf("schema for get_case: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_case",
		Description: "Look up a single case by UUID or by case number. Returns its full details.",
		InputSchema: getSchema,
	}, s.GetCase)

	listSchema, err := jsonschema.For[ListCasesInput](nil)
	if err != nil {
		return fmt.Errorf("schema for list_cases: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_cases",
		Description: "List cases, optionally filtered by status or a title/number search term.",
		InputSchema: listSchema,
	}, s.ListCases)
	return nil
}

// GetCase handles the get_case MCP tool call.
func (s *Server) GetCase(ctx context.Context, _ *mcp.CallToolRequest, in GetCaseInput) (*mcp.CallToolResult, any, error) {
	var (
		c   *cases.Case
		err error
	)
	switch {
	case in.ID != "":
		id, parseErr := uuid.Parse(in.ID)
		if parseErr != nil {
			return errorResult("invalid id %q: must be a UUID", in.ID), nil, nil
		}
		c, err = s.cases.Get(ctx, id)
	case in.CaseNumber != "":
		c, err = s.cases.GetByNumber(ctx, in.CaseNumber)
	default:
		return errorResult("either id or case_number is required"), nil, nil
	}

	if errors.Is(err, cases.ErrNotFound) {
		return errorResult("case not found"), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("looking up case: %w", err)
	}
	return textResult(formatCase(c)), c, nil
}

// ListCases handles the list_cases MCP tool call.
func (s *Server) ListCases(ctx context.Context, _ *mcp.CallToolRequest, in ListCasesInput) (*mcp.CallToolResult, any, error) {
	f := cases.ListFilter{Query: in.Query, Limit: in.Limit}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if in.Status != "" {
		st := cases.Status(in.Status)
		if !st.Valid() {
			return errorResult("unknown status %q", in.Status), nil, nil
		}
		f.Status = st
	}

	list, err := s.cases.List(ctx, f)
	if err != nil {
		return nil, nil, fmt.Errorf("listing cases: %w", err)
	}
	if len(list) == 0 {
		return textResult("No matching cases."), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d case(s):\n\n", len(list))
	for _, c := range list {
		fmt.Fprintf(&b, "%s  %s  [%s/%s]  %s\n",
			c.CaseNumber, c.ID, c.Status, c.Priority, c.Title)
	}
	return textResult(strings.TrimRight(b.String(), "\n")), list, nil
}

func formatCase(c *cases.Case) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case %s (%s)\n", c.CaseNumber, c.ID)
	fmt.Fprintf(&b, "Title: %s\n", c.Title)
	fmt.Fprintf(&b, "Status: %s | Priority: %s\n", c.Status, c.Priority)
	if c.AssignedTo != nil {
		fmt.Fprintf(&b, "Assigned to: %s\n", *c.AssignedTo)
	}
	fmt.Fprintf(&b, "Opened: %s\n", c.CreatedAt.Format("2006-01-02"))
	if c.ClosedAt != nil {
		fmt.Fprintf(&b, "Closed: %s\n", c.ClosedAt.Format("2006-01-02"))
	}
	if c.Description != "" {
		fmt.Fprintf(&b, "\n%s", c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
