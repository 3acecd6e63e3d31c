package mcp

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/casewire/casewire/internal/memory"
)

// SaveFindingInput is the input schema for the save_finding tool.
type SaveFindingInput struct {
	Content    string  `json:"content" jsonschema:"The finding text to remember"`
	CaseID     string  `json:"case_id,omitempty" jsonschema:"Optional case UUID this finding belongs to"`
	Category   string  `json:"category,omitempty" jsonschema:"Category: legal_brief, case_law, contract, finding or general (default finding)"`
	Importance float64 `json:"importance,omitempty" jsonschema:"Importance in (0, 1]; omit to derive it from the content"`
}

func (s *Server) registerSaveFinding() error {
	schema, err := jsonschema.For[SaveFindingInput](nil)
	if err != nil {
		return fmt.Errorf("schema for save_finding: %w", err)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "save_finding",
		Description: "Save a research finding for later recall. Findings are ranked by " +
			"relevance and importance when the assistant retrieves context.",
		InputSchema: schema,
	}, s.SaveFinding)
	return nil
}

// SaveFinding handles the save_finding MCP tool call. The finding is
// attributed to the local operator account.
func (s *Server) SaveFinding(ctx context.Context, _ *mcp.CallToolRequest, in SaveFindingInput) (*mcp.CallToolResult, any, error) {
	p := memory.SaveParams{
		OwnerID:    s.ownerID,
		Content:    in.Content,
		Category:   memory.CategoryFinding,
		Importance: float32(in.Importance),
	}

	if in.CaseID != "" {
		id, err := uuid.Parse(in.CaseID)
		if err != nil {
			return errorResult("invalid case_id %q: must be a UUID", in.CaseID), nil, nil
		}
		p.CaseID = &id
	}
	if in.Category != "" {
		cat := memory.Category(in.Category)
		if !cat.Valid() {
			return errorResult("unknown category %q", in.Category), nil, nil
		}
		p.Category = cat
	}

	m, err := s.memory.Remember(ctx, p)
	if err != nil {
		// Rejections (empty after redaction, residual secrets) are
		// input problems the model can fix.
		return errorResult("finding rejected: %v", err), nil, nil
	}

	s.logger.Info("finding saved via MCP", "id", m.ID, "category", m.Category)
	return textResult(fmt.Sprintf("Saved finding %s (category %s, importance %.2f).",
		m.ID, m.Category, m.Importance)), m, nil
}
