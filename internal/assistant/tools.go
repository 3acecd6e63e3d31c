package assistant

import (
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/cases"
	"github.com/casewire/casewire/internal/reports"
	"github.com/casewire/casewire/internal/search"
)

// Tool names registered with Genkit.
const (
	SearchEvidenceToolName = "search_evidence"
	GetCaseToolName        = "get_case"
	ListCitationsToolName  = "list_citations"
)

const (
	defaultToolTopK = 5
	maxToolTopK     = 10
)

// SearchEvidenceInput is the input schema for search_evidence.
type SearchEvidenceInput struct {
	Query  string `json:"query" jsonschema_description:"Natural-language description of the evidence to find"`
	CaseID string `json:"caseId,omitempty" jsonschema_description:"Optional case UUID to scope the search"`
	TopK   int    `json:"topK,omitempty" jsonschema_description:"Maximum results to return (1-10)"`
}

// SearchEvidenceOutput carries search hits back to the model. A
// failure is reported in Error so the model can react instead of the
// generation aborting.
type SearchEvidenceOutput struct {
	Results []search.Result `json:"results,omitempty"`
	Count   int             `json:"count"`
	Error   string          `json:"error,omitempty"`
}

// GetCaseInput is the input schema for get_case. Either field works;
// the UUID wins when both are set.
type GetCaseInput struct {
	CaseID     string `json:"caseId,omitempty" jsonschema_description:"Case UUID"`
	CaseNumber string `json:"caseNumber,omitempty" jsonschema_description:"Case number, e.g. CW-2026-0001"`
}

// GetCaseOutput carries one case record back to the model.
type GetCaseOutput struct {
	Case  *cases.Case `json:"case,omitempty"`
	Error string      `json:"error,omitempty"`
}

// ListCitationsInput is the input schema for list_citations.
type ListCitationsInput struct {
	CaseID   string `json:"caseId" jsonschema_description:"Case UUID whose citations to list"`
	ReportID string `json:"reportId,omitempty" jsonschema_description:"Optional report UUID to narrow the list"`
}

// ListCitationsOutput carries citation records back to the model.
type ListCitationsOutput struct {
	Citations []reports.Citation `json:"citations,omitempty"`
	Count     int                `json:"count"`
	Error     string             `json:"error,omitempty"`
}

// Toolkit bundles the stores behind the agent's tools.
type Toolkit struct {
	search  *search.Service // nil disables search_evidence
	cases   *cases.Store
	reports *reports.Store
	logger  *slog.Logger
}

// NewToolkit creates a Toolkit. The search service is optional; when
// nil the search_evidence tool is not registered.
func NewToolkit(searchSvc *search.Service, caseStore *cases.Store, reportStore *reports.Store, logger *slog.Logger) (*Toolkit, error) {
	if caseStore == nil {
		return nil, fmt.Errorf("case store is required")
	}
	if reportStore == nil {
		return nil, fmt.Errorf("report store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{search: searchSvc, cases: caseStore, reports: reportStore, logger: logger}, nil
}

// RegisterTools registers the toolkit's tools with Genkit and returns
// them for Config.Tools.
func RegisterTools(g *genkit.Genkit, tk *Toolkit) ([]ai.Tool, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if tk == nil {
		return nil, fmt.Errorf("toolkit is required")
	}

	tools := []ai.Tool{
		genkit.DefineTool(g, GetCaseToolName,
			"Look up one case by UUID or by case number (like CW-2026-0001). "+
				"Returns the case record: number, title, status, priority, and timestamps. "+
				"Use this when the user refers to a case you need details about.",
			tk.GetCase),
		genkit.DefineTool(g, ListCitationsToolName,
			"List the legal citations recorded for a case, optionally narrowed to one report. "+
				"Returns citation text, source type, court, and year. "+
				"Use this when the user asks what authorities a case or report relies on.",
			tk.ListCitations),
	}

	if tk.search != nil {
		tools = append(tools, genkit.DefineTool(g, SearchEvidenceToolName,
			"Search the indexed evidence text semantically. "+
				"Finds evidence passages conceptually related to the query, optionally scoped to one case. "+
				"Returns passages with evidence IDs, sections, and relevance scores. "+
				"Default topK: 5. Maximum topK: 10.",
			tk.SearchEvidence))
	}

	return tools, nil
}

// clampToolTopK bounds topK to [1, maxToolTopK], defaulting when
// unset.
func clampToolTopK(topK int) int {
	if topK <= 0 {
		return defaultToolTopK
	}
	return min(topK, maxToolTopK)
}

// SearchEvidence handles the search_evidence tool call.
func (t *Toolkit) SearchEvidence(ctx *ai.ToolContext, input SearchEvidenceInput) (SearchEvidenceOutput, error) {
	t.logger.Info("search_evidence called", "query", input.Query, "case_id", input.CaseID)

	q := search.Query{Text: input.Query, TopK: clampToolTopK(input.TopK)}
	if input.CaseID != "" {
		id, err := uuid.Parse(input.CaseID)
		if err != nil {
			return SearchEvidenceOutput{Error: fmt.Sprintf("invalid case id %q", input.CaseID)}, nil
		}
		q.CaseID = &id
	}

	resp, err := t.search.Search(ctx, q)
	if err != nil {
		t.logger.Warn("search_evidence failed", "query", input.Query, "error", err)
		return SearchEvidenceOutput{Error: fmt.Sprintf("searching evidence: %v", err)}, nil
	}
	return SearchEvidenceOutput{Results: resp.Results, Count: len(resp.Results)}, nil
}

// GetCase handles the get_case tool call.
func (t *Toolkit) GetCase(ctx *ai.ToolContext, input GetCaseInput) (GetCaseOutput, error) {
	t.logger.Info("get_case called", "case_id", input.CaseID, "case_number", input.CaseNumber)

	var (
		c   *cases.Case
		err error
	)
	switch {
	case input.CaseID != "":
		var id uuid.UUID
		id, err = uuid.Parse(input.CaseID)
		if err != nil {
			return GetCaseOutput{Error: fmt.Sprintf("invalid case id %q", input.CaseID)}, nil
		}
		c, err = t.cases.Get(ctx, id)
	case input.CaseNumber != "":
		c, err = t.cases.GetByNumber(ctx, input.CaseNumber)
	default:
		return GetCaseOutput{Error: "caseId or caseNumber is required"}, nil
	}
	if err != nil {
		t.logger.Warn("get_case failed", "error", err)
		return GetCaseOutput{Error: fmt.Sprintf("getting case: %v", err)}, nil
	}
	return GetCaseOutput{Case: c}, nil
}

// ListCitations handles the list_citations tool call.
func (t *Toolkit) ListCitations(ctx *ai.ToolContext, input ListCitationsInput) (ListCitationsOutput, error) {
	t.logger.Info("list_citations called", "case_id", input.CaseID, "report_id", input.ReportID)

	caseID, err := uuid.Parse(input.CaseID)
	if err != nil {
		return ListCitationsOutput{Error: fmt.Sprintf("invalid case id %q", input.CaseID)}, nil
	}
	var reportID *uuid.UUID
	if input.ReportID != "" {
		id, err := uuid.Parse(input.ReportID)
		if err != nil {
			return ListCitationsOutput{Error: fmt.Sprintf("invalid report id %q", input.ReportID)}, nil
		}
		reportID = &id
	}

	citations, err := t.reports.ListCitations(ctx, caseID, reportID)
	if err != nil {
		t.logger.Warn("list_citations failed", "case_id", caseID, "error", err)
		return ListCitationsOutput{Error: fmt.Sprintf("listing citations: %v", err)}, nil
	}
	return ListCitationsOutput{Citations: citations, Count: len(citations)}, nil
}
