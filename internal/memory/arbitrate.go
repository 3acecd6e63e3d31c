package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// ArbitrationTimeout bounds one arbitration call. Arbitration runs
// inside the save transaction, so it must stay short.
const ArbitrationTimeout = 15 * time.Second

// maxArbitrationResponseBytes limits arbitration LLM response size (5 KB).
const maxArbitrationResponseBytes = 5 * 1024

// Operation is an arbitration decision.
type Operation string

const (
	// OpAdd keeps both findings.
	OpAdd Operation = "ADD"
	// OpUpdate replaces the existing finding with the candidate.
	OpUpdate Operation = "UPDATE"
	// OpNoop discards the candidate.
	OpNoop Operation = "NOOP"
)

// ArbitrationResult is the arbitrator's decision. The candidate text is
// never rewritten; legal findings enter storage verbatim or not at all.
type ArbitrationResult struct {
	Operation Operation `json:"operation"`
	Reasoning string    `json:"reasoning"`
}

// Arbitrator decides how to handle a near-duplicate finding.
type Arbitrator interface {
	Arbitrate(ctx context.Context, existing, candidate string) (*ArbitrationResult, error)
}

// arbitrationPrompt instructs the LLM to resolve a finding conflict.
// Nonce-delimited boundaries prevent prompt injection from finding content.
// %s placeholders: (1) nonce, (2) existing, (3) nonce, (4) nonce, (5) candidate, (6) nonce.
const arbitrationPrompt = `You are resolving a conflict between two research findings in a legal case file. Given an EXISTING finding and a NEW candidate that is very similar, decide the correct action.

===EXISTING_%s===
%s
===END_EXISTING_%s===

===CANDIDATE_%s===
%s
===END_CANDIDATE_%s===

Decide one action:
- ADD: The findings cover distinct points and should coexist
- UPDATE: The candidate supersedes the existing finding (more current, more precise, or corrects it)
- NOOP: The candidate adds nothing; keep the existing finding

Output JSON only: {"operation": "...", "reasoning": "..."}`

// LLMArbitrator resolves finding conflicts with a model call.
type LLMArbitrator struct {
	g     *genkit.Genkit
	model string
}

// NewLLMArbitrator creates an arbitrator. model may be empty to use the
// genkit default.
func NewLLMArbitrator(g *genkit.Genkit, model string) (*LLMArbitrator, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	return &LLMArbitrator{g: g, model: model}, nil
}

// Arbitrate asks the LLM whether the candidate replaces, coexists with,
// or duplicates the existing finding. Called when cosine similarity is
// in [0.85, 0.95).
func (a *LLMArbitrator) Arbitrate(ctx context.Context, existing, candidate string) (*ArbitrationResult, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	// Sanitize content to prevent delimiter injection.
	prompt := fmt.Sprintf(arbitrationPrompt,
		nonce, sanitizeDelimiters(existing), nonce,
		nonce, sanitizeDelimiters(candidate), nonce)

	opts := []ai.GenerateOption{ai.WithPrompt(prompt)}
	if a.model != "" {
		opts = append(opts, ai.WithModelName(a.model))
	}

	resp, err := genkit.Generate(ctx, a.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generating arbitration: %w", err)
	}

	raw := resp.Text()
	if len(raw) > maxArbitrationResponseBytes {
		return nil, fmt.Errorf("arbitration response too large: %d bytes", len(raw))
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty arbitration response")
	}
	text = stripCodeFences(text)

	var result ArbitrationResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("parsing arbitration result: %w (raw: %q)", err, truncate(text, 200))
	}
	if !validOperation(result.Operation) {
		return nil, fmt.Errorf("invalid arbitration operation: %q", result.Operation)
	}
	return &result, nil
}

// validOperation checks if op is one of the known operations.
func validOperation(op Operation) bool {
	switch op {
	case OpAdd, OpUpdate, OpNoop:
		return true
	}
	return false
}
