package assistant

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/casewire/casewire/internal/memory"
	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/search"
)

// fastQueryMaxRunes is the routing cutoff: anything this long or
// longer goes to the primary model.
const fastQueryMaxRunes = 50

// legalTerms force the primary model regardless of query length. A
// short question about liability still deserves the stronger model.
var legalTerms = []string{
	"contract", "statute", "liability", "clause", "precedent",
	"plaintiff", "defendant", "tort", "negligence", "indemn",
	"jurisdiction", "damages", "breach", "motion", "appeal",
	"citation", "court", "evidence", "testimony",
}

// Config carries the agent's dependencies and tuning.
type Config struct {
	Genkit   *genkit.Genkit
	Sessions *Store
	Logger   *slog.Logger
	Tools    []ai.Tool // pre-registered via RegisterTools

	// Search provides the evidence context block. Nil answers without
	// retrieval.
	Search *search.Service
	// Memory provides research finding recall and async write-back.
	// Nil disables both.
	Memory *memory.Service
	// Redis backs the answer cache. Nil disables caching.
	Redis *redis.Client
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	// ModelName overrides the Dotprompt model when non-empty.
	ModelName string
	// FastModelName, when non-empty, serves short questions with no
	// legal vocabulary and no case scope.
	FastModelName string
	// MaxTurns caps the agentic tool-calling loop.
	MaxTurns int

	// Zero-value resilience fields use the package defaults.
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	RateLimiter          *rate.Limiter
	TokenBudget          TokenBudget

	// BackgroundCtx outlives individual requests; async memory
	// write-back runs on it. WG tracks those goroutines so shutdown
	// can wait for them. WG is required when Memory is set.
	BackgroundCtx context.Context //nolint:containedctx // app lifecycle context, not a request context
	WG            *sync.WaitGroup
}

// validate checks the required dependencies.
func (cfg Config) validate() error {
	if cfg.Genkit == nil {
		return fmt.Errorf("genkit instance is required")
	}
	if cfg.Sessions == nil {
		return fmt.Errorf("session store is required")
	}
	if cfg.Memory != nil && cfg.WG == nil {
		return fmt.Errorf("wg is required when memory is set")
	}
	return nil
}

// Agent answers case research questions.
//
// All configuration is captured immutably at construction, so one
// Agent serves concurrent requests.
type Agent struct {
	modelName     string
	fastModelName string
	maxTurns      int

	retryConfig RetryConfig
	circuit     *CircuitBreaker
	limiter     *rate.Limiter
	budget      TokenBudget

	g        *genkit.Genkit
	sessions *Store
	searcher *search.Service
	memories *memory.Service
	rdb      *redis.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger

	tools     []ai.Tool
	toolRefs  []ai.ToolRef // cached for ai.WithTools
	toolNames string       // cached comma-separated for logging
	prompt    ai.Prompt

	bgCtx context.Context //nolint:containedctx // app lifecycle context
	wg    *sync.WaitGroup
}

// New creates the agent. The counsel Dotprompt must be loadable from
// the configured prompt directory.
func New(cfg Config) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 5
	}

	retryConfig := cfg.RetryConfig
	if retryConfig.MaxRetries == 0 {
		retryConfig = DefaultRetryConfig()
	}

	budget := cfg.TokenBudget
	if budget.MaxHistoryTokens == 0 {
		budget.MaxHistoryTokens = DefaultTokenBudget().MaxHistoryTokens
	}
	if budget.MaxMemoryTokens == 0 {
		budget.MaxMemoryTokens = DefaultTokenBudget().MaxMemoryTokens
	}

	// Default: 10 requests/sec sustained, burst of 30.
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	toolRefs := make([]ai.ToolRef, len(cfg.Tools))
	names := make([]string, len(cfg.Tools))
	for i, t := range cfg.Tools {
		toolRefs[i] = t
		names[i] = t.Name()
	}

	bgCtx := cfg.BackgroundCtx
	if bgCtx == nil {
		bgCtx = context.Background()
	}

	a := &Agent{
		modelName:     cfg.ModelName,
		fastModelName: cfg.FastModelName,
		maxTurns:      maxTurns,

		retryConfig: retryConfig,
		circuit:     NewCircuitBreaker(cfg.CircuitBreakerConfig),
		limiter:     limiter,
		budget:      budget,

		g:        cfg.Genkit,
		sessions: cfg.Sessions,
		searcher: cfg.Search,
		memories: cfg.Memory,
		rdb:      cfg.Redis,
		metrics:  cfg.Metrics,
		logger:   logger,

		tools:     cfg.Tools,
		toolRefs:  toolRefs,
		toolNames: strings.Join(names, ", "),

		bgCtx: bgCtx,
		wg:    cfg.WG,
	}

	a.prompt = genkit.LookupPrompt(a.g, CounselPromptName)
	if a.prompt == nil {
		return nil, fmt.Errorf("dotprompt %q not found: check the prompt directory", CounselPromptName)
	}

	a.logger.Info("assistant initialized",
		"tools", len(a.tools), "max_turns", a.maxTurns,
		"fast_model", a.fastModelName != "")
	return a, nil
}

// Execute answers one question without streaming.
func (a *Agent) Execute(ctx context.Context, sessionID uuid.UUID, input string, caseID *uuid.UUID) (*Response, error) {
	return a.ExecuteStream(ctx, sessionID, input, caseID, nil)
}

// ExecuteStream answers one question, streaming chunks through
// callback when it is non-nil. caseID overrides the session's case
// scope for this turn.
func (a *Agent) ExecuteStream(ctx context.Context, sessionID uuid.UUID, input string, caseID *uuid.UUID, callback StreamCallback) (*Response, error) {
	streaming := callback != nil
	start := time.Now()

	sess, err := a.sessions.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	scope := caseID
	if scope == nil {
		scope = sess.CaseID
	}

	modelName, tier := a.routeModel(input, scope)
	a.logger.Debug("executing assistant",
		"session_id", sessionID, "streaming", streaming, "tier", tier)

	// A repeated question inside the session is answered from Redis.
	// Streaming skips the read (the caller expects chunks) but still
	// fills the cache afterward.
	cacheKey := answerCacheKey(sessionID, input)
	if !streaming {
		if resp, ok := a.cachedAnswer(ctx, cacheKey); ok {
			a.recordTurn(ctx, sessionID, input, resp.FinalText)
			a.observe(tier, true, start)
			return resp, nil
		}
	}

	history, contextText, findingsText, sources, err := a.gatherContext(ctx, sessionID, scope, sess.UserID, input)
	if err != nil {
		a.observe(tier, false, start)
		return nil, err
	}

	// Streamed text is accumulated so a cancelled request can still
	// persist the partial turn.
	var partial strings.Builder
	wrapped := callback
	if callback != nil {
		wrapped = func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			if chunk != nil {
				for _, part := range chunk.Content {
					if part != nil {
						partial.WriteString(part.Text)
					}
				}
			}
			return callback(ctx, chunk)
		}
	}

	resp, err := a.generate(ctx, input, history, contextText, findingsText, modelName, wrapped)
	if err != nil {
		if ctx.Err() != nil && partial.Len() > 0 {
			a.savePartialTurn(sessionID, input, partial.String())
		}
		a.observe(tier, false, start)
		return nil, err
	}

	responseText := resp.Text()
	if strings.TrimSpace(responseText) == "" && len(resp.ToolRequests()) == 0 {
		a.logger.Warn("model returned empty response with no tool requests",
			"session_id", sessionID)
		responseText = fallbackMessage
	}

	a.recordTurn(ctx, sessionID, input, responseText)

	if responseText != fallbackMessage {
		a.fillAnswerCache(ctx, cacheKey, responseText, sources)
		a.extractAsync(sess.UserID, scope, input, responseText)
	}

	a.observe(tier, true, start)
	return &Response{
		FinalText:    responseText,
		Sources:      sources,
		ToolRequests: resp.ToolRequests(),
	}, nil
}

// gatherContext loads history, retrieval context, and recalled
// findings in parallel. History failure is fatal to the turn; the
// other two degrade to empty.
func (a *Agent) gatherContext(ctx context.Context, sessionID uuid.UUID, scope *uuid.UUID, ownerID uuid.UUID, input string) (history []*ai.Message, contextText, findingsText string, sources []Source, err error) {
	type historyResult struct {
		msgs []*ai.Message
		err  error
	}
	type retrievalResult struct {
		text    string
		sources []Source
		err     error
	}
	type recallResult struct {
		text string
		err  error
	}

	// Buffered so the goroutines can exit even if the caller bails on
	// context error.
	historyCh := make(chan historyResult, 1)
	retrievalCh := make(chan retrievalResult, 1)
	recallCh := make(chan recallResult, 1)

	go func() {
		msgs, err := a.sessions.History(ctx, sessionID)
		historyCh <- historyResult{msgs, err}
	}()

	go func() {
		if a.searcher == nil {
			retrievalCh <- retrievalResult{}
			return
		}
		searchCtx, cancel := context.WithTimeout(ctx, retrievalTimeout)
		defer cancel()
		text, srcs, err := a.retrieveContext(searchCtx, input, scope)
		retrievalCh <- retrievalResult{text, srcs, err}
	}()

	go func() {
		if a.memories == nil {
			recallCh <- recallResult{}
			return
		}
		recallCtx, cancel := context.WithTimeout(ctx, recallTimeout)
		defer cancel()
		text, err := a.recallFindings(recallCtx, input, ownerID, scope)
		recallCh <- recallResult{text, err}
	}()

	hr := <-historyCh
	if hr.err != nil {
		return nil, "", "", nil, fmt.Errorf("loading history: %w", hr.err)
	}
	history = hr.msgs

	rr := <-retrievalCh
	if rr.err != nil {
		a.logger.Warn("evidence retrieval failed, answering without context", "error", rr.err)
	} else {
		contextText = rr.text
		sources = rr.sources
	}

	mr := <-recallCh
	if mr.err != nil {
		a.logger.Debug("memory recall failed", "error", mr.err)
	} else {
		findingsText = mr.text
	}

	return history, contextText, findingsText, sources, nil
}

// generate renders the counsel prompt and runs the model behind the
// circuit breaker and the retry loop.
func (a *Agent) generate(ctx context.Context, input string, history []*ai.Message, contextText, findingsText, modelName string, callback StreamCallback) (*ai.ModelResponse, error) {
	// Deep copy before handing history to Genkit: renderMessages
	// mutates message content in place, which races across concurrent
	// executions sharing loaded history.
	messages := deepCopyMessages(history)
	messages = a.truncateHistory(messages, a.budget.MaxHistoryTokens)
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(input)))

	promptInput := map[string]any{
		"current_date": time.Now().Format("2006-01-02"),
	}
	if contextText != "" {
		promptInput["context"] = contextText
	}
	if findingsText != "" {
		promptInput["findings"] = findingsText
	}

	opts := []ai.PromptExecuteOption{
		ai.WithInput(promptInput),
		ai.WithMessagesFn(func(_ context.Context, _ any) ([]*ai.Message, error) {
			return messages, nil
		}),
		ai.WithTools(a.toolRefs...),
		ai.WithMaxTurns(a.maxTurns),
	}
	if modelName != "" {
		opts = append(opts, ai.WithModelName(modelName))
	}
	if callback != nil {
		opts = append(opts, ai.WithStreaming(ai.ModelStreamCallback(callback)))
	}

	a.logger.Debug("executing prompt",
		"tools", a.toolNames, "history_messages", len(messages),
		"has_context", contextText != "", "has_findings", findingsText != "")

	if err := a.circuit.Allow(); err != nil {
		a.logger.Warn("circuit breaker rejecting request",
			"state", a.circuit.State().String())
		return nil, fmt.Errorf("service unavailable: %w", err)
	}

	resp, err := a.executeWithRetry(ctx, opts)
	if err != nil {
		a.circuit.Failure()
		return nil, err
	}
	a.circuit.Success()
	return resp, nil
}

// routeModel picks the model tier. Short questions with no legal
// vocabulary and no case scope go to the fast model.
func (a *Agent) routeModel(input string, scope *uuid.UUID) (model, tier string) {
	if a.fastModelName == "" {
		return a.modelName, "primary"
	}
	if scope != nil {
		return a.modelName, "primary"
	}
	if utf8.RuneCountInString(input) >= fastQueryMaxRunes {
		return a.modelName, "primary"
	}
	if containsAny(input, legalTerms...) {
		return a.modelName, "primary"
	}
	return a.fastModelName, "fast"
}

// retrieveContext searches evidence and formats the hits into the
// prompt's context block.
func (a *Agent) retrieveContext(ctx context.Context, input string, scope *uuid.UUID) (string, []Source, error) {
	resp, err := a.searcher.Search(ctx, search.Query{
		Text:   input,
		CaseID: scope,
		TopK:   retrievalTopK,
	})
	if err != nil {
		return "", nil, err
	}
	if len(resp.Results) == 0 {
		return "", nil, nil
	}

	var b strings.Builder
	sources := make([]Source, 0, len(resp.Results))
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "[%d] ", i+1)
		if r.Section != "" {
			fmt.Fprintf(&b, "(%s) ", r.Section)
		}
		b.WriteString(strings.TrimSpace(r.Content))
		b.WriteString("\n\n")
		sources = append(sources, Source{
			EvidenceID: r.EvidenceID,
			ChunkID:    r.ChunkID,
			Section:    r.Section,
			Score:      r.Score,
		})
	}
	return strings.TrimSpace(b.String()), sources, nil
}

// recallFindings fetches relevant research memories and formats them
// for prompt injection.
func (a *Agent) recallFindings(ctx context.Context, input string, ownerID uuid.UUID, scope *uuid.UUID) (string, error) {
	findings, err := a.memories.Recall(ctx, memory.RecallQuery{
		OwnerID: ownerID,
		CaseID:  scope,
		Text:    input,
	})
	if err != nil {
		return "", err
	}
	return memory.FormatFindings(findings, a.budget.MaxMemoryTokens), nil
}

// recordTurn appends the user/model exchange to the session. Failure
// is logged, not returned: the user already has the answer.
func (a *Agent) recordTurn(ctx context.Context, sessionID uuid.UUID, input, responseText string) {
	err := a.sessions.AppendMessages(ctx, sessionID, []Message{
		{Role: RoleUser, Content: input},
		{Role: RoleModel, Content: responseText},
	})
	if err != nil {
		a.logger.Warn("appending turn to history", "session_id", sessionID, "error", err)
	}
}

// savePartialTurn persists whatever streamed before cancellation, on
// the background context since the request context is already dead.
func (a *Agent) savePartialTurn(sessionID uuid.UUID, input, partialText string) {
	saveCtx, cancel := context.WithTimeout(a.bgCtx, 5*time.Second)
	defer cancel()
	err := a.sessions.AppendMessages(saveCtx, sessionID, []Message{
		{Role: RoleUser, Content: input},
		{Role: RoleModel, Content: partialText},
	})
	if err != nil {
		a.logger.Warn("saving partial turn", "session_id", sessionID, "error", err)
		return
	}
	a.logger.Debug("partial turn saved",
		"session_id", sessionID, "chars", len(partialText))
}

// extractAsync distills the exchange into research findings in the
// background. Tracked by the wait group so shutdown drains it.
func (a *Agent) extractAsync(ownerID uuid.UUID, scope *uuid.UUID, input, responseText string) {
	if a.memories == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		exchange := memory.FormatExchange(input, responseText)
		findings, err := memory.Extract(a.bgCtx, a.g, a.modelName, exchange)
		if err != nil {
			a.logger.Debug("finding extraction failed", "error", err)
			return
		}
		for _, f := range findings {
			_, err := a.memories.Remember(a.bgCtx, memory.SaveParams{
				OwnerID:    ownerID,
				CaseID:     scope,
				Content:    f.Content,
				Category:   f.Category,
				Importance: f.Importance,
			})
			if err != nil {
				a.logger.Debug("storing extracted finding",
					"error", err, "content_len", len(f.Content))
			}
		}
		if len(findings) > 0 {
			a.logger.Debug("findings extracted",
				"count", len(findings), "owner_id", ownerID)
		}
	}()
}

// answerEntry is one answer-cache record.
type answerEntry struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources,omitempty"`
}

// answerCacheKey derives the Redis key for a question within a
// session. The digest is truncated; 64 bits is plenty for a cache
// keyed per session.
func answerCacheKey(sessionID uuid.UUID, input string) string {
	sum := sha256.Sum256([]byte(input + sessionID.String()))
	return fmt.Sprintf("assistant:answer:%x", sum[:8])
}

// cachedAnswer looks up a previous answer. Redis errors count as
// misses.
func (a *Agent) cachedAnswer(ctx context.Context, key string) (*Response, bool) {
	if a.rdb == nil {
		return nil, false
	}
	raw, err := a.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if a.metrics != nil {
			a.metrics.AnswerCache.WithLabelValues("miss").Inc()
		}
		return nil, false
	}
	var entry answerEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		a.logger.Warn("decoding cached answer", "error", err)
		if a.metrics != nil {
			a.metrics.AnswerCache.WithLabelValues("miss").Inc()
		}
		return nil, false
	}
	if a.metrics != nil {
		a.metrics.AnswerCache.WithLabelValues("hit").Inc()
	}
	a.logger.Debug("answer served from cache")
	return &Response{FinalText: entry.Answer, Sources: entry.Sources, Cached: true}, true
}

// fillAnswerCache stores the answer best-effort.
func (a *Agent) fillAnswerCache(ctx context.Context, key, answer string, sources []Source) {
	if a.rdb == nil {
		return
	}
	raw, err := json.Marshal(answerEntry{Answer: answer, Sources: sources})
	if err != nil {
		return
	}
	if err := a.rdb.Set(ctx, key, raw, answerCacheTTL).Err(); err != nil {
		a.logger.Debug("filling answer cache", "error", err)
	}
}

// observe records request metrics.
func (a *Agent) observe(tier string, success bool, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.AssistantRequests.WithLabelValues(tier, fmt.Sprint(success)).Inc()
	a.metrics.AssistantDuration.Observe(time.Since(start).Seconds())
}

// deepCopyMessages creates independent copies of messages and parts.
//
// WORKAROUND: Genkit's renderMessages modifies msg.Content in place,
// which races when concurrent executions share loaded history.
// Tested against github.com/firebase/genkit/go v1.4.0; revisit on
// upgrade.
func deepCopyMessages(msgs []*ai.Message) []*ai.Message {
	if msgs == nil {
		return nil
	}
	copied := make([]*ai.Message, len(msgs))
	for i, msg := range msgs {
		parts := make([]*ai.Part, len(msg.Content))
		for j, part := range msg.Content {
			parts[j] = deepCopyPart(part)
		}
		copied[i] = &ai.Message{
			Role:     msg.Role,
			Content:  parts,
			Metadata: shallowCopyMap(msg.Metadata),
		}
	}
	return copied
}

// deepCopyPart copies one part. ToolRequest.Input and
// ToolResponse.Output stay shared: renderMessages only mutates the
// content slice, not tool payloads.
func deepCopyPart(p *ai.Part) *ai.Part {
	if p == nil {
		return nil
	}
	cp := &ai.Part{
		Kind:        p.Kind,
		ContentType: p.ContentType,
		Text:        p.Text,
		Custom:      shallowCopyMap(p.Custom),
		Metadata:    shallowCopyMap(p.Metadata),
	}
	if p.ToolRequest != nil {
		cp.ToolRequest = &ai.ToolRequest{
			Input: p.ToolRequest.Input,
			Name:  p.ToolRequest.Name,
			Ref:   p.ToolRequest.Ref,
		}
	}
	if p.ToolResponse != nil {
		cp.ToolResponse = &ai.ToolResponse{
			Name:   p.ToolResponse.Name,
			Output: p.ToolResponse.Output,
			Ref:    p.ToolResponse.Ref,
		}
	}
	if p.Resource != nil {
		cp.Resource = &ai.ResourcePart{Uri: p.Resource.Uri}
	}
	return cp
}

// shallowCopyMap copies keys and values; nested structures remain
// shared.
func shallowCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
