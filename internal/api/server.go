package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/casewire/casewire/internal/assistant"
	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/capture"
	"github.com/casewire/casewire/internal/cases"
	"github.com/casewire/casewire/internal/evidence"
	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/objstore"
	"github.com/casewire/casewire/internal/realtime"
	"github.com/casewire/casewire/internal/reports"
	"github.com/casewire/casewire/internal/search"
)

const (
	defaultMaxUploadBytes = 100 << 20
	defaultRateBurst      = 60
	sessionPurgeInterval  = time.Hour
)

// ServerConfig contains configuration for creating the API server.
// TitleGenerator produces a short session title from the opening
// question. *assistant.Agent satisfies it; implementations return ""
// when no title could be generated.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, userMessage string) string
}

type ServerConfig struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics // Optional: nil creates a private registry
	Auth     *auth.Service    // Required
	Cases    *cases.Store     // Required
	Evidence *evidence.Store  // Required
	Reports  *reports.Store   // Required
	Sessions *assistant.Store // Optional: nil disables chat endpoints
	Flow     *assistant.Flow  // Optional: nil disables assistant endpoints
	Titles   TitleGenerator   // Optional: nil keeps query-derived session titles
	Search   *search.Service  // Optional: nil disables search
	Indexer  *search.Indexer  // Optional: nil skips embedding on upload
	Objects  *objstore.Store  // Optional: nil disables file upload/download
	Capture  *capture.Fetcher // Optional: nil disables web capture
	Hub      *realtime.Hub    // Optional: nil disables WebSocket rooms
	Bus      *realtime.Bus    // Optional: nil disables event fan-out

	// Readiness lists the dependency checks behind GET /ready.
	Readiness []HealthCheck

	CORSOrigins    []string // Allowed origins for CORS and WebSocket upgrades
	IsDev          bool     // Disables HSTS
	TrustProxy     bool     // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst      int      // Rate limiter burst size per IP (0 = default 60)
	MaxUploadBytes int64    // Evidence upload cap (0 = default 100 MiB)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	metrics  *metrics.Metrics
	auth     *auth.Service
	cases    *cases.Store
	evidence *evidence.Store
	reports  *reports.Store
	sessions *assistant.Store
	flow     *assistant.Flow
	titles   TitleGenerator
	search   *search.Service
	indexer  *search.Indexer
	objects  *objstore.Store
	capture  *capture.Fetcher
	hub      *realtime.Hub
	bus      *realtime.Bus

	upgrader       websocket.Upgrader
	maxUploadBytes int64
}

// NewServer creates an API server with all routes configured.
// ctx controls the lifetime of background goroutines (expired session
// purge).
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if cfg.Auth == nil {
		return nil, errors.New("auth service is required")
	}
	if cfg.Cases == nil || cfg.Evidence == nil || cfg.Reports == nil {
		return nil, errors.New("case, evidence, and report stores are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}

	s := &Server{
		logger:   logger,
		metrics:  m,
		auth:     cfg.Auth,
		cases:    cfg.Cases,
		evidence: cfg.Evidence,
		reports:  cfg.Reports,
		sessions: cfg.Sessions,
		flow:     cfg.Flow,
		titles:   cfg.Titles,
		search:   cfg.Search,
		indexer:  cfg.Indexer,
		objects:  cfg.Objects,
		capture:  cfg.Capture,
		hub:      cfg.Hub,
		bus:      cfg.Bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     wsCheckOrigin(cfg.CORSOrigins),
		},
		maxUploadBytes: maxUpload,
	}

	// Expired auth sessions accumulate in Postgres; sweep them while
	// the server lives.
	go s.startSessionPurge(ctx)

	mux := http.NewServeMux()

	// Auth
	mux.HandleFunc("POST /api/v1/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", s.handleMe)

	// Cases
	mux.HandleFunc("POST /api/v1/cases", s.handleCreateCase)
	mux.HandleFunc("GET /api/v1/cases", s.handleListCases)
	mux.HandleFunc("GET /api/v1/cases/stats", s.handleCaseStats)
	mux.HandleFunc("GET /api/v1/cases/{id}", s.handleGetCase)
	mux.HandleFunc("PATCH /api/v1/cases/{id}", s.handleUpdateCase)
	mux.HandleFunc("DELETE /api/v1/cases/{id}", s.handleDeleteCase)

	// Evidence
	mux.HandleFunc("POST /api/v1/cases/{id}/evidence", s.handleCreateEvidence)
	mux.HandleFunc("GET /api/v1/cases/{id}/evidence", s.handleListEvidence)
	mux.HandleFunc("GET /api/v1/evidence/{id}", s.handleGetEvidence)
	mux.HandleFunc("GET /api/v1/evidence/{id}/download", s.handleDownloadEvidence)
	mux.HandleFunc("PATCH /api/v1/evidence/{id}", s.handleUpdateEvidence)
	mux.HandleFunc("DELETE /api/v1/evidence/{id}", s.handleDeleteEvidence)
	if s.capture != nil {
		mux.HandleFunc("POST /api/v1/cases/{id}/capture", s.handleCaptureEvidence)
	} else {
		logger.Warn("capture fetcher is nil, web capture endpoint not registered")
	}

	// Reports and citations
	mux.HandleFunc("POST /api/v1/cases/{id}/reports", s.handleCreateReport)
	mux.HandleFunc("GET /api/v1/cases/{id}/reports", s.handleListReports)
	mux.HandleFunc("GET /api/v1/reports/{id}", s.handleGetReport)
	mux.HandleFunc("PATCH /api/v1/reports/{id}", s.handleUpdateReport)
	mux.HandleFunc("DELETE /api/v1/reports/{id}", s.handleDeleteReport)
	mux.HandleFunc("POST /api/v1/cases/{id}/citations", s.handleCreateCitation)
	mux.HandleFunc("GET /api/v1/cases/{id}/citations", s.handleListCitations)
	mux.HandleFunc("DELETE /api/v1/citations/{id}", s.handleDeleteCitation)

	// Canvases
	mux.HandleFunc("PUT /api/v1/cases/{id}/canvas/{name}", s.handleSaveCanvas)
	mux.HandleFunc("GET /api/v1/cases/{id}/canvas", s.handleListCanvases)
	mux.HandleFunc("GET /api/v1/cases/{id}/canvas/{name}", s.handleGetCanvas)
	mux.HandleFunc("DELETE /api/v1/cases/{id}/canvas/{name}", s.handleDeleteCanvas)

	// Search
	if s.search != nil {
		mux.HandleFunc("GET /api/v1/search", s.handleSearch)
	} else {
		logger.Warn("search service is nil, search endpoint not registered")
	}

	// Assistant and chat sessions
	if s.sessions != nil {
		mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
		mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
		mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
		mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.handleSessionMessages)
		mux.HandleFunc("PATCH /api/v1/sessions/{id}", s.handleRenameSession)
		mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	} else {
		logger.Warn("session store is nil, chat session endpoints not registered")
	}
	if s.flow != nil && s.sessions != nil {
		mux.HandleFunc("POST /api/v1/assistant/ask", s.handleAsk)
		mux.HandleFunc("POST /api/v1/assistant/stream", s.handleAskStream)
	} else {
		logger.Warn("assistant flow is nil, assistant endpoints not registered")
	}

	// Realtime
	if s.hub != nil {
		mux.HandleFunc("GET /api/v1/cases/{id}/events", s.handleCaseEvents)
	} else {
		logger.Warn("realtime hub is nil, WebSocket endpoint not registered")
	}

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Metrics → Logging → CORS → RateLimit → Auth → Routes
	// RequestID must be before Logging so request_id is available in
	// log attributes. CORS must be before RateLimit so preflight
	// OPTIONS gets proper CORS headers.
	var handler http.Handler = mux
	handler = authMiddleware(cfg.Auth, logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = metricsMiddleware(m)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)
	handler = securityMiddleware(cfg.IsDev)(handler)

	// Top-level mux keeps probes and the scrape endpoint outside the
	// middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", handleHealth)
	topMux.Handle("GET /ready", handleReady(cfg.Readiness))
	topMux.Handle("GET /metrics", m.Handler())
	topMux.Handle("/", handler)
	s.mux = topMux

	return s, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// startSessionPurge deletes expired auth sessions on a timer until ctx
// ends.
func (s *Server) startSessionPurge(ctx context.Context) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.auth.PurgeExpired(ctx)
			if err != nil {
				s.logger.Warn("purging expired sessions", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("expired sessions purged", "count", n)
			}
		}
	}
}

// publishEvent fans a mutation out to case subscribers. Publish
// failures are logged, never surfaced: the mutation already committed.
func (s *Server) publishEvent(ctx context.Context, t realtime.EventType, caseID, actorID uuid.UUID, payload any) {
	if s.bus == nil {
		return
	}
	ev, err := realtime.NewEvent(t, caseID, actorID, payload)
	if err != nil {
		s.logger.Warn("building event", "type", t, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("publishing event", "type", t, "case_id", caseID, "error", err)
	}
}

// wsCheckOrigin permits non-browser clients (no Origin header),
// same-host browsers, and the configured CORS origins.
func wsCheckOrigin(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
