// Package api provides the CaseWire JSON REST API server.
//
// # Architecture
//
// The server uses Go 1.22+ method-and-path routing with a layered
// middleware stack:
//
//	Recovery → RequestID → Metrics → Logging → CORS → RateLimit → Auth → Routes
//
// Health probes (/health, /ready) and the Prometheus endpoint
// (/metrics) bypass the middleware stack via a top-level mux so probes
// and scrapers are never rate limited, logged per request, or asked
// for credentials.
//
// # Authentication
//
// Every /api/v1 route except register and login requires a bearer
// token. Opaque session tokens resolve against Redis-backed session
// state; JWTs (recognized by their dot-separated form) verify locally
// without a Redis round trip. The resolved principal rides the request
// context and handlers check per-route permissions against it.
//
// # Endpoints
//
// Probes and metrics (no middleware):
//   - GET /health  - liveness, always {"status":"ok"}
//   - GET /ready   - readiness, per-component checks
//   - GET /metrics - Prometheus exposition
//
// Auth:
//   - POST /api/v1/auth/register - create account
//   - POST /api/v1/auth/login    - issue session token and JWT
//   - POST /api/v1/auth/logout   - revoke session token
//   - GET  /api/v1/auth/me       - current principal
//
// Cases (permission-enforced):
//   - POST   /api/v1/cases      - create
//   - GET    /api/v1/cases      - list with filters
//   - GET    /api/v1/cases/{id} - get
//   - PATCH  /api/v1/cases/{id} - partial update
//   - DELETE /api/v1/cases/{id} - delete
//
// Evidence:
//   - POST   /api/v1/cases/{id}/evidence - multipart upload or JSON metadata
//   - POST   /api/v1/cases/{id}/capture  - capture a web page as link evidence
//   - GET    /api/v1/cases/{id}/evidence - list with filters
//   - GET    /api/v1/evidence/{id}           - get
//   - GET    /api/v1/evidence/{id}/download  - stream stored object
//   - PATCH  /api/v1/evidence/{id}           - partial update
//   - DELETE /api/v1/evidence/{id}           - delete row and object
//
// Reports, citations, canvases:
//   - POST   /api/v1/cases/{id}/reports
//   - GET    /api/v1/cases/{id}/reports
//   - GET    /api/v1/reports/{id}
//   - PATCH  /api/v1/reports/{id}
//   - DELETE /api/v1/reports/{id}
//   - POST   /api/v1/cases/{id}/citations
//   - GET    /api/v1/cases/{id}/citations
//   - DELETE /api/v1/citations/{id}
//   - PUT    /api/v1/cases/{id}/canvas/{name} - optimistic-locked save
//   - GET    /api/v1/cases/{id}/canvas/{name}
//   - GET    /api/v1/cases/{id}/canvas
//   - DELETE /api/v1/cases/{id}/canvas/{name}
//
// Search and assistant:
//   - GET  /api/v1/search - hybrid semantic search
//   - POST /api/v1/assistant/ask    - single-shot answer
//   - POST /api/v1/assistant/stream - SSE token stream
//
// Chat sessions (ownership-enforced):
//   - POST   /api/v1/sessions
//   - GET    /api/v1/sessions
//   - GET    /api/v1/sessions/{id}
//   - GET    /api/v1/sessions/{id}/messages
//   - DELETE /api/v1/sessions/{id}
//
// Realtime:
//   - GET /api/v1/cases/{id}/events - WebSocket upgrade for the case room
//
// # Responses
//
// All bodies are JSON. Errors use a stable envelope:
//
//	{"error": "machine_code", "message": "human readable detail"}
//
// writeJSON encodes to a buffer before touching the wire so a failed
// encode still produces a clean 500 instead of a torn body.
package api
