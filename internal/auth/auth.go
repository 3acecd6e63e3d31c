// Package auth provides user accounts, sessions, and request authentication.
//
// Two credential forms are accepted:
//
//   - Opaque session tokens, created at login. Only the SHA-256 of a token
//     is stored; lookups hit Redis first ("session:<hash>") and fall back
//     to PostgreSQL, re-priming the cache.
//   - HS256 JWTs for non-browser API clients, verified statelessly and
//     checked against the user table so a deactivated account loses access
//     before the token expires.
//
// Authorization is role-based: each role carries a permission set loaded
// from role_permissions at login and embedded in the Principal.
package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCredentials indicates a wrong email/password combination.
	// Deliberately covers both unknown user and wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserExists indicates the email is already registered.
	ErrUserExists = errors.New("user already exists")

	// ErrUserNotFound indicates no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserInactive indicates the account is deactivated.
	ErrUserInactive = errors.New("user is inactive")

	// ErrInvalidRole indicates the role does not exist.
	ErrInvalidRole = errors.New("invalid role")

	// ErrSessionNotFound indicates the session token is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired indicates the session token has expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidToken indicates a malformed or badly signed JWT.
	ErrInvalidToken = errors.New("invalid token")

	// ErrPasswordTooLong indicates the password exceeds the bcrypt input limit.
	ErrPasswordTooLong = errors.New("password too long")

	// ErrPasswordTooShort indicates the password is below the minimum length.
	ErrPasswordTooShort = errors.New("password too short")
)

// Role names seeded by the migrations.
const (
	RoleAdmin     = "admin"
	RoleLawyer    = "lawyer"
	RoleParalegal = "paralegal"
	RoleViewer    = "viewer"
)

// Permission names. Granted per role in role_permissions and checked by
// the API middleware.
const (
	PermCasesRead      = "cases:read"
	PermCasesWrite     = "cases:write"
	PermCasesDelete    = "cases:delete"
	PermEvidenceRead   = "evidence:read"
	PermEvidenceUpload = "evidence:upload"
	PermEvidenceDelete = "evidence:delete"
	PermReportsRead    = "reports:read"
	PermReportsWrite   = "reports:write"
	PermCitationsRead  = "citations:read"
	PermCitationsWrite = "citations:write"
	PermCanvasRead     = "canvas:read"
	PermCanvasWrite    = "canvas:write"
	PermChatUse        = "chat:use"
	PermSearchUse      = "search:use"
	PermUsersManage    = "users:manage"
)

// User is an account row. PasswordHash never leaves the package boundary
// in API responses.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Principal is an authenticated caller: the resolved user plus the
// permission set of their role. It is what handlers see on the request
// context.
type Principal struct {
	UserID      uuid.UUID `json:"user_id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
}

// Can reports whether the principal holds the given permission.
func (p *Principal) Can(permission string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Permissions, permission)
}

// Session is a stored session row. TokenHash is the SHA-256 hex of the
// bearer token; the token itself is never persisted.
type Session struct {
	TokenHash  string
	UserID     uuid.UUID
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastSeenAt time.Time
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
