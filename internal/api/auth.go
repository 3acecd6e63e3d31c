package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/casewire/casewire/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// handleRegister creates a user account. Registration is open, but
// only callers holding users:manage may choose a role; everyone else
// starts as a viewer.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Role != "" && req.Role != auth.RoleViewer {
		p, ok := auth.PrincipalFrom(r.Context())
		if !ok || !p.Can(auth.PermUsersManage) {
			writeError(w, http.StatusForbidden, "forbidden", "assigning roles requires users:manage")
			return
		}
	}

	user, err := s.auth.Register(r.Context(), req.Email, req.Name, req.Password, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			writeError(w, http.StatusConflict, "user_exists", "an account with this email already exists")
		case errors.Is(err, auth.ErrInvalidRole):
			writeError(w, http.StatusBadRequest, "invalid_role", err.Error())
		case errors.Is(err, auth.ErrInvalidCredentials),
			errors.Is(err, auth.ErrPasswordTooShort),
			errors.Is(err, auth.ErrPasswordTooLong):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		default:
			s.logger.Error("registering user", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "registration failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin verifies credentials and returns an opaque session token
// plus a JWT, with the user and effective permissions.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "email or password is incorrect")
		case errors.Is(err, auth.ErrUserInactive):
			writeError(w, http.StatusForbidden, "user_inactive", "account is deactivated")
		default:
			s.logger.Error("logging in", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "login failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleLogout revokes the presented session token. Logout is
// idempotent: an already-revoked token still gets 204. JWTs carry
// their own expiry and have no server-side session to revoke.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" || strings.Count(token, ".") == 2 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.auth.Logout(r.Context(), token); err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
		s.logger.Error("logging out", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the authenticated principal.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}
