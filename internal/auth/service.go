package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// sessionKeyPrefix namespaces cached sessions in Redis.
const sessionKeyPrefix = "session:"

// maxCacheTTL caps how long a principal stays cached. A role change takes
// effect within this window even while the session itself lives longer.
const maxCacheTTL = time.Hour

// UserStore is the persistence surface the service needs. *Store
// implements it; tests substitute fakes.
type UserStore interface {
	CreateUser(ctx context.Context, email, name, passwordHash, role string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	PermissionsFor(ctx context.Context, role string) ([]string, error)
	CreateSession(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error
	GetSession(ctx context.Context, tokenHash string) (*Session, error)
	TouchSession(ctx context.Context, tokenHash string)
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// Config holds the service dependencies and knobs.
type Config struct {
	Store UserStore
	// Redis caches resolved principals. Nil disables caching; every
	// authentication then hits PostgreSQL.
	Redis      redis.UniversalClient
	Issuer     *TokenIssuer
	BcryptCost int
	SessionTTL time.Duration
	Logger     *slog.Logger
}

func (c *Config) validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Issuer == nil {
		return fmt.Errorf("issuer is required")
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Service implements login, registration, and request authentication.
type Service struct {
	store      UserStore
	redis      redis.UniversalClient
	issuer     *TokenIssuer
	cost       int
	sessionTTL time.Duration
	logger     *slog.Logger

	// dummyHash equalizes Login timing between unknown users and wrong
	// passwords: both paths run one bcrypt comparison.
	dummyHash string
}

// NewService creates the auth service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("auth service config: %w", err)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("casewire-timing-pad"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}

	return &Service{
		store:      cfg.Store,
		redis:      cfg.Redis,
		issuer:     cfg.Issuer,
		cost:       cfg.BcryptCost,
		sessionTTL: cfg.SessionTTL,
		logger:     cfg.Logger,
		dummyHash:  string(dummy),
	}, nil
}

// Register creates a user account.
func (s *Service) Register(ctx context.Context, email, name, password, role string) (*User, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email %q", ErrInvalidCredentials, email)
	}
	if name = strings.TrimSpace(name); name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidCredentials)
	}
	if role == "" {
		role = RoleViewer
	}

	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return nil, err
	}

	return s.store.CreateUser(ctx, email, name, hash, role)
}

// LoginResult is what a successful login returns to the client.
type LoginResult struct {
	Token       string    `json:"token"`
	JWT         string    `json:"jwt"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        *User     `json:"user"`
	Permissions []string  `json:"permissions"`
}

// Login verifies credentials and opens a session.
// Returns ErrInvalidCredentials for unknown email and wrong password
// alike, and ErrUserInactive for deactivated accounts.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a bcrypt comparison so the unknown-email path is not
		// measurably faster than a wrong password.
		_ = bcrypt.CompareHashAndPassword([]byte(s.dummyHash), []byte(password))
		return nil, ErrInvalidCredentials
	}

	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrUserInactive
	}

	token, hash, err := NewSessionToken()
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(s.sessionTTL)
	if err := s.store.CreateSession(ctx, hash, user.ID, expiresAt); err != nil {
		return nil, err
	}

	perms, err := s.store.PermissionsFor(ctx, user.Role)
	if err != nil {
		return nil, err
	}

	principal := &Principal{
		UserID:      user.ID,
		Email:       user.Email,
		Name:        user.Name,
		Role:        user.Role,
		Permissions: perms,
	}
	s.cachePrincipal(ctx, hash, principal, expiresAt)

	jwtToken, err := s.issuer.Issue(user.ID, user.Role)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", "user_id", user.ID, "role", user.Role)

	return &LoginResult{
		Token:       token,
		JWT:         jwtToken,
		ExpiresAt:   expiresAt,
		User:        user,
		Permissions: perms,
	}, nil
}

// Authenticate resolves a session token to a Principal.
// Redis is consulted first; a miss falls back to PostgreSQL and re-primes
// the cache. Expired sessions are deleted on sight.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	hash := HashToken(token)

	if p := s.cachedPrincipal(ctx, hash); p != nil {
		return p, nil
	}

	sess, err := s.store.GetSession(ctx, hash)
	if err != nil {
		return nil, err
	}
	if sess.Expired(time.Now().UTC()) {
		if delErr := s.store.DeleteSession(ctx, hash); delErr != nil {
			s.logger.Debug("deleting expired session", "error", delErr)
		}
		return nil, ErrSessionExpired
	}

	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrUserInactive
	}

	perms, err := s.store.PermissionsFor(ctx, user.Role)
	if err != nil {
		return nil, err
	}

	principal := &Principal{
		UserID:      user.ID,
		Email:       user.Email,
		Name:        user.Name,
		Role:        user.Role,
		Permissions: perms,
	}
	s.cachePrincipal(ctx, hash, principal, sess.ExpiresAt)
	s.store.TouchSession(ctx, hash)

	return principal, nil
}

// AuthenticateJWT resolves a JWT to a Principal. The user row is checked
// on every call, so deactivation revokes access before token expiry.
func (s *Service) AuthenticateJWT(ctx context.Context, tokenString string) (*Principal, error) {
	claims, err := s.issuer.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrUserInactive
	}

	perms, err := s.store.PermissionsFor(ctx, user.Role)
	if err != nil {
		return nil, err
	}

	return &Principal{
		UserID:      user.ID,
		Email:       user.Email,
		Name:        user.Name,
		Role:        user.Role,
		Permissions: perms,
	}, nil
}

// Logout revokes a session in both the cache and the database.
func (s *Service) Logout(ctx context.Context, token string) error {
	hash := HashToken(token)
	if s.redis != nil {
		if err := s.redis.Del(ctx, sessionKeyPrefix+hash).Err(); err != nil {
			s.logger.Debug("evicting cached session", "error", err)
		}
	}
	return s.store.DeleteSession(ctx, hash)
}

// PurgeExpired removes expired sessions. Called from the maintenance
// scheduler.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredSessions(ctx)
}

// OperatorEmail identifies the local operator account used by the CLI
// and sync tools, which talk to the database directly rather than
// logging in over HTTP.
const OperatorEmail = "operator@casewire.local"

// EnsureOperator returns the local operator account, creating it with
// an unguessable password on first use. The account exists so operator
// tooling has an owner for sessions and findings; nobody logs in as it.
func (s *Service) EnsureOperator(ctx context.Context) (*User, error) {
	user, err := s.store.GetUserByEmail(ctx, OperatorEmail)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("looking up operator account: %w", err)
	}

	token, _, err := NewSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generating operator password: %w", err)
	}
	user, err = s.Register(ctx, OperatorEmail, "Local Operator", token, RoleAdmin)
	if err != nil {
		// Lost a creation race with another process.
		if errors.Is(err, ErrUserExists) {
			return s.store.GetUserByEmail(ctx, OperatorEmail)
		}
		return nil, fmt.Errorf("creating operator account: %w", err)
	}
	return user, nil
}

// cachedSession is the Redis cache payload.
type cachedSession struct {
	Principal *Principal `json:"principal"`
	ExpiresAt time.Time  `json:"expires_at"`
}

func (s *Service) cachePrincipal(ctx context.Context, hash string, p *Principal, expiresAt time.Time) {
	if s.redis == nil {
		return
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}

	data, err := json.Marshal(cachedSession{Principal: p, ExpiresAt: expiresAt})
	if err != nil {
		s.logger.Debug("marshaling cached session", "error", err)
		return
	}
	if err := s.redis.Set(ctx, sessionKeyPrefix+hash, data, ttl).Err(); err != nil {
		s.logger.Debug("caching session", "error", err)
	}
}

func (s *Service) cachedPrincipal(ctx context.Context, hash string) *Principal {
	if s.redis == nil {
		return nil
	}

	data, err := s.redis.Get(ctx, sessionKeyPrefix+hash).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug("reading cached session", "error", err)
		}
		return nil
	}

	var cached cachedSession
	if err := json.Unmarshal(data, &cached); err != nil {
		s.logger.Debug("unmarshaling cached session", "error", err)
		return nil
	}
	if time.Now().UTC().After(cached.ExpiresAt) {
		return nil
	}
	return cached.Principal
}
