package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestNewSessionToken(t *testing.T) {
	token, hash, err := NewSessionToken()
	if err != nil {
		t.Fatalf("NewSessionToken() error = %v", err)
	}
	if token == "" || hash == "" {
		t.Fatal("empty token or hash")
	}
	if token == hash {
		t.Fatal("token equals its hash")
	}
	if got := HashToken(token); got != hash {
		t.Errorf("HashToken(token) = %q, want %q", got, hash)
	}

	// 64 hex chars for SHA-256.
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(hash))
	}

	token2, _, err := NewSessionToken()
	if err != nil {
		t.Fatalf("NewSessionToken() error = %v", err)
	}
	if token == token2 {
		t.Error("two generated tokens are identical")
	}
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(strings.Repeat("s", 32), time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}

	userID := uuid.New()
	signed, err := issuer.Issue(userID, RoleLawyer)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := issuer.Verify(signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != userID.String() {
		t.Errorf("subject = %q, want %q", claims.Subject, userID)
	}
	if claims.Role != RoleLawyer {
		t.Errorf("role = %q, want %q", claims.Role, RoleLawyer)
	}
}

func TestTokenIssuerRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenIssuer("short", time.Hour); err == nil {
		t.Fatal("NewTokenIssuer(short secret) = nil, want error")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer, err := NewTokenIssuer(strings.Repeat("a", 32), time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	other, err := NewTokenIssuer(strings.Repeat("b", 32), time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}

	signed, err := issuer.Issue(uuid.New(), RoleViewer)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := other.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() with wrong secret = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	secret := strings.Repeat("c", 32)
	issuer, err := NewTokenIssuer(secret, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}

	// Hand-build an already expired token with the same secret.
	past := time.Now().Add(-2 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			Issuer:    "casewire",
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		},
		Role: RoleViewer,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing expired token: %v", err)
	}

	if _, err := issuer.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() of expired token = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsOtherSigningMethod(t *testing.T) {
	secret := strings.Repeat("d", 32)
	issuer, err := NewTokenIssuer(secret, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			Issuer:    "casewire",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role: RoleAdmin,
	}
	// Same secret, different algorithm. Must be rejected by the
	// valid-methods allowlist.
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing HS512 token: %v", err)
	}

	if _, err := issuer.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() of HS512 token = %v, want ErrInvalidToken", err)
	}
}
