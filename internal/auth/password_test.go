package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifyPassword(t *testing.T) {
	// MinCost keeps the test fast; production cost comes from config.
	hash, err := HashPassword("correct horse battery", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "correct horse battery" {
		t.Fatal("hash equals plaintext")
	}

	if err := VerifyPassword(hash, "correct horse battery"); err != nil {
		t.Errorf("VerifyPassword() with right password = %v, want nil", err)
	}
	if err := VerifyPassword(hash, "wrong password!!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("VerifyPassword() with wrong password = %v, want ErrInvalidCredentials", err)
	}
}

func TestHashPasswordRejectsTooShort(t *testing.T) {
	if _, err := HashPassword("short", bcrypt.MinCost); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("HashPassword(short) = %v, want ErrPasswordTooShort", err)
	}
}

func TestHashPasswordRejectsTooLong(t *testing.T) {
	long := strings.Repeat("x", 73)
	if _, err := HashPassword(long, bcrypt.MinCost); !errors.Is(err, ErrPasswordTooLong) {
		t.Errorf("HashPassword(73 bytes) = %v, want ErrPasswordTooLong", err)
	}

	// Exactly 72 bytes is still valid input.
	if _, err := HashPassword(strings.Repeat("x", 72), bcrypt.MinCost); err != nil {
		t.Errorf("HashPassword(72 bytes) = %v, want nil", err)
	}
}

func TestHashPasswordSalted(t *testing.T) {
	h1, err := HashPassword("same password here", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	h2, err := HashPassword("same password here", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same password are identical, salt missing")
	}
}
