package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the minimum accepted password length.
	MinPasswordLength = 8

	// maxPasswordBytes is the bcrypt input limit. Longer inputs would be
	// silently truncated, so they are rejected instead.
	maxPasswordBytes = 72
)

// HashPassword hashes a password with bcrypt at the given cost.
func HashPassword(password string, cost int) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("%w: minimum %d characters", ErrPasswordTooShort, MinPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return "", fmt.Errorf("%w: maximum %d bytes", ErrPasswordTooLong, maxPasswordBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares a password against its stored hash.
// Returns ErrInvalidCredentials on mismatch.
func VerifyPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
