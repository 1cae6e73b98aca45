package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCost = 12

	// bcrypt ignores everything past 72 bytes. Inputs beyond that are
	// truncated identically at hash and verify time; HashPassword reports
	// the truncation so callers can write a WARN audit entry.
	maxPasswordBytes = 72
)

var ErrPasswordTooShort = errors.New("password must be at least 8 characters")

// ValidatePassword checks the password meets the minimum policy.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	return nil
}

// HashPassword returns a bcrypt hash of the password. The second return
// reports whether the input exceeded 72 bytes and was truncated.
func HashPassword(password string) (string, bool, error) {
	input, truncated := truncate(password)
	hash, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", false, err
	}
	return string(hash), truncated, nil
}

// CheckPassword verifies a password against a bcrypt hash, applying the
// same truncation rule as HashPassword.
func CheckPassword(hash, password string) bool {
	input, _ := truncate(password)
	return bcrypt.CompareHashAndPassword([]byte(hash), input) == nil
}

func truncate(password string) ([]byte, bool) {
	b := []byte(password)
	if len(b) > maxPasswordBytes {
		return b[:maxPasswordBytes], true
	}
	return b, false
}
