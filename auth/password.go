package auth

import (
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 10

	// MinPasswordLength is the minimum password length
	MinPasswordLength = 8
)

// HashPassword hashes a password using bcrypt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// VerifyPassword checks a password against its bcrypt hash. The comparison
// is constant-time.
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

var (
	hasUpper = regexp.MustCompile(`[A-Z]`)
	hasLower = regexp.MustCompile(`[a-z]`)
	hasDigit = regexp.MustCompile(`[0-9]`)
)

// CheckPasswordPolicy validates password strength: minimum 8 characters
// with at least one uppercase letter, one lowercase letter and one digit.
func CheckPasswordPolicy(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}

	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}

	if !hasUpper.MatchString(password) || !hasLower.MatchString(password) || !hasDigit.MatchString(password) {
		return ErrWeakPassword
	}

	return nil
}

var validEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail validates email format (basic validation).
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if !validEmail.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// NormalizeEmail lowercases and trims an email address. Email uniqueness
// is case-insensitive throughout the system.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
