package auth

import "errors"

var (
	// ErrInvalidCredentials is returned when the email/password pair does
	// not match a known user.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountDisabled is returned when the account has been disabled.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrUserExists is returned when the email is already registered.
	ErrUserExists = errors.New("user already exists")

	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when a token has expired.
	ErrExpiredToken = errors.New("token expired")

	// ErrTokenRevoked is returned when a token has been blacklisted or its
	// refresh credential revoked.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrWrongTokenType is returned when an access token is presented where
	// a refresh token is required, or vice versa.
	ErrWrongTokenType = errors.New("wrong token type")

	// ErrRegistrationDisabled is returned when self-registration is off.
	ErrRegistrationDisabled = errors.New("registration disabled")

	// ErrEmptyPassword is returned for empty password input.
	ErrEmptyPassword = errors.New("password must not be empty")

	// ErrPasswordTooShort is returned when the password is under 8 chars.
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")

	// ErrWeakPassword is returned when the password misses an uppercase
	// letter, a lowercase letter or a digit.
	ErrWeakPassword = errors.New("password must contain uppercase, lowercase and digit")

	// ErrInvalidEmail is returned for malformed email addresses.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrAPIKeyNotFound is returned when no API credential matches.
	ErrAPIKeyNotFound = errors.New("api key not found")

	// ErrAPIKeyDisabled is returned for revoked or expired API credentials.
	ErrAPIKeyDisabled = errors.New("api key disabled or expired")
)
