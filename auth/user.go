package auth

import "time"

// Standard roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents a user account in the system.
type User struct {
	// Identity fields
	ID    string `json:"id" gorm:"primaryKey;size:36"`
	Email string `json:"email" gorm:"size:255;not null"`

	// Authentication fields
	PasswordHash string `json:"-" gorm:"size:255;not null"`
	Role         string `json:"role" gorm:"size:16;not null;default:user"`

	// Account status
	Disabled      bool `json:"disabled" gorm:"not null;default:false"`
	EmailVerified bool `json:"email_verified" gorm:"not null;default:false"`

	// Profile
	FullName     string `json:"full_name" gorm:"size:255"`
	Organization string `json:"organization,omitempty" gorm:"size:255"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// IsAdmin reports whether the user carries the admin role.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// RefreshCredential is the server-side record of an issued refresh token.
// Only the SHA-256 hash of the token is stored; lookup is by hash.
type RefreshCredential struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"size:36;index;not null"`
	TokenHash string    `json:"-" gorm:"size:64;uniqueIndex;not null"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
	Revoked   bool      `json:"revoked" gorm:"not null;default:false"`
	UserAgent string    `json:"user_agent,omitempty" gorm:"size:512"`
	IPAddress string    `json:"ip_address,omitempty" gorm:"size:64"`
}

// APICredential is a user-created long-lived bearer credential. The
// plaintext key is returned once at creation; only its hash is stored.
type APICredential struct {
	ID        string     `json:"id" gorm:"primaryKey;size:36"`
	UserID    string     `json:"user_id" gorm:"size:36;index;not null"`
	KeyHash   string     `json:"-" gorm:"size:64;uniqueIndex;not null"`
	Label     string     `json:"label" gorm:"size:255"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	Disabled  bool       `json:"disabled" gorm:"not null;default:false"`
	CreatedAt time.Time  `json:"created_at"`
}

// RegisterRequest is a self-registration request.
type RegisterRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FullName     string `json:"full_name"`
	Organization string `json:"organization,omitempty"`
}

// CreateUserRequest is an admin request to create an account.
type CreateUserRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FullName     string `json:"full_name"`
	Organization string `json:"organization,omitempty"`
	Role         string `json:"role,omitempty"`
}

// UpdateUserRequest carries optional field updates. Nil means unchanged.
type UpdateUserRequest struct {
	Email        *string `json:"email,omitempty"`
	FullName     *string `json:"full_name,omitempty"`
	Organization *string `json:"organization,omitempty"`
	Role         *string `json:"role,omitempty"`
	Disabled     *bool   `json:"disabled,omitempty"`
}

// TokenPair is an issued access/refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// CreatedAPIKey is returned once at API-credential creation; it is the
// only time the plaintext key is visible.
type CreatedAPIKey struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Label     string     `json:"label"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
