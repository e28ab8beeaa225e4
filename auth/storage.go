package auth

import "context"

// UserStore defines the persistence contract for the identity core.
// The production implementation lives in the db package.
type UserStore interface {
	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	ListUsers(ctx context.Context, skip, limit int) ([]*User, error)
	CountUsers(ctx context.Context) (int64, error)

	// Refresh credential operations; lookup is by token hash
	SaveRefreshCredential(ctx context.Context, cred *RefreshCredential) error
	GetRefreshCredentialByHash(ctx context.Context, hash string) (*RefreshCredential, error)
	RevokeRefreshCredential(ctx context.Context, id string) error
	RevokeUserRefreshCredentials(ctx context.Context, userID string) error
	DeleteExpiredRefreshCredentials(ctx context.Context) (int64, error)

	// API credential operations; lookup is by key hash
	SaveAPICredential(ctx context.Context, cred *APICredential) error
	GetAPICredentialByHash(ctx context.Context, hash string) (*APICredential, error)
	ListAPICredentials(ctx context.Context, userID string) ([]*APICredential, error)
	DisableAPICredential(ctx context.Context, userID, id string) error
	TouchAPICredential(ctx context.Context, id string) error
}
