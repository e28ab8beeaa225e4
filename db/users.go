package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/paperbase/paperbase/auth"
)

// UserRepository implements auth.UserStore over PostgreSQL.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates the identity repository.
func NewUserRepository(gdb *gorm.DB) *UserRepository {
	return &UserRepository{db: gdb}
}

// CreateUser inserts a new account. Duplicate emails surface as
// auth.ErrUserExists via the case-insensitive unique index.
func (r *UserRepository) CreateUser(ctx context.Context, user *auth.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if err != nil && isUniqueViolation(err) {
		return auth.ErrUserExists
	}
	return err
}

// GetUser fetches an account by ID.
func (r *UserRepository) GetUser(ctx context.Context, id string) (*auth.User, error) {
	var user auth.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail fetches an account by email, case-insensitively.
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	var user auth.User
	err := r.db.WithContext(ctx).First(&user, "lower(email) = lower(?)", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser saves the full user row.
func (r *UserRepository) UpdateUser(ctx context.Context, user *auth.User) error {
	err := r.db.WithContext(ctx).Save(user).Error
	if err != nil && isUniqueViolation(err) {
		return auth.ErrUserExists
	}
	return err
}

// ListUsers pages through accounts ordered by creation time.
func (r *UserRepository) ListUsers(ctx context.Context, skip, limit int) ([]*auth.User, error) {
	var users []*auth.User
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Offset(skip).Limit(limit).
		Find(&users).Error
	return users, err
}

// CountUsers returns the total account count.
func (r *UserRepository) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&auth.User{}).Count(&count).Error
	return count, err
}

// SaveRefreshCredential persists a refresh-token hash record.
func (r *UserRepository) SaveRefreshCredential(ctx context.Context, cred *auth.RefreshCredential) error {
	return r.db.WithContext(ctx).Create(cred).Error
}

// GetRefreshCredentialByHash looks up a refresh credential by token hash.
func (r *UserRepository) GetRefreshCredentialByHash(ctx context.Context, hash string) (*auth.RefreshCredential, error) {
	var cred auth.RefreshCredential
	err := r.db.WithContext(ctx).First(&cred, "token_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrTokenRevoked
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// RevokeRefreshCredential marks a single credential revoked.
func (r *UserRepository) RevokeRefreshCredential(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&auth.RefreshCredential{}).
		Where("id = ?", id).
		Update("revoked", true).Error
}

// RevokeUserRefreshCredentials revokes every live credential of a user.
func (r *UserRepository) RevokeUserRefreshCredentials(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Model(&auth.RefreshCredential{}).
		Where("user_id = ? AND revoked = false", userID).
		Update("revoked", true).Error
}

// DeleteExpiredRefreshCredentials purges credentials past expiry.
func (r *UserRepository) DeleteExpiredRefreshCredentials(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&auth.RefreshCredential{})
	return res.RowsAffected, res.Error
}

// SaveAPICredential persists an API-key hash record.
func (r *UserRepository) SaveAPICredential(ctx context.Context, cred *auth.APICredential) error {
	return r.db.WithContext(ctx).Create(cred).Error
}

// GetAPICredentialByHash looks up an API credential by key hash.
func (r *UserRepository) GetAPICredentialByHash(ctx context.Context, hash string) (*auth.APICredential, error) {
	var cred auth.APICredential
	err := r.db.WithContext(ctx).First(&cred, "key_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// ListAPICredentials lists a user's API credentials.
func (r *UserRepository) ListAPICredentials(ctx context.Context, userID string) ([]*auth.APICredential, error) {
	var creds []*auth.APICredential
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&creds).Error
	return creds, err
}

// DisableAPICredential soft-revokes one of the user's credentials.
func (r *UserRepository) DisableAPICredential(ctx context.Context, userID, id string) error {
	res := r.db.WithContext(ctx).
		Model(&auth.APICredential{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("disabled", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return auth.ErrAPIKeyNotFound
	}
	return nil
}

// TouchAPICredential records credential usage.
func (r *UserRepository) TouchAPICredential(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&auth.APICredential{}).
		Where("id = ?", id).
		Update("last_used", time.Now()).Error
}

// isUniqueViolation detects PostgreSQL unique-constraint errors.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "duplicate key value")
}
