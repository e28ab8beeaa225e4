// Package auth implements the Paperbase identity core: user accounts,
// password verification, signed access/refresh tokens with server-side
// revocation, programmatic API credentials and role-based authorization.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/paperbase/paperbase/cache"
	"github.com/paperbase/paperbase/common"
)

// APIKeyPrefix marks programmatic credentials in the Authorization header.
const APIKeyPrefix = "pbk_"

const blacklistKeyPrefix = "blacklist:"

// Config holds the identity-core settings.
type Config struct {
	SecretKey          string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	EnableRegistration bool
	EnableAPIKeys      bool
}

// Service provides authentication and authorization for the gateway.
type Service struct {
	config    Config
	store     UserStore
	tokens    *TokenService
	blacklist cache.Store
}

// NewService creates the identity service.
func NewService(config Config, store UserStore, blacklist cache.Store) *Service {
	return &Service{
		config:    config,
		store:     store,
		tokens:    NewTokenService(config.SecretKey, config.AccessTTL, config.RefreshTTL),
		blacklist: blacklist,
	}
}

// Tokens exposes the underlying token service, used by internal services
// to mint service tokens.
func (s *Service) Tokens() *TokenService { return s.tokens }

// BootstrapAdmin creates the default admin account when no user exists.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password, fullName string) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	now := time.Now()
	admin := &User{
		ID:            uuid.New().String(),
		Email:         NormalizeEmail(email),
		PasswordHash:  hash,
		Role:          RoleAdmin,
		FullName:      fullName,
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("failed to create bootstrap admin: %w", err)
	}

	common.Logger.WithFields(logrus.Fields{
		"email": admin.Email,
	}).Info("created bootstrap admin account")
	return nil
}

// Register creates a new account via self-registration and returns the
// user with an initial token pair.
func (s *Service) Register(ctx context.Context, req RegisterRequest, userAgent, ip string) (*User, *TokenPair, error) {
	if !s.config.EnableRegistration {
		return nil, nil, ErrRegistrationDisabled
	}

	if err := ValidateEmail(req.Email); err != nil {
		return nil, nil, err
	}
	if err := CheckPasswordPolicy(req.Password); err != nil {
		return nil, nil, err
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &User{
		ID:           uuid.New().String(),
		Email:        NormalizeEmail(req.Email),
		PasswordHash: hash,
		Role:         RoleUser,
		FullName:     req.FullName,
		Organization: req.Organization,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Email uniqueness is a database constraint; duplicate inserts
	// surface as ErrUserExists from the store.
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, nil, err
	}

	pair, err := s.issuePair(ctx, user, userAgent, ip)
	if err != nil {
		return nil, nil, err
	}

	return user, pair, nil
}

// Login authenticates an email/password pair and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password, userAgent, ip string) (*User, *TokenPair, error) {
	user, err := s.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	if user.Disabled {
		return nil, nil, ErrAccountDisabled
	}

	if err := VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	now := time.Now()
	user.LastLogin = &now
	user.UpdatedAt = now
	if err := s.store.UpdateUser(ctx, user); err != nil {
		common.Logger.WithError(err).Warn("failed to record last login")
	}

	pair, err := s.issuePair(ctx, user, userAgent, ip)
	if err != nil {
		return nil, nil, err
	}

	return user, pair, nil
}

// issuePair generates an access/refresh pair and persists the refresh
// credential's hash.
func (s *Service) issuePair(ctx context.Context, user *User, userAgent, ip string) (*TokenPair, error) {
	accessToken, err := s.tokens.GenerateAccessToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := s.tokens.GenerateRefreshToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	cred := &RefreshCredential{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: HashToken(refreshToken),
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(s.config.RefreshTTL),
		UserAgent: userAgent,
		IPAddress: ip,
	}
	if err := s.store.SaveRefreshCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to save refresh credential: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int(s.config.AccessTTL.Seconds()),
	}, nil
}

// Refresh exchanges a valid refresh token for a new token pair. Rotation
// is single-use: the presented credential is revoked before the new pair
// is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken, userAgent, ip string) (*User, *TokenPair, error) {
	claims, err := s.tokens.ValidateToken(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, nil, err
	}

	cred, err := s.store.GetRefreshCredentialByHash(ctx, HashToken(refreshToken))
	if err != nil {
		return nil, nil, ErrTokenRevoked
	}
	if cred.Revoked || time.Now().After(cred.ExpiresAt) {
		return nil, nil, ErrTokenRevoked
	}

	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, nil, ErrUserNotFound
	}
	if user.Disabled {
		return nil, nil, ErrAccountDisabled
	}

	if err := s.store.RevokeRefreshCredential(ctx, cred.ID); err != nil {
		return nil, nil, fmt.Errorf("failed to rotate refresh credential: %w", err)
	}

	pair, err := s.issuePair(ctx, user, userAgent, ip)
	if err != nil {
		return nil, nil, err
	}

	return user, pair, nil
}

// Logout blacklists the presented access token for its remaining lifetime
// and revokes all of the user's refresh credentials.
func (s *Service) Logout(ctx context.Context, claims *Claims) error {
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl > 0 {
		key := blacklistKeyPrefix + claims.ID
		if err := s.blacklist.PutTTL(ctx, key, "1", ttl); err != nil {
			return fmt.Errorf("failed to blacklist token: %w", err)
		}
	}

	if err := s.store.RevokeUserRefreshCredentials(ctx, claims.Subject); err != nil {
		return fmt.Errorf("failed to revoke refresh credentials: %w", err)
	}

	return nil
}

// Authenticate validates an access token, consults the blacklist, and
// returns the live user record. Disabled accounts fail here even when
// their token is otherwise valid.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*User, *Claims, error) {
	claims, err := s.tokens.ValidateToken(accessToken, TokenTypeAccess)
	if err != nil {
		return nil, nil, err
	}

	blacklisted, err := s.blacklist.Exists(ctx, blacklistKeyPrefix+claims.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("blacklist lookup failed: %w", err)
	}
	if blacklisted {
		return nil, nil, ErrTokenRevoked
	}

	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, nil, ErrUserNotFound
	}
	if user.Disabled {
		return nil, nil, ErrAccountDisabled
	}

	return user, claims, nil
}

// ResolveAPIKey resolves a programmatic credential into its owning user
// and updates the credential's last-used timestamp.
func (s *Service) ResolveAPIKey(ctx context.Context, key string) (*User, error) {
	if !s.config.EnableAPIKeys {
		return nil, ErrAPIKeyNotFound
	}
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return nil, ErrAPIKeyNotFound
	}

	cred, err := s.store.GetAPICredentialByHash(ctx, HashToken(key))
	if err != nil {
		return nil, ErrAPIKeyNotFound
	}
	if cred.Disabled {
		return nil, ErrAPIKeyDisabled
	}
	if cred.ExpiresAt != nil && time.Now().After(*cred.ExpiresAt) {
		return nil, ErrAPIKeyDisabled
	}

	if err := s.store.TouchAPICredential(ctx, cred.ID); err != nil {
		common.Logger.WithError(err).Warn("failed to update api key last_used")
	}

	user, err := s.store.GetUser(ctx, cred.UserID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	if user.Disabled {
		return nil, ErrAccountDisabled
	}

	return user, nil
}

// CreateAPIKey mints a new programmatic credential for the user. The
// plaintext key is returned only here.
func (s *Service) CreateAPIKey(ctx context.Context, userID, label string, ttl *time.Duration) (*CreatedAPIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	key := APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	var expiresAt *time.Time
	if ttl != nil {
		t := time.Now().Add(*ttl)
		expiresAt = &t
	}

	cred := &APICredential{
		ID:        uuid.New().String(),
		UserID:    userID,
		KeyHash:   HashToken(key),
		Label:     label,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveAPICredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to save api credential: %w", err)
	}

	return &CreatedAPIKey{
		ID:        cred.ID,
		Key:       key,
		Label:     label,
		ExpiresAt: expiresAt,
	}, nil
}

// ListAPIKeys lists the user's API credentials (hashes excluded).
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]*APICredential, error) {
	return s.store.ListAPICredentials(ctx, userID)
}

// RevokeAPIKey soft-disables one of the user's API credentials.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, credentialID string) error {
	return s.store.DisableAPICredential(ctx, userID, credentialID)
}

// ChangePassword verifies the current password, applies the policy to the
// new one, and revokes all refresh credentials so other sessions must log
// in again.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return ErrUserNotFound
	}

	if err := VerifyPassword(currentPassword, user.PasswordHash); err != nil {
		return ErrInvalidCredentials
	}

	if err := CheckPasswordPolicy(newPassword); err != nil {
		return err
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user.PasswordHash = hash
	user.UpdatedAt = time.Now()
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	return s.store.RevokeUserRefreshCredentials(ctx, userID)
}

// UpdateProfile applies the self-service profile fields. Role and
// disabled are ignored here; only admins may change them.
func (s *Service) UpdateProfile(ctx context.Context, userID string, req UpdateUserRequest) (*User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, ErrUserNotFound
	}

	if req.FullName != nil {
		user.FullName = *req.FullName
	}
	if req.Organization != nil {
		user.Organization = *req.Organization
	}
	user.UpdatedAt = time.Now()

	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

// AdminCreateUser creates an account with an explicit role.
func (s *Service) AdminCreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	if err := ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	if err := CheckPasswordPolicy(req.Password); err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = RoleUser
	}
	if role != RoleUser && role != RoleAdmin {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &User{
		ID:           uuid.New().String(),
		Email:        NormalizeEmail(req.Email),
		PasswordHash: hash,
		Role:         role,
		FullName:     req.FullName,
		Organization: req.Organization,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// AdminUpdateUser applies admin-level field updates, including role and
// disabled. Disabling revokes the user's refresh credentials so existing
// sessions cannot be refreshed.
func (s *Service) AdminUpdateUser(ctx context.Context, userID string, req UpdateUserRequest) (*User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, ErrUserNotFound
	}

	if req.Email != nil {
		if err := ValidateEmail(*req.Email); err != nil {
			return nil, err
		}
		user.Email = NormalizeEmail(*req.Email)
	}
	if req.FullName != nil {
		user.FullName = *req.FullName
	}
	if req.Organization != nil {
		user.Organization = *req.Organization
	}
	if req.Role != nil {
		if *req.Role != RoleUser && *req.Role != RoleAdmin {
			return nil, fmt.Errorf("unknown role %q", *req.Role)
		}
		user.Role = *req.Role
	}
	if req.Disabled != nil {
		user.Disabled = *req.Disabled
	}
	user.UpdatedAt = time.Now()

	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	if req.Disabled != nil && *req.Disabled {
		if err := s.store.RevokeUserRefreshCredentials(ctx, userID); err != nil {
			common.Logger.WithError(err).Warn("failed to revoke refresh credentials for disabled user")
		}
	}

	return user, nil
}

// ListUsers pages through all accounts; admin only at the gateway.
func (s *Service) ListUsers(ctx context.Context, skip, limit int) ([]*User, error) {
	return s.store.ListUsers(ctx, skip, limit)
}

// GetUser fetches a single account.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.GetUser(ctx, id)
}
