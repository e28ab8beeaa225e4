package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbase/paperbase/cache"
)

// memStore is an in-memory UserStore for tests.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*User
	byEmail  map[string]string
	refresh  map[string]*RefreshCredential // by ID
	byHash   map[string]string             // token hash -> credential ID
	apiCreds map[string]*APICredential     // by ID
	apiHash  map[string]string             // key hash -> credential ID
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]*User{},
		byEmail:  map[string]string{},
		refresh:  map[string]*RefreshCredential{},
		byHash:   map[string]string{},
		apiCreds: map[string]*APICredential{},
		apiHash:  map[string]string{},
	}
}

func (m *memStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[user.Email]; ok {
		return ErrUserExists
	}
	copied := *user
	m.users[user.ID] = &copied
	m.byEmail[user.Email] = user.ID
	return nil
}

func (m *memStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (m *memStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	id, ok := m.byEmail[email]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return m.GetUser(ctx, id)
}

func (m *memStore) UpdateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return ErrUserNotFound
	}
	copied := *user
	m.users[user.ID] = &copied
	m.byEmail[user.Email] = user.ID
	return nil
}

func (m *memStore) ListUsers(ctx context.Context, skip, limit int) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*User
	for _, u := range m.users {
		copied := *u
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memStore) CountUsers(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.users)), nil
}

func (m *memStore) SaveRefreshCredential(ctx context.Context, cred *RefreshCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *cred
	m.refresh[cred.ID] = &copied
	m.byHash[cred.TokenHash] = cred.ID
	return nil
}

func (m *memStore) GetRefreshCredentialByHash(ctx context.Context, hash string) (*RefreshCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrTokenRevoked
	}
	copied := *m.refresh[id]
	return &copied, nil
}

func (m *memStore) RevokeRefreshCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.refresh[id]
	if !ok {
		return ErrTokenRevoked
	}
	cred.Revoked = true
	return nil
}

func (m *memStore) RevokeUserRefreshCredentials(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cred := range m.refresh {
		if cred.UserID == userID {
			cred.Revoked = true
		}
	}
	return nil
}

func (m *memStore) DeleteExpiredRefreshCredentials(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, cred := range m.refresh {
		if time.Now().After(cred.ExpiresAt) {
			delete(m.refresh, id)
			delete(m.byHash, cred.TokenHash)
			n++
		}
	}
	return n, nil
}

func (m *memStore) SaveAPICredential(ctx context.Context, cred *APICredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *cred
	m.apiCreds[cred.ID] = &copied
	m.apiHash[cred.KeyHash] = cred.ID
	return nil
}

func (m *memStore) GetAPICredentialByHash(ctx context.Context, hash string) (*APICredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.apiHash[hash]
	if !ok {
		return nil, ErrAPIKeyNotFound
	}
	copied := *m.apiCreds[id]
	return &copied, nil
}

func (m *memStore) ListAPICredentials(ctx context.Context, userID string) ([]*APICredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*APICredential
	for _, cred := range m.apiCreds {
		if cred.UserID == userID {
			copied := *cred
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memStore) DisableAPICredential(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.apiCreds[id]
	if !ok || cred.UserID != userID {
		return ErrAPIKeyNotFound
	}
	cred.Disabled = true
	return nil
}

func (m *memStore) TouchAPICredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred, ok := m.apiCreds[id]; ok {
		now := time.Now()
		cred.LastUsed = &now
	}
	return nil
}

func testService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	svc := NewService(Config{
		SecretKey:          "test-secret",
		AccessTTL:          30 * time.Minute,
		RefreshTTL:         7 * 24 * time.Hour,
		EnableRegistration: true,
		EnableAPIKeys:      true,
	}, store, cache.NewMemoryStore())
	return svc, store
}

func registered(t *testing.T, svc *Service) (*User, *TokenPair) {
	t.Helper()
	user, pair, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "Ada@Example.com",
		Password: "Sup3rsecret",
		FullName: "Ada Lovelace",
	}, "test-agent", "127.0.0.1")
	require.NoError(t, err)
	return user, pair
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := testService(t)
	user, pair := registered(t, svc)

	// Email is normalized on the way in.
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, RoleUser, user.Role)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "bearer", pair.TokenType)

	// Login is case-insensitive on email.
	logged, _, err := svc.Login(context.Background(), "ADA@example.COM", "Sup3rsecret", "", "")
	require.NoError(t, err)
	assert.Equal(t, user.ID, logged.ID)

	_, _, err = svc.Login(context.Background(), "ada@example.com", "wrong-password", "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegister_PolicyAndDuplicates(t *testing.T) {
	svc, _ := testService(t)
	registered(t, svc)

	_, _, err := svc.Register(context.Background(), RegisterRequest{
		Email: "ada@example.com", Password: "An0therpass",
	}, "", "")
	assert.ErrorIs(t, err, ErrUserExists)

	_, _, err = svc.Register(context.Background(), RegisterRequest{
		Email: "new@example.com", Password: "alllowercase1",
	}, "", "")
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, _, err = svc.Register(context.Background(), RegisterRequest{
		Email: "not-an-email", Password: "Sup3rsecret",
	}, "", "")
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestRegister_Disabled(t *testing.T) {
	svc, _ := testService(t)
	svc.config.EnableRegistration = false

	_, _, err := svc.Register(context.Background(), RegisterRequest{
		Email: "ada@example.com", Password: "Sup3rsecret",
	}, "", "")
	assert.ErrorIs(t, err, ErrRegistrationDisabled)
}

func TestAuthenticate(t *testing.T) {
	svc, store := testService(t)
	user, pair := registered(t, svc)

	got, claims, err := svc.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)

	// A refresh token is not an access token.
	_, _, err = svc.Authenticate(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	// Disabling the account invalidates otherwise-valid tokens.
	u := store.users[user.ID]
	u.Disabled = true
	_, _, err = svc.Authenticate(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestRefresh_RotationIsSingleUse(t *testing.T) {
	svc, _ := testService(t)
	_, pair := registered(t, svc)

	_, next, err := svc.Refresh(context.Background(), pair.RefreshToken, "", "")
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// The presented credential was revoked during rotation.
	_, _, err = svc.Refresh(context.Background(), pair.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// The new one still works.
	_, _, err = svc.Refresh(context.Background(), next.RefreshToken, "", "")
	assert.NoError(t, err)
}

func TestLogout_BlacklistsAndRevokes(t *testing.T) {
	svc, _ := testService(t)
	_, pair := registered(t, svc)

	_, claims, err := svc.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), claims))

	_, _, err = svc.Authenticate(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, _, err = svc.Refresh(context.Background(), pair.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestAPIKeys(t *testing.T) {
	svc, _ := testService(t)
	user, _ := registered(t, svc)
	ctx := context.Background()

	created, err := svc.CreateAPIKey(ctx, user.ID, "ci", nil)
	require.NoError(t, err)
	assert.True(t, len(created.Key) > len(APIKeyPrefix))
	assert.Equal(t, APIKeyPrefix, created.Key[:len(APIKeyPrefix)])

	resolved, err := svc.ResolveAPIKey(ctx, created.Key)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)

	// Only the hash is stored; listing never exposes plaintext.
	keys, err := svc.ListAPIKeys(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotEqual(t, created.Key, keys[0].KeyHash)

	require.NoError(t, svc.RevokeAPIKey(ctx, user.ID, created.ID))
	_, err = svc.ResolveAPIKey(ctx, created.Key)
	assert.ErrorIs(t, err, ErrAPIKeyDisabled)
}

func TestAPIKeys_Expiry(t *testing.T) {
	svc, _ := testService(t)
	user, _ := registered(t, svc)
	ctx := context.Background()

	ttl := -time.Minute // already expired
	created, err := svc.CreateAPIKey(ctx, user.ID, "stale", &ttl)
	require.NoError(t, err)

	_, err = svc.ResolveAPIKey(ctx, created.Key)
	assert.ErrorIs(t, err, ErrAPIKeyDisabled)
}

func TestAPIKeys_DisabledFeature(t *testing.T) {
	svc, _ := testService(t)
	user, _ := registered(t, svc)
	ctx := context.Background()

	created, err := svc.CreateAPIKey(ctx, user.ID, "ci", nil)
	require.NoError(t, err)

	svc.config.EnableAPIKeys = false
	_, err = svc.ResolveAPIKey(ctx, created.Key)
	assert.ErrorIs(t, err, ErrAPIKeyNotFound)
}

func TestChangePassword(t *testing.T) {
	svc, _ := testService(t)
	user, pair := registered(t, svc)
	ctx := context.Background()

	err := svc.ChangePassword(ctx, user.ID, "wrong", "N3wpassword")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = svc.ChangePassword(ctx, user.ID, "Sup3rsecret", "short")
	assert.ErrorIs(t, err, ErrPasswordTooShort)

	require.NoError(t, svc.ChangePassword(ctx, user.ID, "Sup3rsecret", "N3wpassword"))

	// Old sessions cannot refresh after a password change.
	_, _, err = svc.Refresh(ctx, pair.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, _, err = svc.Login(ctx, user.Email, "N3wpassword", "", "")
	assert.NoError(t, err)
}

func TestAdminUpdateUser_DisableRevokesSessions(t *testing.T) {
	svc, _ := testService(t)
	user, pair := registered(t, svc)
	ctx := context.Background()

	disabled := true
	updated, err := svc.AdminUpdateUser(ctx, user.ID, UpdateUserRequest{Disabled: &disabled})
	require.NoError(t, err)
	assert.True(t, updated.Disabled)

	_, _, err = svc.Login(ctx, user.Email, "Sup3rsecret", "", "")
	assert.ErrorIs(t, err, ErrAccountDisabled)
	_, _, err = svc.Refresh(ctx, pair.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestBootstrapAdmin(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.BootstrapAdmin(ctx, "root@example.com", "Adm1npass", "Root"))
	admin, err := store.GetUserByEmail(ctx, "root@example.com")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role)

	// A second bootstrap is a no-op once any user exists.
	require.NoError(t, svc.BootstrapAdmin(ctx, "other@example.com", "Adm1npass", "Other"))
	_, err = store.GetUserByEmail(ctx, "other@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestTokenService_Validate(t *testing.T) {
	tokens := NewTokenService("secret", time.Minute, time.Hour)
	user := &User{ID: "u-1", Email: "a@b.c", Role: RoleUser}

	access, err := tokens.GenerateAccessToken(user)
	require.NoError(t, err)

	claims, err := tokens.ValidateToken(access, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, "a@b.c", claims.Email)

	// Wrong signing secret.
	other := NewTokenService("different", time.Minute, time.Hour)
	_, err = other.ValidateToken(access, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Expired token.
	stale := NewTokenService("secret", -time.Minute, time.Hour)
	expired, err := stale.GenerateAccessToken(user)
	require.NoError(t, err)
	_, err = tokens.ValidateToken(expired, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestPasswordPolicy(t *testing.T) {
	tests := []struct {
		password string
		err      error
	}{
		{"", ErrEmptyPassword},
		{"Ab1", ErrPasswordTooShort},
		{"alllowercase1", ErrWeakPassword},
		{"ALLUPPERCASE1", ErrWeakPassword},
		{"NoDigitsHere", ErrWeakPassword},
		{"G00denough", nil},
	}
	for _, tt := range tests {
		err := CheckPasswordPolicy(tt.password)
		if tt.err == nil {
			assert.NoError(t, err, tt.password)
		} else {
			assert.ErrorIs(t, err, tt.err, tt.password)
		}
	}
}
