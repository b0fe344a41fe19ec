package tokens

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ruslanways/postways-v2/internal/config"
	"github.com/ruslanways/postways-v2/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryLedger is an in-memory TokenRepository for tests.
type memoryLedger struct {
	mu          sync.Mutex
	nextID      uint
	outstanding map[string]*models.OutstandingToken
	blacklisted map[string]bool
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		outstanding: make(map[string]*models.OutstandingToken),
		blacklisted: make(map[string]bool),
	}
}

func (l *memoryLedger) Record(_ context.Context, token *models.OutstandingToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.outstanding[token.JTI]; exists {
		return models.NewValidationError("Token already recorded")
	}
	l.nextID++
	token.ID = l.nextID
	l.outstanding[token.JTI] = token
	return nil
}

func (l *memoryLedger) GetByJTI(_ context.Context, jti string) (*models.OutstandingToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding[jti], nil
}

func (l *memoryLedger) Blacklist(_ context.Context, jti string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.outstanding[jti]; !exists {
		return models.NewNotFoundError("Token", 0)
	}
	l.blacklisted[jti] = true
	return nil
}

func (l *memoryLedger) BlacklistAllForUser(_ context.Context, userID uint) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var revoked int64
	for jti, token := range l.outstanding {
		if token.UserID == userID && !l.blacklisted[jti] {
			l.blacklisted[jti] = true
			revoked++
		}
	}
	return revoked, nil
}

func (l *memoryLedger) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blacklisted[jti], nil
}

func (l *memoryLedger) FlushExpired(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var flushed int64
	for jti, token := range l.outstanding {
		if token.ExpiresAt.Before(time.Now()) {
			delete(l.outstanding, jti)
			delete(l.blacklisted, jti)
			flushed++
		}
	}
	return flushed, nil
}

func testManager(t *testing.T) (*Manager, *memoryLedger) {
	t.Helper()
	ledger := newMemoryLedger()
	cfg := &config.Config{
		JWTSecret:               "test-secret-key-that-is-long-enough",
		AccessTokenTTLMinutes:   5,
		RefreshTokenTTLHours:    24,
		RecoveryTokenTTLMinutes: 5,
	}
	return NewManager(cfg, ledger), ledger
}

func TestManager_IssuePair(t *testing.T) {
	m, ledger := testManager(t)
	ctx := context.Background()
	user := &models.User{ID: 1, Username: "testuser"}

	pair, err := m.IssuePair(ctx, user)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Access)
	assert.NotEmpty(t, pair.Refresh)
	assert.NotEqual(t, pair.Access, pair.Refresh)

	access, err := m.Parse(pair.Access)
	require.NoError(t, err)
	assert.Equal(t, uint(1), access.UserID)
	assert.Equal(t, "testuser", access.Username)
	assert.Equal(t, TypeAccess, access.Type)

	refresh, err := m.Parse(pair.Refresh)
	require.NoError(t, err)
	assert.Equal(t, TypeRefresh, refresh.Type)

	// Only the refresh token lands in the ledger.
	assert.Len(t, ledger.outstanding, 1)
	_, recorded := ledger.outstanding[refresh.JTI]
	assert.True(t, recorded)
}

func TestManager_Parse_RejectsForgedTokens(t *testing.T) {
	m, _ := testManager(t)

	t.Run("Garbage", func(t *testing.T) {
		_, err := m.Parse("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Wrong Secret", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "1",
			"iss": Issuer,
			"aud": Audience,
			"exp": time.Now().Add(time.Hour).Unix(),
			"jti": "forged",
		})
		signed, err := token.SignedString([]byte("different-secret"))
		require.NoError(t, err)

		_, parseErr := m.Parse(signed)
		assert.ErrorIs(t, parseErr, ErrInvalidToken)
	})

	t.Run("Wrong Issuer", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "1",
			"iss": "someone-else",
			"aud": Audience,
			"exp": time.Now().Add(time.Hour).Unix(),
			"jti": "forged",
		})
		signed, err := token.SignedString([]byte("test-secret-key-that-is-long-enough"))
		require.NoError(t, err)

		_, parseErr := m.Parse(signed)
		assert.ErrorIs(t, parseErr, ErrInvalidToken)
	})

	t.Run("Expired", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "1",
			"iss": Issuer,
			"aud": Audience,
			"exp": time.Now().Add(-time.Hour).Unix(),
			"jti": "expired",
		})
		signed, err := token.SignedString([]byte("test-secret-key-that-is-long-enough"))
		require.NoError(t, err)

		_, parseErr := m.Parse(signed)
		assert.ErrorIs(t, parseErr, ErrInvalidToken)
	})
}

func TestManager_Rotate(t *testing.T) {
	m, ledger := testManager(t)
	ctx := context.Background()
	user := &models.User{ID: 1, Username: "testuser"}

	pair, err := m.IssuePair(ctx, user)
	require.NoError(t, err)

	newPair, claims, err := m.Rotate(ctx, pair.Refresh)
	require.NoError(t, err)
	assert.Equal(t, uint(1), claims.UserID)
	assert.NotEqual(t, pair.Refresh, newPair.Refresh)

	// The old refresh token is revoked and cannot be rotated again.
	_, _, err = m.Rotate(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrRevokedToken)

	// The new one still works.
	_, _, err = m.Rotate(ctx, newPair.Refresh)
	assert.NoError(t, err)

	assert.Len(t, ledger.outstanding, 3)
}

func TestManager_Rotate_RejectsAccessToken(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	pair, err := m.IssuePair(ctx, &models.User{ID: 1, Username: "testuser"})
	require.NoError(t, err)

	_, _, err = m.Rotate(ctx, pair.Access)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestManager_Rotate_RejectsUnrecordedToken(t *testing.T) {
	m, ledger := testManager(t)
	ctx := context.Background()

	pair, err := m.IssuePair(ctx, &models.User{ID: 1, Username: "testuser"})
	require.NoError(t, err)

	// Simulate a ledger wipe (e.g. flushed after expiry).
	ledger.mu.Lock()
	ledger.outstanding = make(map[string]*models.OutstandingToken)
	ledger.mu.Unlock()

	_, _, err = m.Rotate(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestManager_RevokeAll(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	user := &models.User{ID: 1, Username: "testuser"}

	first, err := m.IssuePair(ctx, user)
	require.NoError(t, err)
	second, err := m.IssuePair(ctx, user)
	require.NoError(t, err)

	revoked, err := m.RevokeAll(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), revoked)

	_, _, err = m.Rotate(ctx, first.Refresh)
	assert.ErrorIs(t, err, ErrRevokedToken)
	_, _, err = m.Rotate(ctx, second.Refresh)
	assert.ErrorIs(t, err, ErrRevokedToken)
}

func TestManager_RevokeAll_Idempotent(t *testing.T) {
	m, ledger := testManager(t)
	ctx := context.Background()
	user := &models.User{ID: 1, Username: "testuser"}

	_, err := m.IssuePair(ctx, user)
	require.NoError(t, err)
	_, err = m.IssuePair(ctx, user)
	require.NoError(t, err)

	revoked, err := m.RevokeAll(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), revoked)

	// Already-revoked tokens stay revoked; a second pass finds nothing new.
	revoked, err = m.RevokeAll(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, revoked)

	blacklisted := 0
	for jti := range ledger.blacklisted {
		if ledger.blacklisted[jti] {
			blacklisted++
		}
	}
	assert.Equal(t, 2, blacklisted)
}

func TestManager_RecoveryIsSingleUse(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	user := &models.User{ID: 1, Username: "testuser"}

	recovery, err := m.IssueRecovery(ctx, user)
	require.NoError(t, err)

	claims, err := m.ConsumeRecovery(ctx, recovery)
	require.NoError(t, err)
	assert.Equal(t, uint(1), claims.UserID)
	assert.Equal(t, TypeRecovery, claims.Type)

	_, err = m.ConsumeRecovery(ctx, recovery)
	assert.ErrorIs(t, err, ErrRevokedToken)
}

func TestManager_ConsumeRecovery_RejectsRefreshToken(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	pair, err := m.IssuePair(ctx, &models.User{ID: 1, Username: "testuser"})
	require.NoError(t, err)

	_, err = m.ConsumeRecovery(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}
