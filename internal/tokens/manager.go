// Package tokens issues and verifies the application's JWTs and keeps the
// refresh-token ledger consistent with them.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ruslanways/postways-v2/internal/config"
	"github.com/ruslanways/postways-v2/internal/models"
	"github.com/ruslanways/postways-v2/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	Issuer   = "postways-api"
	Audience = "postways-client"

	TypeAccess   = "access"
	TypeRefresh  = "refresh"
	TypeRecovery = "recovery"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrWrongTokenType = errors.New("wrong token type")
	ErrRevokedToken   = errors.New("token revoked")
	ErrUnknownToken   = errors.New("token not in ledger")
)

// Claims is the verified content of an application JWT.
type Claims struct {
	UserID    uint
	Username  string
	JTI       string
	Type      string
	ExpiresAt time.Time
}

// Pair is an access/refresh token pair issued together.
type Pair struct {
	Access           string    `json:"access"`
	Refresh          string    `json:"refresh"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Manager signs, verifies, rotates, and revokes tokens. Refresh and
// recovery tokens are recorded in the outstanding-token ledger at issue
// time; access tokens are not tracked and simply expire.
type Manager struct {
	secret      []byte
	accessTTL   time.Duration
	refreshTTL  time.Duration
	recoveryTTL time.Duration
	tokens      repository.TokenRepository
}

// NewManager builds a Manager from the application config and ledger.
func NewManager(cfg *config.Config, tokens repository.TokenRepository) *Manager {
	return &Manager{
		secret:      []byte(cfg.JWTSecret),
		accessTTL:   time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute,
		refreshTTL:  time.Duration(cfg.RefreshTokenTTLHours) * time.Hour,
		recoveryTTL: time.Duration(cfg.RecoveryTokenTTLMinutes) * time.Minute,
		tokens:      tokens,
	}
}

// generateJTI creates a unique JWT ID to prevent replay attacks
func generateJTI() string {
	return fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.New().String()[:8])
}

func (m *Manager) sign(userID uint, username, typ string, ttl time.Duration) (signed string, jti string, expiresAt time.Time, err error) {
	if len(m.secret) == 0 {
		return "", "", time.Time{}, fmt.Errorf("JWT secret not configured")
	}

	now := time.Now()
	expiresAt = now.Add(ttl)
	jti = generateJTI()
	claims := jwt.MapClaims{
		"sub":      strconv.FormatUint(uint64(userID), 10), // Subject (user ID as string)
		"username": username,                               // Username (cached in token)
		"typ":      typ,
		"iss":      Issuer,
		"aud":      Audience,
		"exp":      expiresAt.Unix(),
		"iat":      now.Unix(),
		"nbf":      now.Unix(),
		"jti":      jti,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err = token.SignedString(m.secret)
	return signed, jti, expiresAt, err
}

// IssuePair creates an access/refresh pair and records the refresh token
// in the ledger.
func (m *Manager) IssuePair(ctx context.Context, user *models.User) (*Pair, error) {
	access, _, accessExp, err := m.sign(user.ID, user.Username, TypeAccess, m.accessTTL)
	if err != nil {
		return nil, err
	}

	refresh, refreshJTI, refreshExp, err := m.sign(user.ID, user.Username, TypeRefresh, m.refreshTTL)
	if err != nil {
		return nil, err
	}

	record := &models.OutstandingToken{
		UserID:    user.ID,
		JTI:       refreshJTI,
		Token:     refresh,
		ExpiresAt: refreshExp,
	}
	if err := m.tokens.Record(ctx, record); err != nil {
		return nil, err
	}

	return &Pair{
		Access:           access,
		Refresh:          refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// IssueRecovery creates a short-lived recovery token and records it so it
// can be revoked the moment it is used.
func (m *Manager) IssueRecovery(ctx context.Context, user *models.User) (string, error) {
	recovery, jti, exp, err := m.sign(user.ID, user.Username, TypeRecovery, m.recoveryTTL)
	if err != nil {
		return "", err
	}

	record := &models.OutstandingToken{
		UserID:    user.ID,
		JTI:       jti,
		Token:     recovery,
		ExpiresAt: exp,
	}
	if err := m.tokens.Record(ctx, record); err != nil {
		return "", err
	}
	return recovery, nil
}

// Parse verifies a token's signature and registered claims and returns its
// content. It does not consult the blacklist; callers that care use
// ParseTracked or the middleware's Redis mirror.
func (m *Manager) Parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithAudience(Audience))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, _ := mapClaims["sub"].(string)
	userID, err := strconv.ParseUint(sub, 10, 64)
	if err != nil || userID == 0 {
		return nil, ErrInvalidToken
	}

	jti, _ := mapClaims["jti"].(string)
	if jti == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{
		UserID: uint(userID),
		JTI:    jti,
	}
	claims.Username, _ = mapClaims["username"].(string)
	claims.Type, _ = mapClaims["typ"].(string)
	if exp, expErr := mapClaims.GetExpirationTime(); expErr == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}

// ParseTracked verifies a refresh or recovery token against both its
// signature and the ledger: the token must be recorded and not revoked.
func (m *Manager) ParseTracked(ctx context.Context, tokenString, wantType string) (*Claims, error) {
	claims, err := m.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != wantType {
		return nil, ErrWrongTokenType
	}

	record, err := m.tokens.GetByJTI(ctx, claims.JTI)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrUnknownToken
	}

	revoked, err := m.tokens.IsBlacklisted(ctx, claims.JTI)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

// Rotate exchanges a valid refresh token for a fresh pair. The old token
// is blacklisted first so it cannot be replayed even if the response is
// lost.
func (m *Manager) Rotate(ctx context.Context, refreshToken string) (*Pair, *Claims, error) {
	claims, err := m.ParseTracked(ctx, refreshToken, TypeRefresh)
	if err != nil {
		return nil, nil, err
	}

	if err := m.tokens.Blacklist(ctx, claims.JTI); err != nil {
		return nil, nil, err
	}

	pair, err := m.IssuePair(ctx, &models.User{ID: claims.UserID, Username: claims.Username})
	if err != nil {
		return nil, nil, err
	}
	return pair, claims, nil
}

// Revoke blacklists a single refresh token.
func (m *Manager) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := m.Parse(refreshToken)
	if err != nil {
		return err
	}
	if claims.Type != TypeRefresh {
		return ErrWrongTokenType
	}
	return m.tokens.Blacklist(ctx, claims.JTI)
}

// RevokeAll blacklists every outstanding token of a user.
func (m *Manager) RevokeAll(ctx context.Context, userID uint) (int64, error) {
	return m.tokens.BlacklistAllForUser(ctx, userID)
}

// ConsumeRecovery validates a recovery token and revokes it so it is
// single use.
func (m *Manager) ConsumeRecovery(ctx context.Context, recoveryToken string) (*Claims, error) {
	claims, err := m.ParseTracked(ctx, recoveryToken, TypeRecovery)
	if err != nil {
		return nil, err
	}
	if err := m.tokens.Blacklist(ctx, claims.JTI); err != nil {
		return nil, err
	}
	return claims, nil
}
