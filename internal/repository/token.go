package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ruslanways/postways-v2/internal/cache"
	"github.com/ruslanways/postways-v2/internal/models"

	"gorm.io/gorm"
)

// TokenRepository tracks issued refresh tokens and their blacklist state.
// Every refresh token is recorded at issue time; revoking one inserts a
// blacklist row pointing at the ledger entry.
type TokenRepository interface {
	Record(ctx context.Context, token *models.OutstandingToken) error
	GetByJTI(ctx context.Context, jti string) (*models.OutstandingToken, error)
	Blacklist(ctx context.Context, jti string) error
	BlacklistAllForUser(ctx context.Context, userID uint) (int64, error)
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	FlushExpired(ctx context.Context) (int64, error)
}

type tokenRepository struct {
	db *gorm.DB
}

// NewTokenRepository returns a new TokenRepository implementation.
func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{db: db}
}

func (r *tokenRepository) Record(ctx context.Context, token *models.OutstandingToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueConstraintError(err) {
			return models.NewValidationError("Token already recorded")
		}
		return models.NewInternalError(err)
	}
	return nil
}

func (r *tokenRepository) GetByJTI(ctx context.Context, jti string) (*models.OutstandingToken, error) {
	var token models.OutstandingToken
	if err := r.db.WithContext(ctx).Where("jti = ?", jti).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &token, nil
}

// Blacklist revokes a single token by JTI. Revoking an already-revoked
// token is a no-op. The JTI is mirrored into Redis so access checks stay
// off the database.
func (r *tokenRepository) Blacklist(ctx context.Context, jti string) error {
	token, err := r.GetByJTI(ctx, jti)
	if err != nil {
		return err
	}
	if token == nil {
		return models.NewNotFoundError("Token", 0)
	}

	entry := models.BlacklistedToken{TokenID: token.ID}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueConstraintError(err) {
			return nil
		}
		return models.NewInternalError(err)
	}

	cache.MarkBlacklisted(ctx, jti, time.Until(token.ExpiresAt))
	return nil
}

// BlacklistAllForUser revokes every outstanding token of a user that is
// not blacklisted yet. Used on logout-everywhere, account recovery, and
// account deletion. Returns the number of tokens newly revoked.
func (r *tokenRepository) BlacklistAllForUser(ctx context.Context, userID uint) (int64, error) {
	var tokens []models.OutstandingToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND expires_at > ?", userID, time.Now().UTC()).
		Where("id NOT IN (SELECT token_id FROM blacklisted_tokens)").
		Find(&tokens).Error
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	entries := make([]models.BlacklistedToken, 0, len(tokens))
	for _, t := range tokens {
		entries = append(entries, models.BlacklistedToken{TokenID: t.ID})
	}
	if err := r.db.WithContext(ctx).Create(&entries).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) && !isUniqueConstraintError(err) {
			return 0, models.NewInternalError(err)
		}
	}

	for _, t := range tokens {
		cache.MarkBlacklisted(ctx, t.JTI, time.Until(t.ExpiresAt))
	}
	return int64(len(tokens)), nil
}

// IsBlacklisted reports whether a JTI is revoked. The database ledger is
// authoritative; middleware consults the Redis mirror first and only falls
// back here on a miss.
func (r *tokenRepository) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.BlacklistedToken{}).
		Joins("JOIN outstanding_tokens ON outstanding_tokens.id = blacklisted_tokens.token_id").
		Where("outstanding_tokens.jti = ?", jti).
		Count(&count).Error
	if err != nil {
		return false, models.NewInternalError(err)
	}
	return count > 0, nil
}

// FlushExpired deletes ledger entries whose tokens have expired. Blacklist
// rows cascade with them.
func (r *tokenRepository) FlushExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now().UTC()).
		Delete(&models.OutstandingToken{})
	if res.Error != nil {
		return 0, models.NewInternalError(res.Error)
	}
	return res.RowsAffected, nil
}
