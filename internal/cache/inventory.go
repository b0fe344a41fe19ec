package cache

import (
	"context"
	"fmt"
	"time"
)

const (
	UserKeyPrefix      = "user:%d"
	PostKeyPrefix      = "post:%d"
	BlacklistKeyPrefix = "blacklist:%s"
)

const (
	UserTTL = 5 * time.Minute
	PostTTL = 30 * time.Minute
)

func UserKey(userID uint) string {
	return fmt.Sprintf(UserKeyPrefix, userID)
}

func PostKey(postID uint) string {
	return fmt.Sprintf(PostKeyPrefix, postID)
}

// BlacklistKey mirrors a revoked token JTI into Redis so access-token
// checks stay O(1); the database ledger remains the source of truth.
func BlacklistKey(jti string) string {
	return fmt.Sprintf(BlacklistKeyPrefix, jti)
}

func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

func InvalidateUser(ctx context.Context, userID uint) {
	Invalidate(ctx, UserKey(userID))
}

func InvalidatePost(ctx context.Context, postID uint) {
	Invalidate(ctx, PostKey(postID))
}

// MarkBlacklisted mirrors a revoked JTI with the token's remaining
// lifetime. Expired tokens need no mirror; the JWT check rejects them.
func MarkBlacklisted(ctx context.Context, jti string, ttl time.Duration) {
	if client != nil && ttl > 0 {
		client.Set(ctx, BlacklistKey(jti), 1, ttl)
	}
}
