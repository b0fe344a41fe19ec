package middleware

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const activityWriteCooldown = time.Minute

// ActivityTracker stamps users.last_request for authenticated requests.
// Writes are throttled to one per minute per user with a Redis cooldown
// key so a busy client does not turn every request into an UPDATE.
// Must be registered after the auth middleware so userID is in locals.
func ActivityTracker(db *gorm.DB, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		uid, ok := c.Locals("userID").(uint)
		if !ok || uid == 0 {
			return c.Next()
		}

		touchLastRequest(c.UserContext(), db, rdb, uid)
		return c.Next()
	}
}

func touchLastRequest(ctx context.Context, db *gorm.DB, rdb *redis.Client, userID uint) {
	if rdb != nil {
		key := activityCooldownKey(userID)
		set, err := rdb.SetNX(ctx, key, 1, activityWriteCooldown).Result()
		if err == nil && !set {
			// Cooldown still running; the column was stamped recently.
			return
		}
	}

	// Fire and forget: the timestamp is informational and must not add
	// latency or failures to the request path.
	go func() {
		err := db.Table("users").
			Where("id = ?", userID).
			UpdateColumn("last_request", time.Now().UTC()).Error
		if err != nil {
			Logger.Warn("failed to update last_request",
				slog.Uint64("user_id", uint64(userID)),
				slog.String("error", err.Error()))
		}
	}()
}

func activityCooldownKey(userID uint) string {
	return "activity:" + strconv.FormatUint(uint64(userID), 10)
}
