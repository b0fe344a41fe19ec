// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ruslanways/postways-v2/internal/cache"
	"github.com/ruslanways/postways-v2/internal/middleware"
	"github.com/ruslanways/postways-v2/internal/models"
	"github.com/ruslanways/postways-v2/internal/notifications"
	"github.com/ruslanways/postways-v2/internal/repository"

	"github.com/gofiber/fiber/v2"
)

const defaultAnalyticsRange = 30 * 24 * time.Hour

// ToggleLike flips the caller's like on a post. Adding returns 201 with
// the like state; removing returns 204. Either way every other connected
// client receives the new count over the likes channel.
func (s *Server) ToggleLike(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req struct {
		Post uint `json:"post"`
	}
	if err := c.BodyParser(&req); err != nil || req.Post == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Post ID is required"))
	}

	ctx := c.UserContext()
	post, err := s.postRepo.GetByID(ctx, req.Post, userID)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Code == "NOT_FOUND" {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("Post does not exist"))
		}
		return respondAppError(c, err)
	}
	if !post.Published {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Post is not published"))
	}

	result, err := s.likeRepo.Toggle(ctx, userID, req.Post)
	if err != nil {
		return respondAppError(c, err)
	}

	middleware.LikeToggles.WithLabelValues(result.Action).Inc()
	cache.InvalidatePost(ctx, req.Post)

	s.broadcastLikeUpdate(notifications.LikeEvent{
		PostID:    req.Post,
		LikeCount: result.LikeCount,
		UserID:    userID,
	})

	if result.Action == repository.ToggleRemoved {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":         result.Like.ID,
		"created_at": result.Like.CreatedAt,
		"user_id":    result.Like.UserID,
		"post_id":    result.Like.PostID,
		"like_count": result.LikeCount,
	})
}

// broadcastLikeUpdate publishes the new count over Redis pub/sub, falling
// back to a local broadcast on this instance when Redis is down. Failures
// are logged and never surfaced to the toggling request.
func (s *Server) broadcastLikeUpdate(event notifications.LikeEvent) {
	// The broadcast runs after the toggle committed, so it must not die
	// with the request context.
	ctx := context.Background()
	if s.notifier != nil && s.notifier.HasTransport() {
		err := s.notifier.PublishLikeUpdate(ctx, event)
		if err == nil {
			return
		}
		middleware.Logger.Warn("failed to publish like update, broadcasting locally",
			slog.Uint64("post_id", uint64(event.PostID)),
			slog.String("error", err.Error()))
	}

	if s.hub == nil {
		return
	}
	payload, err := event.ClientPayload()
	if err != nil {
		middleware.Logger.Warn("failed to encode like update",
			slog.Uint64("post_id", uint64(event.PostID)),
			slog.String("error", err.Error()))
		return
	}
	s.hub.BroadcastExcept(event.UserID, payload)
}

// BatchLikeStatus returns like counts and the caller's liked flags for a
// comma-separated list of post IDs. Unknown IDs are dropped from the
// response; a missing or empty ids parameter yields an empty object.
func (s *Server) BatchLikeStatus(c *fiber.Ctx) error {
	idsParam := c.Query("ids")
	if strings.TrimSpace(idsParam) == "" {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{})
	}

	var postIDs []uint
	for _, token := range strings.Split(idsParam, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		id, err := strconv.Atoi(token)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("Invalid post IDs"))
		}
		// Non-positive ids cannot match a post; drop them like any other
		// nonexistent id instead of failing the whole batch.
		if id <= 0 {
			continue
		}
		postIDs = append(postIDs, uint(id))
	}
	if len(postIDs) == 0 {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{})
	}

	currentUserID, _ := s.optionalUserID(c)

	statuses, err := s.likeRepo.BatchStatus(c.UserContext(), postIDs, currentUserID)
	if err != nil {
		return respondAppError(c, err)
	}

	response := make(map[string]repository.LikeStatus, len(statuses))
	for postID, status := range statuses {
		response[strconv.FormatUint(uint64(postID), 10)] = status
	}
	return c.Status(fiber.StatusOK).JSON(response)
}

// GetLikeAnalytics returns like counts grouped by calendar day, most
// recent 30 days by default, overridable with a since filter.
func (s *Server) GetLikeAnalytics(c *fiber.Ctx) error {
	since := parseTimeFilter(c, "since")
	if since.IsZero() {
		since = time.Now().Add(-defaultAnalyticsRange)
	}

	counts, err := s.likeRepo.DailyCounts(c.UserContext(), since)
	if err != nil {
		return respondAppError(c, err)
	}

	days := make([]fiber.Map, 0, len(counts))
	for _, dc := range counts {
		days = append(days, fiber.Map{
			"day":   dc.Day.Format("2006-01-02"),
			"likes": dc.Count,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"since": since.Format("2006-01-02"),
		"days":  days,
	})
}

// GetLike returns a single like by ID.
func (s *Server) GetLike(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	like, err := s.likeRepo.GetByID(c.UserContext(), id)
	if err != nil {
		return respondAppError(c, err)
	}
	if like == nil {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Like", id))
	}

	return c.Status(fiber.StatusOK).JSON(like)
}
