// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"errors"
	"log/slog"

	"github.com/ruslanways/postways-v2/internal/cache"
	"github.com/ruslanways/postways-v2/internal/middleware"
	"github.com/ruslanways/postways-v2/internal/models"
	"github.com/ruslanways/postways-v2/internal/validation"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// RegisterRequest represents the signup payload.
type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Password2 string `json:"password2"`
}

// Register creates a new account. Only anonymous callers may register;
// logged-in users get a 403.
func (s *Server) Register(c *fiber.Ctx) error {
	if _, authed := s.optionalUserID(c); authed {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewForbiddenError("Already logged in"))
	}

	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	if req.Password != req.Password2 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Passwords do not match"))
	}
	if err := validation.ValidateUsername(req.Username); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}
	if err := validation.ValidateEmail(req.Email); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}

	ctx := c.UserContext()

	// Case-insensitive uniqueness ahead of the case-sensitive DB indexes.
	if existing, err := s.userRepo.GetByUsername(ctx, req.Username); err != nil {
		return respondAppError(c, err)
	} else if existing != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Username is already taken"))
	}
	if existing, err := s.userRepo.GetByEmail(ctx, req.Email); err != nil {
		return respondAppError(c, err)
	} else if existing != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Email is already in use"))
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return respondAppError(c, models.NewInternalError(err))
	}

	user := &models.User{
		Username: req.Username,
		Email:    req.Email,
		Password: string(hashed),
		IsActive: true,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return respondAppError(c, err)
	}

	middleware.Logger.InfoContext(ctx, "user registered",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.String("username", user.Username))

	return c.Status(fiber.StatusCreated).JSON(user)
}

// GetUsers returns the full user list with counts. Admin only.
func (s *Server) GetUsers(c *fiber.Ctx) error {
	p := parsePagination(c, 50)
	ctx := c.UserContext()

	users, err := s.userRepo.List(ctx, p.Limit, p.Offset)
	if err != nil {
		return respondAppError(c, err)
	}
	total, err := s.userRepo.Count(ctx)
	if err != nil {
		return respondAppError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count": total,
		"users": users,
	})
}

// GetOnlineUsers returns the IDs of users with a live likes socket. Admin
// only; presence is best-effort and degrades to this instance's sockets
// when Redis is unavailable.
func (s *Server) GetOnlineUsers(c *fiber.Ctx) error {
	ids := s.presence.OnlineUserIDs(c.UserContext())

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count":  len(ids),
		"online": ids,
	})
}

// GetUser returns a user with their recent posts. Owner or admin only.
func (s *Server) GetUser(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	requesterID := c.Locals("userID").(uint)

	ctx := c.UserContext()
	allowed, err := s.isOwnerOrAdmin(ctx, requesterID, id)
	if err != nil {
		return respondAppError(c, err)
	}
	if !allowed {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewForbiddenError("You can only view your own profile"))
	}

	user, err := s.userRepo.GetByIDWithPosts(ctx, id, 10)
	if err != nil {
		return respondAppError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(user)
}

// DeleteUser removes an account. Owner or admin only; every outstanding
// token of the account is revoked first so stolen refresh tokens die with
// the account.
func (s *Server) DeleteUser(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	requesterID := c.Locals("userID").(uint)

	ctx := c.UserContext()
	allowed, err := s.isOwnerOrAdmin(ctx, requesterID, id)
	if err != nil {
		return respondAppError(c, err)
	}
	if !allowed {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewForbiddenError("You can only delete your own account"))
	}

	if _, err := s.tokenManager.RevokeAll(ctx, id); err != nil {
		var appErr *models.AppError
		if !errors.As(err, &appErr) || appErr.Code != "NOT_FOUND" {
			return respondAppError(c, err)
		}
	}

	if err := s.userRepo.Delete(ctx, id); err != nil {
		return respondAppError(c, err)
	}
	cache.InvalidateUser(ctx, id)

	middleware.Logger.InfoContext(ctx, "user deleted",
		slog.Uint64("user_id", uint64(id)),
		slog.Uint64("deleted_by", uint64(requesterID)))

	return c.SendStatus(fiber.StatusNoContent)
}
