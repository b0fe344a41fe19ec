// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ruslanways/postways-v2/internal/cache"
	"github.com/ruslanways/postways-v2/internal/middleware"
	"github.com/ruslanways/postways-v2/internal/models"
	"github.com/ruslanways/postways-v2/internal/tokens"
	"github.com/ruslanways/postways-v2/internal/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	refreshCookieName = "refresh_token"

	emailVerificationTTL = 24 * time.Hour
	usernameCooldown     = 30 * 24 * time.Hour
)

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// setRefreshCookie stores the refresh token in an HTTP-only cookie scoped
// to the auth endpoints; the token is also returned in the body for
// non-browser clients.
func (s *Server) setRefreshCookie(c *fiber.Ctx, token string, expires time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/api/v1/auth",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   s.config.Env == "production" || s.config.Env == "prod",
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (s *Server) clearRefreshCookie(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/api/v1/auth",
		Expires:  time.Now().Add(-time.Hour),
		HTTPOnly: true,
	})
}

// refreshTokenFrom reads the refresh token from the request body, falling
// back to the cookie.
func refreshTokenFrom(c *fiber.Ctx) string {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := c.BodyParser(&req); err == nil && req.Refresh != "" {
		return req.Refresh
	}
	return c.Cookies(refreshCookieName)
}

// Login handles user authentication and returns an access/refresh pair.
// Callers may identify themselves by username or email.
func (s *Server) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	if req.Password == "" || (req.Username == "" && req.Email == "") {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Username (or email) and password are required"))
	}

	ctx := c.UserContext()
	var user *models.User
	var err error
	switch {
	case req.Email != "":
		user, err = s.userRepo.GetByEmail(ctx, req.Email)
	case strings.Contains(req.Username, "@"):
		user, err = s.userRepo.GetByEmail(ctx, req.Username)
	default:
		user, err = s.userRepo.GetByUsername(ctx, req.Username)
	}
	if err != nil {
		return respondAppError(c, err)
	}

	// Same response for unknown user and wrong password.
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Invalid credentials"))
	}
	if !user.IsActive {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Account is deactivated"))
	}

	pair, err := s.tokenManager.IssuePair(ctx, user)
	if err != nil {
		return respondAppError(c, err)
	}

	s.setRefreshCookie(c, pair.Refresh, pair.RefreshExpiresAt)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"access":  pair.Access,
		"refresh": pair.Refresh,
		"user": fiber.Map{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
		},
	})
}

// Refresh rotates a refresh token: the presented token is revoked and a
// fresh pair is issued in its place.
func (s *Server) Refresh(c *fiber.Ctx) error {
	refresh := refreshTokenFrom(c)
	if refresh == "" {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Refresh token required"))
	}

	pair, claims, err := s.tokenManager.Rotate(c.UserContext(), refresh)
	if err != nil {
		return s.respondTokenError(c, err)
	}

	middleware.Logger.InfoContext(c.UserContext(), "refresh token rotated",
		slog.Uint64("user_id", uint64(claims.UserID)))

	s.setRefreshCookie(c, pair.Refresh, pair.RefreshExpiresAt)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"access":  pair.Access,
		"refresh": pair.Refresh,
	})
}

// VerifyToken reports whether a token is valid and unexpired. Matches the
// shape of a token-verify endpoint: 200 with empty body on success.
func (s *Server) VerifyToken(c *fiber.Ctx) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.BodyParser(&req); err != nil || req.Token == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Token is required"))
	}

	claims, err := s.tokenManager.Parse(req.Token)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Token is invalid or expired"))
	}
	if s.isJTIRevoked(c.Context(), claims.JTI) {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Token has been revoked"))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{})
}

// Logout revokes the presented refresh token and clears the cookie.
func (s *Server) Logout(c *fiber.Ctx) error {
	refresh := refreshTokenFrom(c)
	if refresh == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Refresh token required"))
	}

	if err := s.tokenManager.Revoke(c.UserContext(), refresh); err != nil {
		return s.respondTokenError(c, err)
	}

	s.clearRefreshCookie(c)
	return c.SendStatus(fiber.StatusNoContent)
}

// RequestRecovery starts account recovery: every outstanding token of the
// account is revoked, then a short-lived recovery token is mailed.
func (s *Server) RequestRecovery(c *fiber.Ctx) error {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.BodyParser(&req); err != nil || req.Email == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Email is required"))
	}

	ctx := c.UserContext()
	user, err := s.userRepo.GetByEmail(ctx, req.Email)
	if err != nil {
		return respondAppError(c, err)
	}
	if user == nil {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("User", req.Email))
	}

	revoked, err := s.tokenManager.RevokeAll(ctx, user.ID)
	if err != nil {
		return respondAppError(c, err)
	}
	middleware.Logger.InfoContext(ctx, "recovery requested",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.Int64("tokens_revoked", revoked))

	recovery, err := s.tokenManager.IssueRecovery(ctx, user)
	if err != nil {
		return respondAppError(c, err)
	}

	go s.mailer.SendRecovery(user.Email, recovery)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Recovery email sent",
	})
}

// ConsumeRecovery exchanges a mailed recovery token for a fresh session.
// The token is single use.
func (s *Server) ConsumeRecovery(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Recovery token required"))
	}

	ctx := c.UserContext()
	claims, err := s.tokenManager.ConsumeRecovery(ctx, token)
	if err != nil {
		return s.respondTokenError(c, err)
	}

	user, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		return respondAppError(c, err)
	}

	pair, err := s.tokenManager.IssuePair(ctx, user)
	if err != nil {
		return respondAppError(c, err)
	}

	s.setRefreshCookie(c, pair.Refresh, pair.RefreshExpiresAt)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"access":  pair.Access,
		"refresh": pair.Refresh,
	})
}

// ChangePassword updates the password of the authenticated user. The old
// password must be presented; all outstanding tokens are revoked.
func (s *Server) ChangePassword(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	ctx := c.UserContext()
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return respondAppError(c, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.OldPassword)) != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Old password is incorrect"))
	}

	if err := s.applyNewPassword(c, user, req.NewPassword); err != nil {
		if errors.Is(err, errResponseWritten) {
			return nil
		}
		return respondAppError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Password changed. Please log in again.",
	})
}

// ResetPassword sets a new password using a mailed recovery token.
func (s *Server) ResetPassword(c *fiber.Ctx) error {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := c.BodyParser(&req); err != nil || req.Token == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Recovery token and new password are required"))
	}

	ctx := c.UserContext()
	claims, err := s.tokenManager.ConsumeRecovery(ctx, req.Token)
	if err != nil {
		return s.respondTokenError(c, err)
	}

	user, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		return respondAppError(c, err)
	}

	if err := s.applyNewPassword(c, user, req.NewPassword); err != nil {
		if errors.Is(err, errResponseWritten) {
			return nil
		}
		return respondAppError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Password reset. Please log in again.",
	})
}

// applyNewPassword validates, hashes, and stores a password, then revokes
// every outstanding token of the user.
func (s *Server) applyNewPassword(c *fiber.Ctx, user *models.User, newPassword string) error {
	if err := validation.ValidatePassword(newPassword); err != nil {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
		return errResponseWritten
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return models.NewInternalError(err)
	}

	ctx := c.UserContext()
	if err := s.userRepo.UpdatePassword(ctx, user.ID, string(hashed)); err != nil {
		return err
	}
	if _, err := s.tokenManager.RevokeAll(ctx, user.ID); err != nil {
		return err
	}
	cache.InvalidateUser(ctx, user.ID)
	return nil
}

// ChangeUsername renames the authenticated user. A password check is
// required and renames are limited to one per 30 days.
func (s *Server) ChangeUsername(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req struct {
		Password    string `json:"password"`
		NewUsername string `json:"new_username"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	ctx := c.UserContext()
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return respondAppError(c, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Password is incorrect"))
	}

	if user.UsernameChangedAt != nil {
		nextAllowed := user.UsernameChangedAt.Add(usernameCooldown)
		if time.Now().Before(nextAllowed) {
			return models.RespondWithError(c, fiber.StatusForbidden,
				models.NewForbiddenError("Username can be changed once every 30 days; next change allowed at "+
					nextAllowed.UTC().Format(time.RFC3339)))
		}
	}

	if err := validation.ValidateUsername(req.NewUsername); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}

	if existing, err := s.userRepo.GetByUsername(ctx, req.NewUsername); err != nil {
		return respondAppError(c, err)
	} else if existing != nil && existing.ID != user.ID {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Username is already taken"))
	}

	now := time.Now().UTC()
	user.Username = req.NewUsername
	user.UsernameChangedAt = &now
	if err := s.userRepo.Update(ctx, user); err != nil {
		return respondAppError(c, err)
	}
	cache.InvalidateUser(ctx, user.ID)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"username": user.Username,
	})
}

// ChangeEmail starts an email change: the new address gets a verification
// mail and the account keeps the old address until the link is followed.
func (s *Server) ChangeEmail(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req struct {
		Password string `json:"password"`
		NewEmail string `json:"new_email"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	ctx := c.UserContext()
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return respondAppError(c, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Password is incorrect"))
	}

	if err := validation.ValidateEmail(req.NewEmail); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}

	if existing, err := s.userRepo.GetByEmail(ctx, req.NewEmail); err != nil {
		return respondAppError(c, err)
	} else if existing != nil && existing.ID != user.ID {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Email is already in use"))
	}

	expires := time.Now().Add(emailVerificationTTL)
	user.PendingEmail = req.NewEmail
	user.EmailVerificationToken = uuid.New().String()
	user.EmailVerificationExpires = &expires
	if err := s.userRepo.Update(ctx, user); err != nil {
		return respondAppError(c, err)
	}

	go s.mailer.SendEmailVerification(req.NewEmail, user.EmailVerificationToken)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Verification email sent to the new address",
	})
}

// VerifyEmail confirms a pending email change via the mailed token.
func (s *Server) VerifyEmail(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		var req struct {
			Token string `json:"token"`
		}
		if err := c.BodyParser(&req); err == nil {
			token = req.Token
		}
	}
	if token == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Verification token required"))
	}

	ctx := c.UserContext()
	user, err := s.userRepo.GetByVerificationToken(ctx, token)
	if err != nil {
		return respondAppError(c, err)
	}
	if user == nil || user.PendingEmail == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Verification token is invalid or expired"))
	}

	user.Email = user.PendingEmail
	user.PendingEmail = ""
	user.EmailVerificationToken = ""
	user.EmailVerificationExpires = nil
	if err := s.userRepo.Update(ctx, user); err != nil {
		return respondAppError(c, err)
	}
	cache.InvalidateUser(ctx, user.ID)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"email": user.Email,
	})
}

// respondTokenError maps token manager errors onto HTTP statuses.
func (s *Server) respondTokenError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, tokens.ErrInvalidToken),
		errors.Is(err, tokens.ErrWrongTokenType),
		errors.Is(err, tokens.ErrUnknownToken):
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Token is invalid or expired"))
	case errors.Is(err, tokens.ErrRevokedToken):
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Token has been revoked"))
	default:
		return respondAppError(c, err)
	}
}
