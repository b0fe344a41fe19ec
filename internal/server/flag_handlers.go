// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"github.com/gofiber/fiber/v2"
)

// GetFeatureFlags returns the evaluated flag set for the caller. Works for
// anonymous callers too; percentage rollouts are off without a user ID.
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	userID, _ := s.optionalUserID(c)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"flags": s.flags.Snapshot(userID),
	})
}
