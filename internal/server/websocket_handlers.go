// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"log"

	"github.com/ruslanways/postways-v2/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// WebSocketUpgradeRequired gates the likes socket: only upgrade requests
// pass, and the caller's identity (if any) is resolved here while the
// fiber context is still live. Anonymous connections are allowed; they
// receive every broadcast.
func (s *Server) WebSocketUpgradeRequired(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	userID, _ := s.optionalUserID(c)
	c.Locals("userID", userID)
	return c.Next()
}

// WebSocketLikesHandler serves the live like-count feed. Clients get a
// JSON message with the post id and new count whenever someone else
// toggles a like; the toggling user is excluded across all their tabs.
func (s *Server) WebSocketLikesHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		userID, _ := conn.Locals("userID").(uint)

		client, err := s.hub.Register(userID, conn)
		if err != nil {
			log.Printf("WebSocket likes: failed to register user %d: %v", userID, err)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			_ = conn.Close()
			return
		}

		if userID != 0 {
			s.presence.Register(context.Background(), userID)
			defer s.presence.Unregister(userID)
		}

		// The feed is one-way; inbound frames only feed the pong handler.
		go client.WritePump()
		client.ReadPump()
	})
}
