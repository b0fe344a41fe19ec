package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruslanways/postways-v2/internal/cache"
	"github.com/ruslanways/postways-v2/internal/models"
	"github.com/ruslanways/postways-v2/internal/tokens"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthMiddlewareServer(t *testing.T) (*Server, *fiber.App) {
	t.Helper()

	ledger := newMemoryTokenRepo()
	cfg := testConfig()
	s := &Server{
		config:       cfg,
		tokenRepo:    ledger,
		tokenManager: tokens.NewManager(cfg, ledger),
	}

	app := fiber.New()
	app.Get("/protected", s.AuthRequired(), func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"userID": c.Locals("userID")})
	})
	app.Get("/whoami", func(c *fiber.Ctx) error {
		userID, authed := s.optionalUserID(c)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"userID": userID, "authed": authed})
	})
	return s, app
}

func TestServer_AuthRequired(t *testing.T) {
	s, app := newAuthMiddlewareServer(t)

	pair, err := s.tokenManager.IssuePair(context.Background(), &models.User{ID: 123, Username: "alice"})
	require.NoError(t, err)

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{
			name:           "Valid Access Token",
			authHeader:     "Bearer " + pair.Access,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Refresh Token Rejected",
			authHeader:     "Bearer " + pair.Refresh,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Garbage Token",
			authHeader:     "Bearer not.a.token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Missing Header",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Malformed Bearer Format",
			authHeader:     "BearerTokenOnly",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			resp, err := app.Test(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusOK {
				var body map[string]any
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, float64(123), body["userID"])
			}
		})
	}
}

func TestServer_AuthRequired_WrongSecret(t *testing.T) {
	_, app := newAuthMiddlewareServer(t)

	otherLedger := newMemoryTokenRepo()
	otherCfg := testConfig()
	otherCfg.JWTSecret = "a-completely-different-secret-key"
	foreign := tokens.NewManager(otherCfg, otherLedger)

	pair, err := foreign.IssuePair(context.Background(), &models.User{ID: 1, Username: "mallory"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+pair.Access)

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_AuthRequired_RevokedViaRedisMirror(t *testing.T) {
	s, app := newAuthMiddlewareServer(t)

	mr := miniredis.RunT(t)
	s.redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = s.redis.Close() })

	pair, err := s.tokenManager.IssuePair(context.Background(), &models.User{ID: 1, Username: "alice"})
	require.NoError(t, err)
	claims, err := s.tokenManager.Parse(pair.Access)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+pair.Access)

	resp, err := app.Test(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Mirror the revoked jti and the same token stops working.
	require.NoError(t, mr.Set(cache.BlacklistKey(claims.JTI), "1"))
	mr.SetTTL(cache.BlacklistKey(claims.JTI), time.Minute)

	resp, err = app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_OptionalUserID(t *testing.T) {
	s, app := newAuthMiddlewareServer(t)

	pair, err := s.tokenManager.IssuePair(context.Background(), &models.User{ID: 42, Username: "alice"})
	require.NoError(t, err)

	t.Run("Anonymous", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, false, body["authed"])
		assert.Equal(t, float64(0), body["userID"])
	})

	t.Run("Bearer Header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+pair.Access)
		resp, err := app.Test(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, true, body["authed"])
		assert.Equal(t, float64(42), body["userID"])
	})

	// WebSocket upgrades cannot set headers from a browser, so the token
	// may ride in the query string.
	t.Run("Query Param", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami?token="+pair.Access, nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, true, body["authed"])
		assert.Equal(t, float64(42), body["userID"])
	})

	t.Run("Refresh Token Not Accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami?token="+pair.Refresh, nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, false, body["authed"])
	})
}
