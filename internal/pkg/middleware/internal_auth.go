package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/timipay/kkbridge/internal/pkg/env"
)

// InternalAuthMiddleware authenticates service-to-service requests carrying
// the shared internal token. The order API sits behind it; only the bot
// backend holds the token.
func InternalAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := env.GetEnv("INTERNAL_API_TOKEN", "")
		if expected == "" {
			log.Error("[InternalAuth] INTERNAL_API_TOKEN is not configured, rejecting request")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Auth not configured"})
		}

		token := extractInternalToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing internal token"})
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid internal token"})
		}

		return c.Next()
	}
}

func extractInternalToken(c *fiber.Ctx) string {
	token := strings.TrimSpace(c.Get("X-Internal-Token"))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
