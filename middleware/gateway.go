// middleware/gateway.go
package middleware

import (
	"crypto/subtle"
	"strings"

	"rewards-engine/logger"

	"github.com/gofiber/fiber/v2"
)

// GatewayAuthMiddleware validates the Bearer token the platform gateway adds
// to every forwarded request.
func GatewayAuthMiddleware(expectedToken string, log *logger.Logger) fiber.Handler {
	if log == nil {
		log = logger.Nop()
	}
	expected := []byte(expectedToken)

	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			log.Warn("gateway token missing", "path", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "gateway authentication token missing",
			})
		}

		// "Bearer <token>" or the raw token
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			log.Warn("gateway token rejected", "path", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid gateway authentication token",
			})
		}
		return c.Next()
	}
}
