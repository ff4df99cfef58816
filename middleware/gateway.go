package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// ControlToken guards the control surface with a bearer token. An empty
// token disables the check.
func ControlToken(expected string, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		if expected == "" {
			return c.Next()
		}
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			logger.Warn("control token missing", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "control token missing",
			})
		}

		// Bearer prefix is optional
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if !equal(token, expected) {
			logger.Warn("control token rejected", zap.String("path", c.Path()), zap.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid control token",
			})
		}
		return c.Next()
	}
}

// ViewerToken checks the token query parameter of viewer streams. EventSource
// cannot set headers, so the token travels in the query.
func ViewerToken(expected string, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		if expected == "" {
			return c.Next()
		}
		token := strings.TrimSpace(c.Query("token"))
		if token == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "missing token in query",
			})
		}
		if !equal(token, expected) {
			logger.Warn("viewer token rejected", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}
		return c.Next()
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
