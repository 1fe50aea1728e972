package middleware

import (
	"strings"

	"ledgerimport/pkg/auth"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// AuthMiddleware validates the bearer token and exposes the caller's
// identity to handlers via the userID, username and email locals.
func AuthMiddleware(jwtManager *auth.JWTManager, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := strings.TrimSpace(strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer"))
		if token == "" {
			logger.Warn("Missing authorization token", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization token required",
			})
		}

		claims, err := jwtManager.ValidateToken(token)
		if err != nil {
			logger.Warn("Rejected bearer token", zap.String("path", c.Path()), zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("userID", claims.UserID)
		c.Locals("username", claims.Username)
		c.Locals("email", claims.Email)

		return c.Next()
	}
}
