package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/router"
)

const (
	localOwnerID   = "owner_id"
	localOwnerName = "owner_name"
)

// AdminAuth validates the X-Admin-Secret header for admin endpoints.
func AdminAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		adminSecret := c.Get("X-Admin-Secret")
		if adminSecret == "" {
			return router.ResponseUnauthorized(c, "Missing X-Admin-Secret header")
		}

		if secret == "" {
			return router.ResponseInternalError(c, "Admin secret key not configured")
		}

		if subtle.ConstantTimeCompare([]byte(adminSecret), []byte(secret)) != 1 {
			return router.ResponseUnauthorized(c, "Invalid admin secret")
		}

		return c.Next()
	}
}

// OwnerAuth validates "Authorization: Bearer <jwt>" and stores the owner in
// locals for OwnerID and OwnerName.
func OwnerAuth(tokens *Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !tokens.Enabled() {
			return router.ResponseInternalError(c, "JWT secret key not configured")
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return router.ResponseUnauthorized(c, "Missing Authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return router.ResponseUnauthorized(c, "Invalid Authorization header format. Use: Bearer <token>")
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			return router.ResponseUnauthorized(c, "Missing token")
		}

		claims, err := tokens.ValidateOwnerToken(tokenString)
		if err != nil {
			return router.ResponseUnauthorized(c, "Invalid or expired token")
		}

		c.Locals(localOwnerID, claims.Subject)
		c.Locals(localOwnerName, claims.Name)
		return c.Next()
	}
}

func OwnerID(c *fiber.Ctx) string {
	id, _ := c.Locals(localOwnerID).(string)
	return id
}

func OwnerName(c *fiber.Ctx) string {
	name, _ := c.Locals(localOwnerName).(string)
	return name
}
