package router

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

// RecoveryMiddleware converts panics into the JSON envelope. Register it
// before any route.
func RecoveryMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				message := fmt.Sprintf("%v", rec)
				log.Print(c).Error("panic recovered: " + message)
				err = c.Status(fiber.StatusInternalServerError).JSON(Response{
					Code:    fiber.StatusInternalServerError,
					Message: "Internal Server Error",
					Error:   "Internal Server Error",
				})
			}
		}()
		return c.Next()
	}
}
