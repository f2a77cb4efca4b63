package index

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/router"
)

type Stats interface {
	Stats() map[supervisor.State]int
}

type Health struct {
	Deployments int `json:"deployments"`
	Active      int `json:"active"`
}

// Index reports that the server is up with a coarse fleet count. It is
// unauthenticated, so it never lists deployments.
func Index(fleet Stats) fiber.Handler {
	return func(c *fiber.Ctx) error {
		stats := fleet.Stats()
		total := 0
		for _, n := range stats {
			total += n
		}
		return router.ResponseSuccessWithData(c, "WhatsApp bot fleet is running", Health{
			Deployments: total,
			Active:      stats[supervisor.StateActive],
		})
	}
}
