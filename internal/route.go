package internal

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/admin"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/deployment"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/fleet"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/index"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/auth"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/router"
)

type RouteDeps struct {
	Router   router.Config
	Auth     auth.Config
	Fleet    *fleet.Manager
	Tokens   *auth.Tokens
	Versions admin.Versions
	Metrics  http.Handler
}

func Routes(app *fiber.App, deps RouteDeps) {
	base := deps.Router.BaseURL

	// Route for Index
	// ---------------------------------------------
	if base == "" {
		app.Get("/", index.Index(deps.Fleet))
	} else {
		app.Get(base, index.Index(deps.Fleet))
		app.Get(base+"/", index.Index(deps.Fleet))
	}

	if deps.Metrics != nil {
		app.Get(base+"/metrics", adaptor.HTTPHandler(deps.Metrics))
	}

	// ============================================================
	// ADMIN ROUTES (X-Admin-Secret authentication)
	// ============================================================
	ctlAdmin := admin.NewHandler(deps.Fleet, deps.Tokens, deps.Versions)
	adminGroup := app.Group(base+"/admin", auth.AdminAuth(deps.Auth.AdminSecret))
	adminGroup.Get("/stats", router.HttpCacheInMemory(deps.Router.CacheTTLSeconds), ctlAdmin.GetStats)
	adminGroup.Get("/deployments", ctlAdmin.ListDeployments)
	adminGroup.Post("/owners/token", ctlAdmin.IssueOwnerToken)
	adminGroup.Get("/whatsapp/version", ctlAdmin.GetWhatsAppWebVersion)
	adminGroup.Post("/whatsapp/version/refresh", ctlAdmin.RefreshWhatsAppWebVersion)

	// ============================================================
	// OWNER ROUTES (JWT Bearer token authentication)
	// ============================================================
	ctlDeployment := deployment.NewHandler(deps.Fleet)
	ownerGroup := app.Group(base+"/deployments", auth.OwnerAuth(deps.Tokens))
	ownerGroup.Post("/", ctlDeployment.Deploy)
	ownerGroup.Get("/", ctlDeployment.List)
	ownerGroup.Get("/:id", ctlDeployment.Get)
	ownerGroup.Delete("/:id", ctlDeployment.Stop)
	ownerGroup.Post("/:id/redeploy", ctlDeployment.Redeploy)
}
