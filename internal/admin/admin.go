package admin

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/fleet"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/auth"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/router"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/validation"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-bot-fleet/pkg/whatsapp"
)

type Fleet interface {
	ListAll() []fleet.Status
	Stats() map[supervisor.State]int
}

type Versions interface {
	Status() pkgWhatsApp.VersionStatus
	Refresh(ctx context.Context, force bool) (pkgWhatsApp.VersionStatus, bool, error)
}

type OwnerTokenRequest struct {
	OwnerID string `json:"owner_id" form:"owner_id"`
	Name    string `json:"name" form:"name"`
	// TTL is a Go duration such as "720h". Empty uses the server default.
	TTL string `json:"ttl" form:"ttl"`
}

type OwnerTokenResponse struct {
	OwnerID   string    `json:"owner_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type StatsResponse struct {
	Total   int                      `json:"total"`
	ByState map[supervisor.State]int `json:"by_state"`
}

type VersionRefreshResponse struct {
	pkgWhatsApp.VersionStatus
	Refreshed bool `json:"refreshed"`
}

type Handler struct {
	fleet    Fleet
	tokens   *auth.Tokens
	versions Versions
}

func NewHandler(f Fleet, tokens *auth.Tokens, versions Versions) *Handler {
	return &Handler{fleet: f, tokens: tokens, versions: versions}
}

// ListDeployments handles GET /admin/deployments.
func (h *Handler) ListDeployments(c *fiber.Ctx) error {
	statuses := h.fleet.ListAll()
	if statuses == nil {
		statuses = []fleet.Status{}
	}
	return router.ResponseSuccessWithData(c, "", statuses)
}

// GetStats handles GET /admin/stats.
func (h *Handler) GetStats(c *fiber.Ctx) error {
	byState := h.fleet.Stats()
	total := 0
	for _, n := range byState {
		total += n
	}
	return router.ResponseSuccessWithData(c, "", StatsResponse{Total: total, ByState: byState})
}

// IssueOwnerToken handles POST /admin/owners/token.
func (h *Handler) IssueOwnerToken(c *fiber.Ctx) error {
	var req OwnerTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "Invalid request body")
	}

	ownerID, err := validation.OwnerID(req.OwnerID)
	if err != nil {
		return router.ResponseBadRequest(c, "owner_id: "+err.Error())
	}

	var ttl time.Duration
	if strings.TrimSpace(req.TTL) != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			return router.ResponseBadRequest(c, "ttl must be a positive duration such as 720h")
		}
		ttl = parsed
	}

	token, expires, err := h.tokens.IssueOwnerToken(ownerID, strings.TrimSpace(req.Name), ttl)
	if err != nil {
		return router.ResponseInternalError(c, "Failed to issue token: "+err.Error())
	}
	return router.ResponseCreatedWithData(c, "Owner token issued", OwnerTokenResponse{
		OwnerID:   ownerID,
		Token:     token,
		ExpiresAt: expires,
	})
}

// GetWhatsAppWebVersion handles GET /admin/whatsapp/version.
func (h *Handler) GetWhatsAppWebVersion(c *fiber.Ctx) error {
	return router.ResponseSuccessWithData(c, "", h.versions.Status())
}

// RefreshWhatsAppWebVersion handles POST /admin/whatsapp/version/refresh.
// ?force=true skips the minimum interval.
func (h *Handler) RefreshWhatsAppWebVersion(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 30*time.Second)
	defer cancel()

	status, refreshed, err := h.versions.Refresh(ctx, c.QueryBool("force", false))
	if err != nil {
		return router.ResponseBadGateway(c, "WhatsApp Web version refresh failed: "+err.Error())
	}
	return router.ResponseSuccessWithData(c, "", VersionRefreshResponse{VersionStatus: status, Refreshed: refreshed})
}
