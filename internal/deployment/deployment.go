// Package deployment serves the owner facing HTTP API over the fleet.
package deployment

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/fleet"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/auth"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/router"
)

type Fleet interface {
	Deploy(ctx context.Context, blob string, ownerID string, meta fleet.OwnerMeta) fleet.Result
	Stop(ctx context.Context, id string, requesterID string) fleet.Result
	Redeploy(ctx context.Context, id string, requesterID string) fleet.Result
	Status(id string) (fleet.Status, bool)
	ListForOwner(ownerID string) []fleet.Status
}

type DeployRequest struct {
	SessionID string `json:"session_id" form:"session_id"`
}

type Handler struct {
	fleet Fleet
}

func NewHandler(f Fleet) *Handler {
	return &Handler{fleet: f}
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

// Deploy handles POST /deployments. The connection attempt runs inside the
// request, so it can take up to the fleet connect timeout.
func (h *Handler) Deploy(c *fiber.Ctx) error {
	var req DeployRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "Invalid request body")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return router.ResponseBadRequest(c, "session_id is required")
	}

	res := h.fleet.Deploy(requestContext(c), req.SessionID, auth.OwnerID(c), fleet.OwnerMeta{Name: auth.OwnerName(c)})
	if res.Success {
		return router.Respond(c, http.StatusCreated, res.Message, res)
	}
	return router.Respond(c, StatusCode(res.Reason), res.Message, res)
}

// List handles GET /deployments.
func (h *Handler) List(c *fiber.Ctx) error {
	statuses := h.fleet.ListForOwner(auth.OwnerID(c))
	if statuses == nil {
		statuses = []fleet.Status{}
	}
	return router.ResponseSuccessWithData(c, "", statuses)
}

// Get handles GET /deployments/:id.
func (h *Handler) Get(c *fiber.Ctx) error {
	id := strings.ToUpper(c.Params("id"))
	st, ok := h.fleet.Status(id)
	if !ok {
		return router.ResponseNotFound(c, "No bot with id "+id+" was found.")
	}
	if st.OwnerID != auth.OwnerID(c) {
		return router.ResponseForbidden(c, "You can only manage bots you deployed yourself.")
	}
	return router.ResponseSuccessWithData(c, "", st)
}

// Stop handles DELETE /deployments/:id.
func (h *Handler) Stop(c *fiber.Ctx) error {
	res := h.fleet.Stop(requestContext(c), strings.ToUpper(c.Params("id")), auth.OwnerID(c))
	return respondResult(c, res)
}

// Redeploy handles POST /deployments/:id/redeploy.
func (h *Handler) Redeploy(c *fiber.Ctx) error {
	res := h.fleet.Redeploy(requestContext(c), strings.ToUpper(c.Params("id")), auth.OwnerID(c))
	return respondResult(c, res)
}

func respondResult(c *fiber.Ctx, res fleet.Result) error {
	if res.Success {
		return router.Respond(c, http.StatusOK, res.Message, res)
	}
	return router.Respond(c, StatusCode(res.Reason), res.Message, res)
}

// StatusCode maps a failure reason onto an HTTP status.
func StatusCode(reason fleet.Reason) int {
	switch reason {
	case fleet.ReasonInvalidFormat, fleet.ReasonCorruptPayload, fleet.ReasonBadRequest:
		return http.StatusBadRequest
	case fleet.ReasonNotOwner:
		return http.StatusForbidden
	case fleet.ReasonNotFound:
		return http.StatusNotFound
	case fleet.ReasonQuotaExceeded, fleet.ReasonDuplicateID:
		return http.StatusConflict
	case fleet.ReasonRequiresInteractiveAuth, fleet.ReasonAuthRevoked, fleet.ReasonBanned:
		return http.StatusUnprocessableEntity
	case fleet.ReasonRateLimited:
		return http.StatusTooManyRequests
	case fleet.ReasonTimeout:
		return http.StatusGatewayTimeout
	case fleet.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
