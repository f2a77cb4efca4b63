package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

type Response struct {
	Status  bool        `json:"status"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func logResponse(c *fiber.Ctx, code int, message string) {
	line := fmt.Sprintf("%d %v", code, message)
	if code >= http.StatusInternalServerError {
		log.Print(c).Error(line)
	} else if code >= http.StatusBadRequest {
		log.Print(c).Warn(line)
	} else {
		log.Print(c).Info(line)
	}
}

// Respond writes the standard envelope. Codes of 400 and above are failures.
func Respond(c *fiber.Ctx, code int, message string, data interface{}) error {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(code)
	}
	response := Response{
		Status:  code < http.StatusBadRequest,
		Code:    code,
		Message: message,
		Data:    data,
	}
	if !response.Status {
		response.Error = message
	}

	logResponse(c, code, message)
	return c.Status(code).JSON(response)
}

func ResponseSuccess(c *fiber.Ctx, message string) error {
	return Respond(c, http.StatusOK, message, nil)
}

func ResponseSuccessWithData(c *fiber.Ctx, message string, data interface{}) error {
	return Respond(c, http.StatusOK, message, data)
}

func ResponseCreatedWithData(c *fiber.Ctx, message string, data interface{}) error {
	return Respond(c, http.StatusCreated, message, data)
}

func ResponseNoContent(c *fiber.Ctx) error {
	return c.SendStatus(http.StatusNoContent)
}

func ResponseNotFound(c *fiber.Ctx, message string) error {
	return Respond(c, http.StatusNotFound, message, nil)
}

func ResponseUnauthorized(c *fiber.Ctx, message string) error {
	return Respond(c, http.StatusUnauthorized, message, nil)
}

func ResponseForbidden(c *fiber.Ctx, message string) error {
	return Respond(c, http.StatusForbidden, message, nil)
}

func ResponseBadRequest(c *fiber.Ctx, message string) error {
	return Respond(c, http.StatusBadRequest, message, nil)
}

func ResponseInternalError(c *fiber.Ctx, message string) error {
	return Respond(c, http.StatusInternalServerError, message, nil)
}

func ResponseBadGateway(c *fiber.Ctx, message string) error {
	return Respond(c, http.StatusBadGateway, message, nil)
}
