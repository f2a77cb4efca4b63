package router

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, app *fiber.App, method, path string, headers map[string]string) (int, Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body Response
	if resp.StatusCode != fiber.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp.StatusCode, body, resp.Header.Get(HeaderRequestID)
}

func TestParseBodyLimit(t *testing.T) {
	assert.Equal(t, 512*1024, parseBodyLimit("512k"))
	assert.Equal(t, 8*1024*1024, parseBodyLimit(" 8M "))
	assert.Equal(t, 1024*1024*1024, parseBodyLimit("1G"))
	assert.Equal(t, 300, parseBodyLimit("300"))
	assert.Equal(t, 1024*1024, parseBodyLimit(""))
	assert.Equal(t, 1024*1024, parseBodyLimit("-5M"))
	assert.Equal(t, 1024*1024, parseBodyLimit("lots"))
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "", normalizeBaseURL(""))
	assert.Equal(t, "", normalizeBaseURL(" / "))
	assert.Equal(t, "/api", normalizeBaseURL("api/"))
	assert.Equal(t, "/api/v1", normalizeBaseURL("/api/v1"))
}

func TestEnvelopeAndRequestID(t *testing.T) {
	app := New(Config{CORSOrigin: "*", BodyLimit: 1024, GZipLevel: 1})
	app.Get("/ok", func(c *fiber.Ctx) error {
		return ResponseSuccessWithData(c, "", fiber.Map{"n": 1})
	})
	app.Get("/missing", func(c *fiber.Ctx) error {
		return ResponseNotFound(c, "nothing here")
	})

	code, body, requestID := decode(t, app, "GET", "/ok", nil)
	assert.Equal(t, 200, code)
	assert.True(t, body.Status)
	assert.Equal(t, "OK", body.Message)
	assert.Empty(t, body.Error)
	_, err := uuid.Parse(requestID)
	assert.NoError(t, err)

	code, body, requestID = decode(t, app, "GET", "/missing", map[string]string{HeaderRequestID: "trace-1"})
	assert.Equal(t, 404, code)
	assert.False(t, body.Status)
	assert.Equal(t, "nothing here", body.Error)
	assert.Equal(t, "trace-1", requestID)
}

func TestFiberErrorsUseEnvelope(t *testing.T) {
	app := New(Config{BodyLimit: 1024})
	code, body, _ := decode(t, app, "GET", "/nope", nil)
	assert.Equal(t, 404, code)
	assert.False(t, body.Status)
	assert.Equal(t, 404, body.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	app := New(Config{BodyLimit: 1024})
	app.Get("/boom", func(c *fiber.Ctx) error {
		panic("kaput")
	})

	code, body, _ := decode(t, app, "GET", "/boom", nil)
	assert.Equal(t, 500, code)
	assert.False(t, body.Status)
	assert.NotContains(t, body.Message, "kaput")
}

func TestRealIP(t *testing.T) {
	app := fiber.New()
	app.Use(HttpRealIP())
	app.Get("/ip", func(c *fiber.Ctx) error {
		ip, _ := c.Locals("remote_ip").(string)
		return c.SendString(ip)
	})

	req := httptest.NewRequest("GET", "/ip", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, _ := resp.Body.Read(buf)
	assert.Equal(t, "203.0.113.7", string(buf[:n]))
}
