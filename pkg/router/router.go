package router

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"

	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/env"
)

type Config struct {
	BaseURL         string
	CORSOrigin      string
	BodyLimit       int
	GZipLevel       int
	CacheTTLSeconds int
}

func ConfigFromEnv() Config {
	return Config{
		// HTTP_BASE_URL: empty by default (no prefix)
		BaseURL:    normalizeBaseURL(env.GetEnvStringOrDefault("HTTP_BASE_URL", "")),
		CORSOrigin: env.GetEnvStringOrDefault("HTTP_CORS_ORIGIN", "*"),
		// Session blobs are a few KB, the API never needs large bodies.
		BodyLimit:       parseBodyLimit(env.GetEnvStringOrDefault("HTTP_BODY_LIMIT_SIZE", "1M")),
		GZipLevel:       env.GetEnvIntOrDefault("HTTP_GZIP_LEVEL", 1),
		CacheTTLSeconds: env.GetEnvIntOrDefault("HTTP_CACHE_TTL_SECONDS", 5),
	}
}

// New builds the fiber app with the shared middleware stack. Routes are
// registered by the caller.
func New(cfg Config) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          HttpErrorHandler,
		BodyLimit:             cfg.BodyLimit,
		ReadBufferSize:        8192,
		DisableStartupMessage: true,
	})

	app.Use(HttpRequestID())
	app.Use(RecoveryMiddleware())
	app.Use(compress.New(compress.Config{
		Level: compress.Level(cfg.GZipLevel),
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigin,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Secret",
		AllowMethods: "GET,POST,DELETE",
	}))
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))
	app.Use(HttpRealIP())

	app.Get("/favicon.ico", ResponseNoContent)
	return app
}

func normalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	return "/" + strings.TrimLeft(base, "/")
}

func parseBodyLimit(limit string) int {
	const defaultLimit = 1024 * 1024
	limit = strings.TrimSpace(strings.ToUpper(limit))
	if limit == "" {
		return defaultLimit
	}
	multiplier := 1
	switch {
	case strings.HasSuffix(limit, "K"):
		multiplier = 1024
		limit = strings.TrimSuffix(limit, "K")
	case strings.HasSuffix(limit, "M"):
		multiplier = 1024 * 1024
		limit = strings.TrimSuffix(limit, "M")
	case strings.HasSuffix(limit, "G"):
		multiplier = 1024 * 1024 * 1024
		limit = strings.TrimSuffix(limit, "G")
	}
	value, err := strconv.Atoi(strings.TrimSpace(limit))
	if err != nil || value <= 0 {
		return defaultLimit
	}
	return value * multiplier
}
