package auth

import (
	"time"

	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/env"
)

const DefaultOwnerTokenTTL = 30 * 24 * time.Hour

type Config struct {
	// AdminSecret guards /admin/*. Empty disables the admin API.
	AdminSecret string
	// JWTSecret signs owner tokens. Empty disables the owner API.
	JWTSecret     string
	OwnerTokenTTL time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		AdminSecret:   env.GetEnvStringOrDefault("ADMIN_SECRET_KEY", ""),
		JWTSecret:     env.GetEnvStringOrDefault("JWT_SECRET_KEY", ""),
		OwnerTokenTTL: env.GetEnvDurationOrDefault("JWT_OWNER_TOKEN_TTL", DefaultOwnerTokenTTL),
	}
}
