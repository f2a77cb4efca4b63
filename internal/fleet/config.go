package fleet

import (
	"path/filepath"
	"time"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/env"
)

const (
	minConnectTimeout = 30 * time.Second
	maxConnectTimeout = 60 * time.Second
)

type Config struct {
	DataDir     string
	StoreFile   string
	MaxPerOwner int
	IDPrefix    string

	ConnectTimeout    time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	RateLimitedFactor int

	DialInterval time.Duration
	DialBurst    int

	WelcomeEnabled bool

	RestoreOnStartup   bool
	RestoreConcurrency int
}

func DefaultConfig() Config {
	return Config{
		DataDir:            "./data",
		MaxPerOwner:        10,
		IDPrefix:           "BOT_",
		ConnectTimeout:     supervisor.DefaultConnectTimeout,
		MaxAttempts:        supervisor.DefaultMaxAttempts,
		BaseDelay:          supervisor.DefaultBaseDelay,
		RateLimitedFactor:  supervisor.DefaultRateLimitedFactor,
		DialInterval:       time.Second,
		DialBurst:          3,
		WelcomeEnabled:     true,
		RestoreConcurrency: 5,
	}
}

func ConfigFromEnv() Config {
	def := DefaultConfig()

	cfg := Config{
		DataDir:            env.GetEnvStringOrDefault("FLEET_DATA_DIR", def.DataDir),
		MaxPerOwner:        env.GetEnvPositiveIntOrDefault("FLEET_MAX_PER_OWNER", def.MaxPerOwner, 1),
		IDPrefix:           env.GetEnvStringOrDefault("FLEET_ID_PREFIX", def.IDPrefix),
		ConnectTimeout:     env.GetEnvDurationOrDefault("FLEET_CONNECT_TIMEOUT", def.ConnectTimeout),
		MaxAttempts:        env.GetEnvPositiveIntOrDefault("FLEET_RECONNECT_MAX_ATTEMPTS", def.MaxAttempts, 1),
		BaseDelay:          env.GetEnvDurationOrDefault("FLEET_RECONNECT_BASE_DELAY", def.BaseDelay),
		RateLimitedFactor:  env.GetEnvPositiveIntOrDefault("FLEET_RATE_LIMITED_BACKOFF_FACTOR", def.RateLimitedFactor, 1),
		DialInterval:       env.GetEnvDurationOrDefault("FLEET_DIAL_RATE_INTERVAL", def.DialInterval),
		DialBurst:          env.GetEnvPositiveIntOrDefault("FLEET_DIAL_BURST", def.DialBurst, 1),
		WelcomeEnabled:     env.GetEnvBoolOrDefault("FLEET_WELCOME_ENABLED", def.WelcomeEnabled),
		RestoreOnStartup:   env.GetEnvBoolOrDefault("FLEET_RESTORE_ON_STARTUP", def.RestoreOnStartup),
		RestoreConcurrency: env.GetEnvPositiveIntOrDefault("FLEET_RESTORE_CONCURRENCY", def.RestoreConcurrency, 1),
	}
	cfg.StoreFile = env.GetEnvStringOrDefault("FLEET_STORE_FILE", filepath.Join(cfg.DataDir, "deployments.json"))
	cfg.ConnectTimeout = clampConnectTimeout(cfg.ConnectTimeout)
	return cfg
}

func clampConnectTimeout(d time.Duration) time.Duration {
	switch {
	case d < minConnectTimeout:
		return minConnectTimeout
	case d > maxConnectTimeout:
		return maxConnectTimeout
	default:
		return d
	}
}

func (c Config) SessionDir(id string) string {
	return filepath.Join(c.DataDir, "sessions", id)
}
