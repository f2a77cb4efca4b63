package internal

import (
	"context"
	"time"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/fleet"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

// Restorer is the startup surface of fleet.Manager.
type Restorer interface {
	Config() fleet.Config
	Restore(ctx context.Context) (int, error)
	ReconnectRestored(ctx context.Context) (reconnected int, failures int)
}

// Startup reloads the persisted deployment list. Restored deployments stay
// pending until redeployed unless FLEET_RESTORE_ON_STARTUP is set.
func Startup(ctx context.Context, m Restorer) {
	log.Print(nil).Info("Running Startup Tasks")

	restored, err := m.Restore(ctx)
	if err != nil {
		// The store fails open with an empty list.
		log.Print(nil).WithError(err).Error("Failed to load deployment list, starting with an empty fleet")
		return
	}

	cfg := m.Config()
	if !cfg.RestoreOnStartup || restored == 0 {
		log.Print(nil).
			WithField("restored", restored).
			WithField("reconnect", cfg.RestoreOnStartup).
			Info("Startup restore pass complete")
		return
	}

	started := time.Now()
	reconnected, failures := m.ReconnectRestored(ctx)
	log.Print(nil).
		WithField("restored", restored).
		WithField("reconnected", reconnected).
		WithField("failed", failures).
		WithField("concurrency", cfg.RestoreConcurrency).
		WithField("elapsed", time.Since(started).Round(time.Millisecond).String()).
		Info("Startup reconnect pass complete")
}
