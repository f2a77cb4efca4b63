package internal

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/fleet"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/env"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-bot-fleet/pkg/whatsapp"
)

const healthCheckSpec = "0 */5 * * * *"

type Fleet interface {
	ListAll() []fleet.Status
	Stats() map[supervisor.State]int
}

type Reconciler interface {
	Reconcile(stats map[supervisor.State]int)
}

type Refresher interface {
	Refresh(ctx context.Context, force bool) (pkgWhatsApp.VersionStatus, bool, error)
}

type RoutineDeps struct {
	Fleet    Fleet
	Metrics  Reconciler
	Versions Refresher
}

type routineConfig struct {
	healthCheck        bool
	versionRefresh     bool
	versionRefreshSpec string
	versionForce       bool
}

func routineConfigFromEnv() routineConfig {
	return routineConfig{
		healthCheck:    env.GetEnvBoolOrDefault("WHATSAPP_ENABLE_HEALTH_CHECK_CRON", true),
		versionRefresh: env.GetEnvBoolOrDefault("WHATSAPP_ENABLE_WAVERSION_REFRESH_CRON", false),
		// robfig/cron with seconds field (6 parts). Default: daily at 03:00:00.
		versionRefreshSpec: env.GetEnvStringOrDefault("WHATSAPP_WAVERSION_REFRESH_CRON_SPEC", "0 0 3 * * *"),
		versionForce:       env.GetEnvBoolOrDefault("WHATSAPP_WAVERSION_REFRESH_CRON_FORCE", false),
	}
}

// Routines schedules the background jobs and starts the cron.
func Routines(c *cron.Cron, deps RoutineDeps) {
	log.Print(nil).Info("Running Routine Tasks")
	cfg := routineConfigFromEnv()

	if cfg.healthCheck {
		if _, err := c.AddFunc(healthCheckSpec, func() { healthCheck(deps) }); err != nil {
			log.Print(nil).WithError(err).Error("Failed to add health check cron job")
		}
	} else {
		log.Print(nil).Info("Health check cron disabled; deployment gauges will not be reconciled")
	}

	if cfg.versionRefresh && deps.Versions != nil {
		_, err := c.AddFunc(cfg.versionRefreshSpec, func() { refreshVersion(deps.Versions, cfg.versionForce) })
		if err != nil {
			log.Print(nil).WithError(err).Error("Failed to add WA Web version refresh cron job")
		} else {
			log.Print(nil).WithField("spec", cfg.versionRefreshSpec).WithField("force", cfg.versionForce).Info("WA Web version refresh cron enabled")
		}
	}

	c.Start()
}

// healthCheck refreshes the per-state gauge and reports deployments that
// need their owner's attention. It returns how many were unhealthy.
func healthCheck(deps RoutineDeps) int {
	if deps.Metrics != nil {
		deps.Metrics.Reconcile(deps.Fleet.Stats())
	}

	unhealthy := 0
	for _, st := range deps.Fleet.ListAll() {
		switch st.State {
		case supervisor.StateFailed, supervisor.StateDisconnected:
			unhealthy++
			log.Deployment(st.ID, st.OwnerID).
				WithField("state", st.State).
				WithField("reason", st.LastReason).
				WithField("attempts", st.Attempts).
				Warn("Deployment unhealthy")
		case supervisor.StatePending:
			if st.Restored {
				log.Deployment(st.ID, st.OwnerID).Debug("Restored deployment waiting for redeploy")
			}
		}
	}
	return unhealthy
}

func refreshVersion(versions Refresher, force bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, refreshed, err := versions.Refresh(ctx, force)
	if err != nil {
		log.Print(nil).WithField("version", status.CurrentVersion).WithField("force", force).Error("WA Web version refresh failed: " + err.Error())
		return
	}
	log.Print(nil).WithField("version", status.CurrentVersion).WithField("refreshed", refreshed).WithField("force", force).Info("WA Web version refresh completed")
}
