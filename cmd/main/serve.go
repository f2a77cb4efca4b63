package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/command"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/fleet"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/metrics"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/sessionstore"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/webhook"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/auth"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/env"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/router"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-bot-fleet/pkg/whatsapp"
)

const replyTimeout = 30 * time.Second

type Server struct {
	Address string
	Port    string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host bot, the fleet and the management API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	fleetCfg := fleet.ConfigFromEnv()
	routerCfg := router.ConfigFromEnv()
	authCfg := auth.ConfigFromEnv()
	hostCfg := pkgWhatsApp.HostConfigFromEnv(fleetCfg.DataDir)

	if err := os.MkdirAll(fleetCfg.DataDir, 0o700); err != nil {
		return err
	}

	fleetMetrics := metrics.New()

	var manager *fleet.Manager
	hookCfg := webhook.ConfigFromEnv()
	hookCfg.OnDelivered = fleetMetrics.ObserveWebhook
	hookCfg.OwnerOf = func(id string) string {
		if status, ok := manager.Status(id); ok {
			return status.OwnerID
		}
		return ""
	}
	hooks := webhook.New(hookCfg)

	manager = fleet.New(fleetCfg, fleet.Deps{
		Dialer: pkgWhatsApp.NewDialer(hostCfg.ProxyURL),
		Store:  sessionstore.New(fleetCfg.StoreFile),
		OnTransition: func(id string, from supervisor.State, to supervisor.State, reason supervisor.Reason) {
			fleetMetrics.ObserveTransition(id, from, to, reason)
			hooks.Notify(id, from, to, reason)
		},
		OnResult: fleetMetrics.ObserveResult,
	})
	versions := pkgWhatsApp.NewVersionRefresher(
		env.GetEnvDurationOrDefault("WHATSAPP_WAVERSION_REFRESH_MIN_INTERVAL", pkgWhatsApp.DefaultVersionRefreshInterval),
	)
	tokens := auth.NewTokens(authCfg.JWTSecret, authCfg.OwnerTokenTTL)

	// Running Startup Tasks
	internal.Startup(ctx, manager)
	fleetMetrics.Reconcile(manager.Stats())

	// Host bot
	var host *pkgWhatsApp.Host
	if hostCfg.Enabled {
		var err error
		host, err = startHost(ctx, hostCfg, command.NewDispatcher(command.ConfigFromEnv(), manager))
		if err != nil {
			return err
		}
	} else {
		log.Print(nil).Info("Host bot disabled; fleet is managed over HTTP only")
	}

	// Routines
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
	), cron.WithSeconds())
	internal.Routines(c, internal.RoutineDeps{
		Fleet:    manager,
		Metrics:  fleetMetrics,
		Versions: versions,
	})

	// HTTP
	app := router.New(routerCfg)
	internal.Routes(app, internal.RouteDeps{
		Router:   routerCfg,
		Auth:     authCfg,
		Fleet:    manager,
		Tokens:   tokens,
		Versions: versions,
		Metrics:  fleetMetrics.Handler(),
	})

	serverConfig := Server{
		Address: env.GetEnvStringOrDefault("SERVER_ADDRESS", "0.0.0.0"),
		Port:    env.GetEnvStringOrDefault("SERVER_PORT", "7001"),
	}

	listenErr := make(chan error, 1)
	go func() {
		log.Print(nil).WithField("address", serverConfig.Address+":"+serverConfig.Port).Info("Management API listening")
		listenErr <- app.Listen(serverConfig.Address + ":" + serverConfig.Port)
	}()

	// Watch for Shutdown Signal
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigShutdown:
		log.Print(nil).WithField("signal", sig.String()).Info("Shutting down")
	case runErr = <-listenErr:
		log.Print(nil).WithError(runErr).Error("Management API stopped")
	}

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := app.ShutdownWithContext(ctxShutdown); err != nil {
		log.Print(nil).WithError(err).Error("Failed to shut down management API")
	}
	<-c.Stop().Done()
	if host != nil {
		if err := host.Close(); err != nil {
			log.Print(nil).WithError(err).Warn("Failed to close host bot store")
		}
	}
	if err := manager.Shutdown(ctxShutdown); err != nil {
		log.Print(nil).WithError(err).Error("Fleet did not shut down cleanly")
	}
	if err := hooks.Shutdown(ctxShutdown); err != nil {
		log.Print(nil).WithError(err).Warn("Pending webhooks were abandoned")
	}
	return runErr
}

func startHost(ctx context.Context, cfg pkgWhatsApp.HostConfig, dispatcher *command.Dispatcher) (*pkgWhatsApp.Host, error) {
	host, err := pkgWhatsApp.NewHost(ctx, cfg)
	if err != nil {
		return nil, err
	}

	host.OnText(func(ctx context.Context, msg pkgWhatsApp.Incoming) {
		reply, ok := dispatcher.Handle(ctx, command.Request{
			Sender:   msg.Sender,
			PushName: msg.PushName,
			Text:     msg.Text,
			IsGroup:  msg.IsGroup,
		})
		if !ok {
			return
		}

		replyCtx, cancel := context.WithTimeout(ctx, replyTimeout)
		defer cancel()
		if err := host.Reply(replyCtx, msg.Chat, reply); err != nil {
			log.Print(nil).WithError(err).WithField("chat", log.MaskJID(msg.Chat)).Warn("Failed to reply to command")
		}
	})

	if err := host.Start(ctx); err != nil {
		_ = host.Close()
		return nil, err
	}
	return host, nil
}
