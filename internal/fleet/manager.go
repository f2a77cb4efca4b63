// Package fleet is the entry point the rest of the bot uses to deploy, stop
// and inspect user-owned bot instances.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/credential"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/registry"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

// Store persists owner to deployment assignments across restarts.
type Store interface {
	Load(ctx context.Context) (map[string][]string, error)
	Append(ctx context.Context, ownerID string, deploymentID string) error
	Remove(ctx context.Context, ownerID string, deploymentID string) error
}

// OwnerMeta is informational data about the requesting user.
type OwnerMeta struct {
	Name string
}

type Deps struct {
	Dialer   supervisor.Dialer
	Store    Store
	Registry *registry.Registry
	// OnTransition observes every deployment state change.
	OnTransition func(id string, from supervisor.State, to supervisor.State, reason supervisor.Reason)
	// OnResult observes the outcome of Deploy, Stop and Redeploy.
	OnResult func(operation string, result Result)
}

type Status struct {
	ID          string            `json:"deployment_id"`
	OwnerID     string            `json:"owner_id"`
	OwnerName   string            `json:"owner_name,omitempty"`
	State       supervisor.State  `json:"state"`
	Active      bool              `json:"is_active"`
	DeployedAt  time.Time         `json:"deployed_at"`
	Uptime      time.Duration     `json:"uptime"`
	ActiveSince *time.Time        `json:"active_since,omitempty"`
	Attempts    int               `json:"attempts"`
	LastReason  supervisor.Reason `json:"last_reason,omitempty"`
	Restored    bool              `json:"restored"`
}

type Manager struct {
	cfg       Config
	dialer    supervisor.Dialer
	store     Store
	registry  *registry.Registry
	scheduler *supervisor.Scheduler
	limiter   *rate.Limiter
	observe   func(id string, from supervisor.State, to supervisor.State, reason supervisor.Reason)
	onResult  func(operation string, result Result)

	// reserve serializes quota checks with id reservation.
	reserve sync.Mutex

	now   func() time.Time
	newID func(prefix string) (string, error)
}

func New(cfg Config, deps Deps) *Manager {
	if cfg.MaxPerOwner <= 0 {
		cfg.MaxPerOwner = DefaultConfig().MaxPerOwner
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = DefaultConfig().IDPrefix
	}
	// Lookups from chat and HTTP upper-case the id they are given.
	cfg.IDPrefix = strings.ToUpper(cfg.IDPrefix)
	if cfg.RestoreConcurrency <= 0 {
		cfg.RestoreConcurrency = DefaultConfig().RestoreConcurrency
	}
	reg := deps.Registry
	if reg == nil {
		reg = registry.New()
	}

	var limiter *rate.Limiter
	if cfg.DialInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.DialInterval), max(cfg.DialBurst, 1))
	}

	return &Manager{
		cfg:       cfg,
		dialer:    deps.Dialer,
		store:     deps.Store,
		registry:  reg,
		scheduler: supervisor.NewScheduler(),
		limiter:   limiter,
		observe:   deps.OnTransition,
		onResult:  deps.OnResult,
		now:       time.Now,
		newID:     randomID,
	}
}

func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) supervisorConfig(welcome func(context.Context, supervisor.Conn) error) supervisor.Config {
	return supervisor.Config{
		ConnectTimeout:    m.cfg.ConnectTimeout,
		MaxAttempts:       m.cfg.MaxAttempts,
		BaseDelay:         m.cfg.BaseDelay,
		RateLimitedFactor: m.cfg.RateLimitedFactor,
		Limiter:           m.limiter,
		Scheduler:         m.scheduler,
		Welcome:           welcome,
		OnTransition:      m.observe,
	}
}

func (m *Manager) welcomeFor(id string, meta OwnerMeta) func(context.Context, supervisor.Conn) error {
	if !m.cfg.WelcomeEnabled {
		return nil
	}
	return func(ctx context.Context, conn supervisor.Conn) error {
		return conn.SendText(ctx, conn.SelfID(), welcomeText(id, meta))
	}
}

func welcomeText(id string, meta OwnerMeta) string {
	greeting := "Hello"
	if meta.Name != "" {
		greeting += " " + meta.Name
	}
	return fmt.Sprintf("%s, your bot is now online.\n\nDeployment ID: %s\nKeep this ID to check or stop the bot later.", greeting, id)
}

func (m *Manager) report(operation string, res Result) Result {
	if m.onResult != nil {
		m.onResult(operation, res)
	}
	return res
}

// Deploy decodes blob, connects it and records it under ownerID. Any failure
// after the id was reserved is rolled back completely.
func (m *Manager) Deploy(ctx context.Context, blob string, ownerID string, meta OwnerMeta) Result {
	return m.report("deploy", m.deploy(ctx, blob, ownerID, meta))
}

func (m *Manager) deploy(ctx context.Context, blob string, ownerID string, meta OwnerMeta) Result {
	logger := log.Deployment("", ownerID)

	if ownerID == "" {
		return failed(ReasonNotOwner, "", "")
	}
	if m.registry.CountForOwner(ownerID) >= m.cfg.MaxPerOwner {
		return failed(ReasonQuotaExceeded, "", strconv.Itoa(m.cfg.MaxPerOwner))
	}

	material, err := credential.Decode(blob)
	if err != nil {
		logger.WithError(err).Info("Rejected session blob")
		if errors.Is(err, credential.ErrInvalidFormat) {
			return failed(ReasonInvalidFormat, "", "")
		}
		return failed(ReasonCorruptPayload, "", "")
	}

	m.reserve.Lock()
	if m.registry.CountForOwner(ownerID) >= m.cfg.MaxPerOwner {
		m.reserve.Unlock()
		return failed(ReasonQuotaExceeded, "", strconv.Itoa(m.cfg.MaxPerOwner))
	}
	id, err := m.nextID()
	if err != nil {
		m.reserve.Unlock()
		logger.WithError(err).Error("Failed to generate deployment id")
		return failed(ReasonDuplicateID, "", "")
	}
	dir := m.cfg.SessionDir(id)
	sup := supervisor.New(
		supervisor.Target{ID: id, Dir: dir, Material: material},
		ownerID, m.dialer, m.supervisorConfig(m.welcomeFor(id, meta)),
	)
	err = m.registry.Register(registry.Deployment{
		ID:         id,
		OwnerID:    ownerID,
		OwnerName:  meta.Name,
		SessionDir: dir,
		DeployedAt: m.now(),
		Supervisor: sup,
	})
	m.reserve.Unlock()
	if err != nil {
		return failed(ReasonDuplicateID, "", "")
	}

	logger = log.Deployment(id, ownerID)
	logger.WithField("credentials", material.Summary()).Info("Deploying bot")

	if err := sup.Open(ctx); err != nil {
		m.rollback(id, sup, dir)
		reason := fromSupervisor(supervisor.ReasonOf(err))
		logger.WithError(err).WithField("reason", reason).Warn("Deployment failed to connect")
		if errors.Is(err, supervisor.ErrStopped) {
			return Result{Reason: ReasonUnknown, DeploymentID: id, Message: fmt.Sprintf("Bot %s was stopped before it finished connecting.", id)}
		}
		return failed(reason, id, err.Error())
	}

	if err := m.store.Append(ctx, ownerID, id); err != nil {
		logger.WithError(err).Error("Failed to persist deployment, rolling back")
		m.rollback(id, sup, dir)
		return failed(ReasonStoreUnavailable, id, "")
	}

	// A Stop that raced the append has already cleaned up everything else.
	if current, ok := m.registry.Get(id); !ok || current.Supervisor != sup {
		if err := m.store.Remove(ctx, ownerID, id); err != nil {
			logger.WithError(err).Warn("Failed to drop stopped deployment from store")
		}
		return Result{Reason: ReasonUnknown, DeploymentID: id, Message: fmt.Sprintf("Bot %s was stopped before it finished connecting.", id)}
	}

	logger.Info("Bot deployed")
	return succeeded(id, "Bot deployed successfully. Deployment ID: %s", id)
}

func (m *Manager) rollback(id string, sup *supervisor.Supervisor, dir string) {
	sup.Close()
	if current, ok := m.registry.Get(id); ok && current.Supervisor == sup {
		m.registry.Remove(id)
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Deployment(id, "").WithError(err).Warn("Failed to remove session directory")
	}
}

// Stop tears a deployment down. Only its owner may stop it; past that check
// every cleanup step runs even if an earlier one failed.
func (m *Manager) Stop(ctx context.Context, id string, requesterID string) Result {
	return m.report("stop", m.stop(ctx, id, requesterID))
}

func (m *Manager) stop(ctx context.Context, id string, requesterID string) Result {
	d, ok := m.registry.Get(id)
	if !ok {
		return failed(ReasonNotFound, id, "")
	}
	if d.OwnerID != requesterID {
		log.Deployment(id, requesterID).Warn("Refused to stop a bot owned by someone else")
		return failed(ReasonNotOwner, id, "")
	}
	logger := log.Deployment(id, d.OwnerID)

	if d.Supervisor != nil {
		if err := d.Supervisor.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close connection")
		}
	}
	m.scheduler.Cancel(id)
	m.registry.Remove(id)

	storeErr := m.store.Remove(ctx, d.OwnerID, id)
	if err := os.RemoveAll(d.SessionDir); err != nil {
		logger.WithError(err).Warn("Failed to remove session directory")
	}
	if storeErr != nil {
		logger.WithError(storeErr).Error("Bot stopped but the store could not be updated")
		return Result{
			Reason:       ReasonStoreUnavailable,
			DeploymentID: id,
			Message:      fmt.Sprintf("Bot %s was stopped, but the deployment list could not be saved.", id),
		}
	}

	logger.Info("Bot stopped")
	return succeeded(id, "Bot %s stopped.", id)
}

// Redeploy reconnects a restored or failed deployment from its session
// directory, without decoding a blob again.
func (m *Manager) Redeploy(ctx context.Context, id string, requesterID string) Result {
	return m.report("redeploy", m.redeploy(ctx, id, requesterID))
}

func (m *Manager) redeploy(ctx context.Context, id string, requesterID string) Result {
	// The check and the swap happen under reserve so two redeploys of one id
	// cannot both dial.
	m.reserve.Lock()
	d, ok := m.registry.Get(id)
	if !ok {
		m.reserve.Unlock()
		return failed(ReasonNotFound, id, "")
	}
	if d.OwnerID != requesterID {
		m.reserve.Unlock()
		return failed(ReasonNotOwner, id, "")
	}
	logger := log.Deployment(id, d.OwnerID)

	if state := d.State(); d.Supervisor != nil && !state.Terminal() {
		m.reserve.Unlock()
		return succeeded(id, "Bot %s is already %s.", id, state)
	}

	if _, err := os.Stat(d.SessionDir); err != nil {
		m.reserve.Unlock()
		logger.WithError(err).Warn("Session directory missing, cannot redeploy")
		return Result{
			Reason:       ReasonRequiresInteractiveAuth,
			DeploymentID: id,
			Message:      fmt.Sprintf("Session data for bot %s is missing, deploy it again with a session id.", id),
		}
	}

	sup := supervisor.New(supervisor.Target{ID: id, Dir: d.SessionDir}, d.OwnerID, m.dialer, m.supervisorConfig(nil))
	err := m.registry.Update(id, sup, false)
	m.reserve.Unlock()
	if err != nil {
		sup.Close()
		return failed(ReasonNotFound, id, "")
	}
	if d.Supervisor != nil {
		d.Supervisor.Close()
	}

	if err := sup.Open(ctx); err != nil {
		reason := fromSupervisor(supervisor.ReasonOf(err))
		logger.WithError(err).WithField("reason", reason).Warn("Redeploy failed")
		return failed(reason, id, err.Error())
	}

	// A Stop that read the registry before the swap closed only the old
	// supervisor.
	if current, ok := m.registry.Get(id); !ok || current.Supervisor != sup {
		sup.Close()
		return Result{Reason: ReasonUnknown, DeploymentID: id, Message: fmt.Sprintf("Bot %s was stopped before it finished connecting.", id)}
	}
	logger.Info("Bot redeployed")
	return succeeded(id, "Bot %s reconnected.", id)
}

func (m *Manager) Status(id string) (Status, bool) {
	d, ok := m.registry.Get(id)
	if !ok {
		return Status{}, false
	}
	return m.status(d), true
}

func (m *Manager) ListForOwner(ownerID string) []Status {
	return m.statuses(m.registry.ForOwner(ownerID))
}

func (m *Manager) ListAll() []Status {
	return m.statuses(m.registry.All())
}

func (m *Manager) statuses(deployments []registry.Deployment) []Status {
	out := make([]Status, 0, len(deployments))
	for _, d := range deployments {
		out = append(out, m.status(d))
	}
	return out
}

func (m *Manager) status(d registry.Deployment) Status {
	st := Status{
		ID:         d.ID,
		OwnerID:    d.OwnerID,
		OwnerName:  d.OwnerName,
		State:      supervisor.StatePending,
		DeployedAt: d.DeployedAt,
		Uptime:     m.now().Sub(d.DeployedAt).Truncate(time.Second),
		Restored:   d.Restored,
	}
	if d.Supervisor != nil {
		snap := d.Supervisor.Snapshot()
		st.State = snap.State
		st.Attempts = snap.Attempts
		st.LastReason = snap.LastReason
		if !snap.ActiveSince.IsZero() {
			since := snap.ActiveSince
			st.ActiveSince = &since
		}
	}
	st.Active = st.State == supervisor.StateActive
	return st
}

// Stats counts deployments per state.
func (m *Manager) Stats() map[supervisor.State]int {
	stats := map[supervisor.State]int{}
	for _, d := range m.registry.All() {
		stats[d.State()]++
	}
	return stats
}

// Restore registers every deployment known to the store without connecting
// it. Reconnecting is left to ReconnectRestored or Redeploy.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	owners, loadErr := m.store.Load(ctx)
	if loadErr != nil {
		log.Print(nil).WithError(loadErr).Warn("Starting with no known deployments")
	}

	restored := 0
	now := m.now()
	for ownerID, ids := range owners {
		for _, id := range ids {
			err := m.registry.Register(registry.Deployment{
				ID:         id,
				OwnerID:    ownerID,
				SessionDir: m.cfg.SessionDir(id),
				DeployedAt: now,
				Restored:   true,
			})
			if err != nil {
				continue
			}
			restored++
		}
	}
	log.Print(nil).WithField("deployments", restored).Info("Restored deployments from store")
	return restored, loadErr
}

// ReconnectRestored redeploys every restored deployment, a few at a time.
func (m *Manager) ReconnectRestored(ctx context.Context) (reconnected int, failures int) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.RestoreConcurrency)

	for _, d := range m.registry.All() {
		if !d.Restored {
			continue
		}
		d := d
		g.Go(func() error {
			res := m.Redeploy(gctx, d.ID, d.OwnerID)
			if !res.Success {
				log.Deployment(d.ID, d.OwnerID).WithField("reason", res.Reason).Warn("Restored deployment did not reconnect")
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				reconnected++
			} else {
				failures++
			}
			return nil
		})
	}
	g.Wait()

	log.Print(nil).WithFields(logrus.Fields{
		"reconnected": reconnected,
		"failed":      failures,
	}).Info("Finished reconnecting restored deployments")
	return reconnected, failures
}

// Shutdown closes every connection but keeps the store intact so the
// deployments are known again after restart.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, d := range m.registry.All() {
			if d.Supervisor != nil {
				d.Supervisor.Close()
			}
		}
		m.scheduler.CancelAll()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
