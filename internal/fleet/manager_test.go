package fleet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/credential"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/sessionstore"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor/supervisortest"
)

// sessionDialer writes a session file like the real transport does before
// handing over to the fake.
type sessionDialer struct {
	*supervisortest.Dialer
}

func (d sessionDialer) Dial(ctx context.Context, target supervisor.Target, notify func(supervisor.Notice)) (supervisor.Conn, error) {
	if err := os.MkdirAll(target.Dir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(target.Dir, "session.db"), []byte("session"), 0o600); err != nil {
		return nil, err
	}
	return d.Dialer.Dial(ctx, target, notify)
}

type flakyStore struct {
	*sessionstore.Store
	appendErr error
	removeErr error
}

func (s *flakyStore) Append(ctx context.Context, ownerID string, deploymentID string) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.Store.Append(ctx, ownerID, deploymentID)
}

func (s *flakyStore) Remove(ctx context.Context, ownerID string, deploymentID string) error {
	if s.removeErr != nil {
		return s.removeErr
	}
	return s.Store.Remove(ctx, ownerID, deploymentID)
}

type harness struct {
	manager *Manager
	dialer  *supervisortest.Dialer
	store   *flakyStore
	cfg     Config
}

func newHarness(t *testing.T, script ...supervisortest.Step) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.StoreFile = filepath.Join(dir, "deployments.json")
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.BaseDelay = time.Millisecond
	cfg.DialInterval = 0
	cfg.WelcomeEnabled = false

	dialer := supervisortest.NewDialer(script...)
	store := &flakyStore{Store: sessionstore.New(cfg.StoreFile)}
	m := New(cfg, Deps{Dialer: sessionDialer{dialer}, Store: store})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return &harness{manager: m, dialer: dialer, store: store, cfg: cfg}
}

func (h *harness) persisted(t *testing.T) map[string][]string {
	t.Helper()
	owners, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return owners
}

func validBlob(t *testing.T) string {
	t.Helper()
	identity := keys.NewKeyPair()
	m := &credential.Material{
		NoiseKey:       keys.NewKeyPair(),
		IdentityKey:    identity,
		SignedPreKey:   identity.CreateSignedPreKey(1),
		RegistrationID: 1234,
		JID:            types.NewADJID("628111222333", 0, 3),
	}
	blob, err := m.Encode()
	require.NoError(t, err)
	return blob
}

func ids(statuses []Status) []string {
	out := []string{}
	for _, s := range statuses {
		out = append(out, s.ID)
	}
	return out
}

func TestDeployListStopScenario(t *testing.T) {
	h := newHarness(t)
	h.manager.newID = func(prefix string) (string, error) { return prefix + "ABC123", nil }
	ctx := context.Background()

	res := h.manager.Deploy(ctx, validBlob(t), "111@x", OwnerMeta{Name: "Budi"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "BOT_ABC123", res.DeploymentID)
	assert.Contains(t, res.Message, "BOT_ABC123")

	assert.Equal(t, []string{"BOT_ABC123"}, ids(h.manager.ListForOwner("111@x")))
	assert.Equal(t, map[string][]string{"111@x": {"BOT_ABC123"}}, h.persisted(t))

	st, ok := h.manager.Status("BOT_ABC123")
	require.True(t, ok)
	assert.Equal(t, supervisor.StateActive, st.State)
	assert.True(t, st.Active)
	assert.Equal(t, "Budi", st.OwnerName)
	require.NotNil(t, h.dialer.Targets()[0].Material)

	res = h.manager.Stop(ctx, "BOT_ABC123", "111@x")
	require.True(t, res.Success, res.Message)
	assert.Empty(t, h.manager.ListForOwner("111@x"))

	_, ok = h.manager.Status("BOT_ABC123")
	assert.False(t, ok)
	assert.Empty(t, h.persisted(t))
	assert.NoDirExists(t, h.cfg.SessionDir("BOT_ABC123"))
	assert.True(t, h.dialer.Conn(0).Released())
}

func TestDeployRejectsBadBlobsWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.manager.Deploy(ctx, "not a session", "111@x", OwnerMeta{})
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInvalidFormat, res.Reason)
	assert.Contains(t, res.Message, credential.Prefix)

	res = h.manager.Deploy(ctx, credential.Prefix+"e30=", "111@x", OwnerMeta{})
	assert.False(t, res.Success)
	assert.Equal(t, ReasonCorruptPayload, res.Reason)

	assert.Empty(t, h.manager.ListAll())
	assert.Equal(t, 0, h.dialer.Dials())
	assert.NoFileExists(t, h.cfg.StoreFile)
}

func TestDeployQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	blob := validBlob(t)

	for i := 0; i < 10; i++ {
		res := h.manager.Deploy(ctx, blob, "111@x", OwnerMeta{})
		require.True(t, res.Success, res.Message)
	}

	res := h.manager.Deploy(ctx, blob, "111@x", OwnerMeta{})
	assert.False(t, res.Success)
	assert.Equal(t, ReasonQuotaExceeded, res.Reason)
	assert.Contains(t, res.Message, "10")

	assert.Len(t, h.manager.ListForOwner("111@x"), 10)
	assert.Len(t, h.persisted(t)["111@x"], 10)
	assert.Equal(t, 10, h.dialer.Dials())

	// Other owners are unaffected.
	res = h.manager.Deploy(ctx, blob, "222@x", OwnerMeta{})
	assert.True(t, res.Success, res.Message)
}

func TestDeployRollsBackOnOpenFailure(t *testing.T) {
	tests := []struct {
		name   string
		step   supervisortest.Step
		reason Reason
	}{
		{"auth revoked", supervisortest.Closed(supervisor.ReasonAuthRevoked), ReasonAuthRevoked},
		{"banned", supervisortest.Closed(supervisor.ReasonBanned), ReasonBanned},
		{"bad request", supervisortest.Closed(supervisor.ReasonBadRequest), ReasonBadRequest},
		{"timeout", supervisortest.Hang(), ReasonTimeout},
		{"interactive auth", supervisortest.Step{Notices: []supervisor.Notice{{Kind: supervisor.NoticeInteractiveAuth}}}, ReasonRequiresInteractiveAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, supervisortest.Connected(), tt.step)
			ctx := context.Background()

			first := h.manager.Deploy(ctx, validBlob(t), "111@x", OwnerMeta{})
			require.True(t, first.Success)
			before := h.persisted(t)

			res := h.manager.Deploy(ctx, validBlob(t), "111@x", OwnerMeta{})
			assert.False(t, res.Success)
			assert.Equal(t, tt.reason, res.Reason)
			assert.NotEmpty(t, res.Message)

			assert.Equal(t, []string{first.DeploymentID}, ids(h.manager.ListAll()))
			assert.Equal(t, before, h.persisted(t))
			assert.NoDirExists(t, h.cfg.SessionDir(res.DeploymentID))
			assert.DirExists(t, h.cfg.SessionDir(first.DeploymentID))
		})
	}
}

func TestDeployRollsBackWhenStoreFails(t *testing.T) {
	h := newHarness(t)
	h.store.appendErr = sessionstore.ErrStoreUnavailable

	res := h.manager.Deploy(context.Background(), validBlob(t), "111@x", OwnerMeta{})
	assert.False(t, res.Success)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)
	assert.Empty(t, h.manager.ListAll())
	assert.NoDirExists(t, h.cfg.SessionDir(res.DeploymentID))
	assert.True(t, h.dialer.Conn(0).Released())
}

func TestStopOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.manager.Deploy(ctx, validBlob(t), "111@x", OwnerMeta{})
	require.True(t, res.Success)

	denied := h.manager.Stop(ctx, res.DeploymentID, "222@x")
	assert.False(t, denied.Success)
	assert.Equal(t, ReasonNotOwner, denied.Reason)

	st, ok := h.manager.Status(res.DeploymentID)
	require.True(t, ok)
	assert.Equal(t, supervisor.StateActive, st.State)
	assert.False(t, h.dialer.Conn(0).Released())

	missing := h.manager.Stop(ctx, "BOT_NOPE00", "111@x")
	assert.Equal(t, ReasonNotFound, missing.Reason)
	assert.Contains(t, missing.Message, "BOT_NOPE00")
}

func TestStopCleansUpWhenStoreFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.manager.Deploy(ctx, validBlob(t), "111@x", OwnerMeta{})
	require.True(t, res.Success)

	h.store.removeErr = errors.New("disk full")
	stopped := h.manager.Stop(ctx, res.DeploymentID, "111@x")
	assert.False(t, stopped.Success)
	assert.Equal(t, ReasonStoreUnavailable, stopped.Reason)

	_, ok := h.manager.Status(res.DeploymentID)
	assert.False(t, ok, "registry is cleaned even if the store write failed")
	assert.True(t, h.dialer.Conn(0).Released())
}

func TestStopDuringConnectDiscardsDeployment(t *testing.T) {
	h := newHarness(t, supervisortest.Hang())
	h.manager.cfg.ConnectTimeout = time.Minute
	ctx := context.Background()

	results := make(chan Result, 1)
	go func() { results <- h.manager.Deploy(ctx, validBlob(t), "111@x", OwnerMeta{}) }()

	var id string
	require.Eventually(t, func() bool {
		list := h.manager.ListForOwner("111@x")
		if len(list) == 1 && list[0].State == supervisor.StateConnecting && h.dialer.Conn(0) != nil {
			id = list[0].ID
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)

	stopped := h.manager.Stop(ctx, id, "111@x")
	require.True(t, stopped.Success, stopped.Message)

	select {
	case res := <-results:
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "stopped")
	case <-time.After(2 * time.Second):
		t.Fatal("deploy did not return after stop")
	}
	assert.Empty(t, h.manager.ListAll())
	assert.Empty(t, h.persisted(t))
	assert.NoDirExists(t, h.cfg.SessionDir(id))
}

func TestConcurrentDeploysForTwoOwners(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	blob := validBlob(t)

	owners := []string{"111@x", "222@x"}
	results := make([][]Result, len(owners))
	var wg sync.WaitGroup
	for i, owner := range owners {
		wg.Add(1)
		go func(i int, owner string) {
			defer wg.Done()
			for n := 0; n < 4; n++ {
				results[i] = append(results[i], h.manager.Deploy(ctx, blob, owner, OwnerMeta{}))
			}
		}(i, owner)
	}
	wg.Wait()

	persisted := h.persisted(t)
	for i, owner := range owners {
		var want []string
		for _, res := range results[i] {
			require.True(t, res.Success, res.Message)
			want = append(want, res.DeploymentID)
		}
		assert.ElementsMatch(t, want, ids(h.manager.ListForOwner(owner)))
		assert.ElementsMatch(t, want, persisted[owner])
	}

	all := h.manager.ListAll()
	assert.Len(t, all, 8)
	for _, st := range all {
		d, _ := h.manager.Status(st.ID)
		assert.Equal(t, st.OwnerID, d.OwnerID)
	}
}

func TestMidLifeDisconnectKeepsDeploymentListed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.manager.Deploy(ctx, validBlob(t), "111@x", OwnerMeta{})
	require.True(t, res.Success)

	h.dialer.Conn(0).Emit(supervisor.Notice{Kind: supervisor.NoticeClosed, Reason: supervisor.ReasonAuthRevoked})

	st, ok := h.manager.Status(res.DeploymentID)
	require.True(t, ok)
	assert.Equal(t, supervisor.StateFailed, st.State)
	assert.False(t, st.Active)
	assert.Equal(t, supervisor.ReasonAuthRevoked, st.LastReason)
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, map[string][]string{"111@x": {res.DeploymentID}}, h.persisted(t))
}

func TestRestoreDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, map[string][]string{
		"111@x": {"BOT_AAAAAA", "BOT_BBBBBB"},
		"222@x": {"BOT_CCCCCC"},
	}))
	require.NoError(t, os.MkdirAll(h.cfg.SessionDir("BOT_AAAAAA"), 0o700))

	n, err := h.manager.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, h.dialer.Dials())

	st, ok := h.manager.Status("BOT_AAAAAA")
	require.True(t, ok)
	assert.True(t, st.Restored)
	assert.Equal(t, supervisor.StatePending, st.State)

	assert.Equal(t, ReasonNotOwner, h.manager.Redeploy(ctx, "BOT_AAAAAA", "222@x").Reason)
	assert.Equal(t, ReasonNotFound, h.manager.Redeploy(ctx, "BOT_ZZZZZZ", "111@x").Reason)

	res := h.manager.Redeploy(ctx, "BOT_AAAAAA", "111@x")
	require.True(t, res.Success, res.Message)
	st, _ = h.manager.Status("BOT_AAAAAA")
	assert.Equal(t, supervisor.StateActive, st.State)
	assert.False(t, st.Restored)
	assert.Nil(t, h.dialer.Targets()[0].Material, "redeploy reuses the stored session")

	// No session on disk for this one.
	res = h.manager.Redeploy(ctx, "BOT_BBBBBB", "111@x")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonRequiresInteractiveAuth, res.Reason)
	assert.Equal(t, 1, h.dialer.Dials())

	again := h.manager.Redeploy(ctx, "BOT_AAAAAA", "111@x")
	assert.True(t, again.Success)
	assert.Equal(t, 1, h.dialer.Dials(), "an active bot is not dialed again")
}

func TestConcurrentRedeployDialsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, map[string][]string{"111@x": {"BOT_AAAAAA"}}))
	require.NoError(t, os.MkdirAll(h.cfg.SessionDir("BOT_AAAAAA"), 0o700))
	_, err := h.manager.Restore(ctx)
	require.NoError(t, err)

	const callers = 8
	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.manager.Redeploy(ctx, "BOT_AAAAAA", "111@x")
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		assert.True(t, res.Success, res.Message)
	}
	require.Equal(t, 1, h.dialer.Dials(), "only one redeploy may dial")

	require.True(t, h.manager.Stop(ctx, "BOT_AAAAAA", "111@x").Success)
	assert.True(t, h.dialer.Conn(0).Released(), "stop releases the only connection")
}

func TestRestoreFailsOpenOnCorruptStore(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.cfg.StoreFile, []byte("garbage"), 0o600))

	n, err := h.manager.Restore(context.Background())
	assert.ErrorIs(t, err, sessionstore.ErrStoreUnavailable)
	assert.Equal(t, 0, n)
	assert.Empty(t, h.manager.ListAll())
}

func TestReconnectRestored(t *testing.T) {
	h := newHarness(t, supervisortest.Connected(), supervisortest.Closed(supervisor.ReasonBanned))
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, map[string][]string{"111@x": {"BOT_AAAAAA", "BOT_BBBBBB"}}))
	for _, id := range []string{"BOT_AAAAAA", "BOT_BBBBBB"} {
		require.NoError(t, os.MkdirAll(h.cfg.SessionDir(id), 0o700))
	}
	h.manager.cfg.RestoreConcurrency = 1

	_, err := h.manager.Restore(ctx)
	require.NoError(t, err)
	ok, failures := h.manager.ReconnectRestored(ctx)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failures)

	stats := h.manager.Stats()
	assert.Equal(t, 1, stats[supervisor.StateActive])
	assert.Equal(t, 1, stats[supervisor.StateFailed])
	assert.Len(t, h.persisted(t)["111@x"], 2, "failed redeploys stay known")
}

func TestShutdownKeepsStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.manager.Deploy(ctx, validBlob(t), "111@x", OwnerMeta{})
	require.True(t, res.Success)

	require.NoError(t, h.manager.Shutdown(ctx))
	st, _ := h.manager.Status(res.DeploymentID)
	assert.Equal(t, supervisor.StateStopped, st.State)
	assert.True(t, h.dialer.Conn(0).Released())
	assert.Equal(t, map[string][]string{"111@x": {res.DeploymentID}}, h.persisted(t))
}

func TestWelcomeGoesToDeployedAccount(t *testing.T) {
	h := newHarness(t)
	h.manager.cfg.WelcomeEnabled = true

	res := h.manager.Deploy(context.Background(), validBlob(t), "111@x", OwnerMeta{Name: "Sari"})
	require.True(t, res.Success)

	require.Eventually(t, func() bool { return len(h.dialer.Conn(0).Sent()) == 1 }, 2*time.Second, time.Millisecond)
	msg := h.dialer.Conn(0).Sent()[0]
	assert.Equal(t, h.dialer.Conn(0).SelfID(), msg.To)
	assert.Contains(t, msg.Text, "Sari")
	assert.Contains(t, msg.Text, res.DeploymentID)
}

func TestLowercasePrefixIsNormalized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.StoreFile = filepath.Join(cfg.DataDir, "deployments.json")
	cfg.IDPrefix = "bot-"
	cfg.DialInterval = 0
	cfg.WelcomeEnabled = false
	m := New(cfg, Deps{Dialer: supervisortest.NewDialer(), Store: sessionstore.New(cfg.StoreFile)})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	res := m.Deploy(context.Background(), validBlob(t), "111@x", OwnerMeta{})
	require.True(t, res.Success, res.Message)
	assert.True(t, strings.HasPrefix(res.DeploymentID, "BOT-"), res.DeploymentID)
	assert.Equal(t, strings.ToUpper(res.DeploymentID), res.DeploymentID)

	_, ok := m.Status(strings.ToUpper(res.DeploymentID))
	assert.True(t, ok)
	assert.True(t, m.Stop(context.Background(), strings.ToUpper(res.DeploymentID), "111@x").Success)
}

func TestRandomID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id, err := randomID("BOT_")
		require.NoError(t, err)
		assert.Regexp(t, `^BOT_[A-Z0-9]{6}$`, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestNextIDSkipsTakenIDs(t *testing.T) {
	h := newHarness(t)
	queue := []string{"BOT_AAAAAA", "BOT_AAAAAA", "BOT_BBBBBB"}
	h.manager.newID = func(string) (string, error) {
		id := queue[0]
		queue = queue[1:]
		return id, nil
	}

	first := h.manager.Deploy(context.Background(), validBlob(t), "111@x", OwnerMeta{})
	second := h.manager.Deploy(context.Background(), validBlob(t), "111@x", OwnerMeta{})
	assert.Equal(t, "BOT_AAAAAA", first.DeploymentID)
	assert.Equal(t, "BOT_BBBBBB", second.DeploymentID)
}

func TestConnectTimeoutIsClamped(t *testing.T) {
	assert.Equal(t, 30*time.Second, clampConnectTimeout(time.Second))
	assert.Equal(t, 60*time.Second, clampConnectTimeout(5*time.Minute))
	assert.Equal(t, 45*time.Second, clampConnectTimeout(45*time.Second))
}
