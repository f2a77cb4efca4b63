package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/fleet"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/auth"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/router"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-bot-fleet/pkg/whatsapp"
)

type fakeFleet struct {
	statuses []fleet.Status
	stats    map[supervisor.State]int
}

func (f *fakeFleet) ListAll() []fleet.Status { return f.statuses }

func (f *fakeFleet) Stats() map[supervisor.State]int { return f.stats }

type fakeVersions struct {
	err    error
	forced []bool
}

func (v *fakeVersions) Status() pkgWhatsApp.VersionStatus {
	return pkgWhatsApp.VersionStatus{CurrentVersion: "2.3000.1"}
}

func (v *fakeVersions) Refresh(_ context.Context, force bool) (pkgWhatsApp.VersionStatus, bool, error) {
	v.forced = append(v.forced, force)
	return v.Status(), true, v.err
}

func newApp(f *fakeFleet, tokens *auth.Tokens, v *fakeVersions) *fiber.App {
	h := NewHandler(f, tokens, v)
	app := router.New(router.Config{BodyLimit: 64 * 1024})
	app.Get("/admin/deployments", h.ListDeployments)
	app.Get("/admin/stats", h.GetStats)
	app.Post("/admin/owners/token", h.IssueOwnerToken)
	app.Get("/admin/whatsapp/version", h.GetWhatsAppWebVersion)
	app.Post("/admin/whatsapp/version/refresh", h.RefreshWhatsAppWebVersion)
	return app
}

func call(t *testing.T, app *fiber.App, method, path, body string) (int, router.Response) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out router.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestStatsAndList(t *testing.T) {
	f := &fakeFleet{
		statuses: []fleet.Status{{ID: "BOT_AAAAAA"}, {ID: "BOT_BBBBBB"}},
		stats:    map[supervisor.State]int{supervisor.StateActive: 2, supervisor.StateFailed: 1},
	}
	app := newApp(f, auth.NewTokens("k", time.Hour), &fakeVersions{})

	code, resp := call(t, app, "GET", "/admin/stats", "")
	assert.Equal(t, 200, code)
	data := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 3, data["total"])
	assert.EqualValues(t, 2, data["by_state"].(map[string]interface{})["active"])

	code, resp = call(t, app, "GET", "/admin/deployments", "")
	assert.Equal(t, 200, code)
	assert.Len(t, resp.Data, 2)
}

func TestIssueOwnerToken(t *testing.T) {
	tokens := auth.NewTokens("0123456789abcdef0123456789abcdef", time.Hour)
	app := newApp(&fakeFleet{}, tokens, &fakeVersions{})

	code, resp := call(t, app, "POST", "/admin/owners/token", `{"owner_id":"+15551234567","name":"Ada","ttl":"2h"}`)
	require.Equal(t, 201, code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "15551234567@s.whatsapp.net", data["owner_id"])

	claims, err := tokens.ValidateOwnerToken(data["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "15551234567@s.whatsapp.net", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), claims.ExpiresAt.Time, 5*time.Second)

	code, _ = call(t, app, "POST", "/admin/owners/token", `{"owner_id":""}`)
	assert.Equal(t, 400, code)
	code, _ = call(t, app, "POST", "/admin/owners/token", `{"owner_id":"15551234567","ttl":"soon"}`)
	assert.Equal(t, 400, code)
	code, _ = call(t, app, "POST", "/admin/owners/token", `{"owner_id":"0812"}`)
	assert.Equal(t, 400, code)

	disabled := newApp(&fakeFleet{}, auth.NewTokens("", 0), &fakeVersions{})
	code, _ = call(t, disabled, "POST", "/admin/owners/token", `{"owner_id":"15551234567"}`)
	assert.Equal(t, 500, code)
}

func TestWhatsAppVersion(t *testing.T) {
	v := &fakeVersions{}
	app := newApp(&fakeFleet{}, auth.NewTokens("k", time.Hour), v)

	code, resp := call(t, app, "GET", "/admin/whatsapp/version", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, "2.3000.1", resp.Data.(map[string]interface{})["current_version"])

	code, resp = call(t, app, "POST", "/admin/whatsapp/version/refresh?force=true", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, true, resp.Data.(map[string]interface{})["refreshed"])
	assert.Equal(t, []bool{true}, v.forced)

	v.err = errors.New("upstream down")
	code, _ = call(t, app, "POST", "/admin/whatsapp/version/refresh", "")
	assert.Equal(t, 502, code)
}
