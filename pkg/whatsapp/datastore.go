package whatsapp

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"google.golang.org/protobuf/proto"

	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/env"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

const sessionFileName = "session.db"

var devicePropsOnce sync.Once

// configureDeviceProps sets how linked devices present themselves. The
// values are process wide in whatsmeow, so they are applied once.
func configureDeviceProps() {
	devicePropsOnce.Do(func() {
		store.DeviceProps.Os = proto.String(env.GetEnvStringOrDefault("WHATSAPP_DEVICE_NAME", "Bot Fleet ("+runtime.GOOS+")"))
		store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
		store.DeviceProps.RequireFullSync = proto.Bool(false)

		if major, err := env.GetEnvInt("WHATSAPP_VERSION_MAJOR"); err == nil {
			store.DeviceProps.Version.Primary = proto.Uint32(uint32(major))
		}
		if minor, err := env.GetEnvInt("WHATSAPP_VERSION_MINOR"); err == nil {
			store.DeviceProps.Version.Secondary = proto.Uint32(uint32(minor))
		}
		if patch, err := env.GetEnvInt("WHATSAPP_VERSION_PATCH"); err == nil {
			store.DeviceProps.Version.Tertiary = proto.Uint32(uint32(patch))
		}
	})
}

func normalizeDatastoreDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgresql", "postgres", "pgx":
		return "pgx"
	case "", "sqlite", "sqlite3":
		return "sqlite"
	default:
		return strings.ToLower(driver)
	}
}

func normalizeDatastoreDSN(driver string, dsn string) string {
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, setting(key, value)) {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}

	switch driver {
	case "pgx":
		dsn = appendParam(dsn, "prefer_simple_protocol", "true")
		dsn = appendParam(dsn, "statement_cache_capacity", "0")
		dsn = appendParam(dsn, "default_query_exec_mode", "simple_protocol")
	case "sqlite":
		dsn = appendParam(dsn, "_pragma", "foreign_keys(1)")
		dsn = appendParam(dsn, "_pragma", "busy_timeout(10000)")
	}
	return dsn
}

// setting is the DSN fragment that marks a parameter as already present.
// _pragma repeats, so it is matched by pragma name.
func setting(key string, value string) string {
	if key == "_pragma" {
		name, _, _ := strings.Cut(value, "(")
		return key + "=" + name + "("
	}
	return key + "="
}

// sessionDSN points at the sqlite file holding one deployment's session.
func sessionDSN(dir string) string {
	return normalizeDatastoreDSN("sqlite", "file:"+filepath.ToSlash(filepath.Join(dir, sessionFileName)))
}

func openContainer(ctx context.Context, driver string, dsn string, module string) (*sqlstore.Container, error) {
	driver = normalizeDatastoreDriver(driver)
	container, err := sqlstore.New(ctx, driver, normalizeDatastoreDSN(driver, dsn), log.WhatsApp(module))
	if err != nil {
		return nil, fmt.Errorf("opening %s datastore: %w", driver, err)
	}
	return container, nil
}
