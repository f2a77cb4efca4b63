package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"golang.org/x/sync/singleflight"
)

const DefaultVersionRefreshInterval = 10 * time.Minute

type VersionStatus struct {
	CurrentVersion string     `json:"current_version"`
	LastRefreshed  *time.Time `json:"last_refreshed,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// VersionRefresher keeps the WhatsApp Web version announced by every client
// current. Concurrent refreshes collapse into one request.
type VersionRefresher struct {
	minInterval time.Duration
	fetch       func(ctx context.Context) (*store.WAVersionContainer, error)

	group singleflight.Group

	mu            sync.RWMutex
	lastRefreshed *time.Time
	lastError     string
}

func NewVersionRefresher(minInterval time.Duration) *VersionRefresher {
	if minInterval < 0 {
		minInterval = DefaultVersionRefreshInterval
	}
	return &VersionRefresher{
		minInterval: minInterval,
		fetch: func(ctx context.Context) (*store.WAVersionContainer, error) {
			return whatsmeow.GetLatestVersion(ctx, &http.Client{Timeout: 15 * time.Second})
		},
	}
}

func (r *VersionRefresher) Status() VersionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := VersionStatus{
		CurrentVersion: store.GetWAVersion().String(),
		LastError:      r.lastError,
	}
	if r.lastRefreshed != nil {
		t := *r.lastRefreshed
		status.LastRefreshed = &t
	}
	return status
}

// Refresh fetches the latest version and applies it with store.SetWAVersion.
// Unless forced it does nothing when the last attempt is younger than the
// minimum interval. The bool reports whether a fetch was attempted.
func (r *VersionRefresher) Refresh(ctx context.Context, force bool) (VersionStatus, bool, error) {
	if !force && r.minInterval > 0 {
		r.mu.RLock()
		last := r.lastRefreshed
		r.mu.RUnlock()
		if last != nil && time.Since(*last) < r.minInterval {
			return r.Status(), false, nil
		}
	}

	_, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		latest, err := r.fetch(ctx)
		if err == nil && latest == nil {
			err = errors.New("latest WhatsApp Web version is nil")
		}
		if err == nil {
			store.SetWAVersion(*latest)
		}

		r.mu.Lock()
		now := time.Now()
		r.lastRefreshed = &now
		r.lastError = ""
		if err != nil {
			r.lastError = err.Error()
		}
		r.mu.Unlock()
		return nil, err
	})
	return r.Status(), true, err
}
