// Package webhook pushes deployment state changes to external HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

const userAgent = "WhatsApp-Bot-Fleet/1.0"

type Engine struct {
	cfg        Config
	httpClient *http.Client
	queue      chan Event
	backoff    func(attempt int) time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts the delivery workers. An engine without URLs accepts events
// and drops them.
func New(cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		queue:      make(chan Event, cfg.QueueSize),
		backoff:    func(attempt int) time.Duration { return time.Duration(attempt*2) * time.Second },
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}

	if e.Enabled() {
		for i := 0; i < cfg.Workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
	}
	return e
}

func (e *Engine) Enabled() bool {
	return len(e.cfg.URLs) > 0
}

// Notify matches fleet.Deps.OnTransition. It never blocks: a full queue
// drops the event.
func (e *Engine) Notify(id string, from supervisor.State, to supervisor.State, reason supervisor.Reason) {
	if !e.Enabled() {
		return
	}
	event := Event{
		EventType:    EventFor(to),
		DeploymentID: id,
		From:         string(from),
		To:           string(to),
		Reason:       string(reason),
		Timestamp:    e.now().UTC(),
	}
	if !e.wants(event.EventType) {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- event:
	default:
		log.Print(nil).WithField("deployment_id", id).WithField("event", string(event.EventType)).Warn("Webhook queue full, event dropped")
	}
}

func (e *Engine) wants(eventType EventType) bool {
	if len(e.cfg.Events) == 0 {
		return true
	}
	for _, evt := range e.cfg.Events {
		if evt == eventType {
			return true
		}
	}
	return false
}

// Shutdown stops accepting events and waits for queued deliveries until ctx
// expires, then abandons the rest.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for event := range e.queue {
		if e.ctx.Err() != nil {
			continue
		}
		if e.cfg.OwnerOf != nil {
			event.OwnerID = e.cfg.OwnerOf(event.DeploymentID)
		}
		for _, target := range e.cfg.URLs {
			delivered := e.deliver(target, event)
			if e.cfg.OnDelivered != nil {
				e.cfg.OnDelivered(string(event.EventType), delivered)
			}
		}
	}
}

func (e *Engine) deliver(target string, event Event) bool {
	entry := log.Print(nil).WithField("deployment_id", event.DeploymentID).WithField("event", string(event.EventType))

	if err := e.validateURL(target); err != nil {
		entry.WithError(err).Warn("Webhook target rejected")
		return false
	}

	payload, err := json.Marshal(event)
	if err != nil {
		entry.WithError(err).Error("Encoding webhook payload")
		return false
	}
	signature := e.generateSignature(payload)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryLimit; attempt++ {
		lastErr = e.post(target, event.EventType, payload, signature)
		if lastErr == nil {
			entry.WithField("attempt", attempt).Debug("Webhook delivered")
			return true
		}
		if attempt == e.cfg.RetryLimit {
			break
		}

		timer := time.NewTimer(e.backoff(attempt))
		select {
		case <-e.ctx.Done():
			timer.Stop()
			entry.WithError(lastErr).Warn("Webhook delivery abandoned on shutdown")
			return false
		case <-timer.C:
		}
	}

	entry.WithError(lastErr).WithField("attempts", e.cfg.RetryLimit).Warn("Webhook delivery failed")
	return false
}

func (e *Engine) post(target string, eventType EventType, payload []byte, signature string) error {
	req, err := http.NewRequestWithContext(e.ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(eventType))
	req.Header.Set("User-Agent", userAgent)
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
		req.Header.Set("X-Hub-Signature-256", signature)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// generateSignature returns an empty string when no secret is configured.
func (e *Engine) generateSignature(payload []byte) string {
	if e.cfg.Secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(e.cfg.Secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (e *Engine) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if e.cfg.AllowPrivate {
		if u.Scheme != "https" && u.Scheme != "http" {
			return fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		return nil
	}

	if u.Scheme != "https" {
		return fmt.Errorf("only HTTPS URLs are allowed")
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" {
		return fmt.Errorf("private/local network URLs are not allowed")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
			return fmt.Errorf("private/local network URLs are not allowed")
		}
	}
	return nil
}
