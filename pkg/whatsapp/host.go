package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	qrCode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/env"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/validation"
)

const (
	qrChannelWaitTimeout    = 3 * time.Minute
	pairPhoneRequestTimeout = 30 * time.Second
)

var ErrHostNotConnected = errors.New("host client is not connected")

type HostConfig struct {
	Enabled       bool
	DatastoreType string
	DatastoreURI  string
	// PairPhone switches first login from a terminal QR to a pair code.
	PairPhone string
	ProxyURL  string
}

func HostConfigFromEnv(dataDir string) HostConfig {
	defaultURI := "file:" + filepath.ToSlash(filepath.Join(dataDir, "host.db"))
	return HostConfig{
		Enabled:       env.GetEnvBoolOrDefault("HOST_BOT_ENABLED", true),
		DatastoreType: normalizeDatastoreDriver(env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_TYPE", "sqlite")),
		DatastoreURI:  env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_URI", defaultURI),
		PairPhone:     strings.TrimPrefix(strings.TrimSpace(env.GetEnvStringOrDefault("HOST_BOT_PAIR_PHONE", "")), "+"),
		ProxyURL:      env.GetEnvStringOrDefault("WHATSAPP_CLIENT_PROXY_URL", ""),
	}
}

// Incoming is a text message addressed to the host bot.
type Incoming struct {
	Chat     string
	Sender   string
	PushName string
	Text     string
	IsGroup  bool
}

// Host is the bot's own WhatsApp account, the one users talk to.
type Host struct {
	cfg       HostConfig
	container *sqlstore.Container
	client    *whatsmeow.Client
	qrOut     io.Writer

	mu      sync.RWMutex
	handler func(ctx context.Context, msg Incoming)
}

func NewHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	configureDeviceProps()

	if cfg.PairPhone != "" {
		if err := validation.ValidatePhone(cfg.PairPhone); err != nil {
			return nil, fmt.Errorf("HOST_BOT_PAIR_PHONE: %w", err)
		}
	}

	if cfg.DatastoreType == "sqlite" {
		if dir := sqliteDir(cfg.DatastoreURI); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating host datastore directory: %w", err)
			}
		}
	}

	container, err := openContainer(ctx, cfg.DatastoreType, cfg.DatastoreURI, "Store/Host")
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("loading host device: %w", err)
	}

	client := whatsmeow.NewClient(device, log.WhatsApp("Client/Host"))
	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true
	if cfg.ProxyURL != "" {
		if err := client.SetProxyAddress(cfg.ProxyURL); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("setting proxy: %w", err)
		}
	}

	h := &Host{cfg: cfg, container: container, client: client, qrOut: os.Stdout}
	client.AddEventHandler(h.handleEvent)
	return h, nil
}

// OnText registers the callback for incoming text messages. Each message
// is handled on its own goroutine.
func (h *Host) OnText(fn func(ctx context.Context, msg Incoming)) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// Start connects the host account, pairing it first when the store is empty.
func (h *Host) Start(ctx context.Context) error {
	if h.client.Store.ID != nil {
		return h.client.Connect()
	}
	if h.cfg.PairPhone != "" {
		return h.pairPhone(ctx)
	}
	return h.pairQR(ctx)
}

func (h *Host) pairQR(ctx context.Context) error {
	qrCtx, cancel := context.WithTimeout(ctx, qrChannelWaitTimeout)
	qrChan, err := h.client.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return err
	}
	if err := h.client.Connect(); err != nil {
		cancel()
		return err
	}

	go func() {
		defer cancel()
		for evt := range qrChan {
			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				h.printQR(evt.Code, evt.Timeout)
			case whatsmeow.QRChannelSuccess.Event:
				log.Print(nil).Info("Host bot paired")
			default:
				log.Print(nil).WithField("event", evt.Event).Warn("Host bot pairing ended")
			}
		}
	}()
	return nil
}

func (h *Host) printQR(code string, timeout time.Duration) {
	qr, err := qrCode.New(code, qrCode.Low)
	if err != nil {
		log.Print(nil).WithError(err).Error("Encoding host pairing QR")
		return
	}
	fmt.Fprintf(h.qrOut, "Scan with WhatsApp > Linked devices (expires in %s):\n%s\n", timeout, qr.ToSmallString(false))
}

func (h *Host) pairPhone(ctx context.Context) error {
	if err := h.client.Connect(); err != nil {
		return err
	}
	pairCtx, cancel := context.WithTimeout(ctx, pairPhoneRequestTimeout)
	defer cancel()

	code, err := h.client.PairPhone(pairCtx, h.cfg.PairPhone, true, whatsmeow.PairClientChrome, "Chrome ("+runtime.GOOS+")")
	if err != nil {
		return fmt.Errorf("requesting pair code: %w", err)
	}
	log.Print(nil).WithField("phone", h.cfg.PairPhone).Info("Host bot pair code: " + code)
	return nil
}

func (h *Host) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		log.Print(nil).WithField("jid", log.MaskJID(h.SelfID())).Info("Host bot connected")
	case *events.LoggedOut:
		log.Print(nil).WithField("reason", int(e.Reason)).Warn("Host bot logged out, delete the host store to pair again")
	case *events.Message:
		if e.Info.IsFromMe {
			return
		}
		text := messageText(e.Message)
		if text == "" {
			return
		}

		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler == nil {
			return
		}
		// Commands can block for a whole connect timeout; keep the event loop free.
		go handler(context.Background(), Incoming{
			Chat:     e.Info.Chat.String(),
			Sender:   e.Info.Sender.ToNonAD().String(),
			PushName: e.Info.PushName,
			Text:     text,
			IsGroup:  e.Info.IsGroup,
		})
	}
}

func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

// Reply sends plain text into a chat.
func (h *Host) Reply(ctx context.Context, chat string, text string) error {
	if !h.client.IsConnected() {
		return ErrHostNotConnected
	}
	jid, err := types.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("parsing chat: %w", err)
	}
	_, err = h.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (h *Host) SelfID() string {
	if h.client.Store.ID == nil {
		return ""
	}
	return h.client.Store.ID.ToNonAD().String()
}

func (h *Host) Close() error {
	h.client.Disconnect()
	return h.container.Close()
}

// sqliteDir extracts the directory of a file: DSN so it can be created.
func sqliteDir(uri string) string {
	path := strings.TrimPrefix(uri, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return filepath.Dir(filepath.FromSlash(path))
}
