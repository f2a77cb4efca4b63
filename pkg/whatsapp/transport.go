package whatsapp

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/credential"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

// ErrNoStoredSession means the deployment directory holds no paired device.
var ErrNoStoredSession = fmt.Errorf("%w: no stored session in deployment directory", supervisor.ErrRequiresInteractiveAuth)

// Dialer opens one whatsmeow client per deployment, each backed by its own
// sqlite session file inside the deployment directory.
type Dialer struct {
	ProxyURL string
}

func NewDialer(proxyURL string) *Dialer {
	configureDeviceProps()
	return &Dialer{ProxyURL: proxyURL}
}

func (d *Dialer) Dial(ctx context.Context, target supervisor.Target, notify func(supervisor.Notice)) (supervisor.Conn, error) {
	if err := os.MkdirAll(target.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	container, err := openContainer(ctx, "sqlite", sessionDSN(target.Dir), "Store/"+target.ID)
	if err != nil {
		return nil, err
	}

	device, err := loadDevice(ctx, container, target.Material)
	if err != nil {
		_ = container.Close()
		return nil, err
	}

	client := whatsmeow.NewClient(device, log.WhatsApp("Client/"+target.ID))
	// Reconnects are owned by the supervisor.
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true
	if d.ProxyURL != "" {
		if err := client.SetProxyAddress(d.ProxyURL); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("setting proxy: %w", err)
		}
	}

	client.AddEventHandler(func(evt interface{}) {
		if notice, ok := classifyEvent(evt); ok {
			notify(notice)
		}
	})

	return &Conn{client: client, container: container}, nil
}

func loadDevice(ctx context.Context, container *sqlstore.Container, material *credential.Material) (*store.Device, error) {
	if material == nil {
		device, err := container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading stored device: %w", err)
		}
		if device.ID == nil {
			return nil, ErrNoStoredSession
		}
		return device, nil
	}

	device := container.NewDevice()
	applyMaterial(device, material)
	// Without a JID the device is unpaired and connecting will ask for a QR.
	if device.ID != nil {
		if err := container.PutDevice(ctx, device); err != nil {
			return nil, fmt.Errorf("saving device: %w", err)
		}
	}
	return device, nil
}

func applyMaterial(device *store.Device, m *credential.Material) {
	if m.NoiseKey != nil {
		device.NoiseKey = m.NoiseKey
	}
	device.IdentityKey = m.IdentityKey
	if m.SignedPreKey != nil {
		device.SignedPreKey = m.SignedPreKey
	} else {
		device.SignedPreKey = m.IdentityKey.CreateSignedPreKey(1)
	}
	device.RegistrationID = m.RegistrationID
	if len(m.AdvSecretKey) > 0 {
		device.AdvSecretKey = m.AdvSecretKey
	}
	if !m.JID.IsEmpty() {
		jid := m.JID
		device.ID = &jid
	}
	device.LID = m.LID
	device.PushName = m.PushName
	device.Platform = m.Platform
	if m.Account != nil {
		device.Account = &waAdv.ADVSignedDeviceIdentity{
			Details:             m.Account.Details,
			AccountSignatureKey: m.Account.AccountSignatureKey,
			AccountSignature:    m.Account.AccountSignature,
			DeviceSignature:     m.Account.DeviceSignature,
		}
	}
}

// Conn adapts a whatsmeow client to supervisor.Conn.
type Conn struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	closeOnce sync.Once
	closeErr  error
}

func (c *Conn) Connect() error {
	return c.client.Connect()
}

func (c *Conn) Disconnect() {
	c.client.Disconnect()
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.client.Disconnect()
		c.closeErr = c.container.Close()
	})
	return c.closeErr
}

func (c *Conn) SendText(ctx context.Context, to string, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parsing recipient: %w", err)
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (c *Conn) SelfID() string {
	if c.client.Store == nil || c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.ToNonAD().String()
}
