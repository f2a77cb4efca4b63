// Package credential decodes the session blobs users paste into the bot into
// the key material a whatsmeow device needs to log in without pairing.
package credential

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"
)

// Prefix marks a session blob produced by the pairing site.
const Prefix = "XHYPHER:~"

var (
	ErrInvalidFormat  = errors.New("session blob is not in the expected format")
	ErrCorruptPayload = errors.New("session blob payload is corrupt")
)

// Account is the ADV signed device identity issued when the device was paired.
type Account struct {
	Details             []byte
	AccountSignatureKey []byte
	AccountSignature    []byte
	DeviceSignature     []byte
}

// Material is the validated credential set for one linked device.
type Material struct {
	NoiseKey       *keys.KeyPair
	IdentityKey    *keys.KeyPair
	SignedPreKey   *keys.PreKey
	RegistrationID uint32
	AdvSecretKey   []byte
	Account        *Account

	JID      types.JID
	LID      types.JID
	PushName string
	Platform string
}

type rawKeyPair struct {
	Private buffer `json:"private"`
	Public  buffer `json:"public"`
}

type rawPreKey struct {
	KeyPair   *rawKeyPair `json:"keyPair"`
	Signature buffer      `json:"signature"`
	KeyID     uint32      `json:"keyId"`
}

type rawMe struct {
	ID   string `json:"id"`
	LID  string `json:"lid,omitempty"`
	Name string `json:"name,omitempty"`
}

type rawAccount struct {
	Details             buffer `json:"details"`
	AccountSignatureKey buffer `json:"accountSignatureKey"`
	AccountSignature    buffer `json:"accountSignature"`
	DeviceSignature     buffer `json:"deviceSignature"`
}

type rawCreds struct {
	NoiseKey          *rawKeyPair `json:"noiseKey,omitempty"`
	SignedIdentityKey *rawKeyPair `json:"signedIdentityKey"`
	SignedPreKey      *rawPreKey  `json:"signedPreKey,omitempty"`
	RegistrationID    uint32      `json:"registrationId"`
	AdvSecretKey      buffer      `json:"advSecretKey,omitempty"`
	Me                *rawMe      `json:"me,omitempty"`
	Account           *rawAccount `json:"account,omitempty"`
	Platform          string      `json:"platform,omitempty"`
}

// Decode validates a prefixed session blob and rebuilds its key material.
// It has no side effects.
func Decode(blob string) (*Material, error) {
	blob = strings.TrimSpace(blob)
	if !strings.HasPrefix(blob, Prefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidFormat, Prefix)
	}
	encoded := strings.TrimPrefix(blob, Prefix)
	if strings.TrimSpace(encoded) == "" {
		return nil, fmt.Errorf("%w: nothing after prefix", ErrInvalidFormat)
	}

	payload, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrCorruptPayload, err)
	}

	creds, err := parseCreds(payload)
	if err != nil {
		return nil, err
	}
	return creds.material()
}

func parseCreds(payload []byte) (*rawCreds, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrCorruptPayload)
	}

	// Session folder dumps wrap the credential set in {"creds": ...}.
	var envelope struct {
		Creds json.RawMessage `json:"creds"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if len(envelope.Creds) > 0 && !bytes.Equal(envelope.Creds, []byte("null")) {
		payload = envelope.Creds
	}

	var creds rawCreds
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return &creds, nil
}

func (c *rawCreds) material() (*Material, error) {
	identity, err := c.SignedIdentityKey.keyPair("signedIdentityKey")
	if err != nil {
		return nil, err
	}
	if c.RegistrationID == 0 {
		return nil, corrupt("registrationId", "missing")
	}

	m := &Material{
		IdentityKey:    identity,
		RegistrationID: c.RegistrationID,
		AdvSecretKey:   c.AdvSecretKey,
		Platform:       c.Platform,
	}

	if c.NoiseKey != nil {
		if m.NoiseKey, err = c.NoiseKey.keyPair("noiseKey"); err != nil {
			return nil, err
		}
	}

	if c.SignedPreKey != nil {
		pair, err := c.SignedPreKey.KeyPair.keyPair("signedPreKey.keyPair")
		if err != nil {
			return nil, err
		}
		if len(c.SignedPreKey.Signature) != 64 {
			return nil, corrupt("signedPreKey.signature", "must be 64 bytes")
		}
		var sig [64]byte
		copy(sig[:], c.SignedPreKey.Signature)
		m.SignedPreKey = &keys.PreKey{KeyPair: *pair, KeyID: c.SignedPreKey.KeyID, Signature: &sig}
	}

	if len(m.AdvSecretKey) != 0 && len(m.AdvSecretKey) != 32 {
		return nil, corrupt("advSecretKey", "must be 32 bytes")
	}

	if c.Me != nil && c.Me.ID != "" {
		jid, err := types.ParseJID(c.Me.ID)
		if err != nil {
			return nil, corrupt("me.id", err.Error())
		}
		m.JID = jid
		m.PushName = c.Me.Name
		if c.Me.LID != "" {
			lid, err := types.ParseJID(c.Me.LID)
			if err != nil {
				return nil, corrupt("me.lid", err.Error())
			}
			m.LID = lid
		}
	}

	if c.Account != nil {
		if len(c.Account.Details) == 0 || len(c.Account.AccountSignature) == 0 || len(c.Account.DeviceSignature) == 0 {
			return nil, corrupt("account", "details and signatures are required")
		}
		m.Account = &Account{
			Details:             c.Account.Details,
			AccountSignatureKey: c.Account.AccountSignatureKey,
			AccountSignature:    c.Account.AccountSignature,
			DeviceSignature:     c.Account.DeviceSignature,
		}
	}

	return m, nil
}

func (k *rawKeyPair) keyPair(field string) (*keys.KeyPair, error) {
	if k == nil {
		return nil, corrupt(field, "missing")
	}
	if len(k.Private) != 32 {
		return nil, corrupt(field+".private", "must be 32 bytes")
	}
	var priv [32]byte
	copy(priv[:], k.Private)
	pair := keys.NewKeyPairFromPrivateKey(priv)

	if len(k.Public) > 0 {
		pub := []byte(k.Public)
		// libsignal serializes DJB keys with a leading type byte.
		if len(pub) == 33 && pub[0] == 0x05 {
			pub = pub[1:]
		}
		if len(pub) != 32 {
			return nil, corrupt(field+".public", "must be 32 bytes")
		}
		if subtle.ConstantTimeCompare(pub, pair.Pub[:]) != 1 {
			return nil, corrupt(field+".public", "does not match private key")
		}
	}
	return pair, nil
}

func corrupt(field string, problem string) error {
	return fmt.Errorf("%w: %s %s", ErrCorruptPayload, field, problem)
}

// Encode serializes the material back into a prefixed blob that Decode accepts.
func (m *Material) Encode() (string, error) {
	if m == nil || m.IdentityKey == nil {
		return "", fmt.Errorf("%w: identity key missing", ErrCorruptPayload)
	}
	creds := rawCreds{
		SignedIdentityKey: fromKeyPair(m.IdentityKey),
		RegistrationID:    m.RegistrationID,
		AdvSecretKey:      m.AdvSecretKey,
		Platform:          m.Platform,
	}
	if m.NoiseKey != nil {
		creds.NoiseKey = fromKeyPair(m.NoiseKey)
	}
	if m.SignedPreKey != nil {
		creds.SignedPreKey = &rawPreKey{
			KeyPair: fromKeyPair(&m.SignedPreKey.KeyPair),
			KeyID:   m.SignedPreKey.KeyID,
		}
		if m.SignedPreKey.Signature != nil {
			creds.SignedPreKey.Signature = m.SignedPreKey.Signature[:]
		}
	}
	if !m.JID.IsEmpty() {
		creds.Me = &rawMe{ID: m.JID.String(), Name: m.PushName}
		if !m.LID.IsEmpty() {
			creds.Me.LID = m.LID.String()
		}
	}
	if m.Account != nil {
		creds.Account = &rawAccount{
			Details:             m.Account.Details,
			AccountSignatureKey: m.Account.AccountSignatureKey,
			AccountSignature:    m.Account.AccountSignature,
			DeviceSignature:     m.Account.DeviceSignature,
		}
	}

	payload, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return Prefix + base64.StdEncoding.EncodeToString(payload), nil
}

func fromKeyPair(pair *keys.KeyPair) *rawKeyPair {
	return &rawKeyPair{Private: pair.Priv[:], Public: pair.Pub[:]}
}

// Summary describes the material without exposing key bytes.
func (m *Material) Summary() string {
	jid := "unpaired"
	if !m.JID.IsEmpty() {
		jid = m.JID.String()
	}
	platform := m.Platform
	if platform == "" {
		platform = "unknown"
	}
	return fmt.Sprintf("jid=%s platform=%s registration_id=%d account=%t", jid, platform, m.RegistrationID, m.Account != nil)
}
