package supervisor

import (
	"context"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/credential"
)

// NoticeKind is what the transport reports about the connection.
type NoticeKind int

const (
	NoticeConnected NoticeKind = iota + 1
	NoticeClosed
	NoticeInteractiveAuth
)

type Notice struct {
	Kind   NoticeKind
	Reason Reason
	Detail string
}

// Target describes the session a Dialer should connect.
type Target struct {
	ID  string
	Dir string
	// Material seeds a fresh session in Dir. When nil the session already
	// stored in Dir is reused.
	Material *credential.Material
}

// Dialer builds a connection for a deployment. The notify callback may be
// invoked from any goroutine for as long as the Conn lives.
type Dialer interface {
	Dial(ctx context.Context, target Target, notify func(Notice)) (Conn, error)
}

// Conn is a single messaging connection. Disconnect and Close must tolerate
// repeated calls and calls on a connection that never connected.
type Conn interface {
	Connect() error
	Disconnect()
	Close() error
	SendText(ctx context.Context, to string, text string) error
	SelfID() string
}
