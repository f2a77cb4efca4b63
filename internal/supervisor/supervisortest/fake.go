// Package supervisortest provides a scriptable in-memory transport.
package supervisortest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
)

var ErrConnClosed = errors.New("fake connection closed")

// Step scripts what one dial does.
type Step struct {
	DialErr    error
	ConnectErr error
	// Notices are delivered from Connect. An empty list leaves the connection
	// hanging, which is how tests provoke timeouts.
	Notices []supervisor.Notice
}

func Connected() Step {
	return Step{Notices: []supervisor.Notice{{Kind: supervisor.NoticeConnected}}}
}

func Closed(reason supervisor.Reason) Step {
	return Step{Notices: []supervisor.Notice{{Kind: supervisor.NoticeClosed, Reason: reason}}}
}

func Hang() Step {
	return Step{}
}

type Message struct {
	To   string
	Text string
}

// Dialer hands out fake connections following Script, then Default.
type Dialer struct {
	mu      sync.Mutex
	Script  []Step
	Default Step
	conns   []*Conn
	targets []supervisor.Target
}

func NewDialer(script ...Step) *Dialer {
	return &Dialer{Script: script, Default: Connected()}
}

func (d *Dialer) Dial(ctx context.Context, target supervisor.Target, notify func(supervisor.Notice)) (supervisor.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	step := d.Default
	if len(d.Script) > 0 {
		step = d.Script[0]
		d.Script = d.Script[1:]
	}
	d.targets = append(d.targets, target)
	if step.DialErr != nil {
		return nil, step.DialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := &Conn{
		self:   fmt.Sprintf("%s@s.whatsapp.net", target.ID),
		step:   step,
		notify: notify,
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *Dialer) Targets() []supervisor.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]supervisor.Target(nil), d.targets...)
}

// Conn returns the i-th connection handed out, or nil.
func (d *Dialer) Conn(i int) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type Conn struct {
	self   string
	step   Step
	notify func(supervisor.Notice)

	mu          sync.Mutex
	SendErr     error
	connects    int
	disconnects int
	closes      int
	sent        []Message
}

func (c *Conn) Connect() error {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()

	if c.step.ConnectErr != nil {
		return c.step.ConnectErr
	}
	for _, n := range c.step.Notices {
		c.notify(n)
	}
	return nil
}

func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *Conn) SendText(ctx context.Context, to string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return ErrConnClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, Message{To: to, Text: text})
	return nil
}

func (c *Conn) SelfID() string {
	return c.self
}

// Emit delivers a notice as if the server sent it.
func (c *Conn) Emit(n supervisor.Notice) {
	c.notify(n)
}

func (c *Conn) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects > 0 && c.closes > 0
}

func (c *Conn) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}
