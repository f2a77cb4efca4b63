// Package supervisor owns the connection of a single deployment: it opens it,
// watches it, reconnects it within limits and tears it down.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

const (
	DefaultConnectTimeout    = 45 * time.Second
	DefaultMaxAttempts       = 3
	DefaultBaseDelay         = 5 * time.Second
	DefaultRateLimitedFactor = 4

	welcomeTimeout = 30 * time.Second
)

type Config struct {
	ConnectTimeout    time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	RateLimitedFactor int

	// Limiter throttles dials across every supervisor sharing it.
	Limiter   *rate.Limiter
	Scheduler *Scheduler

	// Welcome runs once, the first time the connection becomes active.
	Welcome func(ctx context.Context, conn Conn) error
	// OnTransition is called with the supervisor lock held and must not call
	// back into the supervisor.
	OnTransition func(id string, from State, to State, reason Reason)
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.RateLimitedFactor <= 0 {
		c.RateLimitedFactor = DefaultRateLimitedFactor
	}
	if c.Scheduler == nil {
		c.Scheduler = NewScheduler()
	}
	return c
}

// backoff grows linearly with the attempt number; rate limiting stretches it.
func (c Config) backoff(attempt int, reason Reason) time.Duration {
	delay := c.BaseDelay * time.Duration(attempt)
	if reason == ReasonRateLimited {
		delay *= time.Duration(c.RateLimitedFactor)
	}
	return delay
}

type Snapshot struct {
	State       State
	Attempts    int
	LastReason  Reason
	ActiveSince time.Time
}

type Supervisor struct {
	target Target
	dialer Dialer
	cfg    Config
	logger *logrus.Entry

	// ctx is cancelled by Close and aborts in-flight dials.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	machine     *Machine
	conn        Conn
	gen         uint64
	waiting     chan Notice
	attempts    int
	lastReason  Reason
	activeSince time.Time
	welcomed    bool
}

func New(target Target, owner string, dialer Dialer, cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		target:  target,
		dialer:  dialer,
		cfg:     cfg.withDefaults(),
		logger:  log.Deployment(target.ID, owner),
		ctx:     ctx,
		cancel:  cancel,
		machine: NewMachine(),
	}
}

func (s *Supervisor) ID() string {
	return s.target.ID
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:       s.machine.State(),
		Attempts:    s.attempts,
		LastReason:  s.lastReason,
		ActiveSince: s.activeSince,
	}
}

// Open connects and blocks until the connection is active or has failed.
// It may be called once, from the pending state.
func (s *Supervisor) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.machine.State() == StateStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if err := s.apply(EventOpen, ReasonNone); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	err := s.connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.State() == StateStopped {
		// A success that lands after Close is discarded; Close released the conn.
		return ErrStopped
	}
	if err != nil {
		s.apply(EventFail, ReasonOf(err))
		return err
	}

	conn := s.conn
	s.becameActive()
	if !s.welcomed && s.cfg.Welcome != nil && s.machine.State() == StateActive {
		s.welcomed = true
		go s.welcome(conn)
	}
	return nil
}

// Close stops the supervisor for good. It is safe to call at any time and
// more than once.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.machine.State() == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.apply(EventStop, ReasonNone)
	s.cancel()
	s.cfg.Scheduler.Cancel(s.target.ID)
	s.waiting = nil
	conn := s.takeConn()
	s.mu.Unlock()

	s.release(conn)
	return nil
}

// connect dials and waits for the first decisive notice. On success the
// connection is stored in s.conn and s.waiting still buffers later notices.
func (s *Supervisor) connect(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Wait(ctx); err != nil {
			return s.interrupted(err)
		}
	}

	ctx, cancelTimeout := context.WithTimeoutCause(ctx, s.cfg.ConnectTimeout, ErrTimeout)
	defer cancelTimeout()

	notices := make(chan Notice, 8)
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.waiting = notices
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, s.target, func(n Notice) { s.notify(gen, n) })
	if err != nil {
		if ctx.Err() != nil {
			return s.interrupted(context.Cause(ctx))
		}
		return &DisconnectError{Reason: ReasonUnknown, Detail: err.Error()}
	}

	s.mu.Lock()
	if s.gen != gen || s.machine.State() == StateStopped {
		s.mu.Unlock()
		s.release(conn)
		return ErrStopped
	}
	s.conn = conn
	s.mu.Unlock()

	connectErr := make(chan error, 1)
	go func() { connectErr <- conn.Connect() }()

	for {
		select {
		case n := <-notices:
			switch n.Kind {
			case NoticeConnected:
				return nil
			case NoticeInteractiveAuth:
				return s.abandon(gen, ErrRequiresInteractiveAuth)
			case NoticeClosed:
				return s.abandon(gen, &DisconnectError{Reason: n.Reason, Detail: n.Detail})
			}
		case err := <-connectErr:
			if err != nil {
				return s.abandon(gen, &DisconnectError{Reason: ReasonUnknown, Detail: err.Error()})
			}
			// The socket is up; login success arrives as a notice.
			connectErr = nil
		case <-ctx.Done():
			return s.abandon(gen, s.interrupted(context.Cause(ctx)))
		}
	}
}

func (s *Supervisor) interrupted(err error) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	return err
}

// abandon releases the connection of a failed attempt, unless Close already did.
func (s *Supervisor) abandon(gen uint64, err error) error {
	s.mu.Lock()
	var conn Conn
	if s.gen == gen {
		s.waiting = nil
		conn = s.takeConn()
	}
	s.mu.Unlock()

	s.release(conn)
	return err
}

func (s *Supervisor) notify(gen uint64, n Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	if s.waiting != nil {
		select {
		case s.waiting <- n:
		default:
			s.logger.WithField("kind", n.Kind).Warn("Dropping connection notice, buffer full")
		}
		return
	}
	s.handle(n)
}

// handle reacts to notices on an established connection. Called with s.mu held.
func (s *Supervisor) handle(n Notice) {
	switch n.Kind {
	case NoticeClosed:
		s.closed(n.Reason, n.Detail)
	case NoticeInteractiveAuth:
		s.closed(ReasonRequiresInteractiveAuth, "server asked for a new login")
	}
}

// becameActive is called with s.mu held once an open or reconnect succeeded.
func (s *Supervisor) becameActive() {
	if err := s.apply(EventConnected, ReasonNone); err != nil {
		return
	}
	s.attempts = 0
	s.activeSince = time.Now()
	s.logger.Info("Deployment connected")

	buffered := s.waiting
	s.waiting = nil
	for {
		select {
		case n := <-buffered:
			s.handle(n)
		default:
			return
		}
	}
}

func (s *Supervisor) closed(reason Reason, detail string) {
	if s.machine.State() != StateActive {
		return
	}
	conn := s.takeConn()
	go s.release(conn)

	entry := s.logger.WithField("reason", reason)
	if detail != "" {
		entry = entry.WithField("detail", detail)
	}

	if !reason.Retryable() {
		entry.Warn("Connection closed permanently")
		s.apply(EventFail, reason)
		return
	}
	entry.Warn("Connection lost")
	s.apply(EventDrop, reason)
	s.scheduleReconnect()
}

// scheduleReconnect is called with s.mu held in the disconnected state.
func (s *Supervisor) scheduleReconnect() {
	if s.attempts >= s.cfg.MaxAttempts {
		s.logger.WithField("attempts", s.attempts).Error("Giving up reconnecting")
		s.apply(EventExhaust, s.lastReason)
		return
	}
	s.attempts++
	delay := s.cfg.backoff(s.attempts, s.lastReason)
	s.logger.WithFields(logrus.Fields{"attempt": s.attempts, "delay": delay.String()}).Info("Reconnect scheduled")
	s.cfg.Scheduler.Schedule(s.target.ID, delay, s.reconnect)
}

func (s *Supervisor) reconnect() {
	s.mu.Lock()
	if s.machine.State() != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.apply(EventRetry, ReasonNone)
	s.mu.Unlock()

	err := s.connect(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.State() == StateStopped {
		return
	}
	if err == nil {
		s.becameActive()
		return
	}

	reason := ReasonOf(err)
	if !reason.Retryable() && reason != ReasonTimeout {
		s.logger.WithError(err).Warn("Reconnect failed permanently")
		s.apply(EventFail, reason)
		return
	}
	s.logger.WithError(err).Warn("Reconnect attempt failed")
	s.apply(EventDrop, reason)
	s.scheduleReconnect()
}

func (s *Supervisor) welcome(conn Conn) {
	ctx, cancel := context.WithTimeout(s.ctx, welcomeTimeout)
	defer cancel()

	if err := s.cfg.Welcome(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Warn("Failed to send welcome message")
	}
}

// apply is called with s.mu held.
func (s *Supervisor) apply(event Event, reason Reason) error {
	from := s.machine.State()
	to, err := s.machine.Apply(event)
	if err != nil {
		s.logger.WithError(err).Debug("Ignoring connection event")
		return err
	}
	if reason != ReasonNone {
		s.lastReason = reason
	}
	if to != StateActive {
		s.activeSince = time.Time{}
	}
	if from != to && s.cfg.OnTransition != nil {
		s.cfg.OnTransition(s.target.ID, from, to, reason)
	}
	return nil
}

// takeConn hands ownership of the current connection to the caller and makes
// notices from it stale. Called with s.mu held.
func (s *Supervisor) takeConn() Conn {
	conn := s.conn
	s.conn = nil
	s.gen++
	return conn
}

func (s *Supervisor) release(conn Conn) {
	if conn == nil {
		return
	}
	conn.Disconnect()
	if err := conn.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to close connection")
	}
}
