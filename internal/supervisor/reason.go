package supervisor

import (
	"context"
	"errors"
	"fmt"
)

// Reason classifies why a connection could not be opened or was closed.
type Reason string

const (
	ReasonNone                    Reason = ""
	ReasonAuthRevoked             Reason = "AuthRevoked"
	ReasonRateLimited             Reason = "RateLimited"
	ReasonBanned                  Reason = "Banned"
	ReasonBadRequest              Reason = "BadRequest"
	ReasonUnknown                 Reason = "Unknown"
	ReasonTimeout                 Reason = "Timeout"
	ReasonRequiresInteractiveAuth Reason = "RequiresInteractiveAuth"
)

// Retryable reports whether a closed connection may be reopened automatically.
func (r Reason) Retryable() bool {
	return r == ReasonRateLimited || r == ReasonUnknown
}

var (
	ErrTimeout                 = errors.New("connection did not open in time")
	ErrRequiresInteractiveAuth = errors.New("session requires QR or pair code login")
	ErrStopped                 = errors.New("supervisor stopped")
)

// DisconnectError is returned by Open when the server closed the connection.
type DisconnectError struct {
	Reason Reason
	Detail string
}

func (e *DisconnectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("connection closed: %s", e.Reason)
	}
	return fmt.Sprintf("connection closed: %s: %s", e.Reason, e.Detail)
}

// ReasonOf maps an Open error to its Reason.
func ReasonOf(err error) Reason {
	var closed *DisconnectError
	switch {
	case err == nil:
		return ReasonNone
	case errors.As(err, &closed):
		return closed.Reason
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrRequiresInteractiveAuth):
		return ReasonRequiresInteractiveAuth
	default:
		return ReasonUnknown
	}
}
