package transport

import (
	"context"

	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
)

// SessionInfo is what the transport reports about one session.
type SessionInfo struct {
	Status      domain.SessionStatus `json:"status"`
	PhoneNumber string               `json:"phone_number,omitempty"`
	QRCode      string               `json:"qr,omitempty"`
}

// Transport is the WhatsApp session driver. The session ids are the
// wa_session row ids; the driver owns everything below them (sockets,
// pairing, credential storage).
type Transport interface {
	// CreateSession starts pairing for a new session and returns the
	// initial state, usually qr plus a code to scan.
	CreateSession(ctx context.Context, sessionID int64) (SessionInfo, error)

	// SessionStatus reports the driver's current view of a session.
	SessionStatus(ctx context.Context, sessionID int64) (SessionInfo, error)

	// Logout unpairs the session; it cannot be resumed afterwards.
	Logout(ctx context.Context, sessionID int64) error

	// Reset drops the driver state for a session without unpairing the
	// phone, forcing a fresh QR on the next CreateSession.
	Reset(ctx context.Context, sessionID int64) error

	// Send delivers a text message through the given session.
	Send(ctx context.Context, sessionID int64, to, body string) error
}

// DeliveryError classifies a failed send. Transient failures (network,
// timeout) are retried by the dispatcher; terminal ones (bad destination,
// transport rejection) fail the item immediately.
type DeliveryError struct {
	Transient bool
	Reason    string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable delivery failure.
func Transient(reason string, err error) error {
	return &DeliveryError{Transient: true, Reason: reason, Err: err}
}

// Terminal wraps err as a non-retryable delivery failure.
func Terminal(reason string, err error) error {
	return &DeliveryError{Transient: false, Reason: reason, Err: err}
}

// IsTerminal reports whether err is a delivery failure that must not be
// retried. Anything that is not an explicit DeliveryError, including
// context deadline timeouts, counts as transient.
func IsTerminal(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return !de.Transient
	}
	return false
}
