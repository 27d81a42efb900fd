package session

import "github.com/pkg/errors"

var (
	// ErrSubaccountNotFound is returned when the owning subaccount row
	// does not exist.
	ErrSubaccountNotFound = errors.New("subaccount not found")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when a terminal disconnected
	// session is asked to resume; the caller must create a new session.
	ErrInvalidTransition = errors.New("invalid session status transition")

	// ErrSessionNotReady is returned when activation is attempted on a
	// session that is not in the ready state.
	ErrSessionNotReady = errors.New("session is not ready")

	// ErrInvalidStatus is returned when a status outside the closed enum
	// is submitted.
	ErrInvalidStatus = errors.New("invalid session status")
)
