// ABOUTME: Sentinel errors returned by the session manager and its transports
// ABOUTME: Callers match with errors.Is; wrapped errors keep the cause

package session

import "errors"

var (
	// ErrSessionNotFound is returned for an unknown tenant when auto-connect
	// is off, or when the tenant was deleted mid-operation.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConnectTimeout is returned by Send when the connection never became
	// open within the readiness bound.
	ErrConnectTimeout = errors.New("timeout waiting for connection")

	// ErrTransportInit wraps failures to dial or handshake.
	ErrTransportInit = errors.New("transport initialization failed")

	// ErrTransportSend wraps a send the transport rejected.
	ErrTransportSend = errors.New("transport send failed")

	// ErrLoggedOut marks a terminal disconnect: the account revoked this
	// device. Transports wrap it in ConnectionUpdate.Err.
	ErrLoggedOut = errors.New("logged out")

	// ErrTransientDisconnect marks a recoverable disconnect.
	ErrTransientDisconnect = errors.New("transient disconnect")

	// ErrClosed is returned once Shutdown has been called.
	ErrClosed = errors.New("session manager closed")
)
