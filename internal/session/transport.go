// ABOUTME: Boundary between the session manager and a messaging transport
// ABOUTME: A Transport dials one Conn per tenant; a Conn reports state and messages

package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/coven-whatsapp/internal/credstore"
)

// ConnState is the state a connection reports through OnConnectionUpdate.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionUpdate is one connection state event.
type ConnectionUpdate struct {
	State ConnState

	// AuthChallenge carries a pairing payload (QR code) while connecting.
	AuthChallenge string

	// Err explains a ConnClosed update. Wrapping ErrLoggedOut makes the
	// close terminal; anything else is treated as transient.
	Err error
}

// LoggedOut reports whether the update is a terminal logout.
func (u ConnectionUpdate) LoggedOut() bool {
	return u.State == ConnClosed && errors.Is(u.Err, ErrLoggedOut)
}

// InboundMessage is a message the transport received, including the
// account's own sends reported back to it.
type InboundMessage struct {
	ID string

	// From is the chat address as the transport reported it. FromAlt is an
	// alternate, stable address the transport supplied for the same sender,
	// if any.
	From    string
	FromAlt string
	FromMe  bool

	PushName    string
	ContactName string

	Text      string
	MediaType string
	Audio     []byte
	Timestamp time.Time

	// Raw is the provider message as JSON.
	Raw json.RawMessage
}

// Receipt acknowledges a send.
type Receipt struct {
	ID        string
	Timestamp time.Time
}

// Conn is one live connection for one tenant. Implementations are pointer
// types. Close must be idempotent and safe to call from inside a callback.
type Conn interface {
	// OnConnectionUpdate and OnMessage register the single handler for
	// their event category. They are called before Connect.
	OnConnectionUpdate(func(ConnectionUpdate))
	OnMessage(func(InboundMessage))

	// Connect starts the connection. ctx bounds the start only, not the
	// lifetime of the connection. Reaching open is reported through
	// OnConnectionUpdate.
	Connect(ctx context.Context) error

	Send(ctx context.Context, to, text string) (Receipt, error)

	// Close disconnects and detaches every handler. No callbacks fire
	// after Close returns.
	Close() error
}

// Transport creates connections.
type Transport interface {
	// Dial builds, but does not start, a connection for the tenant using
	// the credentials behind creds.
	Dial(ctx context.Context, tenantID string, creds *credstore.Handle) (Conn, error)

	// Forget drops any transport-side state kept for the tenant outside
	// the credential store.
	Forget(ctx context.Context, tenantID string, creds *credstore.Handle) error
}
