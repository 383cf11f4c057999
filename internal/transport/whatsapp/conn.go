// ABOUTME: One whatsmeow client wrapped as a session.Conn
// ABOUTME: Translates whatsmeow events into connection updates and inbound messages

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/2389/coven-whatsapp/internal/credstore"
	"github.com/2389/coven-whatsapp/internal/session"
)

// lookupTimeout bounds per-message store lookups and media downloads.
const lookupTimeout = 30 * time.Second

type conn struct {
	tenant        string
	client        *whatsmeow.Client
	creds         *credstore.Handle
	downloadAudio bool
	logger        *slog.Logger

	// ctx lives until Close.
	ctx    context.Context
	cancel context.CancelFunc

	// dial opens the socket; client.Connect outside tests.
	dial func() error

	// detached is closed once the client has dropped our handler and
	// its socket after Close.
	detached chan struct{}

	mu        sync.Mutex
	onUpdate  func(session.ConnectionUpdate)
	onMessage func(session.InboundMessage)
	handlerID uint32
	started   bool
	closed    bool
}

func newConn(tenantID string, client *whatsmeow.Client, creds *credstore.Handle, downloadAudio bool, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		tenant:        tenantID,
		client:        client,
		creds:         creds,
		downloadAudio: downloadAudio,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		dial:          client.Connect,
		detached:      make(chan struct{}),
	}
}

func (c *conn) OnConnectionUpdate(fn func(session.ConnectionUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

func (c *conn) OnMessage(fn func(session.InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.handlerID = c.client.AddEventHandler(c.handleEvent)
	c.mu.Unlock()

	if c.client.Store.ID == nil {
		// the QR channel must exist before Connect; it lives as long as
		// the connection, not the caller's request
		qrChan, err := c.client.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("opening QR channel: %w", err)
		}
		go c.forwardQR(qrChan)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.dial(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

func (c *conn) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(session.ConnectionUpdate{State: session.ConnConnecting, AuthChallenge: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			c.logger.Info("device paired")
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(session.ConnectionUpdate{
				State: session.ConnClosed,
				Err:   fmt.Errorf("%w: pairing timed out", session.ErrTransientDisconnect),
			})
		default:
			c.logger.Warn("pairing failed", "event", item.Event, "error", item.Error)
		}
	}
}

func (c *conn) Send(ctx context.Context, to, text string) (session.Receipt, error) {
	jid, err := ParseRecipient(to)
	if err != nil {
		return session.Receipt{}, err
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return session.Receipt{}, err
	}
	return session.Receipt{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onUpdate = nil
	c.onMessage = nil
	started, handlerID := c.started, c.handlerID
	c.mu.Unlock()

	c.cancel()

	// whatsmeow holds its handler lock while dispatching, and the manager
	// closes connections from inside those handlers. Detaching inline
	// would deadlock the dispatching goroutine.
	go func() {
		defer close(c.detached)
		if started {
			c.client.RemoveEventHandler(handlerID)
		}
		c.client.Disconnect()
	}()
	return nil
}

func (c *conn) emit(u session.ConnectionUpdate) {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func (c *conn) handleEvent(evt interface{}) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	switch v := evt.(type) {
	case *events.Connected:
		c.emit(session.ConnectionUpdate{State: session.ConnOpen})

	case *events.PairSuccess:
		c.persistDevice(v.ID)

	case *events.LoggedOut:
		c.emit(session.ConnectionUpdate{
			State: session.ConnClosed,
			Err:   fmt.Errorf("%w: %v", session.ErrLoggedOut, v.Reason),
		})

	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			c.emit(session.ConnectionUpdate{
				State: session.ConnClosed,
				Err:   fmt.Errorf("%w: connect failure %v", session.ErrLoggedOut, v.Reason),
			})
			return
		}
		c.emit(session.ConnectionUpdate{
			State: session.ConnClosed,
			Err:   fmt.Errorf("%w: connect failure %v: %s", session.ErrTransientDisconnect, v.Reason, v.Message),
		})

	case *events.Disconnected:
		c.emit(session.ConnectionUpdate{
			State: session.ConnClosed,
			Err:   fmt.Errorf("%w: socket closed", session.ErrTransientDisconnect),
		})

	case *events.StreamReplaced:
		c.emit(session.ConnectionUpdate{
			State: session.ConnClosed,
			Err:   fmt.Errorf("%w: stream replaced by another client", session.ErrTransientDisconnect),
		})

	case *events.TemporaryBan:
		c.emit(session.ConnectionUpdate{
			State: session.ConnClosed,
			Err:   fmt.Errorf("%w: temporary ban: %v", session.ErrTransientDisconnect, v),
		})

	case *events.Message:
		c.handleMessage(v)
	}
}

func (c *conn) persistDevice(jid types.JID) {
	data, err := encodeRecord(jid)
	if err != nil {
		c.logger.Error("encoding device record", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, lookupTimeout)
	defer cancel()
	if err := c.creds.Persist(ctx, data); err != nil {
		c.logger.Error("persisting device record", "jid", jid, "error", err)
		return
	}
	c.logger.Info("device record saved", "jid", jid)
}

func (c *conn) handleMessage(v *events.Message) {
	if v.Message == nil || v.Info.Chat == types.StatusBroadcastJID {
		return
	}

	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, lookupTimeout)
	defer cancel()

	content := classify(v.Message)
	msg := session.InboundMessage{
		ID:        string(v.Info.ID),
		From:      v.Info.Chat.String(),
		FromAlt:   c.alternateAddress(ctx, v.Info),
		FromMe:    v.Info.IsFromMe,
		PushName:  v.Info.PushName,
		Text:      content.Text,
		MediaType: content.MediaType,
		Timestamp: v.Info.Timestamp,
	}

	if !v.Info.IsGroup {
		if info, err := c.client.Store.Contacts.GetContact(ctx, v.Info.Chat); err == nil {
			msg.ContactName = contactName(info)
		}
	}

	if content.Audio != nil && c.downloadAudio {
		data, err := c.client.Download(ctx, content.Audio)
		if err != nil {
			c.logger.Warn("audio download failed", "message_id", v.Info.ID, "error", err)
		} else {
			msg.Audio = data
		}
	}

	if raw, err := protojson.Marshal(v.Message); err == nil {
		msg.Raw = raw
	}

	fn(msg)
}

// alternateAddress finds the phone-number address behind a LID chat.
func (c *conn) alternateAddress(ctx context.Context, info types.MessageInfo) string {
	if info.Chat.Server != types.HiddenUserServer {
		return ""
	}
	if !info.IsFromMe && info.SenderAlt.Server == types.DefaultUserServer {
		return info.SenderAlt.ToNonAD().String()
	}
	pn, err := c.client.Store.LIDs.GetPNForLID(ctx, info.Chat)
	if err != nil || pn.IsEmpty() {
		return ""
	}
	return pn.ToNonAD().String()
}
