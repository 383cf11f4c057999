// ABOUTME: One mautrix client wrapped as a session.Conn
// ABOUTME: Runs the sync loop and maps sync results to connection updates

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-whatsapp/internal/session"
)

// networkTimeout bounds sends and media downloads.
const networkTimeout = 30 * time.Second

type conn struct {
	tenant        string
	client        *mautrix.Client
	downloadAudio bool
	logger        *slog.Logger

	// ctx lives until Close and bounds the sync loop.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	onUpdate  func(session.ConnectionUpdate)
	onMessage func(session.InboundMessage)
	started   bool
	opened    bool
	closed    bool
}

func newConn(tenantID string, client *mautrix.Client, downloadAudio bool, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		tenant:        tenantID,
		client:        client,
		downloadAudio: downloadAudio,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
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
	c.mu.Unlock()

	if c.client == nil {
		c.emit(session.ConnectionUpdate{State: session.ConnConnecting, AuthChallenge: LoginRequired})
		return nil
	}

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type %T", c.client.Syncer)
	}
	// registered ahead of DontProcessOldEvents, which stops the chain on
	// the initial sync
	syncer.OnSync(c.handleSync)
	syncer.OnSync(c.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	if err := ctx.Err(); err != nil {
		return err
	}
	go c.syncLoop()
	return nil
}

func (c *conn) syncLoop() {
	err := c.client.SyncWithContext(c.ctx)
	if c.ctx.Err() != nil {
		return
	}
	c.emit(session.ConnectionUpdate{State: session.ConnClosed, Err: syncError(err)})
}

// syncError classifies the error that ended the sync loop.
func syncError(err error) error {
	switch {
	case errors.Is(err, mautrix.MUnknownToken):
		return fmt.Errorf("%w: access token rejected", session.ErrLoggedOut)
	case err == nil:
		return fmt.Errorf("%w: sync stopped", session.ErrTransientDisconnect)
	default:
		return fmt.Errorf("%w: sync failed: %v", session.ErrTransientDisconnect, err)
	}
}

func (c *conn) handleSync(_ context.Context, _ *mautrix.RespSync, _ string) bool {
	c.mu.Lock()
	first := !c.opened
	c.opened = true
	c.mu.Unlock()

	if first {
		c.logger.Info("matrix sync established", "user", c.client.UserID)
		c.emit(session.ConnectionUpdate{State: session.ConnOpen})
	}
	return true
}

func (c *conn) Send(ctx context.Context, to, text string) (session.Receipt, error) {
	if c.client == nil {
		return session.Receipt{}, fmt.Errorf("not logged in")
	}
	roomID, err := ParseRoom(to)
	if err != nil {
		return session.Receipt{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	content := renderText(text)
	resp, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	if err != nil {
		return session.Receipt{}, err
	}
	return session.Receipt{ID: resp.EventID.String(), Timestamp: time.Now()}, nil
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
	c.mu.Unlock()

	c.cancel()
	if c.client != nil {
		c.client.StopSync()
	}
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

func (c *conn) handleMessage(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn == nil {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		c.logger.Debug("ignoring message with unexpected content", "event_id", evt.ID)
		return
	}

	parsed := classify(content)
	msg := session.InboundMessage{
		ID:        evt.ID.String(),
		From:      evt.RoomID.String(),
		FromMe:    evt.Sender == c.client.UserID,
		PushName:  evt.Sender.Localpart(),
		Text:      parsed.Text,
		MediaType: parsed.MediaType,
		Timestamp: time.UnixMilli(evt.Timestamp),
		Raw:       evt.Content.VeryRaw,
	}

	if parsed.Audio != "" && c.downloadAudio {
		msg.Audio = c.download(ctx, parsed.Audio, evt.ID)
	}

	fn(msg)
}

func (c *conn) download(ctx context.Context, uri id.ContentURIString, eventID id.EventID) []byte {
	parsed, err := uri.Parse()
	if err != nil {
		c.logger.Warn("invalid audio URI", "event_id", eventID, "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	data, err := c.client.DownloadBytes(ctx, parsed)
	if err != nil {
		c.logger.Warn("audio download failed", "event_id", eventID, "error", err)
		return nil
	}
	return data
}
