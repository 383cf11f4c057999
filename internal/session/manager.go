// ABOUTME: Multi-tenant session lifecycle manager
// ABOUTME: Connect, send, delete, reconnect scheduling and inbound echo filtering

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-whatsapp/internal/credstore"
	"github.com/2389/coven-whatsapp/internal/dedupe"
	"github.com/2389/coven-whatsapp/internal/identity"
	"github.com/2389/coven-whatsapp/internal/relay"
)

// removalTimeout bounds credential cleanup after a transport-initiated logout.
const removalTimeout = 30 * time.Second

// Relayer receives inbound messages that survived echo filtering.
type Relayer interface {
	Forward(ctx context.Context, ev relay.Event) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for activity stamps, the echo filter and the
// reaper.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAfterFunc replaces time.AfterFunc for reconnect scheduling.
func WithAfterFunc(afterFunc func(time.Duration, func()) Timer) Option {
	return func(m *Manager) { m.afterFunc = afterFunc }
}

// Manager owns every tenant's session.
type Manager struct {
	cfg       Config
	transport Transport
	store     credstore.Store
	relay     Relayer
	logger    *slog.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer

	// ctx lives until Shutdown and parents reconnects and inbound relaying.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessions  map[string]*session
	observers []func(tenantID string, status Status)
	closed    bool
}

// NewManager creates a Manager. Call Run to start the idle reaper.
func NewManager(cfg Config, transport Transport, store credstore.Store, relayer Relayer, logger *slog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg.withDefaults(),
		transport: transport,
		store:     store,
		relay:     relayer,
		logger:    logger.With("component", "session"),
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStatusChange registers fn to be called after every status transition.
// fn runs without any manager lock held.
func (m *Manager) OnStatusChange(fn func(tenantID string, status Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) notify(tenantID string, status Status) {
	m.mu.Lock()
	observers := make([]func(string, Status), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(tenantID, status)
	}
}

func (m *Manager) newSession(tenantID string) *session {
	handle := credstore.NewHandle(m.store, tenantID, m.logger)
	return &session{
		tenant:       tenantID,
		handle:       handle,
		echo:         dedupe.New(m.cfg.EchoTTL, m.cfg.EchoMaxSize, dedupe.WithClock(m.now)),
		ids:          identity.New(m.cfg.AliasCacheSize, handle, m.logger),
		logger:       m.logger.With("tenant", tenantID),
		status:       StatusUninitialized,
		lastActivity: m.now(),
	}
}

// getOrCreate returns the tenant's session, creating it if unseen. A session
// that is being removed is waited out so it is never resurrected.
func (m *Manager) getOrCreate(ctx context.Context, tenantID string) (*session, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		s, ok := m.sessions[tenantID]
		if !ok {
			s = m.newSession(tenantID)
			m.sessions[tenantID] = s
			m.mu.Unlock()
			return s, nil
		}
		s.mu.Lock()
		removed, gone := s.removed, s.gone
		s.mu.Unlock()
		m.mu.Unlock()

		if !removed {
			return s, nil
		}
		select {
		case <-gone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// lookup returns the tenant's session or nil. The session may be mid-removal.
func (m *Manager) lookup(tenantID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[tenantID]
}

// Connect returns the tenant's connection, starting one unless a connection
// is already connecting or open. Concurrent calls for one tenant share a
// single dial.
func (m *Manager) Connect(ctx context.Context, tenantID string) (Conn, error) {
	s, err := m.getOrCreate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.connectSession(ctx, s)
}

func (m *Manager) connectSession(ctx context.Context, s *session) (Conn, error) {
	for {
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			return nil, ErrSessionNotFound
		}
		if s.opening != nil {
			opening := s.opening
			s.mu.Unlock()
			select {
			case <-opening:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if (s.status == StatusConnecting || s.status == StatusOpen) && s.conn != nil {
			conn := s.conn
			s.mu.Unlock()
			return conn, nil
		}

		s.stopReconnectLocked()
		s.gen++
		gen := s.gen
		opening := make(chan struct{})
		s.opening = opening
		s.status = StatusConnecting
		s.pendingAuth = ""
		s.lastActivity = m.now()
		s.mu.Unlock()

		s.logger.Info("=== SESSION CONNECTING ===")
		m.notify(s.tenant, StatusConnecting)

		conn, err := m.open(ctx, s, gen)

		s.mu.Lock()
		s.opening = nil
		s.mu.Unlock()
		close(opening)

		return conn, err
	}
}

// open dials, wires callbacks for generation gen, and starts the connection.
func (m *Manager) open(ctx context.Context, s *session, gen uint64) (Conn, error) {
	conn, err := m.transport.Dial(ctx, s.tenant, s.handle)
	if err != nil {
		m.abandon(s, gen, err)
		return nil, fmt.Errorf("%w: %w", ErrTransportInit, err)
	}

	conn.OnConnectionUpdate(func(u ConnectionUpdate) {
		m.handleUpdate(s, gen, conn, u)
	})
	conn.OnMessage(func(msg InboundMessage) {
		m.handleMessage(s, gen, msg)
	})

	s.mu.Lock()
	if s.removed || s.gen != gen {
		removed := s.removed
		s.mu.Unlock()
		_ = conn.Close()
		if removed {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: connection superseded", ErrTransportInit)
	}
	s.conn = conn
	s.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		m.abandon(s, gen, err)
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrTransportInit, err)
	}
	return conn, nil
}

// abandon marks a failed connection attempt closed. No reconnect is
// scheduled; the next Connect or Send tries again.
func (m *Manager) abandon(s *session, gen uint64, cause error) {
	s.mu.Lock()
	if s.removed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.conn = nil
	s.status = StatusClosed
	s.pendingAuth = ""
	s.stopReconnectLocked()
	s.mu.Unlock()

	s.logger.Error("connection failed", "error", cause)
	m.notify(s.tenant, StatusClosed)
}

func (m *Manager) handleUpdate(s *session, gen uint64, conn Conn, u ConnectionUpdate) {
	switch u.State {
	case ConnConnecting:
		if u.AuthChallenge == "" {
			return
		}
		s.mu.Lock()
		if s.removed || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.pendingAuth = u.AuthChallenge
		s.mu.Unlock()
		s.logger.Info("auth challenge received")

	case ConnOpen:
		s.mu.Lock()
		if s.removed || s.gen != gen || s.status != StatusConnecting {
			status := s.status
			s.mu.Unlock()
			s.logger.Debug("ignoring stale open event", "status", status)
			return
		}
		s.status = StatusOpen
		s.pendingAuth = ""
		s.lastActivity = m.now()
		s.mu.Unlock()

		s.logger.Info("=== SESSION OPEN ===")
		m.notify(s.tenant, StatusOpen)

	case ConnClosed:
		if u.LoggedOut() {
			m.forceLogout(s, conn, u.Err)
			return
		}
		m.handleDrop(s, gen, conn, u.Err)
	}
}

// handleDrop handles a transient close of the live connection by scheduling
// one reconnect attempt.
func (m *Manager) handleDrop(s *session, gen uint64, conn Conn, cause error) {
	if cause == nil {
		cause = ErrTransientDisconnect
	}

	s.mu.Lock()
	if s.removed || s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("ignoring close from a replaced connection", "error", cause)
		return
	}
	// idle suspension closes the socket too; that is not a drop
	if s.status == StatusIdle {
		s.mu.Unlock()
		return
	}
	s.gen++
	next := s.gen
	s.conn = nil
	s.status = StatusClosed
	s.pendingAuth = ""
	s.stopReconnectLocked()
	s.reconnect = m.afterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnect(s, next)
	})
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Warn("unexpected disconnect, reconnecting",
		"delay", m.cfg.ReconnectDelay,
		"error", cause,
	)
	m.notify(s.tenant, StatusClosed)
}

// reconnect runs when a reconnect timer fires. Eligibility is decided now,
// not when the timer was set.
func (m *Manager) reconnect(s *session, gen uint64) {
	m.mu.Lock()
	current := !m.closed && m.sessions[s.tenant] == s
	s.mu.Lock()
	if s.gen == gen {
		s.reconnect = nil
	}
	eligible := current &&
		!s.removed &&
		s.gen == gen &&
		s.status == StatusClosed &&
		s.conn == nil &&
		s.opening == nil
	s.mu.Unlock()
	m.mu.Unlock()

	if !eligible {
		s.logger.Debug("reconnect no longer needed")
		return
	}

	s.logger.Info("reconnecting")
	if _, err := m.connectSession(m.ctx, s); err != nil {
		s.logger.Error("reconnect failed", "error", err)
	}
}

// forceLogout removes the session after the account revoked this device.
// It wins over any pending reconnect.
func (m *Manager) forceLogout(s *session, conn Conn, cause error) {
	m.mu.Lock()
	if m.sessions[s.tenant] != s {
		m.mu.Unlock()
		return
	}
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}
	live := m.markRemovedLocked(s)
	s.mu.Unlock()
	m.mu.Unlock()

	s.logger.Warn("=== SESSION LOGGED OUT ===", "error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), removalTimeout)
	defer cancel()
	if err := m.finishRemoval(ctx, s, live, conn); err != nil {
		s.logger.Error("cleanup after logout failed", "error", err)
	}
}

// markRemovedLocked starts removal and returns the live connection, if any.
// Both m.mu and s.mu must be held.
func (m *Manager) markRemovedLocked(s *session) Conn {
	s.removed = true
	s.gone = make(chan struct{})
	s.gen++
	s.stopReconnectLocked()
	live := s.conn
	s.conn = nil
	s.pendingAuth = ""
	return live
}

// finishRemoval closes connections, drops every piece of credential
// material and takes the tenant out of the map. The map entry goes even when
// cleanup fails.
func (m *Manager) finishRemoval(ctx context.Context, s *session, live, other Conn) error {
	if live != nil {
		_ = live.Close()
	}
	if other != nil && other != live {
		_ = other.Close()
	}

	var errs []error
	if err := m.transport.Forget(ctx, s.tenant, s.handle); err != nil {
		errs = append(errs, fmt.Errorf("forgetting transport state: %w", err))
	}
	if err := s.handle.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clearing credentials: %w", err))
	}
	s.echo.Close()

	m.mu.Lock()
	if m.sessions[s.tenant] == s {
		delete(m.sessions, s.tenant)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()
	close(s.gone)

	s.logger.Info("=== SESSION REMOVED ===", "total_sessions", remaining)
	m.notify(s.tenant, StatusNotFound)
	return errors.Join(errs...)
}

// Delete closes the tenant's connection, clears its credentials and forgets
// it. Deleting an unknown tenant is a no-op.
func (m *Manager) Delete(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.mu.Lock()
	if s.removed {
		gone := s.gone
		s.mu.Unlock()
		m.mu.Unlock()
		select {
		case <-gone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	live := m.markRemovedLocked(s)
	s.mu.Unlock()
	m.mu.Unlock()

	s.logger.Info("deleting session")
	return m.finishRemoval(ctx, s, live, nil)
}

// Send delivers text to the destination address, connecting first and
// waiting a bounded time for the connection to open.
func (m *Manager) Send(ctx context.Context, tenantID, to, text string) (Receipt, error) {
	s := m.lookup(tenantID)
	if s == nil {
		if !m.cfg.AutoConnect {
			return Receipt{}, ErrSessionNotFound
		}
		var err error
		if s, err = m.getOrCreate(ctx, tenantID); err != nil {
			return Receipt{}, err
		}
	}
	m.touch(s)

	if _, err := m.connectSession(ctx, s); err != nil {
		return Receipt{}, err
	}

	conn, err := m.waitOpen(ctx, s)
	if err != nil {
		return Receipt{}, err
	}

	receipt, err := conn.Send(ctx, to, text)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrTransportSend, err)
	}
	if receipt.ID != "" {
		s.echo.Mark(receipt.ID)
	}
	m.touch(s)

	s.logger.Debug("message sent", "message_id", receipt.ID)
	return receipt, nil
}

// waitOpen polls the session status until it is open, checking once up front
// and again after each of up to ReadyPollAttempts waits.
func (m *Manager) waitOpen(ctx context.Context, s *session) (Conn, error) {
	for attempt := 0; ; attempt++ {
		s.mu.Lock()
		removed, status, conn := s.removed, s.status, s.conn
		s.mu.Unlock()

		if removed {
			return nil, ErrSessionNotFound
		}
		if status == StatusOpen && conn != nil {
			return conn, nil
		}
		if attempt >= m.cfg.ReadyPollAttempts {
			return nil, fmt.Errorf("%w: status %s after %d checks", ErrConnectTimeout, status, attempt+1)
		}

		timer := time.NewTimer(m.cfg.ReadyPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) touch(s *session) {
	s.mu.Lock()
	s.lastActivity = m.now()
	s.mu.Unlock()
}

// handleMessage filters one inbound message and relays it.
func (m *Manager) handleMessage(s *session, gen uint64, msg InboundMessage) {
	s.mu.Lock()
	if s.removed || s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("ignoring message from a replaced connection", "message_id", msg.ID)
		return
	}
	s.lastActivity = m.now()
	s.mu.Unlock()

	if msg.FromMe && s.echo.Consume(msg.ID) {
		s.logger.Debug("dropping echo of own send", "message_id", msg.ID)
		return
	}

	addr, _ := s.ids.Resolve(m.ctx, msg.From, msg.FromAlt)
	s.ids.LearnName(addr, msg.ContactName)
	contact := msg.ContactName
	if contact == "" {
		contact, _ = s.ids.Name(addr)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	mediaType := msg.MediaType
	if mediaType == "" {
		mediaType = relay.MediaText
	}

	m.relay.Forward(m.ctx, relay.Event{
		ClientID:        s.tenant,
		MessageID:       msg.ID,
		RemoteJID:       addr,
		RawJID:          msg.From,
		PushName:        msg.PushName,
		ContactName:     contact,
		Text:            msg.Text,
		FromMe:          msg.FromMe,
		MediaType:       mediaType,
		Audio:           msg.Audio,
		Timestamp:       ts.Unix(),
		OriginalMessage: msg.Raw,
	})
}

// Status returns the tenant's status, StatusNotFound for unknown tenants.
func (m *Manager) Status(tenantID string) Info {
	s := m.lookup(tenantID)
	if s == nil {
		return Info{TenantID: tenantID, Status: StatusNotFound}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return Info{TenantID: tenantID, Status: StatusNotFound}
	}
	return s.infoLocked()
}

// AuthChallenge returns the tenant's pending pairing payload, if any.
func (m *Manager) AuthChallenge(tenantID string) (string, bool) {
	s := m.lookup(tenantID)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.pendingAuth == "" {
		return "", false
	}
	return s.pendingAuth, true
}

// List returns every known session ordered by tenant id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		if !s.removed {
			infos = append(infos, s.infoLocked())
		}
		s.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TenantID < infos[j].TenantID })
	return infos
}

// ImportCredentials stores a credential record for the tenant and restarts
// its connection, if it has one, so the new identity takes effect.
func (m *Manager) ImportCredentials(ctx context.Context, tenantID string, data []byte) error {
	s, err := m.getOrCreate(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.handle.Persist(ctx, data); err != nil {
		return fmt.Errorf("persisting credentials: %w", err)
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	live := s.conn
	if live != nil {
		s.gen++
		s.conn = nil
		s.status = StatusClosed
		s.pendingAuth = ""
		s.stopReconnectLocked()
	}
	s.mu.Unlock()

	s.logger.Info("credentials imported", "restart", live != nil)
	if live == nil {
		return nil
	}
	_ = live.Close()
	m.notify(tenantID, StatusClosed)
	_, err = m.connectSession(ctx, s)
	return err
}

// Shutdown closes every live connection without clearing credentials and
// cancels pending reconnects. The manager cannot be used afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	m.cancel()

	m.logger.Info("closing sessions", "count", len(sessions))
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		s.gen++
		s.stopReconnectLocked()
		live := s.conn
		s.conn = nil
		if !s.removed {
			s.status = StatusClosed
		}
		s.mu.Unlock()

		if live != nil {
			_ = live.Close()
		}
		s.echo.Close()
	}
	return nil
}
