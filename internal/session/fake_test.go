// ABOUTME: In-memory transport, relay, clock and timer fakes for manager tests
// ABOUTME: fakeConn callbacks run synchronously on the caller's goroutine

package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-whatsapp/internal/credstore"
	"github.com/2389/coven-whatsapp/internal/relay"
)

type fakeTransport struct {
	mu         sync.Mutex
	conns      []*fakeConn
	dials      int
	dialErr    error
	dialDelay  time.Duration
	connectErr error
	sendErr    error
	autoOpen   bool
	forgotten  []string
}

func (t *fakeTransport) Dial(_ context.Context, tenantID string, _ *credstore.Handle) (Conn, error) {
	t.mu.Lock()
	delay := t.dialDelay
	t.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := &fakeConn{transport: t, tenant: tenantID}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) Forget(_ context.Context, tenantID string, _ *credstore.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forgotten = append(t.forgotten, tenantID)
	return nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// liveCount counts started, unclosed connections for the tenant.
func (t *fakeTransport) liveCount(tenantID string) int {
	t.mu.Lock()
	conns := append([]*fakeConn(nil), t.conns...)
	t.mu.Unlock()

	n := 0
	for _, c := range conns {
		if c.tenant == tenantID && c.isLive() {
			n++
		}
	}
	return n
}

type sentMessage struct {
	To   string
	Text string
}

type fakeConn struct {
	transport *fakeTransport
	tenant    string

	mu        sync.Mutex
	onUpdate  func(ConnectionUpdate)
	onMessage func(InboundMessage)
	started   bool
	closed    bool
	sendIDs   []string
	sent      []sentMessage
}

func (c *fakeConn) OnConnectionUpdate(fn func(ConnectionUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

func (c *fakeConn) OnMessage(fn func(InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *fakeConn) Connect(context.Context) error {
	c.transport.mu.Lock()
	err, autoOpen := c.transport.connectErr, c.transport.autoOpen
	c.transport.mu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	if autoOpen {
		c.emit(ConnectionUpdate{State: ConnOpen})
	}
	return nil
}

func (c *fakeConn) Send(_ context.Context, to, text string) (Receipt, error) {
	c.transport.mu.Lock()
	err := c.transport.sendErr
	c.transport.mu.Unlock()
	if err != nil {
		return Receipt{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New().String()
	if len(c.sendIDs) > 0 {
		id, c.sendIDs = c.sendIDs[0], c.sendIDs[1:]
	}
	c.sent = append(c.sent, sentMessage{To: to, Text: text})
	return Receipt{ID: id, Timestamp: time.Now()}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// emit delivers an update even after Close, the way a late event from a
// replaced socket would arrive.
func (c *fakeConn) emit(u ConnectionUpdate) {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func (c *fakeConn) deliver(msg InboundMessage) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *fakeConn) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.closed
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

type recordingRelay struct {
	mu     sync.Mutex
	events []relay.Event
}

func (r *recordingRelay) Forward(_ context.Context, ev relay.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recordingRelay) all() []relay.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.Event(nil), r.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// manualTimers records scheduled callbacks; tests fire them explicitly.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (mt *manualTimers) AfterFunc(d time.Duration, fn func()) Timer {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	t := &manualTimer{delay: d, fn: fn}
	mt.timers = append(mt.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (mt *manualTimers) all() []*manualTimer {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return append([]*manualTimer(nil), mt.timers...)
}

func (mt *manualTimers) pending() int {
	n := 0
	for _, t := range mt.all() {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// fireAll runs every timer that is still pending.
func (mt *manualTimers) fireAll() {
	for _, t := range mt.all() {
		t.mu.Lock()
		run := !t.stopped && !t.fired
		t.fired = true
		t.mu.Unlock()
		if run {
			t.fn()
		}
	}
}

type harness struct {
	m      *Manager
	tr     *fakeTransport
	relay  *recordingRelay
	store  *credstore.MemoryStore
	clock  *fakeClock
	timers *manualTimers
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadyPollInterval = 5 * time.Millisecond
	cfg.ReadyPollAttempts = 40
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		tr:     &fakeTransport{},
		relay:  &recordingRelay{},
		store:  credstore.NewMemoryStore(),
		clock:  newFakeClock(),
		timers: &manualTimers{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.m = NewManager(cfg, h.tr, h.store, h.relay, logger,
		WithClock(h.clock.Now),
		WithAfterFunc(h.timers.AfterFunc),
	)
	t.Cleanup(func() { _ = h.m.Shutdown(context.Background()) })
	return h
}

// open connects the tenant and reports the handshake as complete.
func (h *harness) open(t *testing.T, tenantID string) *fakeConn {
	t.Helper()
	conn, err := h.m.Connect(context.Background(), tenantID)
	require.NoError(t, err)
	fc := conn.(*fakeConn)
	fc.emit(ConnectionUpdate{State: ConnOpen})
	require.Equal(t, StatusOpen, h.m.Status(tenantID).Status)
	return fc
}
