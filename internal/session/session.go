// ABOUTME: Per-tenant session state, status values and manager configuration
// ABOUTME: All session fields are guarded by the session's own mutex

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-whatsapp/internal/credstore"
	"github.com/2389/coven-whatsapp/internal/dedupe"
	"github.com/2389/coven-whatsapp/internal/identity"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusConnecting    Status = "connecting"
	StatusOpen          Status = "open"
	StatusClosed        Status = "closed"
	StatusIdle          Status = "idle"

	// StatusNotFound is reported for tenants the manager does not hold.
	StatusNotFound Status = "not_found"
)

// Info is a point-in-time view of one session.
type Info struct {
	TenantID         string
	Status           Status
	LastActivity     time.Time
	HasAuthChallenge bool
}

// Config holds the manager's timing policy.
type Config struct {
	// IdleTimeout is how long an open session may go without traffic
	// before the reaper suspends it.
	IdleTimeout time.Duration

	// SweepInterval is how often Run checks for idle sessions.
	SweepInterval time.Duration

	// ReconnectDelay is the fixed wait before the single reconnect attempt
	// after an unexpected drop.
	ReconnectDelay time.Duration

	// ReadyPollInterval and ReadyPollAttempts bound how long Send waits for
	// a connection to open.
	ReadyPollInterval time.Duration
	ReadyPollAttempts int

	// EchoTTL is how long a sent message id stays filterable.
	EchoTTL     time.Duration
	EchoMaxSize int

	// AutoConnect lets Send create sessions for unseen tenants.
	AutoConnect bool

	AliasCacheSize int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       10 * time.Minute,
		SweepInterval:     time.Minute,
		ReconnectDelay:    2 * time.Second,
		ReadyPollInterval: time.Second,
		ReadyPollAttempts: 10,
		EchoTTL:           60 * time.Second,
		EchoMaxSize:       10000,
		AutoConnect:       true,
		AliasCacheSize:    identity.DefaultSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = d.ReadyPollInterval
	}
	if c.ReadyPollAttempts < 0 {
		c.ReadyPollAttempts = 0
	}
	if c.EchoTTL <= 0 {
		c.EchoTTL = d.EchoTTL
	}
	if c.EchoMaxSize <= 0 {
		c.EchoMaxSize = d.EchoMaxSize
	}
	if c.AliasCacheSize <= 0 {
		c.AliasCacheSize = d.AliasCacheSize
	}
	return c
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

type session struct {
	tenant string
	handle *credstore.Handle
	echo   *dedupe.Cache
	ids    *identity.Resolver
	logger *slog.Logger

	mu           sync.Mutex
	status       Status
	conn         Conn
	gen          uint64
	lastActivity time.Time
	pendingAuth  string

	// opening is non-nil while a connect for this session is in flight.
	opening chan struct{}

	reconnect Timer

	// removed is set when delete or logout starts; gone is closed once
	// the tenant has left the map.
	removed bool
	gone    chan struct{}
}

func (s *session) stopReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *session) infoLocked() Info {
	return Info{
		TenantID:         s.tenant,
		Status:           s.status,
		LastActivity:     s.lastActivity,
		HasAuthChallenge: s.pendingAuth != "",
	}
}
