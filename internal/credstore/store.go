// ABOUTME: Credential store interface, record types and the tenant-scoped Handle.
// ABOUTME: Handle.Load falls back to a fresh identity instead of failing.

package credstore

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrNotFound is returned when a tenant has no credential record or key.
var ErrNotFound = errors.New("not found")

// Credentials is a tenant's identity record. Data is owned by the transport.
type Credentials struct {
	Data      []byte
	UpdatedAt time.Time
}

// IsZero reports whether the record is a fresh default identity.
func (c Credentials) IsZero() bool {
	return len(c.Data) == 0
}

// Keys groups key material by type, then id. A nil value in SetKeys deletes
// that key.
type Keys map[string]map[string][]byte

// Store persists credential records and key material for many tenants.
// Implementations are safe for concurrent use by independent tenants.
type Store interface {
	// Load returns the tenant's credential record or ErrNotFound.
	Load(ctx context.Context, tenantID string) (Credentials, error)

	// Persist upserts the tenant's credential record.
	Persist(ctx context.Context, tenantID string, data []byte) error

	// GetKey returns one key record or ErrNotFound.
	GetKey(ctx context.Context, tenantID, keyType, id string) ([]byte, error)

	// SetKeys upserts non-nil values and deletes nil ones.
	SetKeys(ctx context.Context, tenantID string, keys Keys) error

	// Clear removes the credential record and every key of the tenant.
	// Clearing an unknown tenant is not an error.
	Clear(ctx context.Context, tenantID string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Handle is the capability a single tenant's connection uses to read and
// write its own credential material.
type Handle struct {
	store  Store
	tenant string
	logger *slog.Logger
}

// NewHandle scopes store to tenantID.
func NewHandle(store Store, tenantID string, logger *slog.Logger) *Handle {
	return &Handle{
		store:  store,
		tenant: tenantID,
		logger: logger.With("tenant", tenantID),
	}
}

// Tenant returns the tenant this handle is scoped to.
func (h *Handle) Tenant() string {
	return h.tenant
}

// Load returns the stored credentials, or a fresh default identity when none
// exist or the backend cannot be read.
func (h *Handle) Load(ctx context.Context) Credentials {
	creds, err := h.store.Load(ctx, h.tenant)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.logger.Warn("loading credentials failed, starting with a fresh identity", "error", err)
		}
		return Credentials{}
	}
	return creds
}

// Persist replaces the stored credential record.
func (h *Handle) Persist(ctx context.Context, data []byte) error {
	return h.store.Persist(ctx, h.tenant, data)
}

// Key returns a single key record, with ok false when it does not exist.
func (h *Handle) Key(ctx context.Context, keyType, id string) (data []byte, ok bool, err error) {
	data, err = h.store.GetKey(ctx, h.tenant, keyType, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// SetKeys upserts or deletes key records.
func (h *Handle) SetKeys(ctx context.Context, keys Keys) error {
	return h.store.SetKeys(ctx, h.tenant, keys)
}

// Clear drops every credential record of the tenant.
func (h *Handle) Clear(ctx context.Context) error {
	return h.store.Clear(ctx, h.tenant)
}
