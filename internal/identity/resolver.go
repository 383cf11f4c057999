// ABOUTME: Per-session address aliasing and display-name cache
// ABOUTME: Bounded LRU maps, optionally backed by the tenant's key store

package identity

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/2389/coven-whatsapp/internal/credstore"
)

// AliasKeyType is the credstore key type aliases are persisted under.
const AliasKeyType = "alias"

// DefaultSize bounds each cache when New is given a non-positive size.
const DefaultSize = 4096

// Resolver maps opaque sender ids onto stable addresses and remembers
// display names. Results are advisory; callers keep the raw id too.
type Resolver struct {
	aliases *lru.Cache[string, string]
	names   *lru.Cache[string, string]
	// misses remembers ids the key store had no alias for.
	misses *lru.Cache[string, struct{}]
	handle  *credstore.Handle
	logger  *slog.Logger
}

// New creates a Resolver. handle may be nil, in which case aliases only live
// in memory.
func New(size int, handle *credstore.Handle, logger *slog.Logger) *Resolver {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	// lru.New only fails for non-positive sizes
	aliases, _ := lru.New[string, string](size)
	names, _ := lru.New[string, string](size)
	misses, _ := lru.New[string, struct{}](size)
	return &Resolver{
		aliases: aliases,
		names:   names,
		misses:  misses,
		handle:  handle,
		logger:  logger.With("component", "identity"),
	}
}

// Learn records that raw is also known as alt.
func (r *Resolver) Learn(ctx context.Context, raw, alt string) {
	if raw == "" || alt == "" || raw == alt {
		return
	}
	if prev, ok := r.aliases.Get(raw); ok && prev == alt {
		return
	}
	r.aliases.Add(raw, alt)
	r.misses.Remove(raw)

	if r.handle == nil {
		return
	}
	err := r.handle.SetKeys(ctx, credstore.Keys{AliasKeyType: {raw: []byte(alt)}})
	if err != nil {
		r.logger.Warn("persisting alias failed", "raw", raw, "error", err)
	}
}

// LearnName remembers a display name for addr. Empty names are ignored.
func (r *Resolver) LearnName(addr, name string) {
	if addr == "" || name == "" {
		return
	}
	r.names.Add(addr, name)
}

// Resolve returns the stable address for raw. Priority: alt supplied with the
// event, then a cached or persisted alias, then raw itself (ok false).
func (r *Resolver) Resolve(ctx context.Context, raw, alt string) (string, bool) {
	if alt != "" && alt != raw {
		r.Learn(ctx, raw, alt)
		return alt, true
	}
	if v, ok := r.aliases.Get(raw); ok {
		return v, true
	}
	if r.handle == nil || r.misses.Contains(raw) {
		return raw, false
	}

	data, ok, err := r.handle.Key(ctx, AliasKeyType, raw)
	switch {
	case err != nil:
		// not cached, the next message retries
		r.logger.Debug("alias lookup failed", "raw", raw, "error", err)
	case ok:
		r.aliases.Add(raw, string(data))
		return string(data), true
	default:
		r.misses.Add(raw, struct{}{})
	}
	return raw, false
}

// Name returns the best-known display name for addr.
func (r *Resolver) Name(addr string) (string, bool) {
	return r.names.Get(addr)
}

// Len returns the number of cached aliases.
func (r *Resolver) Len() int {
	return r.aliases.Len()
}
