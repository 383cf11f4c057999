// Package session owns the tenant to connection map.
//
// A Manager drives every tenant through connecting, open, closed and idle,
// schedules a single delayed reconnect after an unexpected drop, removes the
// tenant for good when the transport reports a logout, and filters the echoes
// of its own sends out of the inbound stream before relaying it.
//
// Each tenant has its own lock. The manager-wide lock only guards the map
// itself, so slow handshakes for one tenant never serialize the others. Lock
// order is Manager.mu before session.mu, and no Conn method is ever called
// with either held.
//
// Every connection gets a generation number. Callbacks from a connection
// that is no longer the tenant's live one are ignored, except a logout,
// which always removes the tenant it belongs to.
package session
