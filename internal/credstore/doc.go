// Package credstore persists per-tenant credential material.
//
// # Layout
//
// Every tenant owns one credential record, an opaque blob whose format is
// defined by the transport that wrote it, plus any number of key-material
// records addressed by (type, id):
//
//	sessions(tenant_id, creds, updated_at)
//	keys(tenant_id, type, id, data, updated_at)
//
// Key records support point lookups, upserts and deletes, and Clear drops the
// credential record together with every key of the tenant. No operation spans
// more than one tenant.
//
// # Backends
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode. The default.
//   - RedisStore: one string and one hash per tenant, for gateways that share
//     credentials across hosts. Only transports whose whole login lives in
//     the record (matrix) can use it.
//   - MemoryStore: process-local, for tests and throwaway runs.
//
// Any backend can be wrapped in a Sealer, which encrypts blobs at rest with
// XChaCha20-Poly1305 under a key derived from a configured secret.
//
// # Handles
//
// Transports never see the Store. They receive a Handle scoped to one tenant,
// whose Load never fails: a missing record or a backend error yields a fresh
// default identity so session creation is never blocked by the store.
package credstore
