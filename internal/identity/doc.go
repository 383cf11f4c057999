// Package identity resolves the opaque sender ids a transport reports into
// stable contact addresses and remembers display names, per session.
//
// Resolution is best effort. Relayed events carry both the raw id and the
// resolved address.
package identity
