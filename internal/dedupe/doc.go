// Package dedupe provides a time-bounded set of message identifiers.
//
// The gateway uses it in two places:
//
//   - Each session keeps one as its self-echo filter. Ids of messages the
//     gateway sent are recorded with Mark and matched once with Consume when
//     the transport reflects them back as inbound events.
//   - The relay keeps one to drop inbound messages the transport redelivers
//     after a reconnect (Seen).
//
// Entries expire after a fixed TTL whether or not they were matched, and the
// cache never holds more than its configured size; the oldest entry is
// evicted first.
package dedupe
