// Package relay forwards inbound messages to the downstream consumer.
//
// Delivery is best effort: one event at a time, failures are logged and the
// event is dropped. Each Event carries a unique EventID so an idempotent
// consumer can tolerate the occasional redelivery the transport produces.
package relay
