// ABOUTME: Relay hands filtered inbound events to a Sink, once per message id
// ABOUTME: Sink failures are logged and the event is dropped, never retried

package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-whatsapp/internal/dedupe"
)

// Sink is the downstream consumer.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Relay forwards events to a Sink.
type Relay struct {
	sink   Sink
	seen   *dedupe.Cache
	logger *slog.Logger
}

// New creates a Relay. Message ids already forwarded for the same tenant
// within window are dropped; a non-positive window disables that check.
func New(sink Sink, window time.Duration, logger *slog.Logger) *Relay {
	r := &Relay{
		sink:   sink,
		logger: logger.With("component", "relay"),
	}
	if window > 0 {
		r.seen = dedupe.New(window, 10000)
	}
	return r
}

// Forward delivers ev and reports whether the sink accepted it.
func (r *Relay) Forward(ctx context.Context, ev Event) bool {
	if r.seen != nil && ev.MessageID != "" && r.seen.Seen(ev.ClientID+"/"+ev.MessageID) {
		r.logger.Debug("dropping redelivered message",
			"tenant", ev.ClientID,
			"message_id", ev.MessageID,
		)
		return false
	}

	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}

	if err := r.sink.Deliver(ctx, ev); err != nil {
		r.logger.Error("relay delivery failed",
			"tenant", ev.ClientID,
			"message_id", ev.MessageID,
			"error", err,
		)
		return false
	}

	r.logger.Debug("event relayed",
		"tenant", ev.ClientID,
		"message_id", ev.MessageID,
		"media_type", ev.MediaType,
	)
	return true
}

// Close releases the redelivery cache.
func (r *Relay) Close() {
	if r.seen != nil {
		r.seen.Close()
	}
}
