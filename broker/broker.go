// Package broker fans channel traffic out across horizontally-scaled
// server instances through a shared pub/sub transport.
package broker

import (
	"context"

	"github.com/brandcanvas/realtime/protocol"
)

// Handler receives envelopes published by other instances. It must not
// block: implementations hand the envelope straight to the channel
// router's non-blocking local fan-out.
type Handler func(channel string, env *protocol.Envelope)

// Bridge connects one server instance to the shared broker. Local delivery
// never depends on the bridge: every method degrades to a no-op while the
// broker is unreachable, and a background loop restores connectivity.
type Bridge interface {
	// Start begins ingesting remote traffic, invoking h for every
	// envelope that did not originate on this instance. It returns
	// immediately; the subscription is serviced until ctx is canceled.
	Start(ctx context.Context, h Handler) error
	// Publish sends an envelope to every instance subscribed to the
	// channel. Broker unavailability is not an error.
	Publish(ctx context.Context, channel string, env *protocol.Envelope) error
	// SubscribeChannel mirrors a local channel's existence onto the
	// broker. Idempotent.
	SubscribeChannel(channel string) error
	// UnsubscribeChannel drops the broker subscription once the last
	// local subscriber is gone.
	UnsubscribeChannel(channel string) error
	// Connected reports whether cross-instance fan-out is currently
	// available.
	Connected() bool
	// Close releases the bridge's resources.
	Close() error
}
