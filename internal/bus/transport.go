// Package bus rebroadcasts locally dispatched events to every other tab of
// the same profile. Messages travel over a Transport: a direct pub/sub
// channel when available, a shared-store change feed otherwise.
package bus

import (
	"context"
	"log"
	"time"
)

// Logical channels shared by every tab of a profile.
const (
	ChannelRelay = "relay" // upstream envelopes relayed by the lease owner
	ChannelBus   = "bus"   // named local events
)

// Transport delivers opaque payloads to every subscriber of a channel in the
// profile, possibly including the publisher itself. Delivery is best effort
// and may duplicate; receivers filter by origin and id.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Available reports whether the transport can currently deliver.
	Available(ctx context.Context) bool

	// Publish sends data to channel.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe calls handler for every payload on channel until the
	// returned function is called.
	Subscribe(channel string, handler func(data []byte)) (func(), error)

	// Close releases the transport's resources.
	Close() error
}

// SelectTransport returns primary when it is non-nil and available, and
// fallback otherwise. The choice is made once, at construction time.
func SelectTransport(ctx context.Context, primary, fallback Transport) Transport {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if primary != nil && primary.Available(ctx) {
		log.Printf("[bus] using %s transport", primary.Name())
		return primary
	}
	if fallback != nil {
		if primary != nil {
			log.Printf("[bus] %s unavailable, falling back to %s", primary.Name(), fallback.Name())
		} else {
			log.Printf("[bus] using %s transport", fallback.Name())
		}
		return fallback
	}
	return primary
}
