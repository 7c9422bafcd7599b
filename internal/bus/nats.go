package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the NATS subject root; subjects are
// realtime.<profile>.<channel>.
const SubjectPrefix = "realtime"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	Timeout       time.Duration // initial connect timeout
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "realtime-tab",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
		Timeout:       2 * time.Second,
	}
}

// NATSTransport is the primary transport: a profile-scoped NATS subject per
// channel.
type NATSTransport struct {
	conn    *nats.Conn
	profile string

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNATSTransport connects to NATS with the given config. It returns an
// error if the initial connection fails.
func NewNATSTransport(config NATSConfig, profile string) (*NATSTransport, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSTransport{
		conn:    nc,
		profile: profile,
		subs:    make(map[*nats.Subscription]struct{}),
	}, nil
}

// Subject returns the NATS subject for channel.
func (t *NATSTransport) Subject(channel string) string {
	return SubjectPrefix + "." + t.profile + "." + channel
}

// Name implements Transport.
func (t *NATSTransport) Name() string { return "nats" }

// Available implements Transport.
func (t *NATSTransport) Available(context.Context) bool {
	return t.conn != nil && t.conn.IsConnected()
}

// Publish implements Transport.
func (t *NATSTransport) Publish(_ context.Context, channel string, data []byte) error {
	if err := t.conn.Publish(t.Subject(channel), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(channel string, handler func(data []byte)) (func(), error) {
	subject := t.Subject(channel)
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, sub)
			t.mu.Unlock()
			if err := sub.Unsubscribe(); err != nil {
				log.Printf("[nats] unsubscribe %s: %v", subject, err)
			}
		})
	}, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	for sub := range t.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	t.subs = make(map[*nats.Subscription]struct{})
	t.mu.Unlock()

	if err := t.conn.Drain(); err != nil {
		return fmt.Errorf("nats connection drain: %w", err)
	}
	log.Printf("[nats] transport closed")
	return nil
}
