// Package stream holds the upstream push connection. Only the tab that owns
// the profile lease keeps it open; every frame it receives is handed to a
// Sink (the event pipeline).
package stream

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fanline/realtime/internal/events"
	"github.com/fanline/realtime/internal/metrics"
	"github.com/fanline/realtime/internal/typing"
)

// Sink consumes validated frames from the live connection.
type Sink interface {
	HandleEvent(ctx context.Context, env events.Envelope)
	HandleTyping(ctx context.Context, n typing.Notice)
}

// Config holds upstream connection settings.
type Config struct {
	URL           string        // ws://host/realtime/stream
	ReconnectWait time.Duration // fixed wait between reconnect attempts
	DialTimeout   time.Duration // dial + handshake timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "ws://localhost:8080/realtime/stream",
		ReconnectWait: 3 * time.Second,
		DialTimeout:   5 * time.Second,
	}
}

// Client is the owner-only upstream connection. Connect starts a background
// loop that dials, reads until the connection drops, waits ReconnectWait and
// dials again; Disconnect stops it. Reconnects use a fixed wait, no backoff.
type Client struct {
	cfg  Config
	sink Sink

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
}

// NewClient creates a Client that feeds sink.
func NewClient(cfg Config, sink Sink) *Client {
	def := DefaultConfig()
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	return &Client{cfg: cfg, sink: sink}
}

// Connect starts the connection loop. Calling it while running is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done

	log.Printf("[stream] connecting to %s", c.cfg.URL)
	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

// Disconnect stops the loop, closes the connection and waits for the read
// loop to exit. Calling it while stopped is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("[stream] disconnected from %s", c.cfg.URL)
}

// Running reports whether the connection loop is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) run(ctx context.Context) {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[stream] connection lost: %v (retrying in %s)", err, c.cfg.ReconnectWait)
		metrics.StreamReconnects.Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

// session runs one connection from dial to drop.
func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, br, _, err := ws.Dial(dialCtx, c.cfg.URL)
	cancel()
	if err != nil {
		return fmt.Errorf("stream: dial: %w", err)
	}
	if br != nil {
		// The handshake reader may hold the first frames already.
		conn = &bufferedConn{Conn: conn, r: br}
	}

	c.connected.Store(true)
	metrics.StreamConnected.Set(1)
	log.Printf("[stream] connected to %s", c.cfg.URL)
	defer func() {
		c.connected.Store(false)
		metrics.StreamConnected.Set(0)
	}()

	// Unblock the read when the loop is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream: read: %w", err)
		}
		c.handle(ctx, data)
	}
}

// handle parses one frame and hands it to the sink. Malformed frames are
// dropped without logging.
func (c *Client) handle(ctx context.Context, data []byte) {
	_, msg, err := ParseFrame(data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("live", "dropped").Inc()
		return
	}
	switch m := msg.(type) {
	case events.Envelope:
		c.sink.HandleEvent(ctx, m)
	case typing.Notice:
		c.sink.HandleTyping(ctx, m)
	}
}

// bufferedConn reads through the handshake's bufio.Reader.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
