// Package tab wires one tab of a profile: the lease coordinator decides
// whether this tab holds the upstream connection, the pipeline handles what
// arrives on it, and the buses keep sibling tabs in step.
package tab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fanline/realtime/internal/bus"
	"github.com/fanline/realtime/internal/dedupe"
	"github.com/fanline/realtime/internal/events"
	"github.com/fanline/realtime/internal/lease"
	"github.com/fanline/realtime/internal/pipeline"
	"github.com/fanline/realtime/internal/stream"
	"github.com/fanline/realtime/internal/typing"
)

// Upstream is the owner-only push connection. *stream.Client implements it.
type Upstream interface {
	Connect()
	Disconnect()
}

// DedupeConfig bounds the idempotency caches.
type DedupeConfig struct {
	MaxEntries         int
	TTL                time.Duration
	PurchaseMaxEntries int
	PurchaseTTL        time.Duration
}

// DefaultDedupeConfig returns the default cache limits.
func DefaultDedupeConfig() DedupeConfig {
	return DedupeConfig{
		MaxEntries:         dedupe.DefaultMaxEntries,
		TTL:                dedupe.DefaultTTL,
		PurchaseMaxEntries: dedupe.DefaultPurchaseMaxEntries,
		PurchaseTTL:        dedupe.DefaultPurchaseTTL,
	}
}

// Options configures a Tab. Leases, Relay and NewUpstream are required.
type Options struct {
	ID     string            // defaults to a random uuid
	Leases lease.Store       // shared lease record
	Lease  lease.Config      // tick and TTL
	Relay  bus.Transport     // carries rebroadcast envelopes and typing notices
	Bus    bus.Transport     // carries named UI events; defaults to Relay
	Dedupe DedupeConfig      // cache limits
	Typing typing.StoreConfig
	Sender *typing.Sender // optional outbound typing notices

	// NewUpstream builds the upstream connection feeding sink.
	NewUpstream func(sink stream.Sink) Upstream

	// Now overrides the clock; tests only.
	Now func() time.Time
}

// Tab is one participant in a profile.
type Tab struct {
	id          string
	coordinator *lease.Coordinator
	pipeline    *pipeline.Pipeline
	bus         *bus.Bus
	dispatcher  *events.Dispatcher
	typing      *typing.Store
	dedupe      DedupeConfig
	now         func() time.Time
	upstream    Upstream
	sender      *typing.Sender

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New assembles a tab. Nothing runs until Listen or Start.
func New(opts Options) (*Tab, error) {
	if opts.Leases == nil || opts.Relay == nil || opts.NewUpstream == nil {
		return nil, fmt.Errorf("tab: new: lease store, relay transport and upstream are required")
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Bus == nil {
		opts.Bus = opts.Relay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	dc := opts.Dedupe
	def := DefaultDedupeConfig()
	if dc.MaxEntries <= 0 {
		dc.MaxEntries = def.MaxEntries
	}
	if dc.TTL <= 0 {
		dc.TTL = def.TTL
	}
	if dc.PurchaseMaxEntries <= 0 {
		dc.PurchaseMaxEntries = def.PurchaseMaxEntries
	}
	if dc.PurchaseTTL <= 0 {
		dc.PurchaseTTL = def.PurchaseTTL
	}

	dispatcher := events.NewDispatcher()
	store := typing.NewStoreWithClock(opts.Typing, opts.Now)

	t := &Tab{
		id:          opts.ID,
		coordinator: lease.NewCoordinatorWithClock(opts.ID, opts.Leases, opts.Lease, opts.Now),
		dispatcher:  dispatcher,
		typing:      store,
		dedupe:      dc,
		now:         opts.Now,
		sender:      opts.Sender,
	}
	t.pipeline = pipeline.New(opts.ID, dedupe.NewWithClock(dc.MaxEntries, dc.TTL, opts.Now), dispatcher, store, opts.Relay)
	t.bus = bus.New(opts.ID, opts.Bus, dedupe.NewWithClock(dc.MaxEntries, dc.TTL, opts.Now), dispatcher)
	t.upstream = opts.NewUpstream(t.pipeline)

	t.coordinator.OnAcquire(func() {
		log.Printf("[tab] tab=%s opening upstream", t.id)
		t.upstream.Connect()
	})
	t.coordinator.OnLose(func() {
		log.Printf("[tab] tab=%s closing upstream", t.id)
		t.upstream.Disconnect()
	})
	return t, nil
}

// ID returns the tab identity.
func (t *Tab) ID() string {
	return t.id
}

// IsOwner reports whether this tab holds the upstream lease.
func (t *Tab) IsOwner() bool {
	return t.coordinator.IsOwner()
}

// Listen subscribes to the relay and bus channels without starting the
// lease loop.
func (t *Tab) Listen() error {
	if err := t.pipeline.Listen(); err != nil {
		return fmt.Errorf("tab: listen: %w", err)
	}
	if err := t.bus.Listen(); err != nil {
		t.pipeline.Stop()
		return fmt.Errorf("tab: listen: %w", err)
	}
	return nil
}

// Tick runs one lease round and reports ownership afterwards.
func (t *Tab) Tick(ctx context.Context) bool {
	return t.coordinator.AcquireOrRenew(ctx)
}

// Start listens and runs the lease loop until Close.
func (t *Tab) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("tab: start: closed")
	}
	if t.cancel != nil {
		return nil
	}
	if err := t.Listen(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	go func() {
		defer close(done)
		t.coordinator.Run(runCtx)
	}()

	log.Printf("[tab] tab=%s started", t.id)
	return nil
}

// Close stops the lease loop, releases the lease if held, and closes the
// upstream connection and subscriptions. It is safe to call more than once.
func (t *Tab) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	t.coordinator.ReleaseIfOwner(ctx)
	t.upstream.Disconnect()
	t.pipeline.Stop()
	t.bus.Stop()
	t.typing.Close()
	log.Printf("[tab] tab=%s closed", t.id)
}

// Subscribe registers h for a local event name.
func (t *Tab) Subscribe(name string, h events.Handler) func() {
	return t.dispatcher.Subscribe(name, h)
}

// OnPurchase registers h for purchase-created behind its own purchase guard,
// so a purchase arriving both live and over the bus reaches h once. Every
// subscriber sees every purchase.
func (t *Tab) OnPurchase(h events.Handler) func() {
	cache := dedupe.NewPurchaseCacheWithClock(t.dedupe.PurchaseMaxEntries, t.dedupe.PurchaseTTL, t.now)
	return t.dispatcher.Subscribe(events.NamePurchaseCreated, pipeline.GuardPurchases(cache, h))
}

// Publish dispatches a named event locally and broadcasts it to siblings.
// Broadcast failures are logged by the bus and not returned.
func (t *Tab) Publish(ctx context.Context, name string, detail interface{}) {
	_ = t.bus.Publish(ctx, name, detail)
}

// Typing returns the tab's typing indicator store.
func (t *Tab) Typing() *typing.Store {
	return t.typing
}

// SendTyping posts the local user's typing notice. It reports sent=false
// when no sender is configured or the notice was throttled.
func (t *Tab) SendTyping(ctx context.Context, conversationID string, isTyping bool, draft *string) (bool, error) {
	if t.sender == nil {
		return false, nil
	}
	return t.sender.Send(ctx, conversationID, isTyping, draft)
}
