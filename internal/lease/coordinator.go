package lease

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/fanline/realtime/internal/metrics"
)

// Config holds coordinator timing.
type Config struct {
	Tick time.Duration // renewal period
	TTL  time.Duration // age after which a lease counts as abandoned
}

// DefaultConfig returns the default 4s tick / 12s TTL.
func DefaultConfig() Config {
	return Config{Tick: DefaultTick, TTL: DefaultTTL}
}

// Coordinator runs in every tab. On each tick it takes or renews the lease
// when entitled and reports ownership transitions through OnAcquire and
// OnLose. Two tabs may both believe they own the lease for up to one tick;
// consumers downstream are idempotent, so that window is tolerated.
type Coordinator struct {
	id    string
	store Store
	cfg   Config
	now   func() time.Time

	mu        sync.Mutex
	owner     bool
	onAcquire func()
	onLose    func()
}

// NewCoordinator creates a Coordinator for the tab identified by id.
func NewCoordinator(id string, store Store, cfg Config) *Coordinator {
	return NewCoordinatorWithClock(id, store, cfg, time.Now)
}

// NewCoordinatorWithClock creates a Coordinator that reads time from now.
func NewCoordinatorWithClock(id string, store Store, cfg Config, now func() time.Time) *Coordinator {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if now == nil {
		now = time.Now
	}
	return &Coordinator{id: id, store: store, cfg: cfg, now: now}
}

// ID returns the tab identity used as holder id.
func (c *Coordinator) ID() string {
	return c.id
}

// OnAcquire sets the callback run when this tab becomes owner.
func (c *Coordinator) OnAcquire(fn func()) {
	c.mu.Lock()
	c.onAcquire = fn
	c.mu.Unlock()
}

// OnLose sets the callback run when this tab stops being owner.
func (c *Coordinator) OnLose(fn func()) {
	c.mu.Lock()
	c.onLose = fn
	c.mu.Unlock()
}

// IsOwner reports this tab's local view of ownership.
func (c *Coordinator) IsOwner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// ShouldOwnLease reads the shared record and reports whether this tab is
// entitled to it. A read error counts as not entitled.
func (c *Coordinator) ShouldOwnLease(ctx context.Context) bool {
	rec, err := c.store.Get(ctx)
	if err != nil {
		log.Printf("[lease] read failed tab=%s: %v", c.id, err)
		return false
	}
	return Entitled(rec, c.id, c.now(), c.cfg.TTL)
}

// AcquireOrRenew performs one tick: renew when already owner, otherwise try
// to acquire, then apply any ownership transition. Store errors leave the
// local state unchanged; the next tick retries. It returns the ownership
// after the tick.
func (c *Coordinator) AcquireOrRenew(ctx context.Context) bool {
	now := c.now()
	wasOwner := c.IsOwner()

	held, err := c.attempt(ctx, wasOwner, now)
	if err != nil {
		log.Printf("[lease] tick failed tab=%s: %v", c.id, err)
		return wasOwner
	}

	c.transition(held)
	return held
}

func (c *Coordinator) attempt(ctx context.Context, wasOwner bool, now time.Time) (bool, error) {
	if wasOwner {
		err := c.store.Renew(ctx, c.id, now)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrNotHolder) {
			return false, err
		}
		// Taken over or released: fall through and compete like everyone else.
	}
	return c.store.TryAcquire(ctx, c.id, now, c.cfg.TTL)
}

// transition flips local ownership and runs the matching callback outside
// the lock.
func (c *Coordinator) transition(held bool) {
	c.mu.Lock()
	if held == c.owner {
		c.mu.Unlock()
		return
	}
	c.owner = held
	cb := c.onLose
	to := "follower"
	if held {
		cb = c.onAcquire
		to = "owner"
	}
	c.mu.Unlock()

	if held {
		metrics.LeaseOwner.Set(1)
		log.Printf("[lease] tab=%s became owner", c.id)
	} else {
		metrics.LeaseOwner.Set(0)
		log.Printf("[lease] tab=%s lost lease", c.id)
	}
	metrics.LeaseTransitions.WithLabelValues(to).Inc()

	if cb != nil {
		cb()
	}
}

// ReleaseIfOwner deletes the record if this tab still holds it and drops
// local ownership. Best effort: errors are logged, not returned.
func (c *Coordinator) ReleaseIfOwner(ctx context.Context) {
	if !c.IsOwner() {
		return
	}
	released, err := c.store.Release(ctx, c.id)
	if err != nil {
		log.Printf("[lease] release failed tab=%s: %v", c.id, err)
	} else if !released {
		log.Printf("[lease] tab=%s lease already taken over, not releasing", c.id)
	}
	c.transition(false)
}

// Run ticks immediately and then every Tick until ctx is cancelled. It
// does not release the lease on exit; call ReleaseIfOwner for that.
func (c *Coordinator) Run(ctx context.Context) {
	c.AcquireOrRenew(ctx)

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.AcquireOrRenew(ctx)
		}
	}
}
