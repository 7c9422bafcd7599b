package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCoordinator(id string, store Store, clock *fakeClock) *Coordinator {
	return NewCoordinatorWithClock(id, store, DefaultConfig(), clock.Now)
}

func TestEntitled(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ttl := 12 * time.Second
	fresh := &Record{HolderID: "b", AcquiredAtMs: now.Add(-5 * time.Second).UnixMilli()}
	stale := &Record{HolderID: "b", AcquiredAtMs: now.Add(-13 * time.Second).UnixMilli()}
	edge := &Record{HolderID: "b", AcquiredAtMs: now.Add(-12 * time.Second).UnixMilli()}

	cases := []struct {
		name string
		rec  *Record
		want bool
	}{
		{"no record", nil, true},
		{"own record", &Record{HolderID: "a", AcquiredAtMs: now.UnixMilli()}, true},
		{"foreign fresh", fresh, false},
		{"foreign at ttl", edge, false},
		{"foreign stale", stale, true},
	}
	for _, tc := range cases {
		if got := Entitled(tc.rec, "a", now, ttl); got != tc.want {
			t.Errorf("%s: Entitled() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSingleTabOwnsOnFirstTickAndStays(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	c := newTestCoordinator("tab-a", store, clock)
	ctx := context.Background()

	acquired := 0
	c.OnAcquire(func() { acquired++ })

	if !c.AcquireOrRenew(ctx) {
		t.Fatal("single tab should own the lease on the first tick")
	}
	for i := 0; i < 20; i++ {
		clock.Advance(DefaultTick)
		if !c.AcquireOrRenew(ctx) {
			t.Fatalf("tab lost ownership on tick %d", i)
		}
	}
	if acquired != 1 {
		t.Fatalf("OnAcquire should fire once, fired %d times", acquired)
	}

	rec, _ := store.Get(ctx)
	if rec == nil || rec.HolderID != "tab-a" || !rec.AcquiredAt().Equal(clock.Now().Truncate(time.Millisecond)) {
		t.Fatalf("unexpected record after renewals: %+v", rec)
	}
}

func TestSecondTabWaitsWhileLeaseIsFresh(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	a := newTestCoordinator("tab-a", store, clock)
	b := newTestCoordinator("tab-b", store, clock)
	ctx := context.Background()

	a.AcquireOrRenew(ctx)
	for i := 0; i < 5; i++ {
		if b.AcquireOrRenew(ctx) {
			t.Fatal("tab-b must not take a fresh lease")
		}
		if b.ShouldOwnLease(ctx) {
			t.Fatal("tab-b should not be entitled")
		}
		clock.Advance(DefaultTick)
		a.AcquireOrRenew(ctx)
	}
}

func TestFailoverAfterTTL(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	a := newTestCoordinator("tab-a", store, clock)
	b := newTestCoordinator("tab-b", store, clock)
	ctx := context.Background()

	a.AcquireOrRenew(ctx)

	// tab-a freezes: no renewals for longer than the TTL.
	clock.Advance(DefaultTTL + time.Millisecond)
	if !b.ShouldOwnLease(ctx) {
		t.Fatal("stale lease should entitle tab-b")
	}
	if !b.AcquireOrRenew(ctx) {
		t.Fatal("tab-b should acquire the stale lease")
	}

	// tab-a wakes up and notices on its next tick.
	lost := false
	a.OnLose(func() { lost = true })
	if a.AcquireOrRenew(ctx) {
		t.Fatal("tab-a should no longer own the lease")
	}
	if !lost {
		t.Fatal("OnLose should fire for tab-a")
	}
	if !b.IsOwner() || a.IsOwner() {
		t.Fatalf("unexpected ownership a=%v b=%v", a.IsOwner(), b.IsOwner())
	}
}

func TestReleaseIfOwnerIsCompareAndDelete(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	a := newTestCoordinator("tab-a", store, clock)
	ctx := context.Background()

	a.AcquireOrRenew(ctx)

	// A faster tab already took over.
	store.Set(&Record{HolderID: "tab-b", AcquiredAtMs: clock.Now().UnixMilli()})
	a.ReleaseIfOwner(ctx)

	rec, _ := store.Get(ctx)
	if rec == nil || rec.HolderID != "tab-b" {
		t.Fatalf("release must not clobber tab-b's lease, got %+v", rec)
	}
	if a.IsOwner() {
		t.Fatal("tab-a should drop local ownership after release")
	}
}

func TestReleaseLetsNextTabAcquireImmediately(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	a := newTestCoordinator("tab-a", store, clock)
	b := newTestCoordinator("tab-b", store, clock)
	ctx := context.Background()

	a.AcquireOrRenew(ctx)
	a.ReleaseIfOwner(ctx)

	if rec, _ := store.Get(ctx); rec != nil {
		t.Fatalf("expected no record after release, got %+v", rec)
	}
	if !b.AcquireOrRenew(ctx) {
		t.Fatal("tab-b should acquire a released lease on its next tick")
	}
}

func TestRenewFallsBackToAcquireWhenRecordVanished(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	a := newTestCoordinator("tab-a", store, clock)
	ctx := context.Background()

	a.AcquireOrRenew(ctx)
	store.Set(nil) // e.g. key expired in the shared store

	if !a.AcquireOrRenew(ctx) {
		t.Fatal("owner should re-acquire a vanished record")
	}
	if rec, _ := store.Get(ctx); rec == nil || rec.HolderID != "tab-a" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

// failingStore errors on every call.
type failingStore struct{ MemoryStore }

var errStoreDown = errors.New("store down")

func (f *failingStore) TryAcquire(context.Context, string, time.Time, time.Duration) (bool, error) {
	return false, errStoreDown
}

func (f *failingStore) Renew(context.Context, string, time.Time) error { return errStoreDown }

func TestStoreErrorKeepsLocalState(t *testing.T) {
	clock := newFakeClock()
	mem := NewMemoryStore()
	a := newTestCoordinator("tab-a", mem, clock)
	ctx := context.Background()
	a.AcquireOrRenew(ctx)

	// Swap in a failing store; ownership must not flap on a write error.
	a.store = &failingStore{}
	if !a.AcquireOrRenew(ctx) {
		t.Fatal("store error should not drop ownership")
	}

	b := newTestCoordinator("tab-b", &failingStore{}, clock)
	if b.AcquireOrRenew(ctx) {
		t.Fatal("store error should not grant ownership")
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	store := NewMemoryStore()
	c := NewCoordinator("tab-run", store, Config{Tick: 5 * time.Millisecond, TTL: 50 * time.Millisecond})

	became := make(chan struct{})
	c.OnAcquire(func() { close(became) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-became:
	case <-time.After(2 * time.Second):
		t.Fatal("Run never acquired the lease")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
