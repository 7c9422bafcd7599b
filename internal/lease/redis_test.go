package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedisStore connects to a local Redis and removes the test lease key
// before and after the test. It skips when Redis is not running.
func newTestRedisStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	store := NewRedisStore(client, "test_lease", 0)
	client.Del(ctx, store.Key())
	t.Cleanup(func() {
		client.Del(ctx, store.Key())
		client.Close()
	})
	return store, client
}

func TestRedisStore_AcquireRenewRelease(t *testing.T) {
	store, client := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	rec, err := store.Get(ctx)
	if err != nil || rec != nil {
		t.Fatalf("expected empty lease, got %+v err=%v", rec, err)
	}

	ok, err := store.TryAcquire(ctx, "tab-a", now, DefaultTTL)
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v", ok, err)
	}

	ok, err = store.TryAcquire(ctx, "tab-b", now.Add(time.Second), DefaultTTL)
	if err != nil || ok {
		t.Fatalf("tab-b must not take a fresh lease: ok=%v err=%v", ok, err)
	}

	if err := store.Renew(ctx, "tab-a", now.Add(4*time.Second)); err != nil {
		t.Fatalf("Renew() error: %v", err)
	}
	if err := store.Renew(ctx, "tab-b", now); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}

	rec, err = store.Get(ctx)
	if err != nil || rec == nil {
		t.Fatalf("Get() = %+v, %v", rec, err)
	}
	if rec.HolderID != "tab-a" || rec.AcquiredAtMs != now.Add(4*time.Second).UnixMilli() {
		t.Errorf("unexpected record: %+v", rec)
	}

	ttl, err := client.PTTL(ctx, store.Key()).Result()
	if err != nil || ttl <= 0 {
		t.Errorf("expected key TTL to be set, got %v err=%v", ttl, err)
	}

	released, err := store.Release(ctx, "tab-b")
	if err != nil || released {
		t.Fatalf("foreign release must be a no-op: released=%v err=%v", released, err)
	}
	released, err = store.Release(ctx, "tab-a")
	if err != nil || !released {
		t.Fatalf("owner release failed: released=%v err=%v", released, err)
	}
	if rec, _ := store.Get(ctx); rec != nil {
		t.Fatalf("expected no record after release, got %+v", rec)
	}
}

func TestRedisStore_StaleLeaseTakeover(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	if ok, err := store.TryAcquire(ctx, "tab-a", now, DefaultTTL); err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v", ok, err)
	}

	later := now.Add(DefaultTTL + time.Second)
	ok, err := store.TryAcquire(ctx, "tab-b", later, DefaultTTL)
	if err != nil || !ok {
		t.Fatalf("stale lease should be taken over: ok=%v err=%v", ok, err)
	}
	rec, _ := store.Get(ctx)
	if rec == nil || rec.HolderID != "tab-b" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRedisStore_CoordinatorFailover(t *testing.T) {
	store, _ := newTestRedisStore(t)
	clock := newFakeClock()
	clock.now = time.Now()
	ctx := context.Background()

	a := newTestCoordinator("tab-a", store, clock)
	b := newTestCoordinator("tab-b", store, clock)

	if !a.AcquireOrRenew(ctx) || b.AcquireOrRenew(ctx) {
		t.Fatal("tab-a should own, tab-b should wait")
	}
	clock.Advance(DefaultTTL + time.Second)
	if !b.AcquireOrRenew(ctx) {
		t.Fatal("tab-b should take over after TTL")
	}
	if a.AcquireOrRenew(ctx) {
		t.Fatal("tab-a should step down")
	}
}
