package dedupe

import (
	"strconv"
	"time"
)

// Default limits for the purchase cache.
const (
	DefaultPurchaseMaxEntries = 200
	DefaultPurchaseTTL        = 10 * time.Minute
)

// Purchase is the subset of a purchase notification used to recognise it.
type Purchase struct {
	ID          string
	FanID       string
	Kind        string
	AmountCents int64
	CreatedAt   string
}

// PurchaseKey returns the idempotency key for a purchase notification. An
// explicit id wins; otherwise the key is derived from fan id + kind + amount,
// or fan id + creation timestamp, so logically identical notifications
// collapse without a server-assigned id. It returns "" when no key can be
// derived.
func PurchaseKey(p Purchase) string {
	switch {
	case p.ID != "":
		return "id:" + p.ID
	case p.FanID != "" && p.Kind != "":
		return "amt:" + p.FanID + "|" + p.Kind + "|" + strconv.FormatInt(p.AmountCents, 10)
	case p.FanID != "" && p.CreatedAt != "":
		return "ts:" + p.FanID + "|" + p.CreatedAt
	default:
		return ""
	}
}

// PurchaseCache dedupes purchase notifications that may reach a subscriber
// through more than one path.
type PurchaseCache struct {
	cache *Cache
}

// NewPurchaseCache creates a PurchaseCache with the wall clock.
func NewPurchaseCache(maxEntries int, ttl time.Duration) *PurchaseCache {
	return NewPurchaseCacheWithClock(maxEntries, ttl, time.Now)
}

// NewPurchaseCacheWithClock creates a PurchaseCache that reads time from now.
func NewPurchaseCacheWithClock(maxEntries int, ttl time.Duration, now func() time.Time) *PurchaseCache {
	if maxEntries <= 0 {
		maxEntries = DefaultPurchaseMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultPurchaseTTL
	}
	return &PurchaseCache{cache: NewWithClock(maxEntries, ttl, now)}
}

// CheckAndMark reports whether p was already seen and marks it. A purchase
// with no derivable key always passes.
func (pc *PurchaseCache) CheckAndMark(p Purchase) bool {
	return pc.cache.CheckAndMark(PurchaseKey(p))
}

// Len returns the number of remembered purchases.
func (pc *PurchaseCache) Len() int {
	return pc.cache.Len()
}
