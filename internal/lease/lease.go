// Package lease elects one tab per profile as the holder of the upstream
// connection. Ownership is a renewable lease record in a store shared by all
// tabs; a record older than the TTL is treated as abandoned.
package lease

import (
	"context"
	"errors"
	"time"
)

// Default lease timings: a tick every 4s and a TTL of three missed renewals.
const (
	DefaultTick = 4 * time.Second
	DefaultTTL  = 12 * time.Second
)

// ErrNotHolder is returned by Renew when the record belongs to someone else
// or no longer exists.
var ErrNotHolder = errors.New("lease: not the current holder")

// Record is the single lease of a profile.
type Record struct {
	HolderID     string `json:"holderId" redis:"holder_id"`
	AcquiredAtMs int64  `json:"acquiredAtMs" redis:"acquired_at_ms"`
}

// AcquiredAt returns the acquisition time.
func (r Record) AcquiredAt() time.Time {
	return time.UnixMilli(r.AcquiredAtMs)
}

// Age returns how long ago the record was written.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.AcquiredAt())
}

// Entitled reports whether holderID may take or keep the lease: no record,
// its own record, or a record older than ttl.
func Entitled(rec *Record, holderID string, now time.Time, ttl time.Duration) bool {
	if rec == nil || rec.HolderID == "" {
		return true
	}
	if rec.HolderID == holderID {
		return true
	}
	return rec.Age(now) > ttl
}

// Store is the cross-process key-value primitive that holds a profile's
// lease. Implementations must make each method a single atomic step; there is
// no coordination beyond that.
type Store interface {
	// Get returns the current record, or nil when there is none.
	Get(ctx context.Context) (*Record, error)

	// TryAcquire writes a fresh record for holderID if it is Entitled and
	// reports whether it did.
	TryAcquire(ctx context.Context, holderID string, now time.Time, ttl time.Duration) (bool, error)

	// Renew refreshes the acquisition time if holderID still holds the
	// record, or returns ErrNotHolder.
	Renew(ctx context.Context, holderID string, now time.Time) error

	// Release deletes the record only if holderID holds it, so it never
	// clobbers a lease already taken over by another tab.
	Release(ctx context.Context, holderID string) (bool, error)
}
