package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Tabs sharing one MemoryStore behave
// like tabs sharing one profile; it backs tests and single-process setups.
type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns a copy of the current record.
func (s *MemoryStore) Get(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	rec := *s.rec
	return &rec, nil
}

// Set overwrites the record unconditionally. Tests use it to plant stale or
// foreign leases.
func (s *MemoryStore) Set(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec == nil {
		s.rec = nil
		return
	}
	r := *rec
	s.rec = &r
}

// TryAcquire implements Store.
func (s *MemoryStore) TryAcquire(ctx context.Context, holderID string, now time.Time, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !Entitled(s.rec, holderID, now, ttl) {
		return false, nil
	}
	s.rec = &Record{HolderID: holderID, AcquiredAtMs: now.UnixMilli()}
	return true, nil
}

// Renew implements Store.
func (s *MemoryStore) Renew(ctx context.Context, holderID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || s.rec.HolderID != holderID {
		return ErrNotHolder
	}
	s.rec.AcquiredAtMs = now.UnixMilli()
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(ctx context.Context, holderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || s.rec.HolderID != holderID {
		return false, nil
	}
	s.rec = nil
	return true, nil
}
