package typing

import (
	"log"
	"sync"
	"time"

	"github.com/fanline/realtime/internal/metrics"
)

// Default timings for the typing store.
const (
	DefaultHideAfter     = 7 * time.Second
	DefaultSweepInterval = 1 * time.Second
)

// Entry is the typing state of one conversation. Absence of an entry means
// "not typing".
type Entry struct {
	ConversationID string
	IsTyping       bool
	LastUpdate     time.Time
	DraftText      string
}

// Listener is notified after an entry changes. entry is nil when the
// conversation stopped typing or expired.
type Listener func(conversationID string, entry *Entry)

// StoreConfig holds typing store tuning parameters.
type StoreConfig struct {
	HideAfter     time.Duration // entries older than this are hidden and swept
	SweepInterval time.Duration // how often the sweep runs while subscribed
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		HideAfter:     DefaultHideAfter,
		SweepInterval: DefaultSweepInterval,
	}
}

// Store holds one Entry per conversation for the remote party. Entries expire
// hideAfter after their last update; a background sweep removes them and
// notifies listeners, but only while at least one listener is subscribed.
type Store struct {
	cfg StoreConfig
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]Entry
	listeners map[uint64]Listener
	nextID    uint64
	stopSweep chan struct{}
}

// NewStore creates a Store with the wall clock.
func NewStore(cfg StoreConfig) *Store {
	return NewStoreWithClock(cfg, time.Now)
}

// NewStoreWithClock creates a Store that reads time from now.
func NewStoreWithClock(cfg StoreConfig, now func() time.Time) *Store {
	def := DefaultStoreConfig()
	if cfg.HideAfter <= 0 {
		cfg.HideAfter = def.HideAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		cfg:       cfg,
		now:       now,
		entries:   make(map[string]Entry),
		listeners: make(map[uint64]Listener),
	}
}

// Update applies a typing notice. Notices from local roles are ignored. A
// stop notice, or a draft that normalizes to "", deletes the entry; any other
// notice upserts it, keeping the previous draft when the notice omits one.
// It reports whether the store changed.
func (s *Store) Update(n Notice) bool {
	if n.ConversationID == "" || !n.SenderRole.IsRemote() {
		return false
	}

	var draft string
	hasDraft := n.DraftText != nil
	if hasDraft {
		draft = NormalizeDraft(*n.DraftText)
	}

	s.mu.Lock()
	if !n.IsTyping || (hasDraft && draft == "") {
		_, existed := s.entries[n.ConversationID]
		delete(s.entries, n.ConversationID)
		size := len(s.entries)
		s.mu.Unlock()

		metrics.TypingEntries.Set(float64(size))
		if existed {
			s.notify(n.ConversationID, nil)
		}
		return existed
	}

	prev, ok := s.entries[n.ConversationID]
	if !hasDraft && ok {
		draft = prev.DraftText
	}
	e := Entry{
		ConversationID: n.ConversationID,
		IsTyping:       true,
		LastUpdate:     s.now(),
		DraftText:      draft,
	}
	s.entries[n.ConversationID] = e
	size := len(s.entries)
	s.mu.Unlock()

	metrics.TypingEntries.Set(float64(size))
	s.notify(n.ConversationID, &e)
	return true
}

// Get returns the live entry for a conversation, or nil. An entry past the
// hide threshold is treated as absent even before the sweep removes it.
func (s *Store) Get(conversationID string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[conversationID]
	if !ok || s.expired(e, s.now()) {
		return nil
	}
	return &e
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, e := range s.entries {
		if !s.expired(e, now) {
			n++
		}
	}
	return n
}

// Subscribe registers a listener and returns its unsubscribe function. The
// first subscriber starts the sweep; the last unsubscribe stops it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	if len(s.listeners) == 1 {
		s.startSweepLocked()
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

// Sweep removes every expired entry and notifies listeners for each. It
// returns the number of entries removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	now := s.now()
	var removed []string
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			removed = append(removed, id)
		}
	}
	size := len(s.entries)
	s.mu.Unlock()

	if len(removed) > 0 {
		metrics.TypingEntries.Set(float64(size))
	}
	for _, id := range removed {
		s.notify(id, nil)
	}
	return len(removed)
}

// Close stops the sweep and drops every listener.
func (s *Store) Close() {
	s.mu.Lock()
	s.listeners = make(map[uint64]Listener)
	s.stopSweepLocked()
	s.mu.Unlock()
}

func (s *Store) unsubscribe(id uint64) {
	s.mu.Lock()
	delete(s.listeners, id)
	if len(s.listeners) == 0 {
		s.stopSweepLocked()
	}
	s.mu.Unlock()
}

func (s *Store) expired(e Entry, now time.Time) bool {
	return now.Sub(e.LastUpdate) > s.cfg.HideAfter
}

func (s *Store) notify(conversationID string, e *Entry) {
	s.mu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	for _, l := range ls {
		l(conversationID, e)
	}
}

// startSweepLocked launches the sweep goroutine. Caller holds mu.
func (s *Store) startSweepLocked() {
	if s.stopSweep != nil {
		return
	}
	stop := make(chan struct{})
	s.stopSweep = stop

	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					log.Printf("[typing] sweep expired %d entries", n)
				}
			}
		}
	}()
}

// stopSweepLocked signals the running sweep, if any, to exit. It does not
// wait, so a listener may unsubscribe from inside a sweep notification.
// Caller holds mu.
func (s *Store) stopSweepLocked() {
	if s.stopSweep != nil {
		close(s.stopSweep)
		s.stopSweep = nil
	}
}

// Sweeping reports whether the background sweep is running.
func (s *Store) Sweeping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopSweep != nil
}
