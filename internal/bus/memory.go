package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable is returned by a MemoryTransport whose hub is down.
var ErrUnavailable = errors.New("bus: transport unavailable")

// MemoryHub is an in-process profile: every MemoryTransport created from the
// same hub sees the others' messages, publisher included. Delivery is
// synchronous.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func([]byte)
	nextID int
	down   bool
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[int]func([]byte))}
}

// SetDown makes every transport of the hub report unavailable and fail to
// publish.
func (h *MemoryHub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

// Transport returns a Transport attached to the hub.
func (h *MemoryHub) Transport(name string) *MemoryTransport {
	return &MemoryTransport{hub: h, name: name}
}

// MemoryTransport is a Transport backed by a MemoryHub.
type MemoryTransport struct {
	hub  *MemoryHub
	name string
}

// Name implements Transport.
func (t *MemoryTransport) Name() string { return t.name }

// Available implements Transport.
func (t *MemoryTransport) Available(context.Context) bool {
	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()
	return !t.hub.down
}

// Publish implements Transport.
func (t *MemoryTransport) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.hub.mu.RLock()
	if t.hub.down {
		t.hub.mu.RUnlock()
		return ErrUnavailable
	}
	handlers := make([]func([]byte), 0, len(t.hub.subs[channel]))
	for _, h := range t.hub.subs[channel] {
		handlers = append(handlers, h)
	}
	t.hub.mu.RUnlock()

	for _, h := range handlers {
		buf := make([]byte, len(data))
		copy(buf, data)
		h(buf)
	}
	return nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(channel string, handler func(data []byte)) (func(), error) {
	t.hub.mu.Lock()
	id := t.hub.nextID
	t.hub.nextID++
	if t.hub.subs[channel] == nil {
		t.hub.subs[channel] = make(map[int]func([]byte))
	}
	t.hub.subs[channel][id] = handler
	t.hub.mu.Unlock()

	return func() {
		t.hub.mu.Lock()
		delete(t.hub.subs[channel], id)
		t.hub.mu.Unlock()
	}, nil
}

// Close implements Transport.
func (t *MemoryTransport) Close() error { return nil }
