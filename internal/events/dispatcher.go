package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Event is one locally dispatched event. Payload is JSON so the same value
// can travel between tabs unchanged.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event named name.
func NewEvent(name string, payload interface{}) (Event, error) {
	if payload == nil {
		return Event{Name: name}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Event{Name: name, Payload: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s payload: %w", name, err)
	}
	return Event{Name: name, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("events: %s has no payload", e.Name)
	}
	return json.Unmarshal(e.Payload, v)
}

// Handler receives dispatched events.
type Handler func(ev Event)

// Dispatcher routes local events to handlers registered by name. Handlers
// run synchronously on the dispatching goroutine; a panicking handler is
// logged and does not stop delivery to the others.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]map[uint64]Handler),
	}
}

// Subscribe registers h for events named name and returns the function that
// removes it. The returned function is safe to call more than once.
func (d *Dispatcher) Subscribe(name string, h Handler) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	if d.handlers[name] == nil {
		d.handlers[name] = make(map[uint64]Handler)
	}
	d.handlers[name][id] = h
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if hs, ok := d.handlers[name]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(d.handlers, name)
			}
		}
	}
}

// Dispatch delivers ev to every handler registered for its name and returns
// how many were invoked.
func (d *Dispatcher) Dispatch(ev Event) int {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.handlers[ev.Name]))
	for _, h := range d.handlers[ev.Name] {
		hs = append(hs, h)
	}
	d.mu.RUnlock()

	for _, h := range hs {
		d.invoke(h, ev)
	}
	return len(hs)
}

// Subscribers returns the number of handlers registered for name.
func (d *Dispatcher) Subscribers(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name])
}

func (d *Dispatcher) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[events] handler for %s panicked: %v", ev.Name, r)
		}
	}()
	h(ev)
}
