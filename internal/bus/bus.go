package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fanline/realtime/internal/dedupe"
	"github.com/fanline/realtime/internal/events"
	"github.com/fanline/realtime/internal/metrics"
)

// Message is the payload of the named-event bus.
type Message struct {
	ID        string          `json:"id"`
	OriginID  string          `json:"originId"`
	Ts        int64           `json:"ts"` // unix millis
	EventName string          `json:"eventName"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// Bus publishes named local events to sibling tabs and dispatches the ones
// they publish. A tab never re-processes its own messages: outgoing ids are
// marked seen before local dispatch, and inbound messages from its own
// origin are discarded.
type Bus struct {
	originID   string
	transport  Transport
	seen       *dedupe.Cache
	dispatcher *events.Dispatcher
	now        func() time.Time

	mu    sync.Mutex
	unsub func()
}

// New creates a Bus for the tab identified by originID.
func New(originID string, transport Transport, seen *dedupe.Cache, dispatcher *events.Dispatcher) *Bus {
	return &Bus{
		originID:   originID,
		transport:  transport,
		seen:       seen,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// Listen starts receiving sibling messages.
func (b *Bus) Listen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsub != nil {
		return nil
	}
	unsub, err := b.transport.Subscribe(ChannelBus, b.handleInbound)
	if err != nil {
		return fmt.Errorf("bus: listen: %w", err)
	}
	b.unsub = unsub
	return nil
}

// Stop stops receiving sibling messages.
func (b *Bus) Stop() {
	b.mu.Lock()
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Publish dispatches eventName locally and broadcasts it to sibling tabs.
// Local dispatch always happens; a broadcast failure is logged and returned
// so callers may ignore it.
func (b *Bus) Publish(ctx context.Context, eventName string, detail interface{}) error {
	ev, err := events.NewEvent(eventName, detail)
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", eventName, err)
	}

	msg := Message{
		ID:        uuid.New().String(),
		OriginID:  b.originID,
		Ts:        b.now().UnixMilli(),
		EventName: eventName,
		Detail:    ev.Payload,
	}

	// Mark before dispatching so a slower echo of this id is ignored.
	b.seen.Mark(msg.ID)
	b.dispatcher.Dispatch(ev)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", eventName, err)
	}
	if err := b.transport.Publish(ctx, ChannelBus, data); err != nil {
		metrics.BusMessagesTotal.WithLabelValues("error", b.transport.Name()).Inc()
		log.Printf("[bus] publish %s via %s failed: %v", eventName, b.transport.Name(), err)
		return err
	}
	metrics.BusMessagesTotal.WithLabelValues("out", b.transport.Name()).Inc()
	return nil
}

// HandleInbound processes one raw bus payload from any transport. It
// reports whether the message was dispatched.
func (b *Bus) HandleInbound(data []byte) bool {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" || msg.EventName == "" {
		return false
	}
	if msg.OriginID == b.originID {
		metrics.BusMessagesTotal.WithLabelValues("echo", b.transport.Name()).Inc()
		return false
	}
	if b.seen.CheckAndMark(msg.ID) {
		metrics.BusMessagesTotal.WithLabelValues("duplicate", b.transport.Name()).Inc()
		return false
	}

	metrics.BusMessagesTotal.WithLabelValues("in", b.transport.Name()).Inc()
	b.dispatcher.Dispatch(events.Event{Name: msg.EventName, Payload: msg.Detail})
	return true
}

func (b *Bus) handleInbound(data []byte) {
	b.HandleInbound(data)
}
