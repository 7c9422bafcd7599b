// Package pipeline runs every inbound envelope through dedupe, normalize,
// dispatch and, for envelopes from the live connection, rebroadcast to
// sibling tabs.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/fanline/realtime/internal/bus"
	"github.com/fanline/realtime/internal/dedupe"
	"github.com/fanline/realtime/internal/events"
	"github.com/fanline/realtime/internal/metrics"
	"github.com/fanline/realtime/internal/typing"
)

// Sources label where an envelope came from.
const (
	SourceLive  = "live"
	SourceRelay = "relay"
)

// RelayMessage is what the owner tab rebroadcasts on the relay channel.
// Exactly one of Event and Typing is set.
type RelayMessage struct {
	OriginID string           `json:"originId"`
	Event    *events.Envelope `json:"event,omitempty"`
	Typing   *typing.Notice   `json:"typing,omitempty"`
}

// Pipeline is the per-tab event pipeline. It implements stream.Sink for the
// live connection and consumes the relay channel for sibling rebroadcasts.
type Pipeline struct {
	originID   string
	seen       *dedupe.Cache
	dispatcher *events.Dispatcher
	typing     *typing.Store
	relay      bus.Transport

	mu    sync.Mutex
	unsub func()
}

// New creates a pipeline for the tab identified by originID.
func New(originID string, seen *dedupe.Cache, dispatcher *events.Dispatcher, store *typing.Store, relay bus.Transport) *Pipeline {
	return &Pipeline{
		originID:   originID,
		seen:       seen,
		dispatcher: dispatcher,
		typing:     store,
		relay:      relay,
	}
}

// HandleEvent processes an envelope from the live connection.
func (p *Pipeline) HandleEvent(ctx context.Context, env events.Envelope) {
	if !p.process(env, SourceLive) {
		return
	}
	p.rebroadcast(ctx, RelayMessage{OriginID: p.originID, Event: &env})
}

// HandleTyping applies a typing notice from the live connection and relays
// it to siblings. Typing notices skip the idempotency cache.
func (p *Pipeline) HandleTyping(ctx context.Context, n typing.Notice) {
	p.typing.Update(n)
	p.rebroadcast(ctx, RelayMessage{OriginID: p.originID, Typing: &n})
}

// Listen starts consuming sibling rebroadcasts.
func (p *Pipeline) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsub != nil {
		return nil
	}
	unsub, err := p.relay.Subscribe(bus.ChannelRelay, p.handleRelay)
	if err != nil {
		return fmt.Errorf("pipeline: listen: %w", err)
	}
	p.unsub = unsub
	return nil
}

// Stop stops consuming sibling rebroadcasts.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	unsub := p.unsub
	p.unsub = nil
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// HandleRelay processes one raw relay payload from any transport. Relayed
// envelopes are never rebroadcast again. It reports whether anything was
// applied.
func (p *Pipeline) HandleRelay(data []byte) bool {
	var msg RelayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.EventsTotal.WithLabelValues(SourceRelay, "dropped").Inc()
		return false
	}
	if msg.OriginID == "" || msg.OriginID == p.originID {
		return false
	}

	switch {
	case msg.Event != nil:
		return p.process(*msg.Event, SourceRelay)
	case msg.Typing != nil && msg.Typing.ConversationID != "":
		return p.typing.Update(*msg.Typing)
	}
	metrics.EventsTotal.WithLabelValues(SourceRelay, "dropped").Inc()
	return false
}

func (p *Pipeline) handleRelay(data []byte) {
	p.HandleRelay(data)
}

// process runs dedupe, normalize and dispatch. It reports whether the
// envelope was dispatched.
func (p *Pipeline) process(env events.Envelope, source string) bool {
	if !env.Valid() {
		metrics.EventsTotal.WithLabelValues(source, "dropped").Inc()
		return false
	}
	if p.seen.CheckAndMark(env.EventID) {
		metrics.EventsTotal.WithLabelValues(source, "duplicate").Inc()
		return false
	}

	ev, err := events.Normalize(env)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(source, "dropped").Inc()
		return false
	}

	p.dispatcher.Dispatch(ev)
	metrics.EventsTotal.WithLabelValues(source, "dispatched").Inc()
	return true
}

// rebroadcast is best effort; a failed publish only costs siblings one event.
func (p *Pipeline) rebroadcast(ctx context.Context, msg RelayMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[pipeline] marshal relay message: %v", err)
		return
	}
	if err := p.relay.Publish(ctx, bus.ChannelRelay, data); err != nil {
		metrics.BusMessagesTotal.WithLabelValues("error", p.relay.Name()).Inc()
		log.Printf("[pipeline] rebroadcast via %s failed: %v", p.relay.Name(), err)
		return
	}
	metrics.BusMessagesTotal.WithLabelValues("out", p.relay.Name()).Inc()
}
