package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fanline/realtime/internal/dedupe"
	"github.com/fanline/realtime/internal/events"
)

// testTab bundles the per-tab pieces a Bus needs.
type testTab struct {
	bus        *Bus
	dispatcher *events.Dispatcher
	received   []events.Event
}

func newTestTab(t *testing.T, id string, transport Transport) *testTab {
	t.Helper()
	tt := &testTab{dispatcher: events.NewDispatcher()}
	for _, name := range events.Names {
		tt.dispatcher.Subscribe(name, func(ev events.Event) {
			tt.received = append(tt.received, ev)
		})
	}
	tt.bus = New(id, transport, dedupe.New(100, time.Minute), tt.dispatcher)
	if err := tt.bus.Listen(); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	t.Cleanup(tt.bus.Stop)
	return tt
}

func TestPublishReachesSiblingsOnce(t *testing.T) {
	hub := NewMemoryHub()
	a := newTestTab(t, "tab-a", hub.Transport("memory"))
	b := newTestTab(t, "tab-b", hub.Transport("memory"))
	c := newTestTab(t, "tab-c", hub.Transport("memory"))

	detail := map[string]string{"purchaseId": "p1"}
	if err := a.bus.Publish(context.Background(), events.NamePurchaseSeen, detail); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	for name, tab := range map[string]*testTab{"a": a, "b": b, "c": c} {
		if len(tab.received) != 1 {
			t.Fatalf("tab %s: expected exactly 1 event, got %d", name, len(tab.received))
		}
		ev := tab.received[0]
		if ev.Name != events.NamePurchaseSeen {
			t.Errorf("tab %s: unexpected event %s", name, ev.Name)
		}
		var got map[string]string
		if err := json.Unmarshal(ev.Payload, &got); err != nil || got["purchaseId"] != "p1" {
			t.Errorf("tab %s: unexpected detail %s", name, ev.Payload)
		}
	}
}

func TestSelfEchoSuppressed(t *testing.T) {
	hub := NewMemoryHub()
	a := newTestTab(t, "tab-a", hub.Transport("memory"))

	msg, _ := json.Marshal(Message{ID: "foreign-id", OriginID: "tab-a", EventName: events.NameBudgetPaused})
	if a.bus.HandleInbound(msg) {
		t.Fatal("a message carrying our own origin must be discarded")
	}
	if len(a.received) != 0 {
		t.Fatalf("expected no dispatch, got %d", len(a.received))
	}
}

func TestDuplicateAcrossTransports(t *testing.T) {
	primary := NewMemoryHub()
	fallback := NewMemoryHub()

	a := newTestTab(t, "tab-a", primary.Transport("primary"))
	b := newTestTab(t, "tab-b", primary.Transport("primary"))

	// tab-b also follows the fallback feed.
	unsub, err := fallback.Transport("fallback").Subscribe(ChannelBus, func(data []byte) {
		b.bus.HandleInbound(data)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if err := a.bus.Publish(context.Background(), events.NameExtrasUpdated, nil); err != nil {
		t.Fatal(err)
	}

	// Replay tab-a's message on the fallback path.
	raw, _ := json.Marshal(Message{ID: lastID(t, b), OriginID: "tab-a", EventName: events.NameExtrasUpdated})
	if err := fallback.Transport("fallback").Publish(context.Background(), ChannelBus, raw); err != nil {
		t.Fatal(err)
	}

	if len(b.received) != 1 {
		t.Fatalf("tab-b should process the event once, got %d", len(b.received))
	}
}

// lastID returns the id of the one message tab has seen.
func lastID(t *testing.T, tab *testTab) string {
	t.Helper()
	entries := tab.bus.seen.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one seen id, got %d", len(entries))
	}
	return entries[0].Key
}

func TestPublishFailureStillDispatchesLocally(t *testing.T) {
	hub := NewMemoryHub()
	a := newTestTab(t, "tab-a", hub.Transport("memory"))
	hub.SetDown(true)

	if err := a.bus.Publish(context.Background(), events.NameCreatorDataChanged, nil); err == nil {
		t.Fatal("expected broadcast error while hub is down")
	}
	if len(a.received) != 1 {
		t.Fatalf("local dispatch should happen regardless, got %d", len(a.received))
	}
}

func TestMalformedInboundIgnored(t *testing.T) {
	hub := NewMemoryHub()
	a := newTestTab(t, "tab-a", hub.Transport("memory"))

	for _, raw := range []string{`nope`, `{}`, `{"id":"x"}`, `{"eventName":"budget-paused"}`} {
		if a.bus.HandleInbound([]byte(raw)) {
			t.Errorf("malformed payload %s should be ignored", raw)
		}
	}
}

func TestSelectTransport(t *testing.T) {
	ctx := context.Background()
	up := NewMemoryHub()
	down := NewMemoryHub()
	down.SetDown(true)

	primary := down.Transport("primary")
	fallback := up.Transport("fallback")
	if got := SelectTransport(ctx, primary, fallback); got.Name() != "fallback" {
		t.Fatalf("expected fallback when primary is down, got %s", got.Name())
	}

	primary = up.Transport("primary")
	if got := SelectTransport(ctx, primary, fallback); got.Name() != "primary" {
		t.Fatalf("expected primary when available, got %s", got.Name())
	}

	if got := SelectTransport(ctx, nil, fallback); got.Name() != "fallback" {
		t.Fatalf("expected fallback when primary is nil, got %s", got.Name())
	}
}
