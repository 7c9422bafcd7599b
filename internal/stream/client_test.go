package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fanline/realtime/internal/events"
	"github.com/fanline/realtime/internal/typing"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []events.Envelope
	notices []typing.Notice
	got     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 16)}
}

func (s *recordingSink) HandleEvent(_ context.Context, env events.Envelope) {
	s.mu.Lock()
	s.events = append(s.events, env)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *recordingSink) HandleTyping(_ context.Context, n typing.Notice) {
	s.mu.Lock()
	s.notices = append(s.notices, n)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *recordingSink) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for frame %d of %d", i+1, n)
		}
	}
}

// newPushServer starts a push endpoint that writes frames to every
// connection and then holds it open until the client goes away.
func newPushServer(t *testing.T, frames [][]byte) (*httptest.Server, *int32) {
	t.Helper()
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		atomic.AddInt32(&conns, 1)
		for _, f := range frames {
			if err := wsutil.WriteServerText(conn, f); err != nil {
				return
			}
		}
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func mustFrame(t *testing.T, name string, data interface{}) []byte {
	t.Helper()
	b, err := NewFrame(name, data)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestParseFrame(t *testing.T) {
	env := events.Envelope{
		EventID:   "e1",
		Type:      events.KindPurchaseCreated,
		FanID:     "f1",
		Payload:   json.RawMessage(`{"amountCents":500}`),
		CreatedAt: "2024-01-01T00:00:00Z",
	}
	name, msg, err := ParseFrame(mustFrame(t, FrameEvent, env))
	if err != nil {
		t.Fatalf("ParseFrame(event) error: %v", err)
	}
	got, ok := msg.(events.Envelope)
	if name != FrameEvent || !ok || got.EventID != "e1" || got.Type != events.KindPurchaseCreated {
		t.Fatalf("unexpected parse result: %s %#v", name, msg)
	}

	name, msg, err = ParseFrame(mustFrame(t, FrameTyping, typing.Notice{
		ConversationID: "c1",
		IsTyping:       true,
		SenderRole:     typing.RoleFan,
	}))
	if err != nil {
		t.Fatalf("ParseFrame(typing) error: %v", err)
	}
	if n, ok := msg.(typing.Notice); name != FrameTyping || !ok || n.ConversationID != "c1" {
		t.Fatalf("unexpected parse result: %s %#v", name, msg)
	}
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{{`,
		"no name":         `{"data":{}}`,
		"unknown name":    `{"event":"presence","data":{}}`,
		"envelope no id":  `{"event":"event","data":{"type":"MESSAGE_SENT"}}`,
		"typing no convo": `{"event":"typing","data":{"isTyping":true}}`,
		"typing bad data": `{"event":"typing","data":"hello"}`,
	}
	for name, raw := range cases {
		if _, _, err := ParseFrame([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestClientDeliversFrames(t *testing.T) {
	frames := [][]byte{
		[]byte(`garbage`),
		mustFrame(t, FrameEvent, events.Envelope{EventID: "e1", Type: events.KindMessageSent, FanID: "f1"}),
		mustFrame(t, FrameTyping, typing.Notice{ConversationID: "c1", IsTyping: true, SenderRole: typing.RoleFan}),
	}
	srv, _ := newPushServer(t, frames)

	sink := newRecordingSink()
	c := NewClient(Config{URL: wsURL(srv), ReconnectWait: 50 * time.Millisecond}, sink)
	c.Connect()
	defer c.Disconnect()

	sink.wait(t, 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0].EventID != "e1" {
		t.Fatalf("unexpected events: %#v", sink.events)
	}
	if len(sink.notices) != 1 || sink.notices[0].ConversationID != "c1" {
		t.Fatalf("unexpected notices: %#v", sink.notices)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		n := atomic.AddInt32(&conns, 1)
		frame, _ := NewFrame(FrameEvent, events.Envelope{EventID: "e" + string(rune('0'+n)), Type: events.KindChatUpdated})
		wsutil.WriteServerText(conn, frame)
		// Drop the connection right away.
		conn.Close()
	}))
	defer srv.Close()

	sink := newRecordingSink()
	c := NewClient(Config{URL: wsURL(srv), ReconnectWait: 20 * time.Millisecond}, sink)
	c.Connect()
	defer c.Disconnect()

	sink.wait(t, 2)
	if atomic.LoadInt32(&conns) < 2 {
		t.Fatalf("expected a reconnect, got %d connections", conns)
	}
}

func TestClientConnectIdempotentAndDisconnect(t *testing.T) {
	srv, conns := newPushServer(t, nil)

	c := NewClient(Config{URL: wsURL(srv)}, newRecordingSink())
	c.Connect()
	c.Connect()

	deadline := time.Now().Add(5 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := atomic.LoadInt32(conns); n != 1 {
		t.Fatalf("expected one connection, got %d", n)
	}

	c.Disconnect()
	if c.Running() || c.Connected() {
		t.Fatal("client should be stopped after Disconnect")
	}
	c.Disconnect()
}
