package typing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// ingress is a fake typing-notice endpoint that records decoded bodies.
type ingress struct {
	mu      sync.Mutex
	notices []OutboundNotice
	status  int
}

func (i *ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var n OutboundNotice
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	i.mu.Lock()
	i.notices = append(i.notices, n)
	status := i.status
	i.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (i *ingress) received() []OutboundNotice {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]OutboundNotice(nil), i.notices...)
}

func TestSenderPostsNormalizedNotice(t *testing.T) {
	in := &ingress{}
	srv := httptest.NewServer(in)
	defer srv.Close()

	s := NewSender(SenderConfig{URL: srv.URL, Role: RoleOperator, Timeout: time.Second}, nil)
	sent, err := s.Send(context.Background(), "c1", true, strPtr("hi\nthere"))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !sent {
		t.Fatal("expected notice to be sent")
	}

	got := in.received()
	if len(got) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(got))
	}
	n := got[0]
	if n.ConversationID != "c1" || !n.IsTyping || n.SenderRole != RoleOperator {
		t.Errorf("unexpected notice: %+v", n)
	}
	if n.DraftText == nil || *n.DraftText != "hi there" {
		t.Errorf("expected normalized draft, got %v", n.DraftText)
	}
}

func TestSenderRejectsEmptyConversation(t *testing.T) {
	s := NewSender(DefaultSenderConfig(), nil)
	if _, err := s.Send(context.Background(), "", true, nil); err == nil {
		t.Fatal("expected error for empty conversation id")
	}
}

func TestSenderSurfacesServerError(t *testing.T) {
	in := &ingress{status: http.StatusBadRequest}
	srv := httptest.NewServer(in)
	defer srv.Close()

	s := NewSender(SenderConfig{URL: srv.URL}, nil)
	if _, err := s.Send(context.Background(), "c1", false, nil); err == nil {
		t.Fatal("expected error on 400 response")
	}
}

// newTestThrottle connects to a local Redis or skips, like the ban store tests.
func newTestThrottle(t *testing.T, rule ThrottleRule) *Throttle {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	th := NewThrottle(client, "test_typing", rule)
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, th.prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return th
}

func TestSenderThrottlesTypingButNotStop(t *testing.T) {
	th := newTestThrottle(t, ThrottleRule{Limit: 1, Window: time.Minute})
	in := &ingress{}
	srv := httptest.NewServer(in)
	defer srv.Close()

	s := NewSender(SenderConfig{URL: srv.URL}, th)
	ctx := context.Background()

	if sent, err := s.Send(ctx, "c-throttle", true, nil); err != nil || !sent {
		t.Fatalf("first notice: sent=%v err=%v", sent, err)
	}
	if sent, err := s.Send(ctx, "c-throttle", true, nil); err != nil || sent {
		t.Fatalf("second notice should be throttled: sent=%v err=%v", sent, err)
	}
	if sent, err := s.Send(ctx, "c-throttle", false, nil); err != nil || !sent {
		t.Fatalf("stop notice must never be throttled: sent=%v err=%v", sent, err)
	}
	// Stop reset the window.
	if sent, err := s.Send(ctx, "c-throttle", true, nil); err != nil || !sent {
		t.Fatalf("notice after stop: sent=%v err=%v", sent, err)
	}
	if n := len(in.received()); n != 3 {
		t.Fatalf("expected 3 posted notices, got %d", n)
	}
}

func TestNilThrottleAllows(t *testing.T) {
	var th *Throttle
	if !th.Allow(context.Background(), "c1") {
		t.Fatal("nil throttle should allow")
	}
	if !NewThrottle(nil, "p", DefaultThrottleRule).Allow(context.Background(), "c1") {
		t.Fatal("throttle without client should allow")
	}
}
