package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// OutboundNotice is the body accepted by the typing-notice ingress.
type OutboundNotice struct {
	ConversationID string  `json:"conversationId"`
	IsTyping       bool    `json:"isTyping"`
	SenderRole     Role    `json:"senderRole"`
	FanID          string  `json:"fanId,omitempty"`
	DraftText      *string `json:"draftText,omitempty"`
}

// SenderConfig holds ingress client settings.
type SenderConfig struct {
	URL     string        // full ingress URL, e.g. http://localhost:8080/api/typing
	Role    Role          // role of the local user
	FanID   string        // fan the local user is, if any
	Timeout time.Duration // per-request timeout
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		URL:     "http://localhost:8080/api/typing",
		Role:    RoleCreator,
		Timeout: 3 * time.Second,
	}
}

// Sender posts the local user's typing notices to the ingress endpoint.
// "Still typing" notices go through the shared Throttle; stop notices always
// go out and reset the window.
type Sender struct {
	cfg      SenderConfig
	client   *fasthttp.Client
	throttle *Throttle
}

// NewSender creates a Sender. throttle may be nil.
func NewSender(cfg SenderConfig, throttle *Throttle) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSenderConfig().Timeout
	}
	if cfg.Role == "" {
		cfg.Role = RoleCreator
	}
	return &Sender{
		cfg:      cfg,
		client:   &fasthttp.Client{Name: "realtime-typing"},
		throttle: throttle,
	}
}

// Send posts a typing notice for conversationID. It returns sent=false without
// error when the notice was throttled.
func (s *Sender) Send(ctx context.Context, conversationID string, isTyping bool, draft *string) (bool, error) {
	if conversationID == "" {
		return false, fmt.Errorf("typing: send: empty conversation id")
	}

	body := OutboundNotice{
		ConversationID: conversationID,
		IsTyping:       isTyping,
		SenderRole:     s.cfg.Role,
		FanID:          s.cfg.FanID,
	}
	if draft != nil {
		d := NormalizeDraft(*draft)
		body.DraftText = &d
	}

	if isTyping {
		if !s.throttle.Allow(ctx, conversationID) {
			return false, nil
		}
	} else {
		s.throttle.Reset(ctx, conversationID)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("typing: marshal notice: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.cfg.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(data)

	timeout := s.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		return false, fmt.Errorf("typing: post notice: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return false, fmt.Errorf("typing: post notice: unexpected status %d", code)
	}
	return true, nil
}
