// Package events defines the envelopes pushed by the server, the normalized
// payloads handed to local subscribers, and the local dispatcher that fans
// them out.
package events

import (
	"encoding/json"
	"fmt"
)

// Kind is the server-side event type carried in Envelope.Type.
type Kind string

const (
	KindMessageSent            Kind = "MESSAGE_SENT"
	KindPurchaseCreated        Kind = "PURCHASE_CREATED"
	KindVoiceTranscriptUpdated Kind = "VOICE_TRANSCRIPT_UPDATED"
	KindChatUpdated            Kind = "CHAT_UPDATED"
)

// Envelope is one server-pushed event. EventID is the idempotency key.
type Envelope struct {
	EventID   string          `json:"eventId"`
	Type      Kind            `json:"type"`
	FanID     string          `json:"fanId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"createdAt,omitempty"`
}

// Valid reports whether the envelope carries the fields every consumer
// relies on.
func (e Envelope) Valid() bool {
	return e.EventID != "" && e.Type != ""
}

// ParseEnvelope decodes and validates an envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("events: failed to parse envelope: %w", err)
	}
	if !env.Valid() {
		return Envelope{}, fmt.Errorf("events: envelope missing eventId or type")
	}
	return env, nil
}
