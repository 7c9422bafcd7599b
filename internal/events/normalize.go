package events

import (
	"encoding/json"
	"fmt"
)

// Local event names. This vocabulary is the surface every in-process
// subscriber keys off.
const (
	NameMessageSent            = "message-sent"
	NamePurchaseCreated        = "purchase-created"
	NamePurchaseSeen           = "purchase-seen"
	NameCreatorDataChanged     = "creator-data-changed"
	NameExtrasUpdated          = "extras-updated"
	NameVoiceTranscriptUpdated = "voice-transcript-updated"
	NameBudgetPaused           = "budget-paused"
)

// Names lists every local event name.
var Names = []string{
	NameMessageSent,
	NamePurchaseCreated,
	NamePurchaseSeen,
	NameCreatorDataChanged,
	NameExtrasUpdated,
	NameVoiceTranscriptUpdated,
	NameBudgetPaused,
}

// MessageSent is the normalized message-sent payload.
type MessageSent struct {
	EventID        string `json:"eventId"`
	FanID          string `json:"fanId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	SenderRole     string `json:"senderRole,omitempty"`
	Text           string `json:"text,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

// PurchaseCreated is the normalized purchase-created payload.
type PurchaseCreated struct {
	EventID     string `json:"eventId,omitempty"`
	PurchaseID  string `json:"purchaseId,omitempty"`
	FanID       string `json:"fanId,omitempty"`
	Kind        string `json:"kind,omitempty"`
	AmountCents int64  `json:"amountCents"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// VoiceTranscriptUpdated is the normalized voice-transcript-updated payload.
type VoiceTranscriptUpdated struct {
	EventID    string `json:"eventId"`
	FanID      string `json:"fanId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Status     string `json:"status,omitempty"`
}

// ChatUpdated is the normalized chat-updated payload. It is dispatched as
// creator-data-changed; Changes carries the server fields untouched.
type ChatUpdated struct {
	EventID        string          `json:"eventId"`
	FanID          string          `json:"fanId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Changes        json.RawMessage `json:"changes,omitempty"`
}

// rawPayload is the union of fields the server puts in Envelope.Payload.
type rawPayload struct {
	FanID          string `json:"fanId"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderRole     string `json:"senderRole"`
	Text           string `json:"text"`
	ID             string `json:"id"`
	PurchaseID     string `json:"purchaseId"`
	Kind           string `json:"kind"`
	AmountCents    int64  `json:"amountCents"`
	Transcript     string `json:"transcript"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt"`
}

// Normalize translates an envelope into the local event it stands for. It
// returns an error for unknown kinds or undecodable payloads; callers drop
// such envelopes.
func Normalize(env Envelope) (Event, error) {
	var p rawPayload
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("events: decode %s payload: %w", env.Type, err)
		}
	}
	fanID := firstNonEmpty(env.FanID, p.FanID)
	createdAt := firstNonEmpty(p.CreatedAt, env.CreatedAt)

	switch env.Type {
	case KindMessageSent:
		return NewEvent(NameMessageSent, MessageSent{
			EventID:        env.EventID,
			FanID:          fanID,
			ConversationID: p.ConversationID,
			MessageID:      p.MessageID,
			SenderRole:     p.SenderRole,
			Text:           p.Text,
			CreatedAt:      createdAt,
		})

	case KindPurchaseCreated:
		return NewEvent(NamePurchaseCreated, PurchaseCreated{
			EventID:     env.EventID,
			PurchaseID:  firstNonEmpty(p.PurchaseID, p.ID),
			FanID:       fanID,
			Kind:        p.Kind,
			AmountCents: p.AmountCents,
			CreatedAt:   createdAt,
		})

	case KindVoiceTranscriptUpdated:
		return NewEvent(NameVoiceTranscriptUpdated, VoiceTranscriptUpdated{
			EventID:    env.EventID,
			FanID:      fanID,
			MessageID:  p.MessageID,
			Transcript: p.Transcript,
			Status:     p.Status,
		})

	case KindChatUpdated:
		return NewEvent(NameCreatorDataChanged, ChatUpdated{
			EventID:        env.EventID,
			FanID:          fanID,
			ConversationID: p.ConversationID,
			Changes:        env.Payload,
		})
	}

	return Event{}, fmt.Errorf("events: unknown event type %q", env.Type)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
