// Package typing keeps short-lived "is typing" state per conversation and
// sends the local side's own typing notices to the ingress endpoint.
package typing

import (
	"strings"
	"unicode/utf8"
)

// MaxDraftChars caps the stored and transmitted draft preview.
const MaxDraftChars = 200

// Role identifies who produced a typing notice.
type Role string

const (
	RoleFan      Role = "fan"      // the remote party
	RoleCreator  Role = "creator"  // local account owner
	RoleOperator Role = "operator" // local chatter acting for the creator
)

// IsRemote reports whether notices from r describe the other side of the
// conversation. Only remote notices populate the Store.
func (r Role) IsRemote() bool {
	return r == RoleFan
}

// Notice is a typing frame as carried on the push stream.
type Notice struct {
	ConversationID string  `json:"conversationId"`
	FanID          string  `json:"fanId,omitempty"`
	IsTyping       bool    `json:"isTyping"`
	SenderRole     Role    `json:"senderRole"`
	DraftText      *string `json:"draftText,omitempty"` // nil = not provided
	Ts             int64   `json:"ts,omitempty"`        // unix millis, producer clock
}

// NormalizeDraft collapses every whitespace run (newlines included) into a
// single space, trims the result and truncates it to MaxDraftChars runes.
func NormalizeDraft(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= MaxDraftChars {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:MaxDraftChars]))
}
