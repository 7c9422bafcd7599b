package stream

import (
	"encoding/json"
	"fmt"

	"github.com/fanline/realtime/internal/events"
	"github.com/fanline/realtime/internal/typing"
)

// Frame names emitted by the push endpoint.
const (
	FrameEvent  = "event"
	FrameTyping = "typing"
)

// Frame is one named frame from the push endpoint: {"event": <name>, "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// UnmarshalJSON rejects frames without a name so the read loop can drop
// them early.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var partial struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("stream: failed to unmarshal frame: %w", err)
	}
	if partial.Event == "" {
		return fmt.Errorf("stream: missing or empty \"event\" field")
	}
	f.Event = partial.Event
	f.Data = partial.Data
	return nil
}

// NewFrame encodes a named frame. The push endpoint and tests use it.
func NewFrame(name string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("stream: failed to marshal %s data: %w", name, err)
	}
	out, err := json.Marshal(Frame{Event: name, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("stream: failed to marshal frame: %w", err)
	}
	return out, nil
}

// ParseFrame decodes raw bytes into either an envelope or a typing notice.
// The returned value is events.Envelope or typing.Notice. Frames of unknown
// name, or missing their required fields, return an error; callers drop
// them silently.
func ParseFrame(data []byte) (string, interface{}, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, err
	}

	switch f.Event {
	case FrameEvent:
		env, err := events.ParseEnvelope(f.Data)
		if err != nil {
			return f.Event, nil, err
		}
		return f.Event, env, nil

	case FrameTyping:
		var n typing.Notice
		if err := json.Unmarshal(f.Data, &n); err != nil {
			return f.Event, nil, fmt.Errorf("stream: failed to decode typing frame: %w", err)
		}
		if n.ConversationID == "" {
			return f.Event, nil, fmt.Errorf("stream: typing frame missing conversationId")
		}
		return f.Event, n, nil
	}

	return f.Event, nil, fmt.Errorf("stream: unknown frame %q", f.Event)
}
