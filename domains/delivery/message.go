package delivery

import (
	"encoding/json"
	"fmt"
	"time"
)

// payloadField is the single stream field carrying the serialised message.
const PayloadField = "payload"

// OutboundMessage is one logical unit of work: deliver one text payload to
// one recipient on one instance. Immutable once enqueued except for Attempts.
type OutboundMessage struct {
	MessageID string            `json:"message_id"`
	Instance  string            `json:"instance"`
	To        string            `json:"to"`
	Text      string            `json:"text"`
	QueuedAt  int64             `json:"queued_at"`
	Attempts  int               `json:"attempts"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Extras holds fields this version of the worker does not know about.
	// They are preserved verbatim when the message is re-serialised on retry.
	Extras map[string]json.RawMessage `json:"-"`
}

var knownFields = map[string]bool{
	"message_id": true,
	"instance":   true,
	"to":         true,
	"text":       true,
	"queued_at":  true,
	"attempts":   true,
	"metadata":   true,
}

// NewOutboundMessage stamps QueuedAt and leaves Attempts at zero.
func NewOutboundMessage(messageID, instance, to, text string, metadata map[string]string) *OutboundMessage {
	return &OutboundMessage{
		MessageID: messageID,
		Instance:  instance,
		To:        to,
		Text:      text,
		QueuedAt:  time.Now().Unix(),
		Metadata:  metadata,
	}
}

// Encode serialises the message, merging Extras back into the object.
func (m *OutboundMessage) Encode() (string, error) {
	type alias OutboundMessage
	base, err := json.Marshal((*alias)(m))
	if err != nil {
		return "", fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	if len(m.Extras) == 0 {
		return string(base), nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return "", fmt.Errorf("failed to merge message extras: %w", err)
	}
	for k, v := range m.Extras {
		if !knownFields[k] {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("failed to marshal merged message: %w", err)
	}
	return string(out), nil
}

// SendRequest is the management-API body for submitting an outbound message.
// MessageID is the caller's idempotency key; one is generated when absent.
type SendRequest struct {
	MessageID string            `json:"message_id"`
	Instance  string            `json:"instance"`
	To        string            `json:"to"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SendResponse reports where the submission landed.
type SendResponse struct {
	MessageID string `json:"message_id"`
	EntryID   string `json:"entry_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// DecodeOutboundMessage parses a payload, capturing unknown fields in Extras.
// A payload without a message_id or instance is rejected.
func DecodeOutboundMessage(payload string) (*OutboundMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse message payload: %w", err)
	}

	type alias OutboundMessage
	var m alias
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("failed to parse message fields: %w", err)
	}
	if m.MessageID == "" || m.Instance == "" {
		return nil, fmt.Errorf("message payload missing message_id or instance")
	}

	msg := OutboundMessage(m)
	for k, v := range raw {
		if !knownFields[k] {
			if msg.Extras == nil {
				msg.Extras = make(map[string]json.RawMessage)
			}
			msg.Extras[k] = v
		}
	}
	return &msg, nil
}
