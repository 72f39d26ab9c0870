package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Gateway webhook event names this service reacts to. Anything else is
// acknowledged and ignored.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventConnectionUpdate = "connection.update"
	EventQRCodeUpdated    = "qrcode.updated"
)

// Envelope is the outer shape shared by every gateway webhook delivery.
type Envelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

// Event is one normalized inbound message.
type Event struct {
	Instance         string    `json:"instance"`
	From             string    `json:"from"`
	Text             string    `json:"text"`
	GatewayMessageID string    `json:"gateway_message_id"`
	PushName         string    `json:"push_name,omitempty"`
	FromMe           bool      `json:"from_me"`
	ReceivedAt       time.Time `json:"received_at"`
}

// Handler consumes normalized inbound messages off the pool.
type Handler interface {
	HandleMessage(ctx context.Context, ev *Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev *Event) error

func (f HandlerFunc) HandleMessage(ctx context.Context, ev *Event) error { return f(ctx, ev) }

// LoggingHandler is the default sink when no downstream consumer is wired.
func LoggingHandler() Handler {
	return HandlerFunc(func(ctx context.Context, ev *Event) error {
		logrus.Infof("[INBOUND] Message %s from %s on %s: %q", ev.GatewayMessageID, ev.From, ev.Instance, ev.Text)
		return nil
	})
}

func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse webhook body: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("webhook body missing event name")
	}
	return &env, nil
}

// messageData mirrors the gateway's messages.upsert payload. Text lives in
// either conversation or extendedTextMessage depending on the client that
// sent it.
type messageData struct {
	Key struct {
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName string `json:"pushName"`
	Message  struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
	} `json:"message"`
	MessageTimestamp int64 `json:"messageTimestamp"`
}

// Message normalizes a messages.upsert envelope. Events without a remote JID
// or gateway message ID are rejected; events without text (media, reactions)
// come back with empty Text and the caller decides whether to keep them.
func (e *Envelope) Message() (*Event, error) {
	if e.Event != EventMessagesUpsert {
		return nil, fmt.Errorf("not a message event: %s", e.Event)
	}

	var data messageData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse message data: %w", err)
	}
	if data.Key.RemoteJid == "" || data.Key.ID == "" {
		return nil, fmt.Errorf("message event missing remoteJid or id")
	}

	text := data.Message.Conversation
	if text == "" {
		text = data.Message.ExtendedTextMessage.Text
	}

	receivedAt := time.Now().UTC()
	if data.MessageTimestamp > 0 {
		receivedAt = time.Unix(data.MessageTimestamp, 0).UTC()
	}

	return &Event{
		Instance:         e.Instance,
		From:             data.Key.RemoteJid,
		Text:             text,
		GatewayMessageID: data.Key.ID,
		PushName:         data.PushName,
		FromMe:           data.Key.FromMe,
		ReceivedAt:       receivedAt,
	}, nil
}

// ConnectionState extracts the state from a connection.update envelope.
func (e *Envelope) ConnectionState() (string, error) {
	if e.Event != EventConnectionUpdate {
		return "", fmt.Errorf("not a connection event: %s", e.Event)
	}

	var data struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return "", fmt.Errorf("failed to parse connection data: %w", err)
	}
	if data.State == "" {
		return "", fmt.Errorf("connection event missing state")
	}
	return data.State, nil
}
