package inbound

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const upsertBody = `{
	"event": "messages.upsert",
	"instance": "clinic_a",
	"data": {
		"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "BAE5F5A0"},
		"pushName": "Maria",
		"message": {"conversation": "quero remarcar minha consulta"},
		"messageTimestamp": 1700000000
	}
}`

func TestMessageNormalization(t *testing.T) {
	env, err := ParseEnvelope([]byte(upsertBody))
	require.NoError(t, err)
	assert.Equal(t, EventMessagesUpsert, env.Event)

	ev, err := env.Message()
	require.NoError(t, err)
	assert.Equal(t, "clinic_a", ev.Instance)
	assert.Equal(t, "5511999990000@s.whatsapp.net", ev.From)
	assert.Equal(t, "quero remarcar minha consulta", ev.Text)
	assert.Equal(t, "BAE5F5A0", ev.GatewayMessageID)
	assert.Equal(t, "Maria", ev.PushName)
	assert.False(t, ev.FromMe)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.ReceivedAt)
}

func TestMessageTextFallsBackToExtendedText(t *testing.T) {
	body := `{
		"event": "messages.upsert",
		"instance": "clinic_a",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "X1"},
			"message": {"extendedTextMessage": {"text": "com link https://example.com"}}
		}
	}`
	env, err := ParseEnvelope([]byte(body))
	require.NoError(t, err)

	ev, err := env.Message()
	require.NoError(t, err)
	assert.Equal(t, "com link https://example.com", ev.Text)
}

func TestMessageRejectsIncompleteKeys(t *testing.T) {
	body := `{"event": "messages.upsert", "instance": "clinic_a", "data": {"key": {"remoteJid": "5@s.whatsapp.net"}}}`
	env, err := ParseEnvelope([]byte(body))
	require.NoError(t, err)

	_, err = env.Message()
	assert.Error(t, err)
}

func TestConnectionStateExtraction(t *testing.T) {
	body := `{"event": "connection.update", "instance": "clinic_a", "data": {"state": "open"}}`
	env, err := ParseEnvelope([]byte(body))
	require.NoError(t, err)

	state, err := env.ConnectionState()
	require.NoError(t, err)
	assert.Equal(t, "open", state)

	_, err = env.Message()
	assert.Error(t, err, "connection envelopes are not messages")
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	_, err := ParseEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"instance": "x"}`))
	assert.Error(t, err, "an envelope without an event name is useless")
}
