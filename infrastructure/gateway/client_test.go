package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainDelivery "github.com/medlink-ai/wa-courier/domains/delivery"
)

func TestNormalizeJID(t *testing.T) {
	cases := map[string]string{
		"+15551230000":               "15551230000@s.whatsapp.net",
		"15551230000":                "15551230000@s.whatsapp.net",
		"+1 555 123-0000":            "15551230000@s.whatsapp.net",
		"15551230000@s.whatsapp.net": "15551230000@s.whatsapp.net",
		"+49 (171) 555 0000@c.us":    "491715550000@s.whatsapp.net",
	}
	for input, expected := range cases {
		assert.Equal(t, expected, NormalizeJID(input), "input %q", input)
	}
}

func TestSendText_Success(t *testing.T) {
	var gotPath, gotAPIKey string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("apikey")
		require.NoError(t, jsonDecode(r, &gotBody))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"key":{"id":"ABC"}}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "secret"})
	res := client.SendText(context.Background(), "inst-A", "+15551230000", "hi")

	require.True(t, res.OK)
	assert.Equal(t, "/message/sendText/inst-A", gotPath)
	assert.Equal(t, "secret", gotAPIKey)
	assert.Equal(t, "15551230000@s.whatsapp.net", gotBody["number"])
	assert.Equal(t, "hi", gotBody["text"])
}

func TestSendText_HTTPErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"device removed"}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	res := client.SendText(context.Background(), "inst-A", "+15551230000", "hi")

	assert.False(t, res.OK)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.True(t, res.Transient(), "non-2xx stays retryable up to the delivery cap")
}

func TestSendText_TransportErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewClient(Config{BaseURL: srv.URL})
	res := client.SendText(context.Background(), "inst-A", "+15551230000", "hi")

	assert.False(t, res.OK)
	assert.Error(t, res.Err)
}

func TestConnectionState(t *testing.T) {
	state := "open"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"instance":{"instanceName":"inst-A","state":"` + state + `"}}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})

	assert.Equal(t, domainDelivery.ConnOpen, client.ConnectionState(context.Background(), "inst-A"))

	state = "connecting"
	assert.Equal(t, domainDelivery.ConnConnecting, client.ConnectionState(context.Background(), "inst-A"))

	state = "close"
	assert.Equal(t, domainDelivery.ConnClosed, client.ConnectionState(context.Background(), "inst-A"))
}

func TestConnectionState_TransportErrorReadsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	assert.Equal(t, domainDelivery.ConnClosed, client.ConnectionState(context.Background(), "inst-A"))
}

func TestDeleteInstance_NotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	existed, err := client.DeleteInstance(context.Background(), "ghost")

	require.NoError(t, err)
	assert.False(t, existed)
}

func TestFetchAllInstances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance/fetchInstances", r.URL.Path)
		w.Write([]byte(`[{"instance":{"instanceName":"inst-A"}},{"instance":{"instanceName":"inst-B"}}]`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	names, err := client.FetchAllInstances(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"inst-A", "inst-B"}, names)
}

func TestNewClient_EnforcesMinimumTimeout(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://localhost:1", Timeout: time.Second})
	assert.GreaterOrEqual(t, client.httpClient.Timeout, 15*time.Second,
		"the gateway may block while reconnecting; short timeouts cause false failures")
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
