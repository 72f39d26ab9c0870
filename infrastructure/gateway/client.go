// Package gateway implements the HTTP client for the upstream Evolution API.
// The client is stateless and carries no retry logic; failures surface as
// typed results so the delivery worker can decide what to do with them.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	domainDelivery "github.com/medlink-ai/wa-courier/domains/delivery"
)

const defaultTimeout = 15 * time.Second

// Config holds the upstream connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout must stay generous: the gateway may block while its
	// WhatsApp-Web bridge reconnects.
	Timeout time.Duration
}

// Client is a thin wrapper over the Evolution API HTTP surface.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a gateway client. The caller owns the lifecycle; the
// underlying transport pools connections.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout < defaultTimeout {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// NormalizeJID converts a phone number to gateway JID form:
// digits only, suffixed with @s.whatsapp.net. Any prior suffix is dropped.
func NormalizeJID(to string) string {
	if i := strings.Index(to, "@"); i >= 0 {
		to = to[:i]
	}
	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + "@s.whatsapp.net"
}

// SendText delivers one text message. The result is OK only on a 2xx
// response; transport errors and HTTP >= 400 both fail the send.
func (c *Client) SendText(ctx context.Context, instance, to, text string) domainDelivery.SendResult {
	body := map[string]string{
		"number": NormalizeJID(to),
		"text":   text,
	}
	status, _, err := c.do(ctx, http.MethodPost, "/message/sendText/"+instance, body)
	if err != nil {
		return domainDelivery.SendResult{OK: false, Err: fmt.Errorf("failed to send text: %w", err)}
	}
	if status >= 400 {
		return domainDelivery.SendResult{OK: false, Status: status, Err: fmt.Errorf("gateway returned status %d", status)}
	}
	return domainDelivery.SendResult{OK: true, Status: status}
}

// ConnectionState returns the instance connection state. It never errors;
// timeouts and transport failures read as closed.
func (c *Client) ConnectionState(ctx context.Context, instance string) domainDelivery.ConnState {
	status, raw, err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+instance, nil)
	if err != nil || status >= 400 {
		return domainDelivery.ConnClosed
	}

	var resp struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domainDelivery.ConnUnknown
	}
	state := resp.Instance.State
	if state == "" {
		state = resp.State
	}
	switch state {
	case "open":
		return domainDelivery.ConnOpen
	case "connecting":
		return domainDelivery.ConnConnecting
	case "close", "closed":
		return domainDelivery.ConnClosed
	default:
		return domainDelivery.ConnUnknown
	}
}

// CreateInstance registers a new instance on the gateway with its webhook
// target. Creating an instance that already exists is not an error upstream.
func (c *Client) CreateInstance(ctx context.Context, instance, webhookURL string, events []string) error {
	body := map[string]any{
		"instanceName": instance,
		"webhook":      webhookURL,
		"events":       events,
		"qrcode":       true,
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/instance/create", body)
	if err != nil {
		return fmt.Errorf("failed to create instance %s: %w", instance, err)
	}
	if status >= 400 {
		return fmt.Errorf("failed to create instance %s: gateway returned %d: %s", instance, status, truncate(raw))
	}
	return nil
}

// DeleteInstance removes an instance upstream. Deleting a non-existent
// instance returns existed=false, not an error.
func (c *Client) DeleteInstance(ctx context.Context, instance string) (bool, error) {
	status, raw, err := c.do(ctx, http.MethodDelete, "/instance/delete/"+instance, nil)
	if err != nil {
		return false, fmt.Errorf("failed to delete instance %s: %w", instance, err)
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status >= 400 {
		return false, fmt.Errorf("failed to delete instance %s: gateway returned %d: %s", instance, status, truncate(raw))
	}
	return true, nil
}

// FetchAllInstances lists the instance names the gateway currently knows.
func (c *Client) FetchAllInstances(ctx context.Context) ([]string, error) {
	status, raw, err := c.do(ctx, http.MethodGet, "/instance/fetchInstances", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instances: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("failed to fetch instances: gateway returned %d", status)
	}

	var items []struct {
		Instance struct {
			InstanceName string `json:"instanceName"`
		} `json:"instance"`
		InstanceName string `json:"instanceName"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to parse instance list: %w", err)
	}

	names := make([]string, 0, len(items))
	for _, it := range items {
		name := it.Instance.InstanceName
		if name == "" {
			name = it.InstanceName
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// GetInstanceStatus reports whether an instance exists upstream and its
// connection status.
func (c *Client) GetInstanceStatus(ctx context.Context, instance string) (domainDelivery.InstanceStatus, error) {
	status, raw, err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+instance, nil)
	if err != nil {
		return domainDelivery.InstanceStatus{}, fmt.Errorf("failed to get instance status: %w", err)
	}
	if status == http.StatusNotFound {
		return domainDelivery.InstanceStatus{Exists: false}, nil
	}
	if status >= 400 {
		return domainDelivery.InstanceStatus{}, fmt.Errorf("failed to get instance status: gateway returned %d", status)
	}

	var resp struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domainDelivery.InstanceStatus{Exists: true, Status: "unknown"}, nil
	}
	return domainDelivery.InstanceStatus{Exists: true, Status: resp.Instance.State}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logrus.WithError(err).Debug("[GATEWAY] Failed to read response body")
	}
	return resp.StatusCode, raw, nil
}

func truncate(raw []byte) string {
	const max = 200
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
