package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AuthClient performs the channel authorization handshake for private and
// presence channels: an HTTP POST against the application's auth endpoint,
// carrying the bearer headers from the transport config.
type AuthClient struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
}

// AuthRequest is the handshake request body.
type AuthRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
}

// AuthResponse is the handshake response body.
type AuthResponse struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// NewAuthClient creates an auth client for endpoint. The headers are sent
// verbatim on every request.
func NewAuthClient(endpoint string, headers map[string]string) *AuthClient {
	return &AuthClient{
		endpoint: endpoint,
		headers:  headers,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (a *AuthClient) SetHTTPClient(client *http.Client) {
	if client != nil {
		a.httpClient = client
	}
}

// Authorize requests authorization to subscribe socketID to channel. A
// non-2xx response is returned as an error; the response body is opaque to
// this layer.
func (a *AuthClient) Authorize(ctx context.Context, socketID, channel string) (*AuthResponse, error) {
	data, err := json.Marshal(AuthRequest{SocketID: socketID, ChannelName: channel})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("channel authorization rejected (status %d)", resp.StatusCode)
	}

	var out AuthResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &out, nil
}
