package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/muurk/xcpgate/internal/server"
)

// HealthURL derives the health endpoint from a gateway WebSocket URL.
func HealthURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL %q: %w", wsURL, err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("invalid gateway URL %q: unsupported scheme %q", wsURL, u.Scheme)
	}
	u.Path = server.HealthPath
	u.RawQuery = ""
	return u.String(), nil
}

// FetchHealth queries the gateway's health endpoint.
func FetchHealth(ctx context.Context, wsURL string, insecure bool) (*server.Health, error) {
	endpoint, err := HealthURL(wsURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	hc := &http.Client{Timeout: DefaultTimeout}
	if insecure {
		hc.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // operator opt-in
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}

	var h server.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("malformed health response: %w", err)
	}
	return &h, nil
}
