package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Target is one entry of the DevTools /json/list endpoint
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Version is the payload of /json/version
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discovery talks to the DevTools HTTP endpoint of a browser
type Discovery struct {
	endpoint string
	client   *http.Client
}

// NewDiscovery accepts endpoints like "http://localhost:9222"
func NewDiscovery(endpoint string) *Discovery {
	return &Discovery{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WaitReady polls /json/version until the browser answers or ctx expires
func (d *Discovery) WaitReady(ctx context.Context) (*Version, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		var v Version
		err := d.getJSON(ctx, http.MethodGet, "/json/version", &v)
		if err == nil {
			return &v, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("browser did not become ready: %w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

// Targets lists the open targets
func (d *Discovery) Targets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := d.getJSON(ctx, http.MethodGet, "/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// NewPageTarget opens a fresh tab
func (d *Discovery) NewPageTarget(ctx context.Context, startURL string) (*Target, error) {
	path := "/json/new"
	if startURL != "" {
		path += "?" + url.QueryEscape(startURL)
	}

	var t Target
	if err := d.getJSON(ctx, http.MethodPut, path, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PageTarget returns the first existing page target, opening one if there is none
func (d *Discovery) PageTarget(ctx context.Context) (*Target, error) {
	targets, err := d.Targets(ctx)
	if err != nil {
		return nil, err
	}

	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return &t, nil
		}
	}

	return d.NewPageTarget(ctx, "about:blank")
}

func (d *Discovery) getJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, d.endpoint+path, nil)
	if err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
