package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a thin HTTP client for the admin surface of a probe host or
// coordinator.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	if err := c.getJSON(ctx, "/healthz", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Groups fetches the coordinator's group membership.
func (c *Client) Groups(ctx context.Context) (GroupsResponse, error) {
	var resp GroupsResponse
	if err := c.getJSON(ctx, "/groups", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// ProbeClients fetches a probe host's diagnostic client registry.
func (c *Client) ProbeClients(ctx context.Context) (ClientsResponse, error) {
	var resp ClientsResponse
	if err := c.getJSON(ctx, "/clients", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
