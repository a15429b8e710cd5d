// Package client provides HTTP access to a running cardbackup daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cardbackup/internal/api"
)

const defaultHTTPTimeout = 15 * time.Second

// Client wraps the daemon's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes the API client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a client for the daemon listening at bind (host:port or a
// full http URL).
func New(bind string, opts ...Option) *Client {
	base := strings.TrimSpace(bind)
	if base != "" && !strings.Contains(base, "://") {
		base = "http://" + base
	}
	client := &Client{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Status retrieves daemon and backup state.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.get(ctx, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logs fetches a page of the event stream starting after since. With follow
// set the daemon holds the request until new events arrive; the passed
// context bounds the wait.
func (c *Client) Logs(ctx context.Context, since uint64, limit int, follow bool) (*api.LogStreamResponse, error) {
	query := url.Values{}
	if since > 0 {
		query.Set("since", strconv.FormatUint(since, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if follow {
		query.Set("follow", "1")
	}
	var resp api.LogStreamResponse
	if err := c.get(ctx, "/api/logs", query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TailLogs fetches the most recent events without a cursor.
func (c *Client) TailLogs(ctx context.Context, limit int) (*api.LogStreamResponse, error) {
	query := url.Values{"tail": {"1"}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp api.LogStreamResponse
	if err := c.get(ctx, "/api/logs", query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartBackup asks the daemon to begin a manual backup of source. target may
// be empty to use the configured template.
func (c *Client) StartBackup(ctx context.Context, source, target string) (*api.BackupActionResponse, error) {
	var resp api.BackupActionResponse
	err := c.post(ctx, "/api/backups", api.StartBackupRequest{Source: source, Target: target}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelBackup cancels the active backup, if any.
func (c *Client) CancelBackup(ctx context.Context) (*api.BackupActionResponse, error) {
	var resp api.BackupActionResponse
	if err := c.post(ctx, "/api/backups/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotify asks the daemon to send a test push notification.
func (c *Client) TestNotify(ctx context.Context) (*api.BackupActionResponse, error) {
	var resp api.BackupActionResponse
	if err := c.post(ctx, "/api/notifications/test", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History lists recent finished runs, newest first.
func (c *Client) History(ctx context.Context, limit int) (*api.HistoryResponse, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp api.HistoryResponse
	if err := c.get(ctx, "/api/history", query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Config retrieves the daemon's active configuration rendered as TOML.
func (c *Client) Config(ctx context.Context) (*api.ConfigResponse, error) {
	var resp api.ConfigResponse
	if err := c.get(ctx, "/api/config", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateConfig applies a single configuration change on the daemon.
func (c *Client) UpdateConfig(ctx context.Context, key, value string) (*api.ConfigResponse, error) {
	var resp api.ConfigResponse
	err := c.do(ctx, http.MethodPut, "/api/config", api.ConfigUpdateRequest{Key: key, Value: value}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload api.ErrorResponse
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s", payload.Error)
	}
	return fmt.Errorf("daemon returned %s", resp.Status)
}
