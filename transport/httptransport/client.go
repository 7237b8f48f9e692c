package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/upcoach/deltasync"
	syncerrors "github.com/upcoach/deltasync/errors"
)

const clientComponent = "http-client"

// Client is a typed HTTP client for the sync endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(cl *Client) { cl.token = token }
}

// NewClient creates a sync client. baseURL points at the mounted sync
// routes, e.g. "https://api.example.com/api/sync".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		baseURL:    baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pull fetches one page of changes for a single entity type.
func (c *Client) Pull(ctx context.Context, req deltasync.DeltaRequest) (*deltasync.DeltaResponse, error) {
	var resp deltasync.DeltaResponse
	if err := c.post(ctx, "pull", "/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push performs a full sync round trip: the client's pending operations go
// up, and the server's changes since the cursor come back.
func (c *Client) Push(ctx context.Context, req deltasync.SyncRequest) (*deltasync.SyncResponse, error) {
	var resp deltasync.SyncResponse
	if err := c.post(ctx, "push", "/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the server-side sync status. cursor may be empty.
func (c *Client) Status(ctx context.Context, cursor string) (*deltasync.SyncStatus, error) {
	endpoint := c.baseURL + "/status"
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncerrors.E(syncerrors.Op("client.Status"), syncerrors.Component(clientComponent),
			fmt.Errorf("failed to create request: %w", err))
	}
	c.setHeaders(req)

	var status deltasync.SyncStatus
	if err := c.do("client.Status", req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return syncerrors.E(syncerrors.Op("client."+op), syncerrors.Component(clientComponent),
			fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return syncerrors.E(syncerrors.Op("client."+op), syncerrors.Component(clientComponent),
			fmt.Errorf("failed to create request: %w", err))
	}
	c.setHeaders(req)

	return c.do("client."+op, req, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(op string, req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures are worth retrying; the server never saw the
		// request or the response was lost, and every operation is
		// idempotent or version-guarded on replay.
		return syncerrors.E(syncerrors.Op(op), syncerrors.Component(clientComponent),
			true, fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.errorFromResponse(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerrors.E(syncerrors.Op(op), syncerrors.Component(clientComponent),
			fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *Client) errorFromResponse(op string, resp *http.Response) error {
	var envelope struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := string(body)
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		message = envelope.Error
	}

	retryable := resp.StatusCode >= http.StatusInternalServerError ||
		resp.StatusCode == http.StatusTooManyRequests
	return syncerrors.E(syncerrors.Op(op), syncerrors.Component(clientComponent),
		retryable, fmt.Errorf("server error (status %d): %s", resp.StatusCode, message))
}
