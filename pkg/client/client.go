// Package client is a typed Go client for the registry adapter API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ShantanuVr/registry-adapter-api/pkg/operations"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
)

// APIError is a problem document returned with a non-2xx status.
type APIError struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Detail    string `json:"detail"`
	TraceID   string `json:"trace_id"`
	ReceiptID string `json:"receipt_id"`
}

func (e *APIError) Error() string {
	if e.ReceiptID != "" {
		return fmt.Sprintf("registry api %d %s: %s (receipt %s)", e.Status, e.Code, e.Detail, e.ReceiptID)
	}
	return fmt.Sprintf("registry api %d %s: %s", e.Status, e.Code, e.Detail)
}

// Client calls one registry adapter.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout. Mutating calls can wait for ledger
// confirmation, so keep it above the server's confirmation timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// New creates a Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 3 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code, apiErr.Detail = "INTERNAL", http.StatusText(resp.StatusCode)
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Issue calls POST /v1/issuances. Retrying with the same key never mints
// twice.
func (c *Client) Issue(ctx context.Context, idempotencyKey string, req operations.IssueRequest) (*receipts.Receipt, error) {
	var out receipts.Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/issuances", idempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Retire calls POST /v1/retirements.
func (c *Client) Retire(ctx context.Context, idempotencyKey string, req operations.RetireRequest) (*receipts.Receipt, error) {
	var out receipts.Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/retirements", idempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Anchor calls POST /v1/anchors.
func (c *Client) Anchor(ctx context.Context, idempotencyKey string, req operations.AnchorRequest) (*receipts.Receipt, error) {
	var out receipts.Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/anchors", idempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReceipt calls GET /v1/receipts/{id}.
func (c *Client) GetReceipt(ctx context.Context, id string) (*receipts.Receipt, error) {
	var out receipts.Receipt
	if err := c.do(ctx, http.MethodGet, "/v1/receipts/"+url.PathEscape(id), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveClassID calls GET /v1/classes/resolve.
func (c *Client) ResolveClassID(ctx context.Context, projectID string, start, end time.Time) (string, error) {
	q := url.Values{}
	q.Set("project_id", projectID)
	q.Set("window_start", start.UTC().Format(time.RFC3339Nano))
	q.Set("window_end", end.UTC().Format(time.RFC3339Nano))
	var out struct {
		ClassID string `json:"class_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/classes/resolve?"+q.Encode(), "", nil, &out); err != nil {
		return "", err
	}
	return out.ClassID, nil
}

// Health calls GET /health. A degraded server returns an *APIError.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/health", "", nil, &out)
	return out, err
}
