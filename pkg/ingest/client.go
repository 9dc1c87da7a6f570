// Package ingest forwards accepted payloads to the upstream validation
// endpoint.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 2048

// Request is the body posted upstream. SubmissionID doubles as the
// idempotency key.
type Request struct {
	SubmissionID string          `json:"submission_id"`
	Username     string          `json:"username"`
	TableLabel   string          `json:"table_label"`
	CensusYear   string          `json:"census_year"`
	Records      json.RawMessage `json:"records"`
}

// Client posts payloads to an HTTP endpoint. A client without URL accepts
// every payload.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient constructs a Client with the given timeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{url: strings.TrimSpace(url), httpClient: &http.Client{Timeout: timeout}}
}

// Ingest delivers req. A non-nil error carries the upstream failure text.
func (c *Client) Ingest(ctx context.Context, req Request) error {
	if c.url == "" {
		return nil
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode ingest request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.SubmissionID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ingest request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(text))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("ingest rejected (%d): %s", resp.StatusCode, msg)
}
