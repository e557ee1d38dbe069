package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatsync/internal/record"
)

// PullResult is the server's answer to a pull: the changeset plus the
// timestamp that becomes the new watermark once the cycle commits.
type PullResult struct {
	Timestamp float64        `json:"timestamp"`
	Changes   record.Changes `json:"changes"`
}

// Transport is the RPC-shaped contract the engine syncs through.
type Transport interface {
	PullChanges(ctx context.Context, lastPulledAt *float64) (*PullResult, error)
	PushChanges(ctx context.Context, changes map[string]any, lastPulledAt float64) error
}

// APIError is a server-side rejection, as opposed to a network failure.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client talks JSON over HTTP to the sync server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type pullRequest struct {
	LastPulledAt *float64 `json:"lastPulledAt"`
}

type pushRequest struct {
	Changes      map[string]any `json:"changes"`
	LastPulledAt float64        `json:"lastPulledAt"`
}

type pushResponse struct {
	OK bool `json:"ok"`
}

func (c *Client) PullChanges(ctx context.Context, lastPulledAt *float64) (*PullResult, error) {
	var result PullResult
	if err := c.do(ctx, "/sync/pullChanges", pullRequest{LastPulledAt: lastPulledAt}, &result); err != nil {
		return nil, err
	}
	if result.Timestamp == 0 {
		return nil, fmt.Errorf("pull changes did not return a timestamp")
	}
	return &result, nil
}

func (c *Client) PushChanges(ctx context.Context, changes map[string]any, lastPulledAt float64) error {
	var result pushResponse
	if err := c.do(ctx, "/sync/pushChanges", pushRequest{Changes: changes, LastPulledAt: lastPulledAt}, &result); err != nil {
		return err
	}
	if !result.OK {
		return &APIError{Code: "push_rejected", Message: "server rejected changeset"}
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Code = "http_error"
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
