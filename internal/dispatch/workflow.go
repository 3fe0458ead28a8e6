package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is a non-2xx response from the workflow endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("workflow endpoint returned status %d: %s", e.Status, e.Body)
}

// Temporary reports whether the error is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// WorkflowEvent is the JSON body POSTed to the external workflow engine.
// The call id rides inside data so downstream consumers can de-duplicate
// redelivered events.
type WorkflowEvent struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// WorkflowClient posts call outcome events to the configured workflow
// endpoint. Responses are only inspected for their status code.
type WorkflowClient struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
}

// WorkflowConfig holds configuration for the workflow client.
type WorkflowConfig struct {
	Endpoint   string
	AuthToken  string        // optional bearer token
	Timeout    time.Duration // per-request, default 5s
	HTTPClient *http.Client
}

// NewWorkflowClient creates a workflow client.
func NewWorkflowClient(cfg WorkflowConfig) *WorkflowClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &WorkflowClient{
		endpoint:   cfg.Endpoint,
		authToken:  cfg.AuthToken,
		httpClient: httpClient,
	}
}

// Post delivers one event.
func (c *WorkflowClient) Post(ctx context.Context, ev WorkflowEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
