// Package records is the thin adapter to the external spreadsheet-backed
// customer store. It only reads customer rows and upserts call outcome
// fields; the store itself is an external collaborator with eventual
// consistency and at most one concurrent write per customer.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when no customer row matches the lookup.
var ErrNotFound = errors.New("records: customer not found")

// APIError is a non-2xx response from the record store.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("record store returned status %d: %s", e.Status, e.Body)
}

// Temporary reports whether the error is worth retrying (5xx and 429).
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Customer is one row of the backing store.
type Customer struct {
	Ref     string `json:"ref"`
	Phone   string `json:"phone"`
	Name    string `json:"name"`
	Listing string `json:"listing"` // the vehicle the customer asked about
}

// Client talks to the record store's rows API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config holds configuration for the record store client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // per-request, default 5s
	HTTPClient *http.Client
}

// New creates a record store client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}
}

// GetCustomer looks a customer up by phone number.
func (c *Client) GetCustomer(ctx context.Context, phone string) (*Customer, error) {
	u := fmt.Sprintf("%s/customers?phone=%s", c.baseURL, url.QueryEscape(phone))

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var customers []Customer
	if err := json.NewDecoder(resp.Body).Decode(&customers); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(customers) == 0 {
		return nil, ErrNotFound
	}
	return &customers[0], nil
}

// UpdateOutcome upserts the outcome fields for one call. The write is
// idempotent per (ref, callID): the row key and the Idempotency-Key header
// both carry the pair, so a redelivered dispatch produces no second row.
func (c *Client) UpdateOutcome(ctx context.Context, ref, callID string, fields map[string]string) error {
	u := fmt.Sprintf("%s/customers/%s/calls/%s", c.baseURL, url.PathEscape(ref), url.PathEscape(callID))

	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", ref+":"+callID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
