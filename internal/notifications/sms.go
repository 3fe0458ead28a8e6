package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SMSConfig holds configuration for SMS notifications via Twilio
type SMSConfig struct {
	AccountSID   string // Twilio Account SID
	AuthToken    string // Twilio Auth Token
	SenderNumber string // Twilio phone number to send from (E.164 format)
	// RepNumber receives outcome texts when push is not configured.
	RepNumber string
}

// SMSClient sends SMS notifications via Twilio Programmable Messaging
type SMSClient struct {
	accountSID   string
	authToken    string
	senderNumber string
	repNumber    string
	logger       *log.Logger
	mu           sync.Mutex
}

// NewSMSClient creates a new SMS client for sending notifications.
func NewSMSClient(cfg SMSConfig, logger *log.Logger) (*SMSClient, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.SenderNumber == "" || cfg.RepNumber == "" {
		logger.Println("SMS: missing Twilio credentials or rep number, SMS notifications disabled")
		return nil, nil
	}

	logger.Printf("SMS: client initialized (sender=%s, rep=%s)", cfg.SenderNumber, cfg.RepNumber)

	return &SMSClient{
		accountSID:   cfg.AccountSID,
		authToken:    cfg.AuthToken,
		senderNumber: cfg.SenderNumber,
		repNumber:    cfg.RepNumber,
		logger:       logger,
	}, nil
}

// twilioMessageResponse represents a Twilio Messages API response
type twilioMessageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    int    `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SendSMS sends an SMS message to the specified phone number
func (c *SMSClient) SendSMS(ctx context.Context, to, body string) error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	apiURL := fmt.Sprintf(
		"https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json",
		c.accountSID,
	)

	data := url.Values{}
	data.Set("To", to)
	data.Set("From", c.senderNumber)
	data.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Printf("SMS: failed to send to %s: %v", to, err)
		return fmt.Errorf("failed to send SMS: %w", err)
	}
	defer resp.Body.Close()

	var msgResp twilioMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Printf("SMS: Twilio error (code=%d, msg=%s)", msgResp.ErrorCode, msgResp.ErrorMessage)
		return fmt.Errorf("Twilio API error: %d - %s", msgResp.ErrorCode, msgResp.ErrorMessage)
	}

	c.logger.Printf("SMS: sent successfully to %s (sid=%s, status=%s)", to, msgResp.SID, msgResp.Status)
	return nil
}

// NotifyOutcome texts the sales rep about a call that needs attention.
// A nil client is a no-op.
func (c *SMSClient) NotifyOutcome(ctx context.Context, callID, customerPhone, outcome, appointmentTime string) {
	if c == nil {
		return
	}

	var body string
	switch outcome {
	case "appointment_booked":
		body = fmt.Sprintf("Sara: %s booked a viewing", customerPhone)
		if appointmentTime != "" {
			body += " (" + appointmentTime + ")"
		}
	case "system_error":
		body = fmt.Sprintf("Sara: call to %s failed, please call back (id %s)", customerPhone, callID)
	default:
		body = fmt.Sprintf("Sara: call to %s ended: %s", customerPhone, outcome)
	}

	if err := c.SendSMS(ctx, c.repNumber, body); err != nil {
		c.logger.Printf("SMS: outcome notification for call %s failed: %v", callID, err)
	}
}
