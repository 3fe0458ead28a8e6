package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Discord is a simple Discord webhook notifier for operational alerts.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// NotifyDispatchFailed alerts that a call outcome could not be delivered
// downstream and needs manual follow-up.
func (d *Discord) NotifyDispatchFailed(ctx context.Context, callID, target string, err error) {
	msg := discordMessage{
		Content: "@here",
		Embeds: []discordEmbed{{
			Title:       "Outcome delivery failed",
			Description: fmt.Sprintf("Call `%s` could not be delivered to %s. Follow up manually.", callID, target),
			Color:       0xFF0000, // Red
			Fields: []embedField{
				{Name: "Target", Value: target, Inline: true},
				{Name: "Error", Value: err.Error()},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyBackpressure warns that the dispatch queue overflowed and a call
// outcome was dropped without delivery.
func (d *Discord) NotifyBackpressure(ctx context.Context, callID string, queueLen int) {
	msg := discordMessage{
		Content: "@here",
		Embeds: []discordEmbed{{
			Title:       "Dispatch queue overflow",
			Description: fmt.Sprintf("Call `%s` was shed without delivery; the downstream targets are not keeping up.", callID),
			Color:       0xFFA500, // Orange
			Fields: []embedField{
				{Name: "Queue length", Value: fmt.Sprintf("%d", queueLen), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyAppointmentBooked announces a booked viewing.
func (d *Discord) NotifyAppointmentBooked(ctx context.Context, callID, customerPhone, when string) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Appointment booked",
			Description: fmt.Sprintf("Customer `%s` booked a viewing (%s).", customerPhone, when),
			Color:       0x00FF00, // Green
			Fields: []embedField{
				{Name: "Call ID", Value: fmt.Sprintf("`%s`", callID), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
