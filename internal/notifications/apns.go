package notifications

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNsConfig holds configuration for Apple Push Notification service
type APNsConfig struct {
	KeyPath    string // Path to .p8 key file
	KeyID      string // Key ID from Apple Developer Portal
	TeamID     string // Team ID from Apple Developer Portal
	BundleID   string // App bundle ID
	Production bool   // Use production environment
	// DeviceTokens are the sales reps' registered devices.
	DeviceTokens []string
}

// APNsClient pushes call outcomes to the sales reps' devices
type APNsClient struct {
	client       *apns2.Client
	bundleID     string
	deviceTokens []string
	logger       *log.Logger
	mu           sync.Mutex
}

// NewAPNsClient creates a new APNs client
func NewAPNsClient(cfg APNsConfig, logger *log.Logger) (*APNsClient, error) {
	if cfg.KeyPath == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.BundleID == "" {
		logger.Println("APNs: missing configuration, push notifications disabled")
		return nil, nil
	}

	// Load the .p8 key
	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read APNs key file: %w", err)
	}

	// Parse the private key
	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode APNs key PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs key: %w", err)
	}

	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("APNs key is not an ECDSA private key")
	}

	// Create the auth token
	authToken := &token.Token{
		AuthKey: ecdsaKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	// Create the client
	var client *apns2.Client
	if cfg.Production {
		client = apns2.NewTokenClient(authToken).Production()
	} else {
		client = apns2.NewTokenClient(authToken).Development()
	}

	logger.Printf("APNs: client initialized (production=%v, bundle=%s, devices=%d)",
		cfg.Production, cfg.BundleID, len(cfg.DeviceTokens))

	return &APNsClient{
		client:       client,
		bundleID:     cfg.BundleID,
		deviceTokens: cfg.DeviceTokens,
		logger:       logger,
	}, nil
}

// NotifyOutcome pushes a call outcome to every registered device. A nil
// client is a no-op so callers don't have to branch on configuration.
func (c *APNsClient) NotifyOutcome(callID, customerPhone, outcome, appointmentTime string) {
	if c == nil || c.client == nil {
		return
	}

	title := "Call finished"
	body := fmt.Sprintf("%s: %s", customerPhone, outcome)
	switch outcome {
	case "appointment_booked":
		title = "Appointment booked"
		body = fmt.Sprintf("%s wants a viewing", customerPhone)
		if appointmentTime != "" {
			body += " (" + appointmentTime + ")"
		}
	case "system_error":
		title = "Call needs follow-up"
		body = fmt.Sprintf("Call to %s failed, please call back", customerPhone)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := payload.NewPayload().
		AlertTitle(title).
		AlertBody(body).
		Sound("default").
		Custom("call_id", callID).
		Custom("outcome", outcome)

	for _, deviceToken := range c.deviceTokens {
		notification := &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       c.bundleID,
			Payload:     p,
			Expiration:  time.Now().Add(24 * time.Hour),
		}

		res, err := c.client.Push(notification)
		if err != nil {
			c.logger.Printf("APNs: failed to send notification: %v", err)
			continue
		}
		if res.StatusCode != 200 {
			c.logger.Printf("APNs: notification rejected (status=%d, reason=%s)", res.StatusCode, res.Reason)
		}
	}
}
