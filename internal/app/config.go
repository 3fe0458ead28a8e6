package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string
	SentryDSN     string

	// Twilio (webhooks in, call origination out)
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// Speech providers
	ElevenLabsAPIKey string
	TTSVoiceID       string // ElevenLabs voice ID
	DeepgramAPIKey   string
	OpenAIAPIKey     string

	// Speech adapter tuning
	ProviderTimeout  time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	AudioCacheTTL    time.Duration

	// Conversation script (YAML overrides, optional)
	ScriptPath string

	// Sessions
	SessionTTL           time.Duration
	SessionSweepInterval time.Duration

	// Record store (the spreadsheet-backed customer list)
	RecordsBaseURL string
	RecordsAPIKey  string

	// Workflow engine
	WorkflowEndpoint  string
	WorkflowAuthToken string

	// Dispatch worker pool
	DispatchWorkers  int
	DispatchQueueCap int

	// JWT Authentication
	JWTSecret      string
	JWTExpiry      time.Duration
	OperatorAPIKey string

	// Notifications
	DiscordWebhookURL string
	APNsKeyPath       string
	APNsKeyID         string
	APNsTeamID        string
	APNsBundleID      string
	APNsProduction    bool
	APNsDeviceTokens  []string
	RepPhone          string // SMS fallback when APNs is not configured

	// Retention
	CallRetention     time.Duration
	RetentionInterval time.Duration
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		SentryDSN:     getenv("SENTRY_DSN", ""),

		TwilioAccountSID: getenv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getenv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getenv("TWILIO_FROM_NUMBER", ""),

		ElevenLabsAPIKey: getenv("ELEVENLABS_API_KEY", ""),
		TTSVoiceID:       getenv("TTS_VOICE_ID", ""),
		DeepgramAPIKey:   getenv("DEEPGRAM_API_KEY", ""),
		OpenAIAPIKey:     getenv("OPENAI_API_KEY", ""),

		ProviderTimeout:  getenvDuration("PROVIDER_TIMEOUT", 3*time.Second),
		BreakerThreshold: getenvInt("BREAKER_THRESHOLD", 3, 1, 100),
		BreakerCooldown:  getenvDuration("BREAKER_COOLDOWN", 30*time.Second),
		AudioCacheTTL:    getenvDuration("AUDIO_CACHE_TTL", 5*time.Minute),

		ScriptPath: getenv("SCRIPT_PATH", ""),

		SessionTTL:           getenvDuration("SESSION_TTL", 10*time.Minute),
		SessionSweepInterval: getenvDuration("SESSION_SWEEP_INTERVAL", time.Minute),

		RecordsBaseURL: getenv("RECORDS_BASE_URL", ""),
		RecordsAPIKey:  getenv("RECORDS_API_KEY", ""),

		WorkflowEndpoint:  getenv("WORKFLOW_ENDPOINT", ""),
		WorkflowAuthToken: getenv("WORKFLOW_AUTH_TOKEN", ""),

		DispatchWorkers:  getenvInt("DISPATCH_WORKERS", 4, 1, 64),
		DispatchQueueCap: getenvInt("DISPATCH_QUEUE_CAP", 64, 1, 4096),

		JWTSecret:      os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry:      getenvDuration("JWT_EXPIRY", 24*time.Hour),
		OperatorAPIKey: os.Getenv("OPERATOR_API_KEY"),

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
		APNsKeyPath:       getenv("APNS_KEY_PATH", ""),
		APNsKeyID:         getenv("APNS_KEY_ID", ""),
		APNsTeamID:        getenv("APNS_TEAM_ID", ""),
		APNsBundleID:      getenv("APNS_BUNDLE_ID", ""),
		APNsProduction:    getenv("APNS_PRODUCTION", "false") == "true",
		APNsDeviceTokens:  parseList(os.Getenv("APNS_DEVICE_TOKENS")),
		RepPhone:          getenv("REP_PHONE", ""),

		CallRetention:     getenvDuration("CALL_RETENTION", 90*24*time.Hour),
		RetentionInterval: getenvDuration("RETENTION_INTERVAL", 6*time.Hour),
	}
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return def
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
