package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	PublicBaseURL  string // externally reachable base URL for webhooks and streams
	AllowedOrigins []string
	LogLevel       string

	// Telephony provider
	ProviderAccountSID string
	ProviderAuthToken  string
	ProviderAPIBase    string
	ProviderNumber     string // default outbound caller id

	// Speech-AI service
	SpeechAPIKey   string
	SpeechAPIURL   string
	SpeechModel    string
	SpeechVoice    string
	PoolCeiling    int // max concurrent speech connections per credential
	MaxCallMinutes int

	// Campaign scheduler
	CampaignConcurrency int
	InterCallDelay      time.Duration

	// Lifecycle reconciliation
	StaleAfter       time.Duration // reconcile calls stuck in pending/initiated
	AbandonAfter     time.Duration // force-fail unanswered calls without an API call
	ReconcileEvery   time.Duration
	JWTIssuerURL     string
	WSWriteTimeout   time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxStreamMessage int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		PublicBaseURL:  strings.TrimSuffix(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		ProviderAccountSID: getEnv("PROVIDER_ACCOUNT_SID", ""),
		ProviderAuthToken:  getEnv("PROVIDER_AUTH_TOKEN", ""),
		ProviderAPIBase:    getEnv("PROVIDER_API_BASE", "https://api.twilio.com/2010-04-01"),
		ProviderNumber:     getEnv("PROVIDER_NUMBER", ""),

		SpeechAPIKey: getEnv("SPEECH_API_KEY", ""),
		SpeechAPIURL: getEnv("SPEECH_API_URL", "wss://api.openai.com/v1/realtime"),
		SpeechModel:  getEnv("SPEECH_MODEL", "gpt-4o-realtime-preview"),
		SpeechVoice:  getEnv("SPEECH_VOICE", "alloy"),

		JWTIssuerURL: getEnv("JWT_ISSUER_URL", ""),
	}

	var err error
	if config.PoolCeiling, err = getEnvInt("POOL_CEILING", 10); err != nil {
		return nil, err
	}
	if config.MaxCallMinutes, err = getEnvInt("MAX_CALL_MINUTES", 15); err != nil {
		return nil, err
	}
	if config.CampaignConcurrency, err = getEnvInt("CAMPAIGN_CONCURRENCY", 5); err != nil {
		return nil, err
	}

	if config.InterCallDelay, err = getEnvDuration("INTER_CALL_DELAY_SECONDS", 2*time.Second); err != nil {
		return nil, err
	}
	if config.StaleAfter, err = getEnvDuration("STALE_AFTER_SECONDS", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.AbandonAfter, err = getEnvDuration("ABANDON_AFTER_SECONDS", 20*time.Minute); err != nil {
		return nil, err
	}
	if config.ReconcileEvery, err = getEnvDuration("RECONCILE_EVERY_SECONDS", time.Minute); err != nil {
		return nil, err
	}

	wsReadTimeout, err := getEnvDuration("WS_READ_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	if config.WSWriteTimeout, err = getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	config.PongWait = wsReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	// Media frames are small JSON envelopes; start events carry format metadata
	config.MaxStreamMessage = 64 * 1024

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// StreamURL returns the websocket URL the provider should stream call audio to
func (c *Config) StreamURL(callID string) string {
	base := c.PublicBaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/stream/" + callID
}

// WebhookURL returns the full URL for a provider callback path
func (c *Config) WebhookURL(path string) string {
	return c.PublicBaseURL + path
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(secs) * time.Second, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
