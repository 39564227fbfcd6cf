package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// PublicBaseURL is the externally reachable https base for webhook and
	// media stream URLs handed to the telephony provider.
	PublicBaseURL string

	// Telephony provider credentials. May be left empty when every call
	// supplies its own; the initiator validates at request time.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioBaseURL    string

	// AI voice backend.
	AgentID      string
	AgentAPIKey  string
	AgentBaseURL string

	// Used when the webhook fires for a token with no stored context.
	DefaultScript  string
	DefaultPersona string

	// Optional line spoken before the media stream opens.
	GreetingLine string

	// Relay session tuning.
	RelayMaxRetries      int
	RelayRetryBackoff    time.Duration
	RelayIdleTimeout     time.Duration
	RelayWriteTimeout    time.Duration
	RelayPingInterval    time.Duration
	RelayMaxMessageBytes int64
	RelayBufferLimit     int

	// Call context store.
	StoreTTL           time.Duration
	StoreSweepInterval time.Duration

	// Optional Postgres DSN for the transcript archive. Empty disables it.
	DatabaseURL string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOXDIAL_ADDR", ":8080"),
		PublicBaseURL:        envOr("VOXDIAL_PUBLIC_BASE_URL", ""),
		TwilioAccountSID:     envOr("VOXDIAL_TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:      envOr("VOXDIAL_TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:     envOr("VOXDIAL_TWILIO_FROM_NUMBER", ""),
		TwilioBaseURL:        envOr("VOXDIAL_TWILIO_BASE_URL", "https://api.twilio.com"),
		AgentID:              envOr("VOXDIAL_AGENT_ID", ""),
		AgentAPIKey:          envOr("VOXDIAL_AGENT_API_KEY", ""),
		AgentBaseURL:         envOr("VOXDIAL_AGENT_BASE_URL", "https://api.elevenlabs.io"),
		DefaultScript:        envOr("VOXDIAL_DEFAULT_SCRIPT", "We are sorry, this call could not be set up. Goodbye."),
		DefaultPersona:       envOr("VOXDIAL_DEFAULT_PERSONA", ""),
		GreetingLine:         envOr("VOXDIAL_GREETING_LINE", ""),
		RelayMaxRetries:      envIntOr("VOXDIAL_RELAY_MAX_RETRIES", 3),
		RelayRetryBackoff:    envDurationOr("VOXDIAL_RELAY_RETRY_BACKOFF", 500*time.Millisecond),
		RelayIdleTimeout:     envDurationOr("VOXDIAL_RELAY_IDLE_TIMEOUT", 60*time.Second),
		RelayWriteTimeout:    envDurationOr("VOXDIAL_RELAY_WRITE_TIMEOUT", 5*time.Second),
		RelayPingInterval:    envDurationOr("VOXDIAL_RELAY_PING_INTERVAL", 20*time.Second),
		RelayMaxMessageBytes: envInt64Or("VOXDIAL_RELAY_MAX_MESSAGE_BYTES", 64*1024),
		RelayBufferLimit:     envIntOr("VOXDIAL_RELAY_BUFFER_LIMIT", 512),
		StoreTTL:             envDurationOr("VOXDIAL_STORE_TTL", 30*time.Minute),
		StoreSweepInterval:   envDurationOr("VOXDIAL_STORE_SWEEP_INTERVAL", time.Minute),
		DatabaseURL:          envOr("VOXDIAL_DATABASE_URL", ""),
		ReadHeaderTimeout:    envDurationOr("VOXDIAL_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOXDIAL_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.PublicBaseURL == "" {
		return Config{}, fmt.Errorf("VOXDIAL_PUBLIC_BASE_URL must be set")
	}
	u, err := url.Parse(cfg.PublicBaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return Config{}, fmt.Errorf("VOXDIAL_PUBLIC_BASE_URL must be an absolute http(s) URL")
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if strings.TrimSpace(cfg.TwilioBaseURL) == "" {
		return Config{}, fmt.Errorf("VOXDIAL_TWILIO_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.AgentBaseURL) == "" {
		return Config{}, fmt.Errorf("VOXDIAL_AGENT_BASE_URL must not be empty")
	}
	if cfg.RelayMaxRetries < 0 {
		return Config{}, fmt.Errorf("VOXDIAL_RELAY_MAX_RETRIES must be >= 0")
	}
	if cfg.RelayRetryBackoff <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_RELAY_RETRY_BACKOFF must be > 0")
	}
	if cfg.RelayIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_RELAY_IDLE_TIMEOUT must be > 0")
	}
	if cfg.RelayWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_RELAY_WRITE_TIMEOUT must be > 0")
	}
	if cfg.RelayPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_RELAY_PING_INTERVAL must be > 0")
	}
	if cfg.RelayMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.RelayBufferLimit <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_RELAY_BUFFER_LIMIT must be > 0")
	}
	if cfg.StoreTTL <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_STORE_TTL must be > 0")
	}
	if cfg.StoreSweepInterval <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_STORE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
