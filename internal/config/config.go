// Package config provides environment configuration for the relay gateway.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort           string
	ServerReadTimeout    time.Duration
	ServerWriteTimeout   time.Duration
	MaxConcurrentStreams int

	// Upstream LLM provider (Responses API)
	UpstreamBaseURL string
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration

	// Tool dispatch
	ApprovalTimeout time.Duration
	ToolCallTimeout time.Duration
	MaxToolRounds   int

	// Tool provider sessions
	ProviderConnectTimeout time.Duration
	ProviderRequestTimeout time.Duration
	SessionIdleWindow      time.Duration
	SessionReapInterval    time.Duration
	SessionRetryBackoff    time.Duration

	// Storage
	DatabasePath string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	NATSEnabled  bool

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// Title generation
	AnthropicAPIKey string
	OpenAIAPIKey    string
	TitleLLM        string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:           getEnv("PORT", "8080"),
		ServerReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		MaxConcurrentStreams: getIntEnv("MAX_CONCURRENT_STREAMS", 256),

		// Upstream
		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
		UpstreamAPIKey:  getEnv("UPSTREAM_API_KEY", ""),
		UpstreamTimeout: getDurationEnv("UPSTREAM_TIMEOUT", 5*time.Minute),

		// Tool dispatch
		ApprovalTimeout: getDurationEnv("APPROVAL_TIMEOUT", 5*time.Minute),
		ToolCallTimeout: getDurationEnv("TOOL_CALL_TIMEOUT", 15*time.Second),
		MaxToolRounds:   getIntEnv("MAX_TOOL_ROUNDS", 20),

		// Tool provider sessions
		ProviderConnectTimeout: getDurationEnv("PROVIDER_CONNECT_TIMEOUT", 60*time.Second),
		ProviderRequestTimeout: getDurationEnv("PROVIDER_REQUEST_TIMEOUT", 30*time.Second),
		SessionIdleWindow:      getDurationEnv("SESSION_IDLE_WINDOW", 30*time.Minute),
		SessionReapInterval:    getDurationEnv("SESSION_REAP_INTERVAL", 10*time.Minute),
		SessionRetryBackoff:    getDurationEnv("SESSION_RETRY_BACKOFF", 30*time.Second),

		// Storage
		DatabasePath: getEnv("DATABASE_PATH", "relay.db"),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		NATSEnabled:  getEnv("NATS_URL", "") != "",

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// Title generation
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		TitleLLM:        getEnv("TITLE_LLM", "openai"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
