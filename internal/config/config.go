package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	// Upstream WhatsApp gateway
	GatewayBaseURL       string
	GatewayAPIKey        string
	GatewayWebhookSecret string
	GatewaySocketURL     string
	GatewayInstanceID    string

	// Logical tenant id -> gateway instance id, "tenant=instance" pairs
	// separated by commas.
	InstanceMap map[string]string

	// Real-time transport
	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	// Circuit breaker
	BreakerFailureThreshold   int
	BreakerCooldown           time.Duration
	BreakerRegisteredCooldown time.Duration

	// Inbound batching
	BatchMaxSize       int
	BatchTextWait      time.Duration
	BatchMediaWait     time.Duration
	BatchMixedWait     time.Duration
	BatchFutureRefWait time.Duration
	BatchQuickWindow   time.Duration
	BatchExtendedWait  time.Duration
	BatchSweepInterval time.Duration
	BatchRetention     time.Duration

	// Humanized pacing
	PaceMaxChunkLen    int
	PaceTypingPerChar  time.Duration
	PaceMinTypingDelay time.Duration
	PaceMaxTypingDelay time.Duration
	PaceInterMessage   time.Duration

	// Outbound retry worker
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryInterval    time.Duration

	// Collaborators
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	RedisTLS            bool
	CredentialSlack     time.Duration
	UseMemoryQueue      bool
	BatchQueueURL       string
	WorkerCount         int
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	AdminToken string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(strings.TrimSpace(getEnv("LOG_FORMAT", "json"))),

		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", ""),
		GatewayAPIKey:        getEnv("GATEWAY_API_KEY", ""),
		GatewayWebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", ""),
		GatewaySocketURL:     getEnv("GATEWAY_SOCKET_URL", ""),
		GatewayInstanceID:    getEnv("GATEWAY_INSTANCE_ID", ""),
		InstanceMap:          getEnvAsMap("INSTANCE_MAP"),

		HandshakeTimeout:     getEnvAsDuration("TRANSPORT_HANDSHAKE_TIMEOUT", 3*time.Second),
		HeartbeatInterval:    getEnvAsDuration("TRANSPORT_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectBaseDelay:   getEnvAsDuration("TRANSPORT_RECONNECT_BASE_DELAY", 2*time.Second),
		ReconnectMaxDelay:    getEnvAsDuration("TRANSPORT_RECONNECT_MAX_DELAY", time.Minute),
		ReconnectMaxAttempts: getEnvAsInt("TRANSPORT_RECONNECT_MAX_ATTEMPTS", 5),

		BreakerFailureThreshold:   getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 3),
		BreakerCooldown:           getEnvAsDuration("BREAKER_COOLDOWN", 5*time.Minute),
		BreakerRegisteredCooldown: getEnvAsDuration("BREAKER_REGISTERED_COOLDOWN", 30*time.Minute),

		BatchMaxSize:       getEnvAsInt("BATCH_MAX_SIZE", 10),
		BatchTextWait:      getEnvAsDuration("BATCH_TEXT_WAIT", 3*time.Second),
		BatchMediaWait:     getEnvAsDuration("BATCH_MEDIA_WAIT", 8*time.Second),
		BatchMixedWait:     getEnvAsDuration("BATCH_MIXED_WAIT", 10*time.Second),
		BatchFutureRefWait: getEnvAsDuration("BATCH_FUTURE_REF_WAIT", 10*time.Second),
		BatchQuickWindow:   getEnvAsDuration("BATCH_QUICK_WINDOW", 30*time.Second),
		BatchExtendedWait:  getEnvAsDuration("BATCH_EXTENDED_WAIT", 15*time.Second),
		BatchSweepInterval: getEnvAsDuration("BATCH_SWEEP_INTERVAL", time.Minute),
		BatchRetention:     getEnvAsDuration("BATCH_RETENTION", 5*time.Minute),

		PaceMaxChunkLen:    getEnvAsInt("PACE_MAX_CHUNK_LEN", 160),
		PaceTypingPerChar:  getEnvAsDuration("PACE_TYPING_PER_CHAR", 30*time.Millisecond),
		PaceMinTypingDelay: getEnvAsDuration("PACE_MIN_TYPING_DELAY", 600*time.Millisecond),
		PaceMaxTypingDelay: getEnvAsDuration("PACE_MAX_TYPING_DELAY", 4*time.Second),
		PaceInterMessage:   getEnvAsDuration("PACE_INTER_MESSAGE_DELAY", 2*time.Second),

		RetryMaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 5*time.Minute),
		RetryInterval:    getEnvAsDuration("RETRY_INTERVAL", time.Minute),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisAddr:           getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisTLS:            getEnvAsBool("REDIS_TLS", false),
		CredentialSlack:     getEnvAsDuration("CREDENTIAL_EXPIRY_SLACK", 30*time.Second),
		UseMemoryQueue:      getEnvAsBool("USE_MEMORY_QUEUE", false),
		BatchQueueURL:       getEnv("BATCH_QUEUE_URL", ""),
		WorkerCount:         getEnvAsInt("WORKER_COUNT", 2),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		AdminToken: getEnv("ADMIN_TOKEN", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsMap parses "key=value" pairs separated by commas.
func getEnvAsMap(key string) map[string]string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
