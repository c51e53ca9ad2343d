package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Session orchestration
	MaxConcurrentSessions      int
	SessionIdleTimeout         time.Duration
	SessionSweepInterval       time.Duration
	SessionTurnQueueSize       int
	FailureEscalationThreshold int
	Greeting                   string

	// Turn pipeline stage ceilings
	TranscribeTimeout   time.Duration
	UnderstandTimeout   time.Duration
	SynthesizeTimeout   time.Duration
	HumanTransferTarget string

	// Realtime broadcast hub
	HubHeartbeatInterval time.Duration
	HubSendBuffer        int

	// Persistence
	RedisAddr             string
	RedisPassword         string
	RedisTLS              bool
	DatabaseURL           string
	ArchiveBucket         string
	SessionEventsQueueURL string

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Providers
	BedrockModelID    string
	GeminiAPIKey      string
	GeminiModelID     string
	DeepgramAPIKey    string
	DeepgramModel     string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	ElevenLabsModelID string
	ElevenLabsFormat  string
	TelnyxAPIKey      string
	TelnyxSecret      string
	PublicBaseURL     string

	// HTTP surface
	AdminJWTSecret     string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

const defaultGreeting = "Hello! Thank you for calling. I'm the clinic's virtual receptionist and I can help schedule appointments, answer questions about our services, and assist with general inquiries. How may I help you today?"

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		MaxConcurrentSessions:      getEnvAsInt("MAX_CONCURRENT_SESSIONS", 50),
		SessionIdleTimeout:         getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionSweepInterval:       getEnvAsDuration("SESSION_SWEEP_INTERVAL", 30*time.Second),
		SessionTurnQueueSize:       getEnvAsInt("SESSION_TURN_QUEUE_SIZE", 32),
		FailureEscalationThreshold: getEnvAsInt("FAILURE_ESCALATION_THRESHOLD", 3),
		Greeting:                   getEnv("SESSION_GREETING", defaultGreeting),

		TranscribeTimeout:   getEnvAsDuration("TRANSCRIBE_TIMEOUT", 5*time.Second),
		UnderstandTimeout:   getEnvAsDuration("UNDERSTAND_TIMEOUT", 8*time.Second),
		SynthesizeTimeout:   getEnvAsDuration("SYNTHESIZE_TIMEOUT", 8*time.Second),
		HumanTransferTarget: getEnv("HUMAN_TRANSFER_TARGET", "+12065550199"),

		HubHeartbeatInterval: getEnvAsDuration("HUB_HEARTBEAT_INTERVAL", 30*time.Second),
		HubSendBuffer:        getEnvAsInt("HUB_SEND_BUFFER", 64),

		RedisAddr:             getEnv("REDIS_ADDR", ""),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		RedisTLS:              getEnvAsBool("REDIS_TLS", false),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		ArchiveBucket:         getEnv("ARCHIVE_BUCKET", ""),
		SessionEventsQueueURL: getEnv("SESSION_EVENTS_QUEUE_URL", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		BedrockModelID:    getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:     getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		DeepgramAPIKey:    getEnv("DEEPGRAM_API_KEY", ""),
		DeepgramModel:     getEnv("DEEPGRAM_MODEL", "nova-2"),
		ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", ""),
		ElevenLabsModelID: getEnv("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		ElevenLabsFormat:  getEnv("ELEVENLABS_OUTPUT_FORMAT", "ulaw_8000"),
		TelnyxAPIKey:      getEnv("TELNYX_API_KEY", ""),
		TelnyxSecret:      getEnv("TELNYX_WEBHOOK_SECRET", ""),
		PublicBaseURL:     getEnv("PUBLIC_BASE_URL", ""),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 40),
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
