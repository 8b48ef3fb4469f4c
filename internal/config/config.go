package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	UseMemoryQueue bool
	WorkerCount    int
	DatabaseURL    string
	AdminJWTSecret string
	CORSOrigins    []string
	CORSMethods    []string

	// Evolution API gateway
	EvolutionBaseURL       string
	EvolutionAPIKey        string
	EvolutionWebhookSecret string
	EvolutionTimeout       time.Duration
	EvolutionMaxRetries    int

	// Pipeline behaviour
	DebounceWindow           time.Duration
	HistoryLimit             int
	FallbackReply            string
	OperatorMediaPlaceholder string
	DefaultTimezone          string
	WebhookRateLimit         float64
	WebhookRateBurst         int

	// Debounce state and delayed flush queue
	BufferStore   string
	BufferTable   string
	FlushQueueURL string

	// AI providers
	GeminiAPIKey         string
	GeminiModel          string
	BedrockModelID       string
	BedrockVisionModelID string
	MaxReplyTokens       int
	ReplyTemperature     float64

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	MediaArchiveBucket  string

	// Redis directory cache
	RedisAddr         string
	RedisPassword     string
	RedisTLS          bool
	DirectoryCacheTTL time.Duration

	// Dispatch failure alerts
	AlertEmails       []string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
}

// Load reads configuration from environment variables. Outside production a
// local .env file is loaded first; real environment variables win.
func Load() *Config {
	if !strings.EqualFold(os.Getenv("ENV"), "production") {
		_ = godotenv.Load()
	}
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		CORSOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS"),
		CORSMethods:    getEnvAsList("CORS_ALLOWED_METHODS"),

		EvolutionBaseURL:       strings.TrimRight(getEnv("EVOLUTION_API_URL", ""), "/"),
		EvolutionAPIKey:        getEnv("EVOLUTION_API_KEY", ""),
		EvolutionWebhookSecret: getEnv("EVOLUTION_WEBHOOK_SECRET", ""),
		EvolutionTimeout:       getEnvAsDuration("EVOLUTION_TIMEOUT", 15*time.Second),
		EvolutionMaxRetries:    getEnvAsInt("EVOLUTION_MAX_RETRIES", 3),

		DebounceWindow:           getEnvAsDuration("DEBOUNCE_WINDOW", 10*time.Second),
		HistoryLimit:             getEnvAsInt("HISTORY_LIMIT", 8),
		FallbackReply:            getEnv("FALLBACK_REPLY", "Não consegui entender a mídia enviada, por favor descreva em texto."),
		OperatorMediaPlaceholder: getEnv("OPERATOR_MEDIA_PLACEHOLDER", "[Mídia enviada pelo operador]"),
		DefaultTimezone:          getEnv("DEFAULT_TIMEZONE", "America/Sao_Paulo"),
		WebhookRateLimit:         getEnvAsFloat("WEBHOOK_RATE_LIMIT", 50),
		WebhookRateBurst:         getEnvAsInt("WEBHOOK_RATE_BURST", 100),

		BufferStore:   strings.ToLower(strings.TrimSpace(getEnv("BUFFER_STORE", "postgres"))),
		BufferTable:   getEnv("BUFFER_TABLE", "debounce_buffers"),
		FlushQueueURL: getEnv("FLUSH_QUEUE_URL", ""),

		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiModel:          getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		BedrockModelID:       getEnv("BEDROCK_MODEL_ID", ""),
		BedrockVisionModelID: getEnv("BEDROCK_VISION_MODEL_ID", ""),
		MaxReplyTokens:       getEnvAsInt("MAX_REPLY_TOKENS", 512),
		ReplyTemperature:     getEnvAsFloat("REPLY_TEMPERATURE", 0.7),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		MediaArchiveBucket:  getEnv("MEDIA_ARCHIVE_BUCKET", ""),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisTLS:          getEnvAsBool("REDIS_TLS", false),
		DirectoryCacheTTL: getEnvAsDuration("DIRECTORY_CACHE_TTL", time.Minute),

		AlertEmails:       getEnvAsList("ALERT_EMAILS"),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "zapdesk"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
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

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
