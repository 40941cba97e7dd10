// Package config reads process configuration from environment variables,
// applying the defaults named in the external interfaces contract.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL string
	StoreTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	FlowTTL                   time.Duration
	SessionTimeout            time.Duration
	AvailabilityTimeout       time.Duration
	AvailabilityTTL           time.Duration
	AvailabilityPollInterval  time.Duration
	ServiceSynonymsCacheTTL   time.Duration
	MaxConfirmAttempts        int

	MaxLLMConcurrency int
	LLMTimeout        time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	S3Bucket         string
	S3PublicBaseURL  string

	BedrockModelID string

	GeminiAPIKey  string
	GeminiModelID string

	LLMFallbackEnabled bool

	AdminRefreshToken string

	ReplyWebhookURL   string
	ReplyWebhookToken string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		StoreTimeout: getEnvAsSecondsDuration("STORE_TIMEOUT_SECONDS", 5),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		FlowTTL:                  getEnvAsSecondsDuration("FLOW_TTL_SECONDS", 86400),
		SessionTimeout:           getEnvAsSecondsDuration("SESSION_TIMEOUT_SECONDS", 180),
		AvailabilityTimeout:      getEnvAsSecondsDuration("AVAILABILITY_TIMEOUT_SECONDS", 45),
		AvailabilityTTL:          getEnvAsSecondsDuration("AVAILABILITY_TTL_SECONDS", 120),
		AvailabilityPollInterval: getEnvAsFloatSecondsDuration("AVAILABILITY_POLL_INTERVAL_SECONDS", 1.0),
		ServiceSynonymsCacheTTL:  getEnvAsSecondsDuration("SERVICE_SYNONYMS_CACHE_TTL", 3600),
		MaxConfirmAttempts:       getEnvAsInt("MAX_CONFIRM_ATTEMPTS", 2),

		MaxLLMConcurrency: getEnvAsInt("MAX_LLM_CONCURRENCY", 5),
		LLMTimeout:        getEnvAsSecondsDuration("LLM_TIMEOUT_SECONDS", 5),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3PublicBaseURL: getEnv("S3_PUBLIC_BASE_URL", ""),

		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModelID: getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),

		LLMFallbackEnabled: getEnvAsBool("LLM_FALLBACK_ENABLED", false),

		AdminRefreshToken: getEnv("ADMIN_REFRESH_TOKEN", ""),

		ReplyWebhookURL:   getEnv("REPLY_WEBHOOK_URL", ""),
		ReplyWebhookToken: getEnv("REPLY_WEBHOOK_TOKEN", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSecondsDuration(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

func getEnvAsFloatSecondsDuration(key string, defaultSeconds float64) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return time.Duration(defaultSeconds * float64(time.Second))
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(value * float64(time.Second))
	}
	return time.Duration(defaultSeconds * float64(time.Second))
}
