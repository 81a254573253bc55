package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Routing
	CatalogPath string // default: catalog.yaml

	// Response cache
	CacheTTL time.Duration // default: 24h

	// Failover: one upstream call (or first-chunk wait) and the whole
	// attempt loop.
	AttemptTimeout time.Duration // default: 90s
	RunBudget      time.Duration // default: 5m

	// Providers. An empty key leaves that adapter unregistered.
	OpenAIAPIKey        string
	AnthropicAPIKey     string
	GeminiAPIKey        string
	GroqAPIKey          string
	MistralAPIKey       string
	FireworksAPIKey     string
	CerebrasAPIKey      string
	XAIAPIKey           string
	AzureOpenAIEndpoint string
	AzureOpenAIAPIKey   string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		CatalogPath: getEnv("CATALOG_PATH", "catalog.yaml"),

		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GroqAPIKey:          os.Getenv("GROQ_API_KEY"),
		MistralAPIKey:       os.Getenv("MISTRAL_API_KEY"),
		FireworksAPIKey:     os.Getenv("FIREWORKS_API_KEY"),
		CerebrasAPIKey:      os.Getenv("CEREBRAS_API_KEY"),
		XAIAPIKey:           os.Getenv("XAI_API_KEY"),
		AzureOpenAIEndpoint: os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureOpenAIAPIKey:   os.Getenv("AZURE_OPENAI_API_KEY"),

		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AttemptTimeout, err = getDuration("ATTEMPT_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.RunBudget, err = getDuration("RUN_BUDGET", 5*time.Minute); err != nil {
		return nil, err
	}

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
