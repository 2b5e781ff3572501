// Package config loads process configuration from the environment,
// failing fast on missing required keys per spec.md §7's Configuration
// errors class. Recognized options match spec.md §6 exactly.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the complete set of environment-driven options this process
// recognizes.
type Config struct {
	// Telephony
	TelephonyAuthToken string
	BillingWebhookSecret string

	// STT / TTS / LLM provider credentials
	STTProviderAPIKey  string
	TTSPrimaryAPIKey   string
	TTSSecondaryAPIKey string
	LLMProviderAPIKey  string
	LLMRemoteBaseURL   string // absence selects in-process generation
	LLMProvider        string
	LLMModel           string

	// Retrieval tuning
	RetrievalSimilarityThreshold float64
	RetrievalRRFK                int
	RetrievalLimit               int

	// Rate limiting
	RateLimitMaxCallsPerMinute int

	// Admin / billing
	AdminAPIKey        string
	BillingProviderKey string

	// Storage
	DatabaseURL string
	RedisAddr   string

	// Process
	HTTPAddr string
	Dev      bool
}

// Load reads .env (if present; its absence is not an error) and then the
// process environment, applying defaults for optional keys and failing
// fast with a descriptive error for missing required ones.
func Load() (*Config, error) {
	_ = godotenv.Load() // missing .env is fine; system env vars still apply

	cfg := &Config{
		STTProviderAPIKey:  os.Getenv("STT_PROVIDER_API_KEY"),
		TTSPrimaryAPIKey:   os.Getenv("TTS_PRIMARY_API_KEY"),
		TTSSecondaryAPIKey: os.Getenv("TTS_SECONDARY_API_KEY"),
		LLMProviderAPIKey:  os.Getenv("LLM_PROVIDER_API_KEY"),
		LLMRemoteBaseURL:   os.Getenv("LLM_REMOTE_BASE_URL"),
		LLMProvider:        envOr("LLM_PROVIDER", "openai"),
		LLMModel:           envOr("LLM_MODEL", "gpt-4o-mini"),

		TelephonyAuthToken:   os.Getenv("TELEPHONY_AUTH_TOKEN"),
		BillingWebhookSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),

		AdminAPIKey:        os.Getenv("ADMIN_API_KEY"),
		BillingProviderKey: os.Getenv("BILLING_PROVIDER_API_KEY"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   envOr("REDIS_ADDR", "localhost:6379"),

		HTTPAddr: envOr("HTTP_ADDR", ":8080"),
		Dev:      os.Getenv("ENV") != "production",
	}

	var err error
	cfg.RetrievalSimilarityThreshold, err = envFloatOr("RETRIEVAL_SIMILARITY_THRESHOLD", 0.7)
	if err != nil {
		return nil, err
	}
	cfg.RetrievalRRFK, err = envIntOr("RETRIEVAL_RRF_K", 60)
	if err != nil {
		return nil, err
	}
	cfg.RetrievalLimit, err = envIntOr("RETRIEVAL_LIMIT", 3)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitMaxCallsPerMinute, err = envIntOr("RATE_LIMIT_MAX_CALLS_PER_MINUTE", 50)
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate fails fast on configuration that would make the process
// non-functional, per spec.md §7's Configuration errors class.
func (c *Config) validate() error {
	required := map[string]string{
		"TELEPHONY_AUTH_TOKEN":    c.TelephonyAuthToken,
		"STT_PROVIDER_API_KEY":    c.STTProviderAPIKey,
		"TTS_PRIMARY_API_KEY":     c.TTSPrimaryAPIKey,
		"LLM_PROVIDER_API_KEY":    c.LLMProviderAPIKey,
		"DATABASE_URL":            c.DatabaseURL,
		"BILLING_WEBHOOK_SECRET":  c.BillingWebhookSecret,
	}
	for name, v := range required {
		if v == "" {
			return fmt.Errorf("config: required environment variable %s is not set", name)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloatOr(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func envIntOr(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
