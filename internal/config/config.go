// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/reasoner"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	DBPath         string
	AllowedOrigins []string
	Locale         string
	HistoryWindow  int

	TurnLimits map[domain.Stage]int

	Reasoner  ReasonerConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig

	IntentKeywordsPath string
	QuestionBankPath   string

	MetricsAddr      string
	OTelTracesStdout bool
}

// ReasonerConfig selects and configures the reasoning collaborator.
type ReasonerConfig struct {
	Provider     string
	Model        string
	Timeout      time.Duration
	GeminiAPIKey string
	OpenAIAPIKey string
	OpenAIURL    string
	GeminiURL    string
	GRPCAddr     string
}

// APIKey returns the key for the configured provider.
func (r ReasonerConfig) APIKey() string {
	switch r.Provider {
	case reasoner.ProviderGemini:
		return r.GeminiAPIKey
	case reasoner.ProviderOpenAI:
		return r.OpenAIAPIKey
	}
	return ""
}

// BaseURL returns the endpoint override for the configured provider.
func (r ReasonerConfig) BaseURL() string {
	switch r.Provider {
	case reasoner.ProviderGemini:
		return r.GeminiURL
	case reasoner.ProviderOpenAI:
		return r.OpenAIURL
	}
	return ""
}

// RedisConfig enables the shared turn lock when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig bounds chat requests per learner.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// DefaultDBPath returns DB_PATH or the local default.
func DefaultDBPath() string {
	return getEnv("DB_PATH", "./data/cps.db")
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         DefaultDBPath(),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		Locale:         getEnv("LOCALE", "en"),
		HistoryWindow:  getEnvInt("HISTORY_WINDOW", reasoner.DefaultHistoryWindow),
		TurnLimits: map[domain.Stage]int{
			domain.StageChallenge: getEnvInt("TURN_LIMIT_CHALLENGE", 6),
			domain.StageIdeas:     getEnvInt("TURN_LIMIT_IDEAS", 8),
			domain.StageAction:    getEnvInt("TURN_LIMIT_ACTION", 6),
		},
		Reasoner: ReasonerConfig{
			Provider:     strings.ToLower(getEnv("REASONER_PROVIDER", reasoner.ProviderStatic)),
			Model:        getEnv("REASONER_MODEL", ""),
			Timeout:      getEnvDuration("REASONER_TIMEOUT", 30*time.Second),
			GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
			OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
			OpenAIURL:    getEnv("OPENAI_BASE_URL", ""),
			GeminiURL:    getEnv("GEMINI_BASE_URL", ""),
			GRPCAddr:     getEnv("REASONER_GRPC_ADDR", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 1),
			Burst: getEnvInt("RATE_LIMIT_BURST", 5),
		},
		IntentKeywordsPath: getEnv("INTENT_KEYWORDS_PATH", ""),
		QuestionBankPath:   getEnv("QUESTION_BANK_PATH", ""),
		MetricsAddr:        getEnv("METRICS_ADDR", ":9090"),
		OTelTracesStdout:   getEnvBool("OTEL_TRACES_STDOUT", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("HISTORY_WINDOW must be >= 0")
	}
	for stage, n := range c.TurnLimits {
		if n <= 0 {
			return fmt.Errorf("turn limit for %s must be > 0", stage)
		}
	}
	if c.Reasoner.Timeout <= 0 {
		return fmt.Errorf("REASONER_TIMEOUT must be > 0")
	}
	switch c.Reasoner.Provider {
	case reasoner.ProviderStatic:
	case reasoner.ProviderGemini:
		if c.Reasoner.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini reasoner")
		}
	case reasoner.ProviderOpenAI:
		if c.Reasoner.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai reasoner")
		}
	case reasoner.ProviderGRPC:
		if c.Reasoner.GRPCAddr == "" {
			return fmt.Errorf("REASONER_GRPC_ADDR is required for the grpc reasoner")
		}
	default:
		return fmt.Errorf("unknown REASONER_PROVIDER %q", c.Reasoner.Provider)
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be > 0")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true when any allowed origin is local.
func (c *Config) IsDevelopment() bool {
	for _, o := range c.AllowedOrigins {
		if strings.Contains(o, "localhost") || strings.Contains(o, "127.0.0.1") {
			return true
		}
	}
	return len(c.AllowedOrigins) == 0
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
