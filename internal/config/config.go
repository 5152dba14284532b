package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"gwi.com/chatkeeper/internal/quota"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	HTTPPort  string
	LogLevel  string
	JWTSecret string

	LLMProvider       string
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIURL         string
	GeminiAPIKey      string
	GeminiModel       string
	CompletionTimeout time.Duration

	PromptLimit  uint32
	PromptWindow time.Duration

	CheckpointPath     string
	CheckpointInterval time.Duration
	QuotaPruneInterval time.Duration
}

// Load reads .env (if present) and the environment. Missing required values
// are reported as errors rather than terminating the process.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}

	promptLimit, err := getEnvAsUint32("PROMPT_LIMIT", quota.DefaultLimit)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		LogLevel:  strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		JWTSecret: getEnv("JWT_SECRET", ""),

		LLMProvider:       strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIURL:         getEnv("OPENAI_URL", "https://api.openai.com/v1/chat/completions"),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		CompletionTimeout: getEnvAsDuration("COMPLETION_TIMEOUT", 60*time.Second),

		PromptLimit:  promptLimit,
		PromptWindow: getEnvAsDuration("PROMPT_WINDOW", quota.DefaultWindow),

		CheckpointPath:     getEnv("CHECKPOINT_PATH", "chatkeeper.db"),
		CheckpointInterval: getEnvAsDuration("CHECKPOINT_INTERVAL", 5*time.Minute),
		QuotaPruneInterval: getEnvAsDuration("QUOTA_PRUNE_INTERVAL", 10*time.Minute),
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required")
	}
	return cfg, nil
}

// ValidateProvider checks that credentials exist for the configured completion provider.
func (c *Config) ValidateProvider() error {
	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY environment variable is required")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY environment variable is required")
		}
	default:
		return errors.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsUint32 rejects values that are not positive or do not fit in 32 bits.
func getEnvAsUint32(key string, defaultValue uint32) (uint32, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseUint(valueStr, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	if value == 0 {
		return 0, errors.Errorf("%s must be positive", key)
	}
	return uint32(value), nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
