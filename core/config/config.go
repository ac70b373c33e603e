package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	OTel         OTelConfig
	LLM          LLMConfig
	Orchestrator OrchestratorConfig
	Pipeline     PipelineConfig
	Worker       WorkerConfig
	History      HistoryConfig
	Env          string
	Port         string
	AdminAPIKey  string
	LogLevel     string // debug, info, warn or error; empty picks by Env
	NodeID       int64
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
	SampleRatio    float64 // fraction of root traces kept; children follow their parent
}

type LLMConfig struct {
	Provider     string   // "openai" or "anthropic"
	APIKeys      []string // rotated on rate limits and transient failures
	BaseURL      string   // Optional: for custom endpoints
	Model        string
	MaxTokens    int
	SystemPrompt string
}

type OrchestratorConfig struct {
	MaxDepth            int
	MaxRetries          int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
}

type PipelineConfig struct {
	RedisURL        string
	RedisStream     string
	RedisGroup      string
	RedisDLQStream  string
	RedisConsumer   string
	OutboxStream    string
	OutboxRate      float64 // events per second per session, 0 disables pacing
	OutboxBurst     int
	TraceHeaderName string
}

type WorkerConfig struct {
	Concurrency    int
	MaxAttempts    int
	BatchSize      int64
	Block          time.Duration
	RequeueDelay   time.Duration
	ReclaimMinIdle time.Duration
	ReclaimEvery   time.Duration
}

type HistoryConfig struct {
	KeyPrefix   string
	MaxMessages int64
	TTL         time.Duration
}

// Load loads configuration from environment variables.
// In development, .env is loaded first when present.
func Load() (Config, error) {
	if getEnv("PARLEY_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg := Config{
		Env:         getEnv("PARLEY_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		AdminAPIKey: getEnv("ADMIN_API_KEY", ""),
		LogLevel:    getEnv("LOG_LEVEL", ""),
		NodeID:      int64(getEnvInt("NODE_ID", 1)),
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "parley"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			SampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
		LLM: LLMConfig{
			Provider:     getEnv("LLM_PROVIDER", "openai"),
			APIKeys:      getEnvList("LLM_API_KEYS"),
			BaseURL:      getEnv("LLM_BASE_URL", ""),
			Model:        getEnv("LLM_MODEL", "gpt-4o-mini"),
			MaxTokens:    getEnvInt("LLM_MAX_TOKENS", 4096),
			SystemPrompt: getEnv("LLM_SYSTEM_PROMPT", ""),
		},
		Orchestrator: OrchestratorConfig{
			MaxDepth:            getEnvInt("MAX_DEPTH", 5),
			MaxRetries:          getEnvInt("MAX_RETRIES", 3),
			RetryInitialBackoff: getEnvDuration("RETRY_INITIAL_BACKOFF", 500*time.Millisecond),
			RetryMaxBackoff:     getEnvDuration("RETRY_MAX_BACKOFF", 10*time.Second),
		},
		Pipeline: PipelineConfig{
			RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
			RedisStream:     getEnv("REDIS_STREAM", "parley_inbound"),
			RedisGroup:      getEnv("REDIS_CONSUMER_GROUP", "parley_group"),
			RedisDLQStream:  getEnv("REDIS_DLQ_STREAM", "parley_inbound_dlq"),
			RedisConsumer:   getEnv("REDIS_CONSUMER_NAME", "gateway"),
			OutboxStream:    getEnv("REDIS_OUTBOX_STREAM", "parley_outbox"),
			OutboxRate:      getEnvFloat("OUTBOX_RATE", 5),
			OutboxBurst:     getEnvInt("OUTBOX_BURST", 3),
			TraceHeaderName: getEnv("TRACE_HEADER_NAME", "X-Trace-Id"),
		},
		Worker: WorkerConfig{
			Concurrency:    getEnvInt("WORKER_CONCURRENCY", 8),
			MaxAttempts:    getEnvInt("WORKER_MAX_ATTEMPTS", 3),
			BatchSize:      int64(getEnvInt("WORKER_BATCH_SIZE", 10)),
			Block:          getEnvDuration("WORKER_BLOCK", 5*time.Second),
			RequeueDelay:   getEnvDuration("WORKER_REQUEUE_DELAY", time.Second),
			ReclaimMinIdle: getEnvDuration("WORKER_RECLAIM_MIN_IDLE", 2*time.Minute),
			ReclaimEvery:   getEnvDuration("WORKER_RECLAIM_INTERVAL", 30*time.Second),
		},
		History: HistoryConfig{
			KeyPrefix:   getEnv("HISTORY_KEY_PREFIX", "parley:history:"),
			MaxMessages: int64(getEnvInt("HISTORY_MAX_MESSAGES", 40)),
			TTL:         getEnvDuration("HISTORY_TTL", 24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.LLM.APIKeys) == 0 {
		return fmt.Errorf("LLM_API_KEYS is required")
	}
	if c.LLM.Provider != "openai" && c.LLM.Provider != "anthropic" {
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLM.Provider)
	}
	if c.Orchestrator.MaxDepth < 1 {
		return fmt.Errorf("MAX_DEPTH must be at least 1, got %d", c.Orchestrator.MaxDepth)
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.Orchestrator.MaxRetries)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma separated variable, dropping empty entries.
func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
