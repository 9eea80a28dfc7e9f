// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port                string
	FrontendURL         string
	DBPath              string
	ArtifactsDir        string
	ArtifactsBucket     string // GCS bucket; empty writes to ArtifactsDir
	ArtifactsPrefix     string
	SessionTTL          time.Duration
	ExpirySweepInterval time.Duration
	LogLevel            string
	RedisAddr           string // trace fan-out across instances; empty disables it
	PolicyFile          string
	Policy              Policy
	Extraction          ExtractionConfig
	Ingestion           IngestionConfig
	Telemetry           TelemetryConfig
}

// ExtractionConfig configures the external extraction and estimation service.
type ExtractionConfig struct {
	Addr           string // empty uses the local heuristic only
	APIKey         string
	MaxRetries     int
	RetryBase      time.Duration
	RetryMaxSleep  time.Duration
	RequestTimeout time.Duration
}

// IngestionConfig tunes chunking and file parallelism.
type IngestionConfig struct {
	MaxChunkChars   int
	FileConcurrency int
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string // empty exports to stdout
	Insecure     bool
	SampleRatio  float64
}

// Load reads configuration from environment variables and the optional
// planning policy file.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/planner.db"),
		ArtifactsDir:        getEnv("ARTIFACTS_DIR", "./data/artifacts"),
		ArtifactsBucket:     getEnv("ARTIFACTS_GCS_BUCKET", ""),
		ArtifactsPrefix:     getEnv("ARTIFACTS_GCS_PREFIX", ""),
		SessionTTL:          getEnvDuration("SESSION_TTL", 7*24*time.Hour),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", 5*time.Minute),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		PolicyFile:          getEnv("PLANNER_POLICY_FILE", ""),
		Extraction: ExtractionConfig{
			Addr:           getEnv("EXTRACTION_SERVICE_ADDR", ""),
			APIKey:         getEnv("EXTRACTION_API_KEY", ""),
			MaxRetries:     getEnvInt("EXTRACTION_MAX_RETRIES", 5),
			RetryBase:      getEnvDuration("EXTRACTION_RETRY_BASE", 1200*time.Millisecond),
			RetryMaxSleep:  getEnvDuration("EXTRACTION_RETRY_MAX_SLEEP", 20*time.Second),
			RequestTimeout: getEnvDuration("EXTRACTION_REQUEST_TIMEOUT", 60*time.Second),
		},
		Ingestion: IngestionConfig{
			MaxChunkChars:   getEnvInt("INGESTION_MAX_CHUNK_CHARS", 18000),
			FileConcurrency: getEnvInt("INGESTION_FILE_CONCURRENCY", 4),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getEnvBool("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "midterm-planner"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:     getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio:  getEnvFloat("OTEL_SAMPLER_RATIO", 1),
		},
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

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
	if c.ArtifactsDir == "" && c.ArtifactsBucket == "" {
		return fmt.Errorf("ARTIFACTS_DIR cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	if c.Extraction.MaxRetries <= 0 {
		return fmt.Errorf("EXTRACTION_MAX_RETRIES must be > 0")
	}
	if c.Ingestion.MaxChunkChars <= 0 {
		return fmt.Errorf("INGESTION_MAX_CHUNK_CHARS must be > 0")
	}
	if c.Ingestion.FileConcurrency <= 0 {
		return fmt.Errorf("INGESTION_FILE_CONCURRENCY must be > 0")
	}
	return c.Policy.Validate()
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

// getEnvDuration accepts Go duration strings; a bare integer is seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
