package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 11435

	// Upstream generation server
	UpstreamURL string // default: http://localhost:11434
	Model       string // default model name, optional

	// Settings file watched for live overrides
	SettingsFile string // default: sidecar.yaml

	// Timeouts (milliseconds)
	RequestTimeoutMs int // default: 30000
	ProbeTimeoutMs   int // default: 5000

	// Logging
	LogLevel string // default: "info"

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "11435"),
		UpstreamURL:          getEnv("UPSTREAM_URL", "http://localhost:11434"),
		Model:                os.Getenv("MODEL"),
		SettingsFile:         getEnv("SETTINGS_FILE", "sidecar.yaml"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	cfg.RequestTimeoutMs, err = getEnvInt("REQUEST_TIMEOUT_MS", 30000)
	if err != nil {
		return nil, err
	}
	cfg.ProbeTimeoutMs, err = getEnvInt("PROBE_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}

	if cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("UPSTREAM_URL must not be empty")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
