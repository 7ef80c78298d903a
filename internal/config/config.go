// Package config loads service settings from the environment and the
// decision policy from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	GinMode      string
	DatabaseURL  string
	EnableDB     bool
	LedgerDir    string
	PatientsCSV  string
	PolicyFile   string
	WatchPolicy  bool
	ModelURL     string
	ModelFile    string
	ModelTimeout time.Duration
	LogLevel     string
	LogFormat    string
	TraceStdout  bool
}

// Load reads a .env file if present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "release"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		EnableDB:    getBool("ENABLE_DB"),
		LedgerDir:   os.Getenv("LEDGER_DIR"),
		PatientsCSV: os.Getenv("PATIENTS_CSV"),
		PolicyFile:  os.Getenv("POLICY_FILE"),
		WatchPolicy: getBool("WATCH_POLICY"),
		ModelURL:    os.Getenv("MODEL_URL"),
		ModelFile:   os.Getenv("MODEL_FILE"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		TraceStdout: getBool("TRACE_STDOUT"),
	}

	timeout, err := time.ParseDuration(getEnv("MODEL_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("MODEL_TIMEOUT: %w", err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("MODEL_TIMEOUT must be positive, got %s", timeout)
	}
	cfg.ModelTimeout = timeout

	if cfg.EnableDB && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when ENABLE_DB=true")
	}
	if cfg.WatchPolicy && cfg.PolicyFile == "" {
		return nil, fmt.Errorf("POLICY_FILE is required when WATCH_POLICY=true")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getBool(key string) bool {
	return strings.EqualFold(getEnv(key, "false"), "true")
}
