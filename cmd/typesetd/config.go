package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/typefold/typeset"
)

// storeBackends lists the accepted TYPESET_STORE values.
var storeBackends = map[string]bool{
	"memory":   true,
	"sqlite":   true,
	"redis":    true,
	"postgres": true,
}

type daemonConfig struct {
	ListenAddr  string
	Store       string
	DBPath      string
	RedisAddr   string
	PostgresDSN string

	ProjectRoot string
	EngineBin   string
	ArtifactDir string

	Orchestrator typeset.Config

	// Per-kind admission limits for full compiles; zero disables each.
	FullMaxConcurrency int
	FullRateLimit      float64
}

func loadConfig() (*daemonConfig, error) {
	cfg := &daemonConfig{
		ListenAddr:  getEnv("TYPESET_LISTEN_ADDR", ":8080"),
		Store:       getEnv("TYPESET_STORE", "sqlite"),
		DBPath:      getEnv("TYPESET_DB_PATH", "typeset.db"),
		RedisAddr:   getEnv("TYPESET_REDIS_ADDR", "localhost:6379"),
		PostgresDSN: getEnv("TYPESET_POSTGRES_DSN", ""),
		ProjectRoot: getEnv("TYPESET_PROJECT_ROOT", "./projects"),
		EngineBin:   getEnv("TYPESET_ENGINE_BIN", "latexmk"),
		ArtifactDir: getEnv("TYPESET_ARTIFACT_DIR", "./artifacts"),

		Orchestrator: typeset.DefaultConfig(),
	}

	if !storeBackends[cfg.Store] {
		return nil, fmt.Errorf("TYPESET_STORE %q must be one of: memory, sqlite, redis, postgres", cfg.Store)
	}
	if cfg.Store == "postgres" && cfg.PostgresDSN == "" {
		return nil, errors.New("TYPESET_POSTGRES_DSN must be set when TYPESET_STORE=postgres")
	}

	var err error
	cfg.Orchestrator.Concurrency, err = getEnvInt("TYPESET_CONCURRENCY", cfg.Orchestrator.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("TYPESET_CONCURRENCY: %w", err)
	}
	if cfg.Orchestrator.Concurrency < 1 {
		return nil, errors.New("TYPESET_CONCURRENCY must be > 0")
	}

	cfg.Orchestrator.EngineTimeout, err = getEnvDuration("TYPESET_ENGINE_TIMEOUT", cfg.Orchestrator.EngineTimeout)
	if err != nil {
		return nil, fmt.Errorf("TYPESET_ENGINE_TIMEOUT: %w", err)
	}
	cfg.Orchestrator.CancelGracePeriod, err = getEnvDuration("TYPESET_CANCEL_GRACE_PERIOD", cfg.Orchestrator.CancelGracePeriod)
	if err != nil {
		return nil, fmt.Errorf("TYPESET_CANCEL_GRACE_PERIOD: %w", err)
	}
	cfg.Orchestrator.RetentionWindow, err = getEnvDuration("TYPESET_RETENTION_WINDOW", cfg.Orchestrator.RetentionWindow)
	if err != nil {
		return nil, fmt.Errorf("TYPESET_RETENTION_WINDOW: %w", err)
	}
	cfg.Orchestrator.SweepInterval, err = getEnvDuration("TYPESET_SWEEP_INTERVAL", cfg.Orchestrator.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("TYPESET_SWEEP_INTERVAL: %w", err)
	}

	switch policy := typeset.Policy(getEnv("TYPESET_ACTIVE_POLICY", string(cfg.Orchestrator.ActivePolicy))); policy {
	case typeset.PolicyReject, typeset.PolicySupersede:
		cfg.Orchestrator.ActivePolicy = policy
	default:
		return nil, fmt.Errorf("TYPESET_ACTIVE_POLICY %q must be reject or supersede", policy)
	}

	cfg.FullMaxConcurrency, err = getEnvInt("TYPESET_FULL_MAX_CONCURRENCY", 0)
	if err != nil {
		return nil, fmt.Errorf("TYPESET_FULL_MAX_CONCURRENCY: %w", err)
	}
	cfg.FullRateLimit, err = getEnvFloat("TYPESET_FULL_RATE_LIMIT", 0)
	if err != nil {
		return nil, fmt.Errorf("TYPESET_FULL_RATE_LIMIT: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
