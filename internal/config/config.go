// Package config provides configuration loading for the storage and
// resilience core. Configuration sources (in priority order): env vars >
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all process configuration, per spec.md §6's "durable-store
// URI, cache URI + password + db number, log level, worker intervals,
// breaker thresholds, batch sizes. All sourced from process environment."
type Config struct {
	// Durable store
	MongoURI string `json:"mongo_uri"`
	MongoDB  string `json:"mongo_db"`

	// Cache
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db"`

	LogLevel string `json:"log_level"`

	Breaker BreakerConfig `json:"breaker"`
	Batch   BatchConfig   `json:"batch"`
	Recovery RecoveryConfig `json:"recovery"`

	// OTLP gRPC endpoint for trace export; empty disables tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// BreakerConfig configures the two circuit-breaker presets (spec.md §4.1).
type BreakerConfig struct {
	DBThreshold    int           `json:"db_threshold"`
	DBResetTimeout time.Duration `json:"db_reset_timeout"`

	CacheThreshold    int           `json:"cache_threshold"`
	CacheResetTimeout time.Duration `json:"cache_reset_timeout"`
}

// BatchConfig configures the answer batcher (C6).
type BatchConfig struct {
	Size          int           `json:"size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// RecoveryConfig configures the recovery worker (C7).
type RecoveryConfig struct {
	CheckInterval time.Duration `json:"check_interval"`
	BatchSize     int           `json:"batch_size"`
}

// Default returns configuration with the presets used throughout the
// breaker, batcher and recovery packages when left unconfigured.
func Default() Config {
	return Config{
		MongoURI: "mongodb://localhost:27017",
		MongoDB:  "quizcore",
		RedisAddr: "localhost:6379",
		RedisDB:   0,
		LogLevel:  "info",
		Breaker: BreakerConfig{
			DBThreshold:       5,
			DBResetTimeout:    60 * time.Second,
			CacheThreshold:    2,
			CacheResetTimeout: 10 * time.Second,
		},
		Batch: BatchConfig{
			Size:          100,
			FlushInterval: time.Second,
		},
		Recovery: RecoveryConfig{
			CheckInterval: 30 * time.Second,
			BatchSize:     10,
		},
	}
}

// Load reads configuration from the process environment, overlaying
// Default(). Unset variables keep their default; a set but unparseable
// numeric/duration variable makes Load return an error.
func Load() (Config, error) {
	cfg := Default()

	if v := os.Getenv("QUIZCORE_MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("QUIZCORE_MONGO_DB"); v != "" {
		cfg.MongoDB = v
	}
	if v := os.Getenv("QUIZCORE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("QUIZCORE_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v, ok := os.LookupEnv("QUIZCORE_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: QUIZCORE_REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if v := os.Getenv("QUIZCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := applyIntEnv("QUIZCORE_BREAKER_DB_THRESHOLD", &cfg.Breaker.DBThreshold); err != nil {
		return cfg, err
	}
	if err := applyMillisEnv("QUIZCORE_BREAKER_DB_RESET_MS", &cfg.Breaker.DBResetTimeout); err != nil {
		return cfg, err
	}
	if err := applyIntEnv("QUIZCORE_BREAKER_CACHE_THRESHOLD", &cfg.Breaker.CacheThreshold); err != nil {
		return cfg, err
	}
	if err := applyMillisEnv("QUIZCORE_BREAKER_CACHE_RESET_MS", &cfg.Breaker.CacheResetTimeout); err != nil {
		return cfg, err
	}
	if err := applyIntEnv("QUIZCORE_BATCH_SIZE", &cfg.Batch.Size); err != nil {
		return cfg, err
	}
	if err := applyMillisEnv("QUIZCORE_BATCH_FLUSH_INTERVAL_MS", &cfg.Batch.FlushInterval); err != nil {
		return cfg, err
	}
	if err := applyMillisEnv("QUIZCORE_RECOVERY_CHECK_INTERVAL_MS", &cfg.Recovery.CheckInterval); err != nil {
		return cfg, err
	}
	if err := applyIntEnv("QUIZCORE_RECOVERY_BATCH_SIZE", &cfg.Recovery.BatchSize); err != nil {
		return cfg, err
	}
	if v := os.Getenv("QUIZCORE_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}

	return cfg, nil
}

func applyIntEnv(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = n
	return nil
}

func applyMillisEnv(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}
