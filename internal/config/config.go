// Package config loads the sync core's configuration from the
// environment using a flat mustEnv/envOrDefault convention instead of
// a config-file or flag library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ProviderAuth holds the per-provider signature verification settings.
type ProviderAuth struct {
	Secret            []byte
	EnforceReplayWindow bool
	ReplayWindow        time.Duration
}

// Config is the fully resolved runtime configuration.
type Config struct {
	ListenAddr string

	MaxRequestBytes   int64
	RateLimitPerMinute int

	DBURL string

	Src ProviderAuth
	Tgt ProviderAuth

	SrcAppID          int64
	SrcInstallationID int64
	SrcPrivateKeyPEM  string
	TgtToken        string
	TgtAPIVersion   string
	TgtDatabaseID   string

	ReplayIntervalMinutes int
	ReplayBatchSize       int
	ReplayMaxAttempts     int

	ProcessedEventRetentionDays int

	MappingPath string

	LogLevel    string
	Environment string

	AdminBearerToken string

	HTTPClientMaxConnsPerHost int
	DBMaxOpenConns            int

	ShutdownGrace time.Duration
}

// Load reads Config from the process environment, applying defaults
// for anything not explicitly set.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:                  envOrDefault("LISTEN_ADDR", ":8080"),
		MaxRequestBytes:             envInt64OrDefault("MAX_REQUEST_BYTES", 1048576),
		RateLimitPerMinute:          envIntOrDefault("RATE_LIMIT_PER_MINUTE", 60),
		DBURL:                       os.Getenv("DB_URL"),
		SrcAppID:                    int64(envIntOrDefault("SRC_APP_ID", 0)),
		SrcInstallationID:           int64(envIntOrDefault("SRC_INSTALLATION_ID", 0)),
		SrcPrivateKeyPEM:            os.Getenv("SRC_PRIVATE_KEY_PEM"),
		TgtToken:                    os.Getenv("TGT_TOKEN"),
		TgtAPIVersion:               envOrDefault("TGT_API_VERSION", "2022-06-28"),
		TgtDatabaseID:               os.Getenv("TGT_DATABASE_ID"),
		ReplayIntervalMinutes:       envIntOrDefault("REPLAY_INTERVAL_MINUTES", 10),
		ReplayBatchSize:             envIntOrDefault("REPLAY_BATCH_SIZE", 50),
		ReplayMaxAttempts:           envIntOrDefault("REPLAY_MAX_ATTEMPTS", 24),
		ProcessedEventRetentionDays: envIntOrDefault("PROCESSED_EVENT_RETENTION_DAYS", 14),
		MappingPath:                 envOrDefault("MAPPING_PATH", "mapping.yaml"),
		LogLevel:                    envOrDefault("LOG_LEVEL", "info"),
		Environment:                 envOrDefault("ENVIRONMENT", "production"),
		AdminBearerToken:            os.Getenv("ADMIN_BEARER_TOKEN"),
		HTTPClientMaxConnsPerHost:   envIntOrDefault("HTTP_MAX_CONNS_PER_HOST", 32),
		DBMaxOpenConns:              envIntOrDefault("DB_MAX_OPEN_CONNS", 16),
		ShutdownGrace:               time.Duration(envIntOrDefault("SHUTDOWN_GRACE_SECONDS", 15)) * time.Second,
	}

	srcSecret, err := mustEnv("SRC_SECRET")
	if err != nil {
		return nil, err
	}
	tgtSecret, err := mustEnv("TGT_SECRET")
	if err != nil {
		return nil, err
	}
	cfg.Src = ProviderAuth{
		Secret:              []byte(srcSecret),
		EnforceReplayWindow: envBoolOrDefault("SRC_ENFORCE_REPLAY_WINDOW", false),
		ReplayWindow:        5 * time.Minute,
	}
	cfg.Tgt = ProviderAuth{
		Secret:              []byte(tgtSecret),
		EnforceReplayWindow: envBoolOrDefault("TGT_ENFORCE_REPLAY_WINDOW", false),
		ReplayWindow:        5 * time.Minute,
	}

	if len(cfg.Src.Secret) == 0 || len(cfg.Tgt.Secret) == 0 {
		return nil, fmt.Errorf("src_secret and tgt_secret are required and must not be empty")
	}
	if cfg.DBURL == "" {
		return nil, fmt.Errorf("db_url is required")
	}

	return cfg, nil
}

func mustEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64OrDefault(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOrDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
