// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: slog level (default "info").
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net rule cache refresh interval
//     (default "1m", must be > 0 if set).
//   - BASELINE_STATE: availability state returned when no rule matches
//     (default "available", must be a known state if set).
//   - SCHEDULE_HORIZON: how far ahead next-change searches look
//     (default "8760h", must be > 0 if set).
//   - PREVIEW_MAX_WINDOW: largest span a single preview may cover
//     (default "8760h", must be > 0 if set).
//   - RUN_MIGRATIONS: apply embedded schema migrations at startup
//     (default "true").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/storekit/availz/internal/core"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultCacheResyncInterval       = time.Minute
	defaultScheduleHorizon           = 365 * 24 * time.Hour
	defaultPreviewMaxWindow          = 365 * 24 * time.Hour
)

// Config holds the runtime configuration for the availz server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	LogLevel            string
	MaxJSONBodySize     int64
	CacheResyncInterval time.Duration
	BaselineState       core.State
	ScheduleHorizon     time.Duration
	PreviewMaxWindow    time.Duration
	RunMigrations       bool
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	cacheResyncInterval, err := durationOrDefault("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval)
	if err != nil {
		return Config{}, err
	}

	scheduleHorizon, err := durationOrDefault("SCHEDULE_HORIZON", defaultScheduleHorizon)
	if err != nil {
		return Config{}, err
	}

	previewMaxWindow, err := durationOrDefault("PREVIEW_MAX_WINDOW", defaultPreviewMaxWindow)
	if err != nil {
		return Config{}, err
	}

	baselineState := core.StateAvailable
	if v := strings.TrimSpace(os.Getenv("BASELINE_STATE")); v != "" {
		state := core.State(v)
		if !state.Valid() {
			return Config{}, fmt.Errorf("BASELINE_STATE %q is not a known availability state", v)
		}
		baselineState = state
	}

	runMigrations := true
	if v := strings.TrimSpace(os.Getenv("RUN_MIGRATIONS")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse RUN_MIGRATIONS: %w", err)
		}
		runMigrations = parsed
	}

	return Config{
		DatabaseURL:         databaseURL,
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		MaxJSONBodySize:     maxJSONBodySize,
		CacheResyncInterval: cacheResyncInterval,
		BaselineState:       baselineState,
		ScheduleHorizon:     scheduleHorizon,
		PreviewMaxWindow:    previewMaxWindow,
		RunMigrations:       runMigrations,
	}, nil
}

func durationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
