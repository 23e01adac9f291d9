// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Database settings.
	DBBackend   string // "sqlite" or "postgres"
	DatabaseURL string // Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY; defaults to DatabaseURL.
	SQLitePath  string
	TablePrefix string

	// Evaluator settings.
	EvalConcurrency         int
	EvalPollInterval        time.Duration
	EvalBacklogPollInterval time.Duration
	EvalStaleAfter          time.Duration
	EvalTimeout             time.Duration
	EvalMaxAttempts         int
	EvalRetryBase           time.Duration
	EvalShuffle             bool
	EvalDrainTimeout        time.Duration

	// Provider pacing, requests per second per provider family.
	ProviderRPS float64

	// Remote evaluation settings.
	RemoteStream        string // "kafka", "notify" or "none"; defaults to notify on postgres
	KafkaBrokers        []string
	RemoteTopic         string
	RemoteGroup         string
	RemoteSweepInterval time.Duration

	// JWT settings. An empty secret disables operator auth.
	JWTSecret     string
	JWTExpiration time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}

	cfg := Config{
		Port:                    intVar("HYOKA_PORT", 8087),
		ReadTimeout:             durVar("HYOKA_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:            durVar("HYOKA_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes:     int64(intVar("HYOKA_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		DBBackend:               envStr("HYOKA_DB_BACKEND", "sqlite"),
		DatabaseURL:             envStr("DATABASE_URL", ""),
		NotifyURL:               envStr("NOTIFY_URL", ""),
		SQLitePath:              envStr("HYOKA_SQLITE_PATH", "default.sqlite"),
		TablePrefix:             envStr("HYOKA_TABLE_PREFIX", "hyoka_"),
		EvalConcurrency:         intVar("HYOKA_EVAL_CONCURRENCY", 4),
		EvalPollInterval:        durVar("HYOKA_EVAL_POLL_INTERVAL", 5*time.Second),
		EvalBacklogPollInterval: durVar("HYOKA_EVAL_BACKLOG_POLL_INTERVAL", 250*time.Millisecond),
		EvalStaleAfter:          durVar("HYOKA_EVAL_STALE_AFTER", 10*time.Minute),
		EvalTimeout:             durVar("HYOKA_EVAL_TIMEOUT", 2*time.Minute),
		EvalMaxAttempts:         intVar("HYOKA_EVAL_MAX_ATTEMPTS", 5),
		EvalRetryBase:           durVar("HYOKA_EVAL_RETRY_BASE", 2*time.Second),
		EvalShuffle:             boolVar("HYOKA_EVAL_SHUFFLE", true),
		EvalDrainTimeout:        durVar("HYOKA_EVAL_DRAIN_TIMEOUT", 30*time.Second),
		ProviderRPS:             floatVar("HYOKA_PROVIDER_RPS", 10),
		RemoteStream:            envStr("HYOKA_REMOTE_STREAM", ""),
		KafkaBrokers:            envStrSlice("KAFKA_BROKERS"),
		RemoteTopic:             envStr("HYOKA_REMOTE_TOPIC", "hyoka.feedback.pending"),
		RemoteGroup:             envStr("HYOKA_REMOTE_GROUP", "hyoka-remote"),
		RemoteSweepInterval:     durVar("HYOKA_REMOTE_SWEEP_INTERVAL", 30*time.Second),
		JWTSecret:               envStr("HYOKA_JWT_SECRET", ""),
		JWTExpiration:           durVar("HYOKA_JWT_EXPIRATION", 24*time.Hour),
		OTELEndpoint:            envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:            boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:             envStr("OTEL_SERVICE_NAME", "hyoka"),
		LogLevel:                envStr("HYOKA_LOG_LEVEL", "info"),
	}
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.DatabaseURL
	}
	if cfg.RemoteStream == "" {
		cfg.RemoteStream = "none"
		if cfg.DBBackend == "postgres" {
			cfg.RemoteStream = "notify"
		}
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	switch c.DBBackend {
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("HYOKA_SQLITE_PATH is required for the sqlite backend"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("HYOKA_DB_BACKEND must be sqlite or postgres, got %q", c.DBBackend))
	}
	switch c.RemoteStream {
	case "none":
	case "notify":
		if c.DBBackend != "postgres" {
			errs = append(errs, errors.New("HYOKA_REMOTE_STREAM=notify requires the postgres backend"))
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when HYOKA_REMOTE_STREAM=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("HYOKA_REMOTE_STREAM must be kafka, notify or none, got %q", c.RemoteStream))
	}
	if c.EvalConcurrency <= 0 {
		errs = append(errs, errors.New("HYOKA_EVAL_CONCURRENCY must be positive"))
	}
	if c.EvalMaxAttempts <= 0 {
		errs = append(errs, errors.New("HYOKA_EVAL_MAX_ATTEMPTS must be positive"))
	}
	if c.EvalStaleAfter <= c.EvalTimeout {
		errs = append(errs, fmt.Errorf("HYOKA_EVAL_STALE_AFTER (%s) must exceed HYOKA_EVAL_TIMEOUT (%s)", c.EvalStaleAfter, c.EvalTimeout))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.ProviderRPS <= 0 {
		errs = append(errs, errors.New("HYOKA_PROVIDER_RPS must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("HYOKA_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel returns the configured log level, Info when it is unset or invalid.
func (c Config) SlogLevel() slog.Level {
	l, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// ParseLogLevel maps debug, info, warn or error (any case) to a slog level.
// The empty string is info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("HYOKA_LOG_LEVEL must be debug, info, warn or error, got %q", s)
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envStrSlice splits a comma-separated variable, dropping empty entries.
func envStrSlice(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
