// Package config provides application configuration.
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
	Port        string
	GRPCPort    string
	FrontendURL string
	DBPath      string
	// WADBPath is the whatsmeow device store.
	WADBPath      string
	EncryptionKey string
	LogLevel      slog.Level
	OTLPEndpoint  string

	Session   SessionConfig
	Cleanup   CleanupConfig
	Lock      LockConfig
	RateLimit RateLimitConfig
	Heap      HeapConfig
	Timeout   TimeoutConfig
}

// SessionConfig tunes session construction.
type SessionConfig struct {
	InitRetries   int
	StateCacheTTL time.Duration
}

// CleanupConfig tunes the idle session sweeper.
type CleanupConfig struct {
	Interval          time.Duration
	ReportInterval    time.Duration
	AuthenticatedIdle time.Duration
	PairingIdle       time.Duration
	MaxSessions       int
}

// LockConfig controls the construction lease.
type LockConfig struct {
	Enabled  bool
	TTL      time.Duration
	MaxTries uint
}

// RateLimitConfig limits send and schedule requests per user.
type RateLimitConfig struct {
	PerDay int
}

// HeapConfig tunes the heap monitor.
type HeapConfig struct {
	MaxHeapMB     uint64
	GCThresholdMB uint64
}

// TimeoutConfig holds request-scoped timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		GRPCPort:      getEnv("GRPC_PORT", "9090"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/scheduler.db"),
		WADBPath:      getEnv("WA_DB_PATH", "./data/whatsapp.db"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		LogLevel:      getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		OTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Session: SessionConfig{
			InitRetries:   getEnvInt("INIT_RETRIES", 3),
			StateCacheTTL: getEnvDuration("STATE_CACHE_TTL", 30*time.Second),
		},
		Cleanup: CleanupConfig{
			Interval:          getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),
			ReportInterval:    getEnvDuration("REPORT_INTERVAL", time.Hour),
			AuthenticatedIdle: getEnvDuration("AUTH_IDLE_TIMEOUT", 48*time.Hour),
			PairingIdle:       getEnvDuration("PAIRING_IDLE_TIMEOUT", 30*time.Minute),
			MaxSessions:       getEnvInt("MAX_SESSIONS", 10),
		},
		Lock: LockConfig{
			Enabled:  getEnvBool("LOCK_ENABLED", true),
			TTL:      getEnvDuration("LOCK_TTL", 30*time.Second),
			MaxTries: uint(max(getEnvInt("LOCK_MAX_TRIES", 10), 0)),
		},
		RateLimit: RateLimitConfig{
			PerDay: getEnvInt("RATE_LIMIT_PER_DAY", 10),
		},
		Heap: HeapConfig{
			MaxHeapMB:     uint64(max(getEnvInt("MAX_HEAP_MB", 512), 0)),
			GCThresholdMB: uint64(max(getEnvInt("GC_THRESHOLD_MB", 256), 0)),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    10 * time.Second,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.GRPCPort == "" {
		return errors.New("GRPC_PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.WADBPath == "" {
		return errors.New("WA_DB_PATH cannot be empty")
	}
	if len(c.EncryptionKey) < 16 {
		return errors.New("ENCRYPTION_KEY must be at least 16 characters (see the keygen command)")
	}
	if c.Session.InitRetries <= 0 {
		return errors.New("INIT_RETRIES must be > 0")
	}
	if c.Cleanup.MaxSessions <= 0 {
		return errors.New("MAX_SESSIONS must be > 0")
	}
	if c.Cleanup.Interval <= 0 || c.Cleanup.ReportInterval <= 0 {
		return errors.New("CLEANUP_INTERVAL and REPORT_INTERVAL must be > 0")
	}
	if c.Cleanup.AuthenticatedIdle <= 0 || c.Cleanup.PairingIdle <= 0 {
		return errors.New("AUTH_IDLE_TIMEOUT and PAIRING_IDLE_TIMEOUT must be > 0")
	}
	if c.Lock.Enabled && (c.Lock.TTL <= 0 || c.Lock.MaxTries == 0) {
		return errors.New("LOCK_TTL and LOCK_MAX_TRIES must be > 0 when LOCK_ENABLED")
	}
	if c.RateLimit.PerDay <= 0 {
		return errors.New("RATE_LIMIT_PER_DAY must be > 0")
	}
	if c.Heap.GCThresholdMB > c.Heap.MaxHeapMB {
		return errors.New("GC_THRESHOLD_MB cannot exceed MAX_HEAP_MB")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
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

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
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

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
