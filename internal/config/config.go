// Package config loads entitlementd settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ledgerchat/entitlements/internal/entitlements"
)

// Config holds all configuration for the entitlements service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	ServiceKey  string // guards subscription writes, usage writes and /admin
	LogLevel    string
	LogFormat   string

	PollInterval      time.Duration
	MinCheckInterval  time.Duration
	WarningDays       int
	ReadFailurePolicy entitlements.ReadFailurePolicy
	RequestTimeout    time.Duration
	RetryAttempts     int
	SweepInterval     time.Duration
	Location          *time.Location

	PublicMetrics bool
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// DatabaseDir returns the directory holding the SQLite database.
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.DataDir, "db")
}

// EngineOptions converts the settings into engine options.
func (c *Config) EngineOptions() []entitlements.Option {
	return []entitlements.Option{
		entitlements.WithLocation(c.Location),
		entitlements.WithWarningDays(c.WarningDays),
		entitlements.WithReadFailurePolicy(c.ReadFailurePolicy),
		entitlements.WithRequestTimeout(c.RequestTimeout),
		entitlements.WithReadRetry(c.RetryAttempts, 0, 0),
		entitlements.WithRefreshConfig(entitlements.RefreshConfig{
			PollInterval:     c.PollInterval,
			MinCheckInterval: c.MinCheckInterval,
		}),
	}
}

// Load loads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("ENTITLEMENTS_PORT", 8080)
	if err != nil {
		return nil, err
	}
	warningDays, err := envOrDefaultInt("ENTITLEMENTS_WARNING_DAYS", entitlements.DefaultWarningDays)
	if err != nil {
		return nil, err
	}
	retryAttempts, err := envOrDefaultInt("ENTITLEMENTS_RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	pollInterval, err := envOrDefaultDuration("ENTITLEMENTS_POLL_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	minCheck, err := envOrDefaultDuration("ENTITLEMENTS_MIN_CHECK_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	requestTimeout, err := envOrDefaultDuration("ENTITLEMENTS_REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("ENTITLEMENTS_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	policy, err := entitlements.ParseReadFailurePolicy(os.Getenv("ENTITLEMENTS_READ_FAILURE_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("ENTITLEMENTS_READ_FAILURE_POLICY: %w", err)
	}
	loc, err := time.LoadLocation(envOrDefault("ENTITLEMENTS_TIMEZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("ENTITLEMENTS_TIMEZONE: %w", err)
	}

	cfg := &Config{
		DataDir:           envOrDefault("ENTITLEMENTS_DATA_DIR", "/data"),
		BindAddress:       envOrDefault("ENTITLEMENTS_BIND_ADDRESS", "0.0.0.0"),
		Port:              port,
		ServiceKey:        strings.TrimSpace(os.Getenv("ENTITLEMENTS_SERVICE_KEY")),
		LogLevel:          envOrDefault("ENTITLEMENTS_LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("ENTITLEMENTS_LOG_FORMAT", "auto"),
		PollInterval:      pollInterval,
		MinCheckInterval:  minCheck,
		WarningDays:       warningDays,
		ReadFailurePolicy: policy,
		RequestTimeout:    requestTimeout,
		RetryAttempts:     retryAttempts,
		SweepInterval:     sweepInterval,
		Location:          loc,
		PublicMetrics:     envBool("ENTITLEMENTS_PUBLIC_METRICS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate entitlements config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServiceKey == "" {
		return fmt.Errorf("missing required environment variables: ENTITLEMENTS_SERVICE_KEY")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENTITLEMENTS_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.WarningDays <= 0 {
		return fmt.Errorf("ENTITLEMENTS_WARNING_DAYS must be greater than 0, got %d", c.WarningDays)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("ENTITLEMENTS_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.PollInterval < c.MinCheckInterval {
		return fmt.Errorf("ENTITLEMENTS_POLL_INTERVAL (%s) must not be shorter than ENTITLEMENTS_MIN_CHECK_INTERVAL (%s)", c.PollInterval, c.MinCheckInterval)
	}
	for name, d := range map[string]time.Duration{
		"ENTITLEMENTS_POLL_INTERVAL":      c.PollInterval,
		"ENTITLEMENTS_MIN_CHECK_INTERVAL": c.MinCheckInterval,
		"ENTITLEMENTS_REQUEST_TIMEOUT":    c.RequestTimeout,
		"ENTITLEMENTS_SWEEP_INTERVAL":     c.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0, got %s", name, d)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
