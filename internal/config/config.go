// Package config loads driver sync settings from defaults, an optional YAML
// file, a .env file and DRIVERSYNC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/sync/queue"
)

// Config is the full runtime configuration.
type Config struct {
	APIBaseURL   string        `yaml:"api_base_url"`
	AuthToken    string        `yaml:"auth_token"`
	DeviceSecret string        `yaml:"device_secret"`
	DataDir      string        `yaml:"data_dir"`
	ListenAddr   string        `yaml:"listen_addr"`
	LogLevel     string        `yaml:"log_level"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`

	Sync         SyncConfig         `yaml:"sync"`
	Location     LocationConfig     `yaml:"location"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
}

// SyncConfig tunes the queued action replay loop.
type SyncConfig struct {
	Interval              time.Duration `yaml:"interval"`     // heartbeat between passes
	BackoffBase           time.Duration `yaml:"backoff_base"` // delay after the first failure
	BackoffMax            time.Duration `yaml:"backoff_max"`
	MaxRetries            int           `yaml:"max_retries"`
	PreserveOrderSequence bool          `yaml:"preserve_order_sequence"`
}

// LocationConfig tunes the location tracker.
type LocationConfig struct {
	BaseInterval      time.Duration `yaml:"base_interval"`
	AccuracyCeiling   float64       `yaml:"accuracy_ceiling"` // meters
	StationarySpeed   float64       `yaml:"stationary_speed"` // m/s
	RequireBackground bool          `yaml:"require_background"`
	SyncBatchSize     int           `yaml:"sync_batch_size"`
}

// ConnectivityConfig tunes the reachability checker.
type ConnectivityConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"` // 0 disables checking
	CheckTimeout  time.Duration `yaml:"check_timeout"`
	CheckPath     string        `yaml:"check_path"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		APIBaseURL:  "http://localhost:8000/api",
		DataDir:     "./data",
		ListenAddr:  "127.0.0.1:8091",
		LogLevel:    "info",
		HTTPTimeout: 15 * time.Second,
		Sync: SyncConfig{
			Interval:              5 * time.Second,
			BackoffBase:           2 * time.Second,
			BackoffMax:            5 * time.Minute,
			MaxRetries:            5,
			PreserveOrderSequence: true,
		},
		Location: LocationConfig{
			BaseInterval:    10 * time.Second,
			AccuracyCeiling: 50,
			StationarySpeed: 1.0,
			SyncBatchSize:   50,
		},
		Connectivity: ConnectivityConfig{
			CheckInterval: 15 * time.Second,
			CheckTimeout:  3 * time.Second,
			CheckPath:     "/health",
		},
	}
}

// Load builds the configuration. configPath may be empty; envFiles default to
// ".env" and a missing .env file is not an error.
func Load(configPath string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "parse config file", err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "load env file "+f, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.APIBaseURL, "DRIVERSYNC_API_URL")
	setString(&c.AuthToken, "DRIVERSYNC_AUTH_TOKEN")
	setString(&c.DeviceSecret, "DRIVERSYNC_DEVICE_SECRET")
	setString(&c.DataDir, "DRIVERSYNC_DATA_DIR")
	setString(&c.ListenAddr, "DRIVERSYNC_LISTEN_ADDR")
	setString(&c.LogLevel, "DRIVERSYNC_LOG_LEVEL")

	if err := setDuration(&c.HTTPTimeout, "DRIVERSYNC_HTTP_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Sync.Interval, "DRIVERSYNC_SYNC_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Location.BaseInterval, "DRIVERSYNC_LOCATION_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Connectivity.CheckInterval, "DRIVERSYNC_CHECK_INTERVAL"); err != nil {
		return err
	}
	if v := os.Getenv("DRIVERSYNC_ACCURACY_CEILING"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "DRIVERSYNC_ACCURACY_CEILING", err)
		}
		c.Location.AccuracyCeiling = f
	}
	if v := os.Getenv("DRIVERSYNC_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "DRIVERSYNC_MAX_RETRIES", err)
		}
		c.Sync.MaxRetries = n
	}
	return nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return apperrors.New(apperrors.ErrConfigInvalid, fmt.Sprintf("api_base_url %q is not an absolute URL", c.APIBaseURL))
	}
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrConfigInvalid, "data_dir is required")
	}
	if c.Sync.Interval <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "sync.interval must be positive")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return apperrors.New(apperrors.ErrConfigInvalid, "sync backoff must satisfy 0 < backoff_base <= backoff_max")
	}
	if c.Sync.MaxRetries < 1 || c.Sync.MaxRetries > queue.MaxRetries {
		return apperrors.New(apperrors.ErrConfigInvalid,
			fmt.Sprintf("sync.max_retries must be between 1 and %d", queue.MaxRetries))
	}
	if c.Location.BaseInterval <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "location.base_interval must be positive")
	}
	if c.Location.AccuracyCeiling <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "location.accuracy_ceiling must be positive")
	}
	if c.Location.SyncBatchSize <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "location.sync_batch_size must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "http_timeout must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, key, err)
	}
	*dst = d
	return nil
}
