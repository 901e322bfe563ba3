package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration values.
//
// Sources, highest precedence first: DATAOPS_* environment variables, the
// YAML file named by DATAOPS_CONFIG, built-in defaults. Nested keys map to
// environment names with underscores, e.g. cache.backend -> DATAOPS_CACHE_BACKEND.
type Config struct {
	LogLevel string `mapstructure:"log_level" validate:"oneof=DEBUG INFO WARN WARNING ERROR"`
	LogFile  string `mapstructure:"log_file"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Surreal SurrealConfig `mapstructure:"surreal"`
	Events  EventsConfig  `mapstructure:"events"`
	Storage StorageConfig `mapstructure:"storage"`
	Lock    LockConfig    `mapstructure:"lock"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// CacheConfig selects the store behind locks and the job ledger.
type CacheConfig struct {
	// Backend is "badger" (embedded, single replica) or "surreal" (shared).
	Backend  string        `mapstructure:"backend" validate:"oneof=badger surreal"`
	Dir      string        `mapstructure:"dir" validate:"required_if=Backend badger InMemory false"`
	InMemory bool          `mapstructure:"in_memory"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gt=0"`
	// PurgeInterval drives expired-row cleanup on the surreal backend.
	PurgeInterval time.Duration `mapstructure:"purge_interval" validate:"gt=0"`
}

// SurrealConfig holds SurrealDB connection settings.
type SurrealConfig struct {
	URL       string `mapstructure:"url" validate:"required"`
	Namespace string `mapstructure:"namespace" validate:"required"`
	Database  string `mapstructure:"database" validate:"required"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	AuthLevel string `mapstructure:"auth_level" validate:"oneof=root database"`
}

// EventsConfig configures where dispatched work is published.
type EventsConfig struct {
	// SendMessageURL is the queue producer endpoint; empty disables HTTP publishing.
	SendMessageURL string        `mapstructure:"send_message_url" validate:"omitempty,url"`
	Outbox         bool          `mapstructure:"outbox"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// StorageConfig locates the zone roots used to build trash paths.
type StorageConfig struct {
	GreenroomRoot string `mapstructure:"greenroom_root" validate:"required"`
	CoreRoot      string `mapstructure:"core_root" validate:"required"`
}

// LockConfig tunes the resource lock.
type LockConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=1"`
}

var defaults = map[string]any{
	"log_level":               "INFO",
	"log_file":                "",
	"http.addr":               ":5063",
	"http.shutdown_timeout":   10 * time.Second,
	"cache.backend":           "badger",
	"cache.dir":               "/var/lib/dataops/cache",
	"cache.in_memory":         false,
	"cache.ttl":               24 * time.Hour,
	"cache.purge_interval":    time.Minute,
	"surreal.url":             "ws://localhost:8000/rpc",
	"surreal.namespace":       "dataops",
	"surreal.database":        "metadata",
	"surreal.username":        "root",
	"surreal.password":        "root",
	"surreal.auth_level":      "root",
	"events.send_message_url": "",
	"events.outbox":           true,
	"events.timeout":          10 * time.Second,
	"storage.greenroom_root":  "/data/vre-storage",
	"storage.core_root":       "/vre-data",
	"lock.max_attempts":       8,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from defaults, the optional YAML file named by
// DATAOPS_CONFIG and DATAOPS_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("DATAOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("DATAOPS_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", formatValidationError(err))
	}
	return &cfg, nil
}

// formatValidationError flattens validator output into one line per field.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// SlogLevel converts LogLevel for the logger.
func (c *Config) SlogLevel() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
