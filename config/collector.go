package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// CollectorConfig is the hostwatch-collector configuration.
type CollectorConfig struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`
	Alerts    AlertsConfig    `yaml:"alerts" mapstructure:"alerts"`
	Leader    LeaderConfig    `yaml:"leader" mapstructure:"leader"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr          string        `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port"`
	ReadTimeout   time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout  time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" mapstructure:"shutdown_grace" validate:"gt=0"`
}

// AuthConfig lists the accepted agent client keys.
type AuthConfig struct {
	ClientKeys []string `yaml:"client_keys" mapstructure:"client_keys" validate:"min=1,dive,required"`
}

// StorageConfig selects and configures the storage engine.
type StorageConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	DSN      string `yaml:"dsn" mapstructure:"dsn" validate:"required"`
	PoolSize int    `yaml:"pool_size" mapstructure:"pool_size" validate:"gte=0"`
}

// IngestConfig configures per-agent throttling, in reports per second, and
// how long a silent session is kept open.
type IngestConfig struct {
	Rate            float64       `yaml:"rate" mapstructure:"rate" validate:"gte=0"`
	Burst           int           `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" mapstructure:"max_message_bytes" validate:"gte=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"gt=0"`
}

// RetentionConfig is the maximum age per granularity. Zero keeps forever.
type RetentionConfig struct {
	Second   time.Duration `yaml:"second" mapstructure:"second" validate:"gte=0"`
	Minute   time.Duration `yaml:"minute" mapstructure:"minute" validate:"gte=0"`
	Hour     time.Duration `yaml:"hour" mapstructure:"hour" validate:"gte=0"`
	Day      time.Duration `yaml:"day" mapstructure:"day" validate:"gte=0"`
	Week     time.Duration `yaml:"week" mapstructure:"week" validate:"gte=0"`
	Month    time.Duration `yaml:"month" mapstructure:"month" validate:"gte=0"`
	Year     time.Duration `yaml:"year" mapstructure:"year" validate:"gte=0"`
	Health   time.Duration `yaml:"health" mapstructure:"health" validate:"gte=0"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval" validate:"gt=0"`
}

// ByName returns the bucket retention keyed by granularity name.
func (r RetentionConfig) ByName() map[string]time.Duration {
	return map[string]time.Duration{
		"second": r.Second,
		"minute": r.Minute,
		"hour":   r.Hour,
		"day":    r.Day,
		"week":   r.Week,
		"month":  r.Month,
		"year":   r.Year,
	}
}

// AlertsConfig configures the health alert dispatcher.
type AlertsConfig struct {
	Interval      time.Duration `yaml:"interval" mapstructure:"interval" validate:"gt=0"`
	Publisher     string        `yaml:"publisher" mapstructure:"publisher" validate:"required,oneof=log redis"`
	RedisAddr     string        `yaml:"redis_addr" mapstructure:"redis_addr" validate:"required_if=Publisher redis"`
	RedisPassword string        `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int           `yaml:"redis_db" mapstructure:"redis_db" validate:"gte=0"`
	Stream        string        `yaml:"stream" mapstructure:"stream" validate:"required"`
	MaxLen        int64         `yaml:"max_len" mapstructure:"max_len" validate:"gte=0"`
}

// LeaderConfig configures the lease that picks which collector instance
// runs alert dispatch and retention. The lease lives in Redis when the redis
// publisher is configured, otherwise it is process-local.
type LeaderConfig struct {
	Key string        `yaml:"key" mapstructure:"key" validate:"required"`
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl" validate:"gte=3s"`
}

// NewDefaultCollectorConfig returns the collector defaults.
func NewDefaultCollectorConfig() *CollectorConfig {
	day := 24 * time.Hour
	return &CollectorConfig{
		Server: ServerConfig{
			Addr:          ":8443",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:   "sqlite",
			DSN:      "hostwatch.db",
			PoolSize: 8,
		},
		Ingest: IngestConfig{
			Rate:            5,
			Burst:           10,
			MaxMessageBytes: 4 << 20,
			IdleTimeout:     60 * time.Second,
		},
		Retention: RetentionConfig{
			Second:   day,
			Minute:   7 * day,
			Hour:     90 * day,
			Day:      730 * day,
			Week:     1825 * day,
			Month:    3650 * day,
			Year:     0,
			Health:   90 * day,
			Interval: 10 * time.Minute,
		},
		Alerts: AlertsConfig{
			Interval:  30 * time.Second,
			Publisher: "log",
			Stream:    "hostwatch:alerts",
			MaxLen:    10000,
		},
		Leader: LeaderConfig{
			Key: "hostwatch:leader",
			TTL: 15 * time.Second,
		},
		Log: defaultLogConfig(),
	}
}

// LoadCollectorConfig loads the collector configuration for cmd.
func LoadCollectorConfig(cmd *cobra.Command) (*CollectorConfig, error) {
	cfg := NewDefaultCollectorConfig()
	err := load(cmd, cfg,
		map[string]string{
			FlagLogLevel:     "log.level",
			"listen":         "server.addr",
			"storage-driver": "storage.driver",
			"storage-dsn":    "storage.dsn",
		},
		[]string{"storage.dsn", "auth.client_keys", "alerts.redis_addr", "alerts.redis_password"},
	)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// AddCollectorFlags registers the collector-specific flags.
func AddCollectorFlags(cmd *cobra.Command) {
	d := NewDefaultCollectorConfig()
	AddCommonFlags(cmd, d.Log.Level)
	cmd.PersistentFlags().String("listen", d.Server.Addr, "listen address for /agent, /metrics and /health")
	cmd.PersistentFlags().String("storage-driver", d.Storage.Driver, "storage driver (postgres or sqlite)")
	cmd.PersistentFlags().String("storage-dsn", d.Storage.DSN, "postgres DSN or sqlite database path")
}

func (c *CollectorConfig) Validate() error {
	return valid.Struct(c)
}
