package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Lobby    LobbyConfig    `mapstructure:"lobby"`
	Database DatabaseConfig `mapstructure:"database"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
}

type LobbyConfig struct {
	Cache      CacheConfig      `mapstructure:"cache"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Status     StatusConfig     `mapstructure:"status"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

type CacheConfig struct {
	ListingTTL    time.Duration `mapstructure:"listing_ttl"`
	SearchTTL     time.Duration `mapstructure:"search_ttl"`
	StatsTTL      time.Duration `mapstructure:"stats_ttl"`
	SearchCap     int           `mapstructure:"search_cap"`
	SearchEvict   int           `mapstructure:"search_evict"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ReconcilerConfig struct {
	Debounce        time.Duration `mapstructure:"debounce"`
	MaxWait         time.Duration `mapstructure:"max_wait"`
	MaxBatch        int           `mapstructure:"max_batch"`
	StatsThreshold  int           `mapstructure:"stats_threshold"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

type StatusConfig struct {
	Tick            time.Duration `mapstructure:"tick"`
	TTL             time.Duration `mapstructure:"ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	QueueCap        int           `mapstructure:"queue_cap"`
	OverflowBatch   int           `mapstructure:"overflow_batch"`
	ActiveThreshold float64       `mapstructure:"active_threshold"`
}

// RateLimitConfig is applied per connection and per inbound operation.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // memory | sqlite | postgres
	DSN    string `mapstructure:"dsn"`
	Seed   bool   `mapstructure:"seed"`
}

type IngestConfig struct {
	Topic  string `mapstructure:"topic"`
	Buffer int64  `mapstructure:"buffer"`
}

var ErrInvalidConfig = errors.New("invalid config")

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "lobby-dev-secret")

	v.SetDefault("lobby.cache.listing_ttl", "30s")
	v.SetDefault("lobby.cache.search_ttl", "60s")
	v.SetDefault("lobby.cache.stats_ttl", "120s")
	v.SetDefault("lobby.cache.search_cap", 100)
	v.SetDefault("lobby.cache.search_evict", 20)
	v.SetDefault("lobby.cache.sweep_interval", "60s")

	v.SetDefault("lobby.reconciler.debounce", "1s")
	v.SetDefault("lobby.reconciler.max_wait", "10s")
	v.SetDefault("lobby.reconciler.max_batch", 50)
	v.SetDefault("lobby.reconciler.stats_threshold", 5)
	v.SetDefault("lobby.reconciler.metrics_interval", "5m")

	v.SetDefault("lobby.status.tick", "2s")
	v.SetDefault("lobby.status.ttl", "30s")
	v.SetDefault("lobby.status.sweep_interval", "30s")
	v.SetDefault("lobby.status.queue_cap", 100)
	v.SetDefault("lobby.status.overflow_batch", 10)
	v.SetDefault("lobby.status.active_threshold", 0.3)

	v.SetDefault("lobby.rate_limit.per_second", 5)
	v.SetDefault("lobby.rate_limit.burst", 10)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.seed", false)

	v.SetDefault("ingest.topic", "lobby.room.lifecycle")
	v.SetDefault("ingest.buffer", 256)
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("database", cfg.Database.Driver).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	positive := map[string]time.Duration{
		"lobby.cache.listing_ttl":           c.Lobby.Cache.ListingTTL,
		"lobby.cache.search_ttl":            c.Lobby.Cache.SearchTTL,
		"lobby.cache.stats_ttl":             c.Lobby.Cache.StatsTTL,
		"lobby.cache.sweep_interval":        c.Lobby.Cache.SweepInterval,
		"lobby.reconciler.debounce":         c.Lobby.Reconciler.Debounce,
		"lobby.reconciler.metrics_interval": c.Lobby.Reconciler.MetricsInterval,
		"lobby.status.tick":                 c.Lobby.Status.Tick,
		"lobby.status.ttl":                  c.Lobby.Status.TTL,
		"lobby.status.sweep_interval":       c.Lobby.Status.SweepInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
		}
	}
	if c.Lobby.Reconciler.MaxWait < 0 {
		return fmt.Errorf("%w: lobby.reconciler.max_wait must not be negative", ErrInvalidConfig)
	}
	caps := map[string]int{
		"lobby.cache.search_cap":      c.Lobby.Cache.SearchCap,
		"lobby.cache.search_evict":    c.Lobby.Cache.SearchEvict,
		"lobby.reconciler.max_batch":  c.Lobby.Reconciler.MaxBatch,
		"lobby.status.queue_cap":      c.Lobby.Status.QueueCap,
		"lobby.status.overflow_batch": c.Lobby.Status.OverflowBatch,
		"lobby.rate_limit.burst":      c.Lobby.RateLimit.Burst,
	}
	for key, n := range caps {
		if n <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
		}
	}
	if c.Lobby.Status.ActiveThreshold < 0 || c.Lobby.Status.ActiveThreshold > 1 {
		return fmt.Errorf("%w: lobby.status.active_threshold must be within [0,1]", ErrInvalidConfig)
	}
	if c.Secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfig)
	}
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	return nil
}
