// Package config defines the arena server configuration and its defaults.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from an optional TOML
// file and then overridden by ARENA_* environment variables.
type Config struct {
	Server    ServerConfig `toml:"server"`
	Oracle    OracleConfig `toml:"oracle"`
	Game      GameConfig   `toml:"game"`
	Store     StoreConfig  `toml:"store"`
	Redis     RedisConfig  `toml:"redis"`
	NATS      NATSConfig   `toml:"nats"`
	LogLevel  string       `toml:"log_level"`
	LogFormat string       `toml:"log_format"`
}

// ServerConfig controls the HTTP and websocket surface.
type ServerConfig struct {
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	RateLimit      int      `toml:"rate_limit"` // requests per window per IP on /api
	RateWindow     duration `toml:"rate_window"`
	IntentLimit    int      `toml:"intent_limit"` // socket intents per window per connection
	IntentWindow   duration `toml:"intent_window"`
	MetricsEnabled bool     `toml:"metrics_enabled"`
}

// OracleConfig controls price fetching for the tracked asset.
type OracleConfig struct {
	Source           string   `toml:"source"` // "hermes" or "synthetic"
	Asset            string   `toml:"asset"`
	HermesURL        string   `toml:"hermes_url"`
	FeedID           string   `toml:"feed_id"`
	FallbackEnabled  bool     `toml:"fallback_enabled"`
	JupiterURL       string   `toml:"jupiter_url"`
	JupiterID        string   `toml:"jupiter_id"`
	CacheTTL         duration `toml:"cache_ttl"`
	RequestTimeout   duration `toml:"request_timeout"`
	RetryAttempts    int      `toml:"retry_attempts"`
	RetryDelay       duration `toml:"retry_delay"`
	MinPrice         float64  `toml:"min_price"`
	MaxPrice         float64  `toml:"max_price"`
	MaxChangePercent float64  `toml:"max_change_percent"`
	SyntheticStart   float64  `toml:"synthetic_start"`
	SyntheticVol     float64  `toml:"synthetic_volatility"`
}

// GameConfig controls round timing and session housekeeping.
type GameConfig struct {
	RoundDuration  duration `toml:"round_duration"`
	ResultGrace    duration `toml:"result_grace"`
	SweepInterval  duration `toml:"sweep_interval"`
	StaleAfter     duration `toml:"stale_after"`
	ResolveTimeout duration `toml:"resolve_timeout"`
	PriceInterval  duration `toml:"price_interval"`
}

// StoreConfig points at the sqlite results database. Empty disables it.
type StoreConfig struct {
	Path string `toml:"path"`
}

// RedisConfig enables the live price mirror when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// NATSConfig enables lifecycle event publishing when URL is set.
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// duration wraps time.Duration so it can be written as "5s" in TOML.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           3000,
			RateLimit:      100,
			RateWindow:     duration{time.Minute},
			IntentLimit:    20,
			IntentWindow:   duration{time.Second},
			MetricsEnabled: true,
		},
		Oracle: OracleConfig{
			Source:           "hermes",
			Asset:            "SOL/USD",
			HermesURL:        "https://hermes.pyth.network",
			FeedID:           "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d",
			FallbackEnabled:  true,
			JupiterURL:       "https://price.jup.ag/v6/price",
			JupiterID:        "SOL",
			CacheTTL:         duration{5 * time.Second},
			RequestTimeout:   duration{8 * time.Second},
			RetryAttempts:    3,
			RetryDelay:       duration{time.Second},
			MinPrice:         1,
			MaxPrice:         10000,
			MaxChangePercent: 50,
			SyntheticStart:   150,
			SyntheticVol:     0.002,
		},
		Game: GameConfig{
			RoundDuration:  duration{30 * time.Second},
			ResultGrace:    duration{10 * time.Second},
			SweepInterval:  duration{time.Minute},
			StaleAfter:     duration{5 * time.Minute},
			ResolveTimeout: duration{30 * time.Second},
			PriceInterval:  duration{2 * time.Second},
		},
		Store: StoreConfig{
			Path: "arena.db",
		},
		NATS: NATSConfig{
			SubjectPrefix: "arena",
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Oracle.Source {
	case "hermes":
		if c.Oracle.HermesURL == "" || c.Oracle.FeedID == "" {
			errs = append(errs, "oracle.hermes_url and oracle.feed_id are required for the hermes source")
		}
	case "synthetic":
	default:
		errs = append(errs, fmt.Sprintf("oracle.source %q must be hermes or synthetic", c.Oracle.Source))
	}
	if c.Oracle.RetryAttempts < 1 {
		errs = append(errs, "oracle.retry_attempts must be at least 1")
	}
	if c.Oracle.MinPrice <= 0 || c.Oracle.MaxPrice <= c.Oracle.MinPrice {
		errs = append(errs, "oracle.min_price must be positive and below oracle.max_price")
	}
	if c.Oracle.MaxChangePercent <= 0 {
		errs = append(errs, "oracle.max_change_percent must be positive")
	}
	if c.Game.RoundDuration.Duration <= 0 {
		errs = append(errs, "game.round_duration must be positive")
	}
	if c.Game.StaleAfter.Duration <= c.Game.RoundDuration.Duration {
		errs = append(errs, "game.stale_after must exceed game.round_duration")
	}
	if c.Game.SweepInterval.Duration <= 0 {
		errs = append(errs, "game.sweep_interval must be positive")
	}
	if c.Game.PriceInterval.Duration <= 0 {
		errs = append(errs, "game.price_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
