package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the configuration from the defaults, the TOML file at path (if
// path is non-empty) and ARENA_* environment variables, in that order. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Server
	setInt(&cfg.Server.Port, "ARENA_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARENA_CORS_ORIGINS")
	setStringSlice(&cfg.Server.CORSOrigins, "FRONTEND_URL")
	setInt(&cfg.Server.RateLimit, "ARENA_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ARENA_RATE_WINDOW")
	setInt(&cfg.Server.IntentLimit, "ARENA_INTENT_LIMIT")
	setDuration(&cfg.Server.IntentWindow, "ARENA_INTENT_WINDOW")
	setBool(&cfg.Server.MetricsEnabled, "ARENA_METRICS_ENABLED")

	// Oracle
	setStr(&cfg.Oracle.Source, "ARENA_ORACLE_SOURCE")
	setStr(&cfg.Oracle.Asset, "ARENA_ORACLE_ASSET")
	setStr(&cfg.Oracle.HermesURL, "ARENA_ORACLE_HERMES_URL")
	setStr(&cfg.Oracle.FeedID, "ARENA_ORACLE_FEED_ID")
	setBool(&cfg.Oracle.FallbackEnabled, "ARENA_ORACLE_FALLBACK_ENABLED")
	setStr(&cfg.Oracle.JupiterURL, "ARENA_ORACLE_JUPITER_URL")
	setDuration(&cfg.Oracle.CacheTTL, "ARENA_ORACLE_CACHE_TTL")
	setDuration(&cfg.Oracle.RequestTimeout, "ARENA_ORACLE_REQUEST_TIMEOUT")
	setInt(&cfg.Oracle.RetryAttempts, "ARENA_ORACLE_RETRY_ATTEMPTS")
	setDuration(&cfg.Oracle.RetryDelay, "ARENA_ORACLE_RETRY_DELAY")
	setFloat64(&cfg.Oracle.MinPrice, "ARENA_ORACLE_MIN_PRICE")
	setFloat64(&cfg.Oracle.MaxPrice, "ARENA_ORACLE_MAX_PRICE")
	setFloat64(&cfg.Oracle.MaxChangePercent, "ARENA_ORACLE_MAX_CHANGE_PERCENT")

	// Game
	setDuration(&cfg.Game.RoundDuration, "ARENA_ROUND_DURATION")
	setDuration(&cfg.Game.ResultGrace, "ARENA_RESULT_GRACE")
	setDuration(&cfg.Game.SweepInterval, "ARENA_SWEEP_INTERVAL")
	setDuration(&cfg.Game.StaleAfter, "ARENA_STALE_AFTER")
	setDuration(&cfg.Game.ResolveTimeout, "ARENA_RESOLVE_TIMEOUT")
	setDuration(&cfg.Game.PriceInterval, "ARENA_PRICE_INTERVAL")

	// Collaborators
	setStr(&cfg.Store.Path, "ARENA_STORE_PATH")
	setStr(&cfg.Redis.Addr, "ARENA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARENA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARENA_REDIS_DB")
	setStr(&cfg.NATS.URL, "ARENA_NATS_URL")
	setStr(&cfg.NATS.SubjectPrefix, "ARENA_NATS_SUBJECT_PREFIX")

	setStr(&cfg.LogLevel, "ARENA_LOG_LEVEL")
	setStr(&cfg.LogFormat, "ARENA_LOG_FORMAT")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
