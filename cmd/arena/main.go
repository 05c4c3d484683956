package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"arena/internal/api"
	"arena/internal/config"
	"arena/internal/events"
	"arena/internal/game"
	"arena/internal/logging"
	"arena/internal/oracle"
	"arena/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("ARENA_CONFIG"), "path to TOML config file")
	port := flag.Int("port", 0, "server port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	clock := clockwork.NewRealClock()

	// Price oracle
	prices := newOracle(cfg)
	prices.SetClock(clock)

	var rdb *redis.Client
	var mirror *oracle.RedisMirror
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, price mirror will retry per write")
		}
		cancel()
		mirror = oracle.NewRedisMirror(rdb, time.Minute)
		prices.SetMirror(mirror)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("price mirror enabled")
	}

	// Results store
	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.New(cfg.Store.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to initialize database")
		}
	}

	// Lifecycle events
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		np, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("nats unavailable, lifecycle events disabled")
		} else {
			publisher = np
			log.Info().Str("url", cfg.NATS.URL).Msg("publishing lifecycle events")
		}
	}

	hub := api.NewHub()

	gameCfg := game.DefaultConfig()
	gameCfg.RoundDuration = cfg.Game.RoundDuration.Duration
	gameCfg.ResultGrace = cfg.Game.ResultGrace.Duration
	gameCfg.SweepInterval = cfg.Game.SweepInterval.Duration
	gameCfg.StaleAfter = cfg.Game.StaleAfter.Duration
	gameCfg.ResolveTimeout = cfg.Game.ResolveTimeout.Duration

	engine := game.NewEngine(gameCfg, prices, hub, clock)
	engine.SetPublisher(publisher)

	var stats api.StatsStore
	if st != nil {
		engine.SetRecorder(st)
		stats = st
	}
	engine.Start()

	server := api.NewServer(engine, hub, prices, stats, api.Options{
		RateLimit:      cfg.Server.RateLimit,
		RateWindow:     cfg.Server.RateWindow.Duration,
		IntentLimit:    cfg.Server.IntentLimit,
		IntentWindow:   cfg.Server.IntentWindow.Duration,
		PriceInterval:  cfg.Game.PriceInterval.Duration,
		Asset:          cfg.Oracle.Asset,
		MetricsEnabled: cfg.Server.MetricsEnabled,
		Clock:          clock,
	})
	if mirror != nil {
		server.SetPriceCache(mirror)
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		server.SetCORSOrigins(cfg.Server.CORSOrigins)
		log.Info().Strs("origins", cfg.Server.CORSOrigins).Msg("CORS restricted")
	}

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", addr).
			Str("asset", cfg.Oracle.Asset).
			Str("oracle", cfg.Oracle.Source).
			Dur("round", gameCfg.RoundDuration).
			Str("database", cfg.Store.Path).
			Msg("starting arena server")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	server.Shutdown()

	// Stops the sweeper and any armed rounds
	engine.Stop()
	prices.Close()
	log.Info().Msg("engine stopped")

	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("event publisher close error")
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("redis close error")
		}
	}
	if st != nil {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
	}

	log.Info().Msg("server shutdown complete")
}

// newOracle builds the price client for the configured source. Hermes runs
// with Jupiter as the fallback when enabled.
func newOracle(cfg *config.Config) *oracle.Client {
	oc := cfg.Oracle

	var primary, fallback oracle.Source
	switch oc.Source {
	case "synthetic":
		primary = oracle.NewSyntheticSource(oc.Asset, oc.SyntheticStart, oc.SyntheticVol)
	default:
		primary = oracle.NewHermesSource(oc.HermesURL, oc.FeedID, oc.Asset, oc.RequestTimeout.Duration)
		if oc.FallbackEnabled && oc.JupiterURL != "" {
			fallback = oracle.NewJupiterSource(oc.JupiterURL, oc.JupiterID, oc.Asset, oc.RequestTimeout.Duration)
		}
	}

	return oracle.NewClient(primary, fallback, oracle.Config{
		Asset:            oc.Asset,
		CacheTTL:         oc.CacheTTL.Duration,
		RetryAttempts:    oc.RetryAttempts,
		RetryDelay:       oc.RetryDelay.Duration,
		EnableFallback:   fallback != nil,
		MinPrice:         oc.MinPrice,
		MaxPrice:         oc.MaxPrice,
		MaxChangePercent: oc.MaxChangePercent,
	})
}
