package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"arena/internal/game"
	"arena/internal/metrics"
	"arena/internal/oracle"
	"arena/internal/store"
)

// PriceFeed is the oracle surface used by the gateway
type PriceFeed interface {
	GetCurrentPrice(ctx context.Context) (*oracle.Snapshot, error)
	Subscribe(fn func(oracle.PriceUpdate), interval time.Duration) func()
}

// StatsStore serves persisted player stats
type StatsStore interface {
	PlayerStats(ctx context.Context, wallet string) (store.PlayerStats, error)
	RecentGames(ctx context.Context, wallet string, limit int) ([]store.GameRecord, error)
	Leaderboard(ctx context.Context, limit int) ([]store.PlayerStats, error)
}

// PriceCache serves the last mirrored snapshot when upstream is down
type PriceCache interface {
	Latest(ctx context.Context, asset string) (*oracle.Snapshot, error)
}

// Options tunes the HTTP and socket surface
type Options struct {
	RateLimit      int // per IP on /api
	RateWindow     time.Duration
	IntentLimit    int // per socket connection
	IntentWindow   time.Duration
	PriceInterval  time.Duration
	Asset          string // key for PriceCache lookups
	MetricsEnabled bool
	Clock          clockwork.Clock
}

// DefaultOptions mirrors the config defaults
func DefaultOptions() Options {
	return Options{
		RateLimit:      100,
		RateWindow:     time.Minute,
		IntentLimit:    20,
		IntentWindow:   time.Second,
		PriceInterval:  2 * time.Second,
		Asset:          "SOL/USD",
		MetricsEnabled: true,
	}
}

type Server struct {
	engine        *game.Engine
	hub           *Hub
	prices        PriceFeed
	cache         PriceCache
	stats         StatsStore
	opts          Options
	rateLimiter   *RateLimiter
	intentLimiter *RateLimiter
	upgrader      websocket.Upgrader
	corsOrigins   []string // Allowed CORS origins (empty = allow all)
}

// NewServer wires the gateway. stats may be nil when persistence is disabled.
func NewServer(engine *game.Engine, hub *Hub, prices PriceFeed, stats StatsStore, opts Options) *Server {
	s := &Server{
		engine:        engine,
		hub:           hub,
		prices:        prices,
		stats:         stats,
		opts:          opts,
		rateLimiter:   NewRateLimiter(opts.RateLimit, opts.RateWindow, opts.Clock),
		intentLimiter: NewRateLimiter(opts.IntentLimit, opts.IntentWindow, opts.Clock),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// SetCORSOrigins sets the allowed CORS origins.
// Pass an empty slice to allow all origins (development).
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

// SetPriceCache enables the stale price fallback on /api/price
func (s *Server) SetPriceCache(c PriceCache) {
	s.cache = c
}

func (s *Server) checkCORSOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimiter.Middleware)

		r.Get("/stats", s.handleStats)
		r.Get("/price", s.handlePrice)
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/players/{wallet}/stats", s.handlePlayerStats)
		r.Get("/players/{wallet}/games", s.handlePlayerGames)
	})

	r.Get("/ws", s.handleWebSocket)

	if s.opts.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type healthResponse struct {
	game.Health
	Connections int `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Health: s.engine.Health(), Connections: s.hub.Count()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queueSize":    h.Matchmaking.QueueSize,
		"pendingPairs": h.Matchmaking.PendingPairs,
		"activeGames":  h.Matchmaking.ActiveGames,
		"activeRounds": h.ActiveRounds,
		"connections":  s.hub.Count(),
	})
}

type priceResponse struct {
	Asset      string  `json:"asset"`
	Price      float64 `json:"price"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Timestamp  int64   `json:"timestamp"` // unix ms
	Stale      bool    `json:"stale,omitempty"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	stale := false
	snap, err := s.prices.GetCurrentPrice(r.Context())
	if err != nil && s.cache != nil {
		cached, cacheErr := s.cache.Latest(r.Context(), s.opts.Asset)
		if cacheErr == nil {
			log.Warn().Err(err).Msg("upstream price unavailable, serving mirrored price")
			snap, err, stale = cached, nil, true
		} else {
			log.Debug().Err(cacheErr).Msg("mirrored price unavailable")
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("price request failed")
		writeError(w, http.StatusServiceUnavailable, "price unavailable")
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{
		Asset:      snap.Asset,
		Price:      snap.Price,
		Confidence: snap.Confidence,
		Source:     snap.Source,
		Timestamp:  snap.TimestampMs(),
		Stale:      stale,
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	players, err := s.stats.Leaderboard(r.Context(), limitParam(r, 20))
	if err != nil {
		log.Error().Err(err).Msg("leaderboard query failed")
		writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}
	writeJSON(w, http.StatusOK, players)
}

func (s *Server) handlePlayerStats(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.walletParam(w, r)
	if !ok {
		return
	}
	ps, err := s.stats.PlayerStats(r.Context(), wallet)
	if err != nil {
		log.Error().Err(err).Str("wallet", wallet).Msg("stats query failed")
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handlePlayerGames(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.walletParam(w, r)
	if !ok {
		return
	}
	games, err := s.stats.RecentGames(r.Context(), wallet, limitParam(r, 20))
	if err != nil {
		log.Error().Err(err).Str("wallet", wallet).Msg("games query failed")
		writeError(w, http.StatusInternalServerError, "failed to load games")
		return
	}
	writeJSON(w, http.StatusOK, games)
}

func (s *Server) walletParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return "", false
	}
	wallet := chi.URLParam(r, "wallet")
	if !game.ValidWallet(wallet) {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return "", false
	}
	return wallet, true
}

func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 100 {
		return n
	}
	return def
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		id:   "conn_" + uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	s.hub.Register(client)

	log.Debug().Str("conn_id", client.id).Str("remote", clientIP(r)).Msg("websocket connected")

	go client.WritePump()
	go client.ReadPump(s.dispatch, s.disconnect)
}

var knownIntents = map[string]bool{
	game.IntentJoinMatchmaking:  true,
	game.IntentMakePrediction:   true,
	game.IntentLeaveGame:        true,
	game.IntentSubscribePrice:   true,
	game.IntentUnsubscribePrice: true,
}

// dispatch handles one client frame. Frames from a connection are processed
// in order by its read goroutine.
func (s *Server) dispatch(c *Client, message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
		s.reject(c, "", game.Invalid(game.ErrMalformed))
		return
	}
	if !s.intentLimiter.Allow(c.id) {
		s.reject(c, env.Event, game.ErrRateLimited)
		return
	}

	var err error
	switch env.Event {
	case game.IntentJoinMatchmaking:
		var p game.JoinPayload
		if !s.decode(c, env, &p) {
			return
		}
		wallet := strings.TrimSpace(p.WalletAddress)
		if bound := s.hub.Wallet(c.id); bound != "" && bound != wallet {
			s.reject(c, env.Event, game.ErrWalletMismatch)
			return
		}
		if err = s.engine.JoinMatchmaking(c.id, p); err == nil {
			err = s.hub.Bind(c.id, wallet)
		}

	case game.IntentMakePrediction:
		var p game.PredictionPayload
		if !s.decode(c, env, &p) {
			return
		}
		err = s.engine.MakePrediction(c.id, s.hub.Wallet(c.id), p)

	case game.IntentLeaveGame:
		var p game.LeavePayload
		if !s.decode(c, env, &p) {
			return
		}
		err = s.engine.LeaveGame(c.id, s.hub.Wallet(c.id), p)

	case game.IntentSubscribePrice:
		if c.unsubscribePrice == nil {
			id := c.id
			c.unsubscribePrice = s.prices.Subscribe(func(u oracle.PriceUpdate) {
				s.hub.Emit(id, game.EventPriceUpdate, game.NewPriceUpdatePayload(u))
			}, s.opts.PriceInterval)
		}

	case game.IntentUnsubscribePrice:
		if c.unsubscribePrice != nil {
			c.unsubscribePrice()
			c.unsubscribePrice = nil
		}

	default:
		s.reject(c, "", game.Invalid(game.ErrUnknownIntent))
		return
	}

	result := "ok"
	if err != nil {
		result = string(game.CodeFor(err))
	}
	metrics.IntentsTotal.WithLabelValues(env.Event, result).Inc()
}

func (s *Server) decode(c *Client, env Envelope, v interface{}) bool {
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.reject(c, env.Event, game.Invalid(game.ErrMalformed))
		return false
	}
	return true
}

// reject reports a gateway-level failure that never reached the engine
func (s *Server) reject(c *Client, event string, err error) {
	code := game.CodeFor(err)
	if !knownIntents[event] {
		event = "unknown"
	}
	log.Warn().Err(err).Str("conn_id", c.id).Str("event", event).Msg("intent rejected")
	metrics.IntentsTotal.WithLabelValues(event, string(code)).Inc()
	s.hub.Emit(c.id, game.EventError, game.ErrorFor(err))
}

func (s *Server) disconnect(c *Client) {
	if c.unsubscribePrice != nil {
		c.unsubscribePrice()
		c.unsubscribePrice = nil
	}
	s.intentLimiter.Forget(c.id)

	wallet := s.hub.Unregister(c)
	log.Debug().Str("conn_id", c.id).Str("wallet", wallet).Msg("websocket disconnected")
	if wallet != "" {
		s.engine.Disconnect(wallet)
	}
}

// Shutdown closes every socket and stops the rate limiters
func (s *Server) Shutdown() {
	s.hub.Close()
	s.rateLimiter.Stop()
	s.intentLimiter.Stop()
}
