package game

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"arena/internal/events"
	"arena/internal/matchmaking"
	"arena/internal/metrics"
	"arena/internal/oracle"
	"arena/internal/round"
	"arena/internal/store"
)

// Emitter delivers an event to one connection. Unknown connections are ignored.
type Emitter interface {
	Emit(connID, event string, payload interface{})
}

// PriceOracle is the subset of the oracle client the engine needs
type PriceOracle interface {
	GetCurrentPrice(ctx context.Context) (*oracle.Snapshot, error)
	ClearCache()
	Stats() oracle.Stats
}

// StatsRecorder persists a resolved game and returns both players' stats
type StatsRecorder interface {
	RecordGame(ctx context.Context, g store.GameRecord) (store.PlayerStats, store.PlayerStats, error)
}

// Config controls round timing and housekeeping
type Config struct {
	RoundDuration     time.Duration
	ResultGrace       time.Duration // how long a resolved session is kept
	SweepInterval     time.Duration
	StaleAfter        time.Duration
	ResolveTimeout    time.Duration // bounds the end price fetch
	StartPriceTimeout time.Duration
	RecordTimeout     time.Duration
}

// DefaultConfig returns the standard 30 second round setup
func DefaultConfig() Config {
	return Config{
		RoundDuration:     30 * time.Second,
		ResultGrace:       10 * time.Second,
		SweepInterval:     time.Minute,
		StaleAfter:        5 * time.Minute,
		ResolveTimeout:    30 * time.Second,
		StartPriceTimeout: 30 * time.Second,
		RecordTimeout:     5 * time.Second,
	}
}

// Health is the liveness snapshot served on /health
type Health struct {
	Status       string            `json:"status"`
	Time         time.Time         `json:"timestamp"`
	Matchmaking  matchmaking.Stats `json:"matchmaking"`
	ActiveRounds int               `json:"activeRounds"`
	Oracle       oracle.Stats      `json:"oracle"`
}

// Engine handles player intents. It pairs players, starts rounds and reports
// results. Every failed intent produces exactly one error event.
type Engine struct {
	cfg     Config
	clock   clockwork.Clock
	queue   *matchmaking.Queue
	rounds  *round.Timer
	prices  PriceOracle
	emitter Emitter

	recorder  StatsRecorder
	publisher events.Publisher

	mu      sync.Mutex
	purges  map[string]clockwork.Timer
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an engine with its own queue and round timer
func NewEngine(cfg Config, prices PriceOracle, emitter Emitter, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	q := matchmaking.NewQueue(clock)
	return &Engine{
		cfg:       cfg,
		clock:     clock,
		queue:     q,
		rounds:    round.NewTimer(clock, prices, q, cfg.ResolveTimeout),
		prices:    prices,
		emitter:   emitter,
		publisher: events.NopPublisher{},
		purges:    make(map[string]clockwork.Timer),
		stopCh:    make(chan struct{}),
	}
}

// SetRecorder enables stat recording for resolved games
func (e *Engine) SetRecorder(r StatsRecorder) {
	e.recorder = r
}

// SetPublisher sends lifecycle events to p
func (e *Engine) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.NopPublisher{}
	}
	e.publisher = p
}

// QueueView is the read-only side of the matchmaking queue
type QueueView interface {
	IsQueued(wallet string) bool
	GetGame(gameID string) (matchmaking.Session, bool)
	GetGameByPlayer(wallet string) (matchmaking.Session, bool)
	Stats() matchmaking.Stats
}

// Queue exposes the matchmaking queue for inspection. Mutations go through
// the engine so rounds and events stay in step.
func (e *Engine) Queue() QueueView {
	return queueView{q: e.queue}
}

type queueView struct {
	q *matchmaking.Queue
}

func (v queueView) IsQueued(wallet string) bool { return v.q.IsQueued(wallet) }

func (v queueView) GetGame(gameID string) (matchmaking.Session, bool) { return v.q.GetGame(gameID) }

func (v queueView) GetGameByPlayer(wallet string) (matchmaking.Session, bool) {
	return v.q.GetGameByPlayer(wallet)
}

func (v queueView) Stats() matchmaking.Stats { return v.q.Stats() }

// Start runs the stale session sweeper
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop halts the sweeper, cancels armed rounds and pending purges
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.running {
		e.running = false
		close(e.stopCh)
	}
	for id, t := range e.purges {
		t.Stop()
		delete(e.purges, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.rounds.Stop()
}

// JoinMatchmaking queues a player and pairs them if an opponent is waiting
func (e *Engine) JoinMatchmaking(connID string, p JoinPayload) error {
	if err := validateJoin(&p); err != nil {
		return e.fail(connID, err)
	}

	player := matchmaking.QueuedPlayer{
		ConnectionID:  connID,
		WalletAddress: p.WalletAddress,
		DisplayName:   p.Username,
		JoinedAt:      e.clock.Now(),
	}
	if err := e.queue.AddPlayer(player); err != nil {
		return e.fail(connID, err)
	}

	log.Info().
		Str("conn_id", connID).
		Str("wallet", p.WalletAddress).
		Str("username", p.Username).
		Msg("player joined matchmaking")

	e.emitter.Emit(connID, EventQueued, QueuedPayload{QueueSize: e.queue.Stats().QueueSize})

	e.tryMatch()
	return nil
}

// tryMatch pairs waiting players until fewer than two remain or a start
// price cannot be fetched.
func (e *Engine) tryMatch() {
	for {
		p1, p2, ok := e.queue.FindMatch()
		if !ok {
			return
		}
		if err := e.startGame(p1, p2); err != nil {
			if errors.Is(err, matchmaking.ErrPairAbandoned) {
				continue
			}
			return
		}
	}
}

func (e *Engine) startGame(p1, p2 matchmaking.QueuedPlayer) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StartPriceTimeout)
	defer cancel()

	snap, err := e.prices.GetCurrentPrice(ctx)
	if err != nil {
		log.Error().Err(err).
			Str("player1", p1.WalletAddress).
			Str("player2", p2.WalletAddress).
			Msg("start price unavailable")
		e.queue.ReleasePair(p1, p2)
		e.report(err, p1.ConnectionID, p2.ConnectionID)
		return err
	}

	challenge := matchmaking.Challenge{
		Type:     matchmaking.ChallengePriceMovement,
		Duration: int(e.cfg.RoundDuration / time.Second),
	}
	s, err := e.queue.CreateGameSession(p1, p2, challenge, snap.Price)
	if err != nil {
		log.Warn().Err(err).
			Str("player1", p1.WalletAddress).
			Str("player2", p2.WalletAddress).
			Msg("pair abandoned before start")
		e.queue.ReleasePair(p1, p2)
		return err
	}

	err = e.rounds.Arm(s.GameID, s.StartTime, e.cfg.RoundDuration,
		func(r round.Result) { e.handleResult(s, r) },
		func(err error) { e.handleResolveError(s, err) },
	)
	if err != nil {
		log.Error().Err(err).Str("game_id", s.GameID).Msg("failed to arm round")
		e.queue.RemoveGame(s.GameID)
		e.report(err, p1.ConnectionID, p2.ConnectionID)
		return err
	}

	log.Info().
		Str("game_id", s.GameID).
		Str("player1", p1.WalletAddress).
		Str("player2", p2.WalletAddress).
		Float64("start_price", snap.Price).
		Msg("match started")

	timing := Timing{StartTime: s.StartTime.UnixMilli(), Duration: s.Challenge.Duration}
	e.emitter.Emit(p1.ConnectionID, EventMatchFound, MatchFoundPayload{
		GameID:    s.GameID,
		Opponent:  OpponentSummary{WalletAddress: p2.WalletAddress, Username: p2.DisplayName},
		Challenge: s.Challenge,
		Timing:    timing,
	})
	e.emitter.Emit(p2.ConnectionID, EventMatchFound, MatchFoundPayload{
		GameID:    s.GameID,
		Opponent:  OpponentSummary{WalletAddress: p1.WalletAddress, Username: p1.DisplayName},
		Challenge: s.Challenge,
		Timing:    timing,
	})

	e.publish(events.GameMatched, s.GameID, map[string]interface{}{
		"player1":    p1.WalletAddress,
		"player2":    p2.WalletAddress,
		"startPrice": snap.Price,
		"duration":   s.Challenge.Duration,
	})
	return nil
}

// MakePrediction records wallet's choice in a game
func (e *Engine) MakePrediction(connID, wallet string, p PredictionPayload) error {
	if wallet == "" {
		return e.fail(connID, invalid(ErrNotJoined))
	}
	if p.GameID == "" {
		return e.fail(connID, invalid(ErrMissingGameID))
	}
	choice, err := matchmaking.ParseDirection(p.Choice)
	if err != nil {
		return e.fail(connID, err)
	}

	if err := e.queue.SetPlayerChoice(p.GameID, wallet, choice); err != nil {
		return e.fail(connID, err)
	}

	s, ok := e.queue.GetGame(p.GameID)
	if !ok {
		// Purged between the write and the read
		return nil
	}

	log.Info().
		Str("game_id", p.GameID).
		Str("wallet", wallet).
		Str("choice", string(choice)).
		Msg("prediction recorded")

	e.emitter.Emit(connID, EventPredictionConfirmed, PredictionConfirmedPayload{GameID: p.GameID, Choice: choice})
	if opp, ok := s.Opponent(wallet); ok {
		e.emitter.Emit(opp.ConnectionID, EventOpponentPredicted, OpponentPredictedPayload{})
	}
	return nil
}

// LeaveGame ends a game early for both players
func (e *Engine) LeaveGame(connID, wallet string, p LeavePayload) error {
	if wallet == "" {
		return e.fail(connID, invalid(ErrNotJoined))
	}
	if p.GameID == "" {
		return e.fail(connID, invalid(ErrMissingGameID))
	}

	s, ok := e.queue.GetGame(p.GameID)
	if !ok {
		return e.fail(connID, matchmaking.ErrGameNotFound)
	}
	if s.Seat(wallet) == 0 {
		return e.fail(connID, matchmaking.ErrPlayerNotInGame)
	}

	e.abandon(s, wallet, "left")
	return nil
}

// Disconnect cleans up after a closed connection. A waiting player leaves
// the queue; an unresolved game is cancelled and the opponent notified.
func (e *Engine) Disconnect(wallet string) {
	if wallet == "" {
		return
	}
	if e.queue.RemovePlayer(wallet) {
		log.Info().Str("wallet", wallet).Msg("player left matchmaking")
		return
	}

	s, ok := e.queue.GetGameByPlayer(wallet)
	if !ok || s.Resolved {
		return
	}
	e.abandon(s, wallet, "disconnected")
}

// abandon cancels an unresolved game and notifies the opponent. A game that
// resolves first keeps its result and is only purged, so each game publishes
// a single outcome.
func (e *Engine) abandon(s matchmaking.Session, wallet, reason string) {
	e.cancelPurge(s.GameID)
	if s.Resolved {
		e.queue.RemoveGame(s.GameID)
		return
	}

	cancelled := e.rounds.Cancel(s.GameID)
	removed, ok := e.queue.RemoveUnresolved(s.GameID)
	if !ok {
		// Resolved in the meantime; the result stands
		e.cancelPurge(s.GameID)
		e.queue.RemoveGame(s.GameID)
		return
	}

	if opp, ok := removed.Opponent(wallet); ok {
		e.emitter.Emit(opp.ConnectionID, EventOpponentLeft, OpponentLeftPayload{GameID: s.GameID})
	}

	log.Info().
		Str("game_id", s.GameID).
		Str("wallet", wallet).
		Str("reason", reason).
		Bool("round_cancelled", cancelled).
		Bool("failed", removed.Failed).
		Msg("game abandoned")

	if removed.Failed {
		return
	}
	metrics.GamesTotal.WithLabelValues("cancelled").Inc()
	e.publish(events.GameCancelled, s.GameID, map[string]string{"wallet": wallet, "reason": reason})
}

func (e *Engine) handleResult(s matchmaking.Session, r round.Result) {
	if !e.queue.MarkResolved(s.GameID) {
		log.Debug().Str("game_id", s.GameID).Msg("dropping result for a game that already ended")
		return
	}

	payload := GameResultPayload{
		GameID:          r.GameID,
		Winner:          r.Winner,
		StartPrice:      r.StartPrice,
		EndPrice:        r.EndPrice,
		PriceChange:     r.PriceChange,
		ActualDirection: r.ActualDirection,
		Player1Choice:   r.Player1Choice,
		Player2Choice:   r.Player2Choice,
		Forfeit:         r.Forfeit,
	}
	if e.recorder != nil {
		if p1, p2, err := e.record(s, r); err != nil {
			log.Error().Err(err).Str("game_id", s.GameID).Msg("failed to record game")
		} else {
			payload.Player1Stats = resultStats(p1)
			payload.Player2Stats = resultStats(p2)
		}
	}

	e.emitter.Emit(s.Player1.ConnectionID, EventGameResult, payload)
	e.emitter.Emit(s.Player2.ConnectionID, EventGameResult, payload)

	metrics.GamesTotal.WithLabelValues(string(r.Winner)).Inc()
	e.publish(events.GameResolved, s.GameID, r)
	e.schedulePurge(s.GameID)
}

func (e *Engine) record(s matchmaking.Session, r round.Result) (store.PlayerStats, store.PlayerStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RecordTimeout)
	defer cancel()

	return e.recorder.RecordGame(ctx, store.GameRecord{
		GameID:          s.GameID,
		Player1Wallet:   s.Player1.WalletAddress,
		Player1Name:     s.Player1.DisplayName,
		Player2Wallet:   s.Player2.WalletAddress,
		Player2Name:     s.Player2.DisplayName,
		Player1Choice:   string(r.Player1Choice),
		Player2Choice:   string(r.Player2Choice),
		ChallengeType:   s.Challenge.Type,
		DurationSeconds: s.Challenge.Duration,
		StartPrice:      r.StartPrice,
		EndPrice:        r.EndPrice,
		PriceChange:     r.PriceChange,
		Winner:          string(r.Winner),
		Forfeit:         r.Forfeit,
		StartedAt:       s.StartTime,
		ResolvedAt:      r.ResolvedAt,
	})
}

// handleResolveError reports the failure to both players. The session stays
// unresolved until a player leaves or the sweeper reaps it.
func (e *Engine) handleResolveError(s matchmaking.Session, err error) {
	if !e.queue.MarkFailed(s.GameID) {
		return
	}
	e.report(err, s.Player1.ConnectionID, s.Player2.ConnectionID)
	metrics.GamesTotal.WithLabelValues("failed").Inc()
	e.publish(events.GameFailed, s.GameID, map[string]string{"error": err.Error()})
}

func (e *Engine) schedulePurge(gameID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.purges[gameID]; ok {
		old.Stop()
	}
	e.purges[gameID] = e.clock.AfterFunc(e.cfg.ResultGrace, func() { go e.purge(gameID) })
}

func (e *Engine) purge(gameID string) {
	e.mu.Lock()
	delete(e.purges, gameID)
	e.mu.Unlock()

	if e.queue.RemoveGame(gameID) {
		log.Debug().Str("game_id", gameID).Msg("purged resolved game")
	}
}

func (e *Engine) cancelPurge(gameID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.purges[gameID]; ok {
		t.Stop()
		delete(e.purges, gameID)
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.Chan():
			e.Sweep()
		}
	}
}

// Sweep removes sessions older than StaleAfter, resolved or not
func (e *Engine) Sweep() int {
	removed := e.queue.CleanupStaleGames(e.cfg.StaleAfter)
	for _, s := range removed {
		e.rounds.Cancel(s.GameID)
		e.cancelPurge(s.GameID)
		log.Warn().
			Str("game_id", s.GameID).
			Bool("resolved", s.Resolved).
			Msg("swept stale game")
	}
	if len(removed) > 0 {
		log.Info().Int("count", len(removed)).Msg("stale games swept")
	}
	return len(removed)
}

// Health reports queue, round and oracle state
func (e *Engine) Health() Health {
	return Health{
		Status:       "ok",
		Time:         e.clock.Now(),
		Matchmaking:  e.queue.Stats(),
		ActiveRounds: e.rounds.Active(),
		Oracle:       e.prices.Stats(),
	}
}

// fail reports err to connID and returns it
func (e *Engine) fail(connID string, err error) error {
	code := CodeFor(err)
	log.Warn().Err(err).Str("conn_id", connID).Str("code", string(code)).Msg("intent rejected")
	e.emitter.Emit(connID, EventError, ErrorFor(err))
	return err
}

// report sends one error event to each connection
func (e *Engine) report(err error, connIDs ...string) {
	payload := ErrorFor(err)
	for _, id := range connIDs {
		e.emitter.Emit(id, EventError, payload)
	}
}

func (e *Engine) publish(t events.Type, gameID string, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.publisher.Publish(ctx, events.NewEvent(t, gameID, payload)); err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Str("type", string(t)).Msg("failed to publish event")
	}
}
