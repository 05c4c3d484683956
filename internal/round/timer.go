package round

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"arena/internal/matchmaking"
	"arena/internal/oracle"
)

var (
	ErrAlreadyArmed = errors.New("round already armed")
	ErrStopped      = errors.New("round timer stopped")
	ErrSessionGone  = errors.New("session no longer exists")
)

// PriceSource provides a fresh end price
type PriceSource interface {
	ClearCache()
	GetCurrentPrice(ctx context.Context) (*oracle.Snapshot, error)
}

// SessionReader returns the latest copy of a session
type SessionReader interface {
	GetGame(gameID string) (matchmaking.Session, bool)
}

type armed struct {
	gameID   string
	state    State
	timer    clockwork.Timer
	onResult func(Result)
	onError  func(error)
}

// Timer owns the countdown of every live round. Each round moves
// Armed -> Resolving -> Resolved|Failed, or Armed -> Cancelled.
type Timer struct {
	mu sync.Mutex

	clock        clockwork.Clock
	prices       PriceSource
	sessions     SessionReader
	fetchTimeout time.Duration

	rounds  map[string]*armed
	stopped bool
	wg      sync.WaitGroup
}

// NewTimer creates a round timer. fetchTimeout bounds the end price fetch.
func NewTimer(clock clockwork.Clock, prices PriceSource, sessions SessionReader, fetchTimeout time.Duration) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Timer{
		clock:        clock,
		prices:       prices,
		sessions:     sessions,
		fetchTimeout: fetchTimeout,
		rounds:       make(map[string]*armed),
	}
}

// Arm schedules resolution of gameID at startTime+duration. Exactly one of
// onResult or onError is called, unless the round is cancelled first.
func (t *Timer) Arm(gameID string, startTime time.Time, duration time.Duration, onResult func(Result), onError func(error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrStopped
	}
	if _, ok := t.rounds[gameID]; ok {
		return ErrAlreadyArmed
	}

	delay := startTime.Add(duration).Sub(t.clock.Now())
	if delay < 0 {
		delay = 0
	}

	r := &armed{
		gameID:   gameID,
		state:    StateArmed,
		onResult: onResult,
		onError:  onError,
	}
	// fire takes t.mu, so it must not run on the clock's callback path
	r.timer = t.clock.AfterFunc(delay, func() { go t.fire(r) })
	t.rounds[gameID] = r

	log.Debug().Str("game_id", gameID).Dur("delay", delay).Msg("round armed")
	return nil
}

// Cancel stops an armed round. It returns false, and does nothing, if the
// round is unknown or has already started resolving.
func (t *Timer) Cancel(gameID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rounds[gameID]
	if !ok || r.state != StateArmed {
		return false
	}
	r.timer.Stop()
	r.state = StateCancelled
	delete(t.rounds, gameID)

	log.Debug().Str("game_id", gameID).Msg("round cancelled")
	return true
}

// State returns the state of a round still tracked by the timer
func (t *Timer) State(gameID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rounds[gameID]
	if !ok {
		return 0, false
	}
	return r.state, true
}

// Active returns the number of rounds armed or resolving
func (t *Timer) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rounds)
}

// Stop cancels every armed round and waits for in-flight resolutions
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	for id, r := range t.rounds {
		if r.state == StateArmed {
			r.timer.Stop()
			r.state = StateCancelled
			delete(t.rounds, id)
		}
	}
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Timer) fire(r *armed) {
	t.mu.Lock()
	if r.state != StateArmed || t.rounds[r.gameID] != r {
		t.mu.Unlock()
		return
	}
	r.state = StateResolving
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	result, err := t.resolve(r.gameID)

	t.mu.Lock()
	if err != nil {
		r.state = StateFailed
	} else {
		r.state = StateResolved
	}
	delete(t.rounds, r.gameID)
	t.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("game_id", r.gameID).Msg("round resolution failed")
		if r.onError != nil {
			r.onError(err)
		}
		return
	}

	log.Info().
		Str("game_id", r.gameID).
		Str("winner", string(result.Winner)).
		Float64("start_price", result.StartPrice).
		Float64("end_price", result.EndPrice).
		Str("actual", string(result.ActualDirection)).
		Msg("round resolved")
	if r.onResult != nil {
		r.onResult(result)
	}
}

func (t *Timer) resolve(gameID string) (Result, error) {
	session, ok := t.sessions.GetGame(gameID)
	if !ok {
		return Result{}, fmt.Errorf("resolve %s: %w", gameID, ErrSessionGone)
	}

	ctx := context.Background()
	if t.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.fetchTimeout)
		defer cancel()
	}

	t.prices.ClearCache()
	snap, err := t.prices.GetCurrentPrice(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("end price for %s: %w", gameID, err)
	}

	return Resolve(session, snap.Price, t.clock.Now()), nil
}
