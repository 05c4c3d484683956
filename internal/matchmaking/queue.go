package matchmaking

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"arena/internal/metrics"
)

type entry struct {
	player QueuedPlayer
	seq    uint64 // insertion order, breaks JoinedAt ties
}

// Queue pairs waiting players and owns every live session. A wallet is in at
// most one of: the queue, a pending pair, a session.
type Queue struct {
	mu    sync.Mutex
	clock clockwork.Clock

	queue        map[string]entry // wallet -> waiting player
	pending      map[string]entry // wallet -> paired, session not yet created
	games        map[string]*Session
	playerToGame map[string]string
	seq          uint64
}

// NewQueue creates an empty queue
func NewQueue(clock clockwork.Clock) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		clock:        clock,
		queue:        make(map[string]entry),
		pending:      make(map[string]entry),
		games:        make(map[string]*Session),
		playerToGame: make(map[string]string),
	}
}

// AddPlayer enqueues a player. JoinedAt defaults to now.
func (q *Queue) AddPlayer(p QueuedPlayer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queue[p.WalletAddress]; ok {
		return ErrDuplicateQueueEntry
	}
	if _, ok := q.playerToGame[p.WalletAddress]; ok {
		return ErrAlreadyInGame
	}
	if _, ok := q.pending[p.WalletAddress]; ok {
		return ErrAlreadyInGame
	}

	if p.JoinedAt.IsZero() {
		p.JoinedAt = q.clock.Now()
	}
	q.seq++
	q.queue[p.WalletAddress] = entry{player: p, seq: q.seq}
	q.updateGauges()
	return nil
}

// RemovePlayer drops a wallet from the queue or from a pending pair
func (q *Queue) RemovePlayer(wallet string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queue[wallet]; ok {
		delete(q.queue, wallet)
		q.updateGauges()
		return true
	}
	if _, ok := q.pending[wallet]; ok {
		delete(q.pending, wallet)
		return true
	}
	return false
}

// IsQueued reports whether wallet is waiting for an opponent
func (q *Queue) IsQueued(wallet string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queue[wallet]
	return ok
}

// FindMatch removes and returns the two longest-waiting players. The pair is
// held as pending until CreateGameSession or ReleasePair.
func (q *Queue) FindMatch() (QueuedPlayer, QueuedPlayer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) < 2 {
		return QueuedPlayer{}, QueuedPlayer{}, false
	}

	waiting := make([]entry, 0, len(q.queue))
	for _, e := range q.queue {
		waiting = append(waiting, e)
	}
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].player.JoinedAt.Equal(waiting[j].player.JoinedAt) {
			return waiting[i].player.JoinedAt.Before(waiting[j].player.JoinedAt)
		}
		return waiting[i].seq < waiting[j].seq
	})

	first, second := waiting[0], waiting[1]
	delete(q.queue, first.player.WalletAddress)
	delete(q.queue, second.player.WalletAddress)
	q.pending[first.player.WalletAddress] = first
	q.pending[second.player.WalletAddress] = second
	q.updateGauges()

	return first.player, second.player, true
}

// ReleasePair puts still-pending players back in the queue with their
// original position. Used when a session could not be created.
func (q *Queue) ReleasePair(p1, p2 QueuedPlayer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range []QueuedPlayer{p1, p2} {
		e, ok := q.pending[p.WalletAddress]
		if !ok {
			continue
		}
		delete(q.pending, p.WalletAddress)
		q.queue[p.WalletAddress] = e
	}
	q.updateGauges()
}

// CreateGameSession registers a session for a pending pair
func (q *Queue) CreateGameSession(p1, p2 QueuedPlayer, challenge Challenge, startPrice float64) (Session, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p1.WalletAddress == p2.WalletAddress {
		return Session{}, ErrSamePlayer
	}
	for _, p := range []QueuedPlayer{p1, p2} {
		if _, ok := q.playerToGame[p.WalletAddress]; ok {
			return Session{}, ErrAlreadyInGame
		}
		if _, ok := q.pending[p.WalletAddress]; !ok {
			return Session{}, ErrPairAbandoned
		}
	}

	delete(q.pending, p1.WalletAddress)
	delete(q.pending, p2.WalletAddress)

	if challenge.Type == "" {
		challenge.Type = ChallengePriceMovement
	}
	challenge.StartPrice = startPrice

	s := &Session{
		GameID:    "game_" + uuid.New().String(),
		Player1:   p1,
		Player2:   p2,
		Challenge: challenge,
		StartTime: q.clock.Now(),
	}
	q.games[s.GameID] = s
	q.playerToGame[p1.WalletAddress] = s.GameID
	q.playerToGame[p2.WalletAddress] = s.GameID
	q.updateGauges()

	return *s, nil
}

// GetGame returns a copy of the session
func (q *Queue) GetGame(gameID string) (Session, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.games[gameID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// GetGameByPlayer returns a copy of the session a wallet is seated in
func (q *Queue) GetGameByPlayer(wallet string) (Session, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	gameID, ok := q.playerToGame[wallet]
	if !ok {
		return Session{}, false
	}
	s, ok := q.games[gameID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetPlayerChoice records a prediction. A choice cannot be changed once made
// and is refused once the round's end time has been reached.
func (q *Queue) SetPlayerChoice(gameID, wallet string, choice Direction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.games[gameID]
	if !ok {
		return ErrGameNotFound
	}
	seat := s.Seat(wallet)
	if seat == 0 {
		return ErrPlayerNotInGame
	}
	if choice != Up && choice != Down {
		return ErrInvalidDirection
	}
	if s.Resolved {
		return ErrGameResolved
	}
	if s.Failed || !q.clock.Now().Before(s.EndTime()) {
		return ErrRoundClosed
	}

	slot := &s.Player1Choice
	if seat == 2 {
		slot = &s.Player2Choice
	}
	if *slot != "" {
		return ErrPredictionAlreadyMade
	}
	*slot = choice
	return nil
}

// HasPlayerMadePrediction reports whether wallet has predicted in gameID
func (q *Queue) HasPlayerMadePrediction(gameID, wallet string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.games[gameID]
	if !ok {
		return false
	}
	return s.Choice(wallet) != ""
}

// AreBothPlayersPredicted reports whether both seats have a choice
func (q *Queue) AreBothPlayersPredicted(gameID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.games[gameID]
	if !ok {
		return false
	}
	return s.Player1Choice != "" && s.Player2Choice != ""
}

// MarkResolved flips Resolved once. It returns false if the game is unknown
// or was already resolved.
func (q *Queue) MarkResolved(gameID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.games[gameID]
	if !ok || s.Resolved {
		return false
	}
	s.Resolved = true
	return true
}

// MarkFailed flags a session whose resolution failed. It returns false if the
// game is unknown or already finished.
func (q *Queue) MarkFailed(gameID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.games[gameID]
	if !ok || s.Resolved || s.Failed {
		return false
	}
	s.Failed = true
	return true
}

// RemoveUnresolved deletes a session unless it has already resolved, and
// returns the removed copy.
func (q *Queue) RemoveUnresolved(gameID string) (Session, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.games[gameID]
	if !ok || s.Resolved {
		return Session{}, false
	}
	removed := *s
	q.removeGameLocked(gameID)
	return removed, true
}

// RemoveGame deletes a session and its wallet back-references
func (q *Queue) RemoveGame(gameID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeGameLocked(gameID)
}

func (q *Queue) removeGameLocked(gameID string) bool {
	s, ok := q.games[gameID]
	if !ok {
		return false
	}
	delete(q.games, gameID)
	for _, w := range []string{s.Player1.WalletAddress, s.Player2.WalletAddress} {
		if q.playerToGame[w] == gameID {
			delete(q.playerToGame, w)
		}
	}
	q.updateGauges()
	return true
}

// CleanupStaleGames removes every session that started more than maxAge ago,
// resolved or not, and returns the removed sessions.
func (q *Queue) CleanupStaleGames(maxAge time.Duration) []Session {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var removed []Session
	for id, s := range q.games {
		if now.Sub(s.StartTime) > maxAge {
			removed = append(removed, *s)
			q.removeGameLocked(id)
		}
	}
	return removed
}

// Stats returns current queue and session counts
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		QueueSize:    len(q.queue),
		PendingPairs: len(q.pending) / 2,
		ActiveGames:  len(q.games),
	}
}

func (q *Queue) updateGauges() {
	metrics.QueueDepth.Set(float64(len(q.queue)))
	metrics.ActiveGames.Set(float64(len(q.games)))
}
