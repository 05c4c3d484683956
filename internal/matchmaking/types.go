package matchmaking

import (
	"fmt"
	"time"
)

// Direction is a player's prediction for the price over the round
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ParseDirection accepts only "up" and "down"
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Up, Down:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// QueuedPlayer is a player waiting for an opponent
type QueuedPlayer struct {
	ConnectionID  string    `json:"connectionId"`
	WalletAddress string    `json:"walletAddress"`
	DisplayName   string    `json:"username"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// ChallengePriceMovement is the only challenge type
const ChallengePriceMovement = "price_movement"

// Challenge describes one round
type Challenge struct {
	Type       string  `json:"type"`
	Duration   int     `json:"duration"` // seconds
	StartPrice float64 `json:"startPrice"`
}

// DurationTime returns the round length as a time.Duration
func (c Challenge) DurationTime() time.Duration {
	return time.Duration(c.Duration) * time.Second
}

// Session is the in-progress state of one paired round. Values returned by
// the Queue are copies.
type Session struct {
	GameID        string
	Player1       QueuedPlayer
	Player2       QueuedPlayer
	Challenge     Challenge
	StartTime     time.Time
	Player1Choice Direction // "" until predicted
	Player2Choice Direction
	Resolved      bool
	Failed        bool // resolution failed, awaiting leave or sweep
}

// EndTime is when the round is due to resolve
func (s Session) EndTime() time.Time {
	return s.StartTime.Add(s.Challenge.DurationTime())
}

// Seat returns 1 or 2 for a participant, 0 otherwise
func (s Session) Seat(wallet string) int {
	switch wallet {
	case s.Player1.WalletAddress:
		return 1
	case s.Player2.WalletAddress:
		return 2
	default:
		return 0
	}
}

// Opponent returns the other participant
func (s Session) Opponent(wallet string) (QueuedPlayer, bool) {
	switch s.Seat(wallet) {
	case 1:
		return s.Player2, true
	case 2:
		return s.Player1, true
	default:
		return QueuedPlayer{}, false
	}
}

// Choice returns the prediction made by a participant
func (s Session) Choice(wallet string) Direction {
	switch s.Seat(wallet) {
	case 1:
		return s.Player1Choice
	case 2:
		return s.Player2Choice
	default:
		return ""
	}
}

// Stats summarizes the queue for health checks
type Stats struct {
	QueueSize    int `json:"queueSize"`
	PendingPairs int `json:"pendingPairs"`
	ActiveGames  int `json:"activeGames"`
}
