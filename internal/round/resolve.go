package round

import (
	"time"

	"arena/internal/matchmaking"
)

// Winner is the outcome of a round
type Winner string

const (
	WinnerPlayer1 Winner = "player1"
	WinnerPlayer2 Winner = "player2"
	Draw          Winner = "draw"
)

// Result is the resolved outcome of one session
type Result struct {
	GameID          string                `json:"gameId"`
	Winner          Winner                `json:"winner"`
	Player1Choice   matchmaking.Direction `json:"player1Choice"`
	Player2Choice   matchmaking.Direction `json:"player2Choice"`
	StartPrice      float64               `json:"startPrice"`
	EndPrice        float64               `json:"endPrice"`
	PriceChange     float64               `json:"priceChange"` // percent
	ActualDirection matchmaking.Direction `json:"actualDirection"`
	Forfeit         bool                  `json:"forfeit"` // decided by a missing prediction
	ResolvedAt      time.Time             `json:"resolvedAt"`
}

// Resolve compares both predictions against the price move. A flat price
// counts as down. A player who never predicted forfeits; if neither did the
// round is a draw.
func Resolve(s matchmaking.Session, endPrice float64, at time.Time) Result {
	start := s.Challenge.StartPrice
	actual := matchmaking.Down
	if endPrice > start {
		actual = matchmaking.Up
	}

	var change float64
	if start != 0 {
		change = (endPrice - start) / start * 100
	}

	r := Result{
		GameID:          s.GameID,
		Player1Choice:   s.Player1Choice,
		Player2Choice:   s.Player2Choice,
		StartPrice:      start,
		EndPrice:        endPrice,
		PriceChange:     change,
		ActualDirection: actual,
		ResolvedAt:      at,
	}

	p1, p2 := s.Player1Choice, s.Player2Choice
	switch {
	case p1 == "" && p2 == "":
		r.Winner = Draw
	case p1 == "":
		r.Winner = WinnerPlayer2
		r.Forfeit = true
	case p2 == "":
		r.Winner = WinnerPlayer1
		r.Forfeit = true
	case p1 == p2:
		r.Winner = Draw
	case p1 == actual:
		r.Winner = WinnerPlayer1
	case p2 == actual:
		r.Winner = WinnerPlayer2
	default:
		r.Winner = Draw
	}
	return r
}
