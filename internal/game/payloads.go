package game

import (
	"arena/internal/matchmaking"
	"arena/internal/oracle"
	"arena/internal/round"
	"arena/internal/store"
)

// Client to server intents
const (
	IntentJoinMatchmaking  = "join_matchmaking"
	IntentMakePrediction   = "make_prediction"
	IntentLeaveGame        = "leave_game"
	IntentSubscribePrice   = "subscribe_price"
	IntentUnsubscribePrice = "unsubscribe_price"
)

// Server to client events
const (
	EventMatchFound          = "match_found"
	EventOpponentPredicted   = "opponent_predicted"
	EventGameResult          = "game_result"
	EventError               = "error"
	EventQueued              = "queued"
	EventPredictionConfirmed = "prediction_confirmed"
	EventOpponentLeft        = "opponent_left"
	EventPriceUpdate         = "price_update"
)

type JoinPayload struct {
	WalletAddress string `json:"walletAddress"`
	Username      string `json:"username"`
	Signature     string `json:"signature,omitempty"` // accepted, not verified
}

type PredictionPayload struct {
	GameID string `json:"gameId"`
	Choice string `json:"choice"`
}

type LeavePayload struct {
	GameID string `json:"gameId"`
}

type QueuedPayload struct {
	QueueSize int `json:"queueSize"`
}

type OpponentSummary struct {
	WalletAddress string `json:"walletAddress"`
	Username      string `json:"username"`
}

type Timing struct {
	StartTime int64 `json:"startTime"` // unix ms
	Duration  int   `json:"duration"`  // seconds
}

type MatchFoundPayload struct {
	GameID    string                `json:"gameId"`
	Opponent  OpponentSummary       `json:"opponent"`
	Challenge matchmaking.Challenge `json:"challenge"`
	Timing    Timing                `json:"timing"`
}

// OpponentPredictedPayload carries no data so the choice is not leaked
type OpponentPredictedPayload struct{}

type PredictionConfirmedPayload struct {
	GameID string                `json:"gameId"`
	Choice matchmaking.Direction `json:"choice"`
}

type OpponentLeftPayload struct {
	GameID string `json:"gameId"`
}

// ResultStats is a player's stat snapshot after the game
type ResultStats struct {
	XP         int64   `json:"xp"`
	Level      int     `json:"level"`
	TotalWins  int     `json:"totalWins"`
	TotalGames int     `json:"totalGames"`
	WinRate    float64 `json:"winRate"`
	Streak     int     `json:"streak"`
}

func resultStats(p store.PlayerStats) ResultStats {
	return ResultStats{
		XP:         p.XP,
		Level:      p.Level,
		TotalWins:  p.Wins,
		TotalGames: p.TotalGames,
		WinRate:    p.WinRate,
		Streak:     p.CurrentStreak,
	}
}

type GameResultPayload struct {
	GameID          string                `json:"gameId"`
	Winner          round.Winner          `json:"winner"`
	StartPrice      float64               `json:"startPrice"`
	EndPrice        float64               `json:"endPrice"`
	PriceChange     float64               `json:"priceChange"`
	ActualDirection matchmaking.Direction `json:"actualDirection"`
	Player1Choice   matchmaking.Direction `json:"player1Choice"`
	Player2Choice   matchmaking.Direction `json:"player2Choice"`
	Forfeit         bool                  `json:"forfeit"`
	Player1Stats    ResultStats           `json:"player1Stats"`
	Player2Stats    ResultStats           `json:"player2Stats"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    Code   `json:"code,omitempty"`
}

// PriceUpdatePayload is pushed to price subscribers
type PriceUpdatePayload struct {
	Price         float64 `json:"price"`
	PreviousPrice float64 `json:"previousPrice"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Timestamp     int64   `json:"timestamp"` // unix ms
}

func NewPriceUpdatePayload(u oracle.PriceUpdate) PriceUpdatePayload {
	return PriceUpdatePayload{
		Price:         u.Price,
		PreviousPrice: u.PreviousPrice,
		Change:        u.Change,
		ChangePercent: u.ChangePercent,
		Timestamp:     u.Timestamp.UnixMilli(),
	}
}
