package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateGame is returned when a game id was already recorded
var ErrDuplicateGame = errors.New("game already recorded")

// Outcome of a game for one player
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

// XP awarded per outcome
const (
	XPWin  = 100
	XPDraw = 25
	XPLoss = 10
)

// Winner values stored with a game
const (
	WinnerPlayer1 = "player1"
	WinnerPlayer2 = "player2"
	WinnerDraw    = "draw"
)

// GameRecord is a resolved game
type GameRecord struct {
	GameID          string    `json:"gameId"`
	Player1Wallet   string    `json:"player1Wallet"`
	Player1Name     string    `json:"player1Username"`
	Player2Wallet   string    `json:"player2Wallet"`
	Player2Name     string    `json:"player2Username"`
	Player1Choice   string    `json:"player1Choice"`
	Player2Choice   string    `json:"player2Choice"`
	ChallengeType   string    `json:"challengeType"`
	DurationSeconds int       `json:"duration"`
	StartPrice      float64   `json:"startPrice"`
	EndPrice        float64   `json:"endPrice"`
	PriceChange     float64   `json:"priceChange"`
	Winner          string    `json:"winner"` // player1, player2 or draw
	Forfeit         bool      `json:"forfeit"`
	StartedAt       time.Time `json:"startedAt"`
	ResolvedAt      time.Time `json:"resolvedAt"`
}

// outcomeFor returns the outcome of the game for seat 1 or 2
func (g GameRecord) outcomeFor(seat int) Outcome {
	switch {
	case g.Winner == WinnerDraw:
		return OutcomeDraw
	case g.Winner == WinnerPlayer1 && seat == 1, g.Winner == WinnerPlayer2 && seat == 2:
		return OutcomeWin
	default:
		return OutcomeLoss
	}
}

// PlayerStats is the aggregate record of one wallet
type PlayerStats struct {
	Wallet        string    `json:"walletAddress"`
	Username      string    `json:"username"`
	XP            int64     `json:"xp"`
	Level         int       `json:"level"`
	Wins          int       `json:"totalWins"`
	Losses        int       `json:"totalLosses"`
	Draws         int       `json:"totalDraws"`
	TotalGames    int       `json:"totalGames"`
	WinRate       float64   `json:"winRate"` // percent
	CurrentStreak int       `json:"streak"`
	BestStreak    int       `json:"bestStreak"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (p *PlayerStats) derive() {
	p.TotalGames = p.Wins + p.Losses + p.Draws
	if p.TotalGames > 0 {
		p.WinRate = float64(p.Wins) * 100 / float64(p.TotalGames)
	}
}

// CalculateLevel derives a level from total XP. Each level needs 200 XP more
// than the previous one.
func CalculateLevel(xp int64) int {
	if xp < 100 {
		return 1
	}
	level := 1
	var required int64
	for required <= xp {
		level++
		required += int64(level-1) * 200
	}
	return level - 1
}

// XPFor returns the XP awarded for an outcome
func XPFor(o Outcome) int64 {
	switch o {
	case OutcomeWin:
		return XPWin
	case OutcomeDraw:
		return XPDraw
	default:
		return XPLoss
	}
}

// RecordGame saves a resolved game and updates both players' stats in one
// transaction. It returns the updated stats for player1 and player2.
func (s *Store) RecordGame(ctx context.Context, g GameRecord) (PlayerStats, PlayerStats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PlayerStats{}, PlayerStats{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO games (id, player1_wallet, player2_wallet, player1_choice, player2_choice,
			challenge_type, duration_seconds, start_price, end_price, price_change, winner, forfeit,
			started_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.GameID, g.Player1Wallet, g.Player2Wallet, g.Player1Choice, g.Player2Choice,
		g.ChallengeType, g.DurationSeconds, g.StartPrice, g.EndPrice, g.PriceChange, g.Winner, g.Forfeit,
		g.StartedAt.UTC(), g.ResolvedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return PlayerStats{}, PlayerStats{}, fmt.Errorf("%w: %s", ErrDuplicateGame, g.GameID)
		}
		return PlayerStats{}, PlayerStats{}, fmt.Errorf("failed to insert game: %w", err)
	}

	p1, err := updatePlayerStatsInTx(ctx, tx, g.Player1Wallet, g.Player1Name, g.outcomeFor(1))
	if err != nil {
		return PlayerStats{}, PlayerStats{}, err
	}
	p2, err := updatePlayerStatsInTx(ctx, tx, g.Player2Wallet, g.Player2Name, g.outcomeFor(2))
	if err != nil {
		return PlayerStats{}, PlayerStats{}, err
	}

	if err := tx.Commit(); err != nil {
		return PlayerStats{}, PlayerStats{}, err
	}
	return p1, p2, nil
}

// updatePlayerStatsInTx applies one outcome. A draw leaves the streak as is.
func updatePlayerStatsInTx(ctx context.Context, tx *sql.Tx, wallet, username string, outcome Outcome) (PlayerStats, error) {
	stats := PlayerStats{Wallet: wallet}
	err := tx.QueryRowContext(ctx, `
		SELECT username, xp, wins, losses, draws, current_streak, best_streak
		FROM player_stats WHERE wallet = ?
	`, wallet).Scan(
		&stats.Username, &stats.XP, &stats.Wins, &stats.Losses, &stats.Draws,
		&stats.CurrentStreak, &stats.BestStreak,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return PlayerStats{}, fmt.Errorf("failed to load stats for %s: %w", wallet, err)
	}

	if username != "" {
		stats.Username = username
	}
	stats.XP += XPFor(outcome)
	stats.Level = CalculateLevel(stats.XP)

	switch outcome {
	case OutcomeWin:
		stats.Wins++
		stats.CurrentStreak++
		if stats.CurrentStreak > stats.BestStreak {
			stats.BestStreak = stats.CurrentStreak
		}
	case OutcomeLoss:
		stats.Losses++
		stats.CurrentStreak = 0
	case OutcomeDraw:
		stats.Draws++
	}
	stats.derive()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO player_stats (wallet, username, xp, level, wins, losses, draws, current_streak, best_streak, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(wallet) DO UPDATE SET
			username = excluded.username,
			xp = excluded.xp,
			level = excluded.level,
			wins = excluded.wins,
			losses = excluded.losses,
			draws = excluded.draws,
			current_streak = excluded.current_streak,
			best_streak = excluded.best_streak,
			updated_at = CURRENT_TIMESTAMP
	`, stats.Wallet, stats.Username, stats.XP, stats.Level, stats.Wins, stats.Losses, stats.Draws,
		stats.CurrentStreak, stats.BestStreak)
	if err != nil {
		return PlayerStats{}, fmt.Errorf("failed to save stats for %s: %w", wallet, err)
	}
	return stats, nil
}

// PlayerStats returns stats for a wallet. Unknown wallets get empty level 1 stats.
func (s *Store) PlayerStats(ctx context.Context, wallet string) (PlayerStats, error) {
	stats := PlayerStats{Wallet: wallet}
	err := s.db.QueryRowContext(ctx, `
		SELECT username, xp, level, wins, losses, draws, current_streak, best_streak, updated_at
		FROM player_stats WHERE wallet = ?
	`, wallet).Scan(
		&stats.Username, &stats.XP, &stats.Level, &stats.Wins, &stats.Losses, &stats.Draws,
		&stats.CurrentStreak, &stats.BestStreak, &stats.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		stats.Level = 1
		return stats, nil
	}
	if err != nil {
		return PlayerStats{}, err
	}
	stats.derive()
	return stats, nil
}

// RecentGames returns the latest games a wallet played, newest first
func (s *Store) RecentGames(ctx context.Context, wallet string, limit int) ([]GameRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.player1_wallet, COALESCE(p1.username, ''), g.player2_wallet, COALESCE(p2.username, ''),
			g.player1_choice, g.player2_choice, g.challenge_type, g.duration_seconds,
			g.start_price, g.end_price, g.price_change, g.winner, g.forfeit, g.started_at, g.resolved_at
		FROM games g
		LEFT JOIN player_stats p1 ON p1.wallet = g.player1_wallet
		LEFT JOIN player_stats p2 ON p2.wallet = g.player2_wallet
		WHERE g.player1_wallet = ? OR g.player2_wallet = ?
		ORDER BY g.resolved_at DESC
		LIMIT ?
	`, wallet, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []GameRecord
	for rows.Next() {
		var g GameRecord
		if err := rows.Scan(
			&g.GameID, &g.Player1Wallet, &g.Player1Name, &g.Player2Wallet, &g.Player2Name,
			&g.Player1Choice, &g.Player2Choice, &g.ChallengeType, &g.DurationSeconds,
			&g.StartPrice, &g.EndPrice, &g.PriceChange, &g.Winner, &g.Forfeit, &g.StartedAt, &g.ResolvedAt,
		); err != nil {
			return nil, err
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// Leaderboard returns players ordered by XP
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]PlayerStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet, username, xp, level, wins, losses, draws, current_streak, best_streak, updated_at
		FROM player_stats
		ORDER BY xp DESC, wins DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlayerStats
	for rows.Next() {
		var p PlayerStats
		if err := rows.Scan(
			&p.Wallet, &p.Username, &p.XP, &p.Level, &p.Wins, &p.Losses, &p.Draws,
			&p.CurrentStreak, &p.BestStreak, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		p.derive()
		out = append(out, p)
	}
	return out, rows.Err()
}
