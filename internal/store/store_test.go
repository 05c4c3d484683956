package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	// Create temp file for test database
	f, err := os.CreateTemp("", "arena-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	dbPath := f.Name()
	f.Close()

	store, err := New(dbPath)
	if err != nil {
		os.Remove(dbPath)
		t.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.Remove(dbPath)
	}

	return store, cleanup
}

func game(id, winner string) GameRecord {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return GameRecord{
		GameID:          id,
		Player1Wallet:   "Wa",
		Player1Name:     "alice",
		Player2Wallet:   "Wb",
		Player2Name:     "bob",
		Player1Choice:   "up",
		Player2Choice:   "down",
		ChallengeType:   "price_movement",
		DurationSeconds: 30,
		StartPrice:      150,
		EndPrice:        148.5,
		PriceChange:     -1,
		Winner:          winner,
		StartedAt:       start,
		ResolvedAt:      start.Add(30 * time.Second),
	}
}

// ==================== GAME TESTS ====================

func TestRecordGame(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	p1, p2, err := store.RecordGame(ctx, game("game_1", WinnerPlayer2))
	if err != nil {
		t.Fatalf("RecordGame failed: %v", err)
	}

	if p1.Losses != 1 || p1.Wins != 0 || p1.XP != XPLoss {
		t.Errorf("unexpected loser stats %+v", p1)
	}
	if p2.Wins != 1 || p2.XP != XPWin || p2.CurrentStreak != 1 || p2.WinRate != 100 {
		t.Errorf("unexpected winner stats %+v", p2)
	}
	if p2.Username != "bob" {
		t.Errorf("expected username bob, got %q", p2.Username)
	}

	stored, err := store.PlayerStats(ctx, "Wb")
	if err != nil {
		t.Fatalf("PlayerStats failed: %v", err)
	}
	if stored.Wins != 1 || stored.TotalGames != 1 || stored.XP != XPWin {
		t.Errorf("unexpected stored stats %+v", stored)
	}
}

func TestRecordGameDuplicate(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, _, err := store.RecordGame(ctx, game("game_1", WinnerPlayer1)); err != nil {
		t.Fatal(err)
	}
	_, _, err := store.RecordGame(ctx, game("game_1", WinnerPlayer1))
	if !errors.Is(err, ErrDuplicateGame) {
		t.Fatalf("expected ErrDuplicateGame, got %v", err)
	}

	// Stats must not be applied twice
	stats, _ := store.PlayerStats(ctx, "Wa")
	if stats.Wins != 1 {
		t.Errorf("expected 1 win, got %d", stats.Wins)
	}
}

func TestStreaks(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	winners := []string{WinnerPlayer1, WinnerPlayer1, WinnerDraw, WinnerPlayer1, WinnerPlayer2}
	for i, w := range winners {
		if _, _, err := store.RecordGame(ctx, game("game_"+string(rune('a'+i)), w)); err != nil {
			t.Fatalf("game %d: %v", i, err)
		}
	}

	stats, err := store.PlayerStats(ctx, "Wa")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Wins != 3 || stats.Losses != 1 || stats.Draws != 1 {
		t.Errorf("unexpected totals %+v", stats)
	}
	// A draw keeps the streak alive, the final loss resets it
	if stats.BestStreak != 3 {
		t.Errorf("expected best streak 3, got %d", stats.BestStreak)
	}
	if stats.CurrentStreak != 0 {
		t.Errorf("expected streak reset, got %d", stats.CurrentStreak)
	}
	wantXP := int64(3*XPWin + XPDraw + XPLoss)
	if stats.XP != wantXP {
		t.Errorf("expected %d XP, got %d", wantXP, stats.XP)
	}
	if stats.WinRate != 60 {
		t.Errorf("expected win rate 60, got %v", stats.WinRate)
	}
}

func TestPlayerStatsUnknownWallet(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	stats, err := store.PlayerStats(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("PlayerStats failed: %v", err)
	}
	if stats.Level != 1 || stats.TotalGames != 0 {
		t.Errorf("unexpected stats for new wallet %+v", stats)
	}
}

func TestRecentGamesAndLeaderboard(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	first := game("game_1", WinnerPlayer1)
	second := game("game_2", WinnerPlayer2)
	second.ResolvedAt = first.ResolvedAt.Add(time.Minute)
	store.RecordGame(ctx, first)
	store.RecordGame(ctx, second)

	games, err := store.RecentGames(ctx, "Wb", 10)
	if err != nil {
		t.Fatalf("RecentGames failed: %v", err)
	}
	if len(games) != 2 || games[0].GameID != "game_2" {
		t.Fatalf("expected newest game first, got %+v", games)
	}
	if games[0].Player1Name != "alice" || games[0].EndPrice != 148.5 {
		t.Errorf("unexpected game %+v", games[0])
	}

	board, err := store.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if len(board) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(board))
	}
	// Both have one win and one loss
	if board[0].XP != XPWin+XPLoss {
		t.Errorf("unexpected XP %d", board[0].XP)
	}
}

func TestCalculateLevel(t *testing.T) {
	tests := []struct {
		xp   int64
		want int
	}{
		{0, 1},
		{99, 1},
		{199, 1},
		{200, 2},
		{599, 2},
		{600, 3},
		{1199, 3},
		{1200, 4},
	}
	for _, tt := range tests {
		if got := CalculateLevel(tt.xp); got != tt.want {
			t.Errorf("CalculateLevel(%d) = %d, want %d", tt.xp, got, tt.want)
		}
	}
}

// ==================== MIGRATION TESTS ====================

func TestMigrationStatus(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	// After New(), all migrations should be applied
	applied, pending, err := store.MigrationStatus()
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}

	if len(pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(pending))
	}
	if len(applied) != len(migrations) {
		t.Errorf("expected %d applied migrations, got %d", len(migrations), len(applied))
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	// Running Migrate() again should be a no-op
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}

	_, pending, err := store.MigrationStatus()
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending migrations after re-run, got %d", len(pending))
	}

	// Verify the schema still works
	if _, _, err := store.RecordGame(context.Background(), game("game_1", WinnerDraw)); err != nil {
		t.Fatalf("RecordGame failed after migration re-run: %v", err)
	}
}

func TestMigrationVersionsAreSequential(t *testing.T) {
	for i, m := range migrations {
		expectedVersion := i + 1
		if m.Version != expectedVersion {
			t.Errorf("migration %d has version %d, expected %d", i, m.Version, expectedVersion)
		}
	}
}
