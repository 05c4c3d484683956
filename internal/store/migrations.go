package store

import "fmt"

// Migration represents a database schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all migrations.
// Append new ones with incrementing version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Games and player stats",
		SQL: `
		CREATE TABLE IF NOT EXISTS games (
			id TEXT PRIMARY KEY,
			player1_wallet TEXT NOT NULL,
			player2_wallet TEXT NOT NULL,
			player1_choice TEXT NOT NULL DEFAULT '',
			player2_choice TEXT NOT NULL DEFAULT '',
			challenge_type TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL,
			start_price REAL NOT NULL,
			end_price REAL NOT NULL,
			price_change REAL NOT NULL,
			winner TEXT NOT NULL,
			forfeit BOOLEAN NOT NULL DEFAULT FALSE,
			started_at DATETIME NOT NULL,
			resolved_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS player_stats (
			wallet TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			xp INTEGER NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 1,
			wins INTEGER NOT NULL DEFAULT 0,
			losses INTEGER NOT NULL DEFAULT 0,
			draws INTEGER NOT NULL DEFAULT 0,
			current_streak INTEGER NOT NULL DEFAULT 0,
			best_streak INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_games_resolved ON games(resolved_at);
		CREATE INDEX IF NOT EXISTS idx_games_player1 ON games(player1_wallet);
		CREATE INDEX IF NOT EXISTS idx_games_player2 ON games(player2_wallet);
		`,
	},
	{
		Version:     2,
		Description: "Leaderboard index",
		SQL: `
		CREATE INDEX IF NOT EXISTS idx_player_stats_xp ON player_stats(xp DESC);
		`,
	},
}

// initMigrationsTable creates the migrations tracking table
func (s *Store) initMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// getCurrentVersion returns the highest applied migration version
func (s *Store) getCurrentVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Migrate runs all pending migrations
func (s *Store) Migrate() error {
	if err := s.initMigrationsTable(); err != nil {
		return fmt.Errorf("failed to init migrations table: %w", err)
	}

	currentVersion, err := s.getCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}

	return nil
}

// applyMigration runs a single migration in a transaction
func (s *Store) applyMigration(m Migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Run the migration SQL
	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}

	// Record the migration
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// MigrationStatus returns applied and pending migrations
func (s *Store) MigrationStatus() (applied []int, pending []int, err error) {
	if err := s.initMigrationsTable(); err != nil {
		return nil, nil, err
	}

	// Get applied versions
	rows, err := s.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	appliedSet := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, nil, err
		}
		applied = append(applied, v)
		appliedSet[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	// Find pending
	for _, m := range migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m.Version)
		}
	}

	return applied, pending, nil
}
