// Package store persists thread conversation context and the question/answer
// cache in an embedded SQLite database.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema for both the thread context and query cache tables.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite tolerates one writer; callers serialize writes anyway

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS thread_contexts (
			thread_key TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			thread_ts TEXT NOT NULL,
			user_id TEXT,
			messages TEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_contexts_updated_at ON thread_contexts(updated_at)`,

		`CREATE TABLE IF NOT EXISTS query_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			question_text TEXT NOT NULL,
			question_normalized TEXT NOT NULL,
			question_hash TEXT NOT NULL,
			response_text TEXT NOT NULL,
			tools_used TEXT,
			sql_queries TEXT,
			progress_events TEXT,
			hit_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_hit_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_query_cache_hash ON query_cache(question_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_query_cache_normalized ON query_cache(question_normalized)`,
		`CREATE INDEX IF NOT EXISTS idx_query_cache_created_at ON query_cache(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
