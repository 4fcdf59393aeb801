// Package logstore is the embedded SQLite store for request records,
// provider revocation state, rate limits, and budget rows.
package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite database. Writes are serialized through one
// connection; SQLite in WAL mode handles concurrent readers.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// Open opens (or creates) the store at dbPath and runs schema migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	// Pragmas in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("log store opened")
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL DEFAULT '',
		http_method TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_cents INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		ttft_ms INTEGER NOT NULL DEFAULT 0,
		caller_name TEXT NOT NULL DEFAULT '',
		caller_pid INTEGER NOT NULL DEFAULT 0,
		is_streaming INTEGER NOT NULL DEFAULT 0,
		error_type TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		request_hash TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_requests_model ON requests(model, timestamp DESC);

	CREATE TABLE IF NOT EXISTS provider_state (
		provider TEXT PRIMARY KEY,
		revoked INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS rate_limits (
		provider TEXT PRIMARY KEY,
		rpm INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS budgets (
		scope TEXT NOT NULL,
		period TEXT NOT NULL,
		limit_cents INTEGER NOT NULL,
		current_spend_cents INTEGER NOT NULL DEFAULT 0,
		period_start INTEGER NOT NULL,
		PRIMARY KEY (scope, period)
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Prune deletes request records older than the retention horizon. A
// non-positive retention disables pruning.
func (s *Store) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Int("retentionDays", retentionDays).Msg("pruned old request records")
	}
	return deleted, nil
}
