// Package store implements relational persistence for memory records using
// SQLite. Every query is tenant-scoped: when an account key is provided it
// becomes a WHERE predicate, and counts or candidate lists never cross
// tenants. Writes run in immediate transactions retried with exponential
// backoff on lock contention; reads are lock-free.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"recalld/internal/config"
	"recalld/internal/memory"
)

// Manager owns the database handle for the memories table.
type Manager struct {
	db     *sql.DB
	cfg    config.StorageConfig
	logger *zap.Logger
}

// NewManager opens (or creates) the SQLite database at the configured path
// and initializes the schema. Pass ":memory:" for tests.
func NewManager(cfg config.StorageConfig, logger *zap.Logger) (*Manager, error) {
	if cfg.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between our own
	// connections; concurrent writers still contend at the file level.
	db.SetMaxOpenConns(1)

	m := &Manager{db: db, cfg: cfg, logger: logger}
	if err := m.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		memory_id TEXT PRIMARY KEY,
		account_key TEXT NOT NULL,
		event_id TEXT NOT NULL,
		content TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		intent TEXT NOT NULL DEFAULT '',
		entities TEXT NOT NULL DEFAULT '[]',
		relationships TEXT NOT NULL DEFAULT '[]',
		raw_embedding BLOB,
		semantic_embedding BLOB,
		semantic_key TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		retrieval_count INTEGER NOT NULL DEFAULT 0,
		avg_outcome_signal REAL NOT NULL DEFAULT 0,
		outcome_count INTEGER NOT NULL DEFAULT 0,
		storage_tier TEXT NOT NULL DEFAULT 'ephemeral',
		latest_importance REAL NOT NULL DEFAULT 0,
		is_compressed INTEGER NOT NULL DEFAULT 0,
		original_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_account ON memories(account_key);
	CREATE INDEX IF NOT EXISTS idx_memories_semantic_key ON memories(semantic_key);
	CREATE INDEX IF NOT EXISTS idx_memories_account_intent ON memories(account_key, intent);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create memories schema: %w", err)
	}
	return nil
}

// DB exposes the handle for the quota envelope, which shares the database so
// quota debits and idempotency reservations commit in one transaction.
func (m *Manager) DB() *sql.DB { return m.db }

// Close closes the database connection.
func (m *Manager) Close() error { return m.db.Close() }

// Ping verifies the store is reachable, for health checks.
func (m *Manager) Ping(ctx context.Context) error { return m.db.PingContext(ctx) }

// isRetryable reports whether err is SQLite lock contention.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withWriteTx runs fn inside an immediate transaction, retrying lock
// contention with exponential backoff up to the configured attempt budget.
// After the budget is exhausted the failure wraps ErrStorageContention,
// which handlers report as a server error.
func (m *Manager) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	attempts := m.cfg.WriteRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := m.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		m.logger.Debug("retrying contended write",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("%w after %d attempts: %v",
		memory.ErrStorageContention, attempts, lastErr)
}

func (m *Manager) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
