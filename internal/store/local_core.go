// Package store implements the shared symbol catalog on SQLite: symbol,
// kit, and persona records, per-session chat history, and the append-only
// session ledger. The catalog keeps the embedding index consistent with
// every symbol mutation before the mutation's result is returned.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"signalzero/internal/embedding"
	"signalzero/internal/logging"
)

// LocalStore is the SQLite-backed symbol catalog shared across sessions.
// Mutations are single-key atomic: each read-modify-write runs under the
// write lock, and concurrent writers to the same id resolve last-write-wins.
type LocalStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	index     *embedding.Index
	history   *historyCipher
	vectorExt bool // sqlite-vec available
}

// NewLocalStore initializes the SQLite database at the given path.
// The index may be nil; symbol mutations then log a reindex-skipped warning
// instead of maintaining vectors.
func NewLocalStore(path string, index *embedding.Index) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Chat turns are encrypted at rest; the key lives beside the database.
	history, err := newHistoryCipher(dir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &LocalStore{db: db, dbPath: path, index: index, history: history}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	store.detectVecExtension()
	if store.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available; similarity search served from the in-memory index")
	}

	logging.Store("LocalStore initialization complete")
	return store, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	symbolsTable := `
	CREATE TABLE IF NOT EXISTS symbols (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		symbol_domain TEXT,
		symbol_tag TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_symbols_domain ON symbols(symbol_domain);
	CREATE INDEX IF NOT EXISTS idx_symbols_tag ON symbols(symbol_tag);
	`

	kitsTable := `
	CREATE TABLE IF NOT EXISTS kits (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);
	`

	personasTable := `
	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);
	`

	// UNIQUE constraint on (session_id, turn_number) keeps turn order stable
	historyTable := `
	CREATE TABLE IF NOT EXISTS session_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(session_id, turn_number)
	);
	CREATE INDEX IF NOT EXISTS idx_history_session ON session_history(session_id);
	`

	// One row per terminated session, written once, never mutated
	ledgerTable := `
	CREATE TABLE IF NOT EXISTS session_ledger (
		session_id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	for _, table := range []string{symbolsTable, kitsTable, personasTable, historyTable, ledgerTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *LocalStore) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// Index returns the embedding index kept consistent with this store.
func (s *LocalStore) Index() *embedding.Index {
	return s.index
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	logging.Store("Closing LocalStore database connection")
	return s.db.Close()
}

// GetStats returns database statistics.
func (s *LocalStore) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"symbols", "kits", "personas", "session_history", "session_ledger"}

	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}

	return stats, nil
}
