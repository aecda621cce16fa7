// Package store is the authoritative persistence layer: agent records and
// runtime state, bounded trajectory history, advisory per-agent locks, session
// bindings, dialectic sessions, shared discoveries, and the audit trail, all
// in one SQLite database. Writes go through a single connection in WAL mode;
// per-update persistence is transactional so an agent's snapshot, history row,
// and status never diverge.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vigil/internal/logging"
)

// Options tune the SQLite connection. Zero values fall back to defaults.
type Options struct {
	// BusyTimeoutMS is handed to the sqlite busy handler.
	BusyTimeoutMS int

	// VectorSearch attempts to enable the sqlite-vec extension for semantic
	// discovery search. When the extension is not compiled in, search falls
	// back to in-process cosine ranking.
	VectorSearch bool
}

// DefaultOptions returns the production connection settings.
func DefaultOptions() Options {
	return Options{BusyTimeoutMS: 5000, VectorSearch: true}
}

// Store wraps the SQLite database behind typed accessors.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	vectorExt bool

	// Session binding cache; the sessions table stays authoritative.
	sessMu    sync.RWMutex
	sessCache map[string]sessionBinding
}

// Open creates or opens the database at dbPath and prepares the schema.
// Use ":memory:" for an ephemeral store in tests.
func Open(dbPath string, opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store: %s", dbPath)

	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = DefaultOptions().BusyTimeoutMS
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		logging.StoreError("Failed to open database %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes all access and keeps the in-memory
	// database stable across the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeoutMS)); err != nil {
		logging.StoreWarn("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreWarn("Failed to enable WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreWarn("Failed to set synchronous mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreWarn("Failed to enable foreign keys: %v", err)
	}

	s := &Store{
		db:        db,
		dbPath:    dbPath,
		sessCache: make(map[string]sessionBinding),
	}

	if err := s.initialize(); err != nil {
		db.Close()
		logging.StoreError("Schema initialization failed: %v", err)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if opts.VectorSearch {
		s.vectorExt = s.detectVecExtension()
	}

	logging.Store("Store ready: path=%s vector_search=%v", dbPath, s.vectorExt)
	return s, nil
}

// initialize creates all tables and indexes, then applies column migrations
// for databases created by older builds.
func (s *Store) initialize() error {
	logging.StoreDebug("Initializing schema")

	schemas := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			uuid TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL UNIQUE,
			api_key_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			parent_uuid TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			lineage TEXT NOT NULL DEFAULT '[]'
		)`,

		// Working state, one row per agent, replaced on every accepted update.
		`CREATE TABLE IF NOT EXISTS agent_runtime (
			agent_uuid TEXT PRIMARY KEY,
			state_json TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		// Trajectory history ring, capped per agent by the governance config.
		`CREATE TABLE IF NOT EXISTS agent_state (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_uuid TEXT NOT NULL,
			recorded_at DATETIME NOT NULL,
			e REAL NOT NULL,
			i REAL NOT NULL,
			s REAL NOT NULL,
			v REAL NOT NULL,
			coherence REAL NOT NULL DEFAULT -1,
			risk REAL NOT NULL DEFAULT 0,
			lambda1 REAL NOT NULL DEFAULT 0,
			regime TEXT NOT NULL DEFAULT 'update',
			verdict TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_uuid TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			recorded_at DATETIME NOT NULL
		)`,

		// Advisory write locks. Epoch-millisecond heartbeats keep staleness
		// arithmetic independent of datetime formatting.
		`CREATE TABLE IF NOT EXISTS agent_locks (
			agent_uuid TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			holder_pid INTEGER NOT NULL,
			acquired_ms INTEGER NOT NULL,
			heartbeat_ms INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			session_key TEXT PRIMARY KEY,
			agent_uuid TEXT NOT NULL,
			bound_at DATETIME NOT NULL,
			expires_ms INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS dialectic_sessions (
			session_id TEXT PRIMARY KEY,
			paused_uuid TEXT NOT NULL,
			reviewer_uuid TEXT NOT NULL DEFAULT '',
			llm_backed INTEGER NOT NULL DEFAULT 0,
			phase TEXT NOT NULL,
			rounds INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			resolved_at DATETIME,
			resolution TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS dialectic_messages (
			session_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			type TEXT NOT NULL,
			author_uuid TEXT NOT NULL,
			content TEXT NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, ordinal)
		)`,

		`CREATE TABLE IF NOT EXISTS discoveries (
			id TEXT PRIMARY KEY,
			author_uuid TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			tags TEXT NOT NULL DEFAULT '[]',
			summary TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open',
			kind TEXT NOT NULL DEFAULT 'discovery',
			embedding BLOB
		)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			agent_uuid TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL DEFAULT 1,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			fields TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE TABLE IF NOT EXISTS schema_migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			applied_at DATETIME NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`,
	}

	for i, schema := range schemas {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create table (schema %d): %w", i, err)
		}
	}

	if err := runMigrations(s.db); err != nil {
		return err
	}

	// Indexes are best-effort: a failure degrades query speed, not
	// correctness.
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_state_agent ON agent_state(agent_uuid, id)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_agent ON lifecycle_events(agent_uuid, id)`,
		`CREATE INDEX IF NOT EXISTS idx_dialectic_paused ON dialectic_sessions(paused_uuid, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dialectic_reviewer ON dialectic_sessions(reviewer_uuid, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_discoveries_status ON discoveries(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts)`,
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			logging.StoreWarn("Failed to create index: %v", err)
		}
	}

	logging.StoreDebug("Schema initialized: %d tables", len(schemas))
	return nil
}

// detectVecExtension probes for sqlite-vec by creating a throwaway vec0
// virtual table. The extension is only present when the binary was built
// with the sqlite_vec tag.
func (s *Store) detectVecExtension() bool {
	_, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])")
	if err != nil {
		logging.StoreDebug("sqlite-vec not available: %v", err)
		return false
	}
	if _, err := s.db.Exec("DROP TABLE IF EXISTS vec_probe"); err != nil {
		logging.StoreDebug("Failed to drop vec_probe: %v", err)
	}
	logging.Store("sqlite-vec extension detected")
	return true
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("Closing store: %s", s.dbPath)
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for tests and migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// VectorSearch reports whether semantic discovery search is available.
func (s *Store) VectorSearch() bool {
	return s.vectorExt
}

// Ping verifies the database is reachable. Used by health_check.
func (s *Store) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Ping()
}

// Stats returns row counts per table for health reporting.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tables := []string{
		"agents", "agent_runtime", "agent_state", "lifecycle_events",
		"agent_locks", "sessions", "dialectic_sessions",
		"dialectic_messages", "discoveries", "audit_log",
	}

	stats := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}

// marshalJSON serializes v, substituting fallback on error or nil input.
// Malformed metadata must never block a persistence path.
func marshalJSON(v interface{}, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		logging.StoreWarn("JSON marshal failed, storing fallback: %v", err)
		return fallback
	}
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
