package store

import (
	"database/sql"
	"fmt"

	"vigil/internal/logging"
)

// Schema versions:
// v1: initial layout (agents, runtime, history, locks, sessions, dialectic,
//     discoveries, audit).
// v2: discoveries.kind column, distinguishing notes from full discoveries.
const CurrentSchemaVersion = 2

// Migration adds a column to an existing table. Fresh databases already
// carry every column in the base schema, so each entry is a no-op there.
type Migration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []Migration{
	// Notes were originally stored as zero-detail discoveries; the kind
	// column separates them without a second table.
	{"discoveries", "kind", "TEXT NOT NULL DEFAULT 'discovery'"},
}

// runMigrations applies column migrations for databases created by older
// builds, then records the schema version.
func runMigrations(db *sql.DB) error {
	logging.StoreDebug("Running schema migrations (%d pending)", len(pendingMigrations))

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// The column may already exist under a different definition.
			logging.StoreWarn("Migration failed for %s.%s: %v", m.Table, m.Column, err)
			continue
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	if err := recordSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return err
	}

	logging.StoreDebug("Schema migrations complete: applied=%d", applied)
	return nil
}

// recordSchemaVersion appends a version row unless the database is already
// at the target version.
func recordSchemaVersion(db *sql.DB, version int) error {
	var current sql.NullInt64
	err := db.QueryRow(
		"SELECT version FROM schema_migrations ORDER BY id DESC LIMIT 1",
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current.Valid && int(current.Int64) == version {
		return nil
	}

	_, err = db.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		version, nowUTC(), fmt.Sprintf("schema version %d", version),
	)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	logging.Store("Schema version recorded: v%d", version)
	return nil
}

// SchemaVersion returns the most recently recorded schema version.
func SchemaVersion(db *sql.DB) int {
	var version int
	err := db.QueryRow(
		"SELECT version FROM schema_migrations ORDER BY id DESC LIMIT 1",
	).Scan(&version)
	if err != nil {
		return 0
	}
	return version
}

// columnExists checks for a column via PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks whether a table is present in sqlite_master.
func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&count)
	return err == nil && count > 0
}
