// Package store provides the hub's persistent operational state: the
// server's display name, a bounded audit log of roster events, and a
// name-ban list. This is deliberately not a chat history store — persistent
// message history is out of scope (spec.md §1 Non-goals) — it only ever
// persists metadata about the roster's own lifecycle.
//
// Migration design follows the teacher's store.go: ordered SQL strings in
// [migrations], each applied exactly once and tracked in schema_migrations.
// To add a migration, append a new string — never edit or reorder existing
// entries.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — audit log of roster events (join/leave/evict/ban-reject)
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event      TEXT NOT NULL,
		name       TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — name bans
	`CREATE TABLE IF NOT EXISTS name_bans (
		name       TEXT PRIMARY KEY,
		reason     TEXT NOT NULL DEFAULT '',
		banned_by  TEXT NOT NULL DEFAULT '',
		duration_s INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — indexes for the metrics/CLI query paths
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	// v5 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// MaxAuditEntries bounds the audit log; the oldest rows are purged past it.
const MaxAuditEntries = 10000

// Store wraps a SQLite database and exposes the hub's persistence API.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error is only returned for real I/O
// failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// ServerName is the setting key under which the hub's display name (shown
// in client welcome banners) is stored.
const ServerName = "server_name"

// AuditEntry is one row in the audit_log table.
type AuditEntry struct {
	ID        int64
	Event     string
	Name      string
	CreatedAt int64
}

// InsertAuditLog records a roster event. If the table exceeds
// MaxAuditEntries rows, the oldest entries are purged.
func (s *Store) InsertAuditLog(event, name string) error {
	_, err := s.db.Exec(`INSERT INTO audit_log(event, name) VALUES(?, ?)`, event, name)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT ?)`,
		MaxAuditEntries,
	)
	return err
}

// GetAuditLog returns audit log entries, most recent first, with an
// optional event filter. Pass event="" to return all events.
func (s *Store) GetAuditLog(event string, limit int) ([]AuditEntry, error) {
	var rows *sql.Rows
	var err error
	if event != "" {
		rows, err = s.db.Query(
			`SELECT id, event, name, created_at FROM audit_log WHERE event = ? ORDER BY id DESC LIMIT ?`,
			event, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, event, name, created_at FROM audit_log ORDER BY id DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Event, &e.Name, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AuditLogCount returns the number of entries in the audit log.
func (s *Store) AuditLogCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

// NameBan is one row in the name_bans table.
type NameBan struct {
	Name      string
	Reason    string
	BannedBy  string
	DurationS int // 0 = permanent
	CreatedAt int64
}

// BanName records a name ban. durationS=0 means permanent.
func (s *Store) BanName(name, reason, bannedBy string, durationS int) error {
	_, err := s.db.Exec(
		`INSERT INTO name_bans(name, reason, banned_by, duration_s) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET reason = excluded.reason, banned_by = excluded.banned_by, duration_s = excluded.duration_s, created_at = unixepoch()`,
		name, reason, bannedBy, durationS,
	)
	return err
}

// UnbanName removes name from the ban list, if present.
func (s *Store) UnbanName(name string) error {
	_, err := s.db.Exec(`DELETE FROM name_bans WHERE name = ?`, name)
	return err
}

// GetBans returns every stored name ban, most recently created first,
// including temporary bans that have expired but not yet been purged.
func (s *Store) GetBans() ([]NameBan, error) {
	rows, err := s.db.Query(
		`SELECT name, reason, banned_by, duration_s, created_at FROM name_bans ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []NameBan
	for rows.Next() {
		var b NameBan
		if err := rows.Scan(&b.Name, &b.Reason, &b.BannedBy, &b.DurationS, &b.CreatedAt); err != nil {
			return nil, err
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// IsNameBanned reports whether name is currently barred from registering,
// honoring temporary-ban expiry.
func (s *Store) IsNameBanned(name string) (bool, error) {
	var reason string
	err := s.db.QueryRow(
		`SELECT reason FROM name_bans WHERE name = ? AND (duration_s = 0 OR created_at + duration_s > unixepoch()) LIMIT 1`,
		name,
	).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpiredBans removes bans whose duration has elapsed. Permanent bans
// (duration_s = 0) are never purged by this call.
func (s *Store) PurgeExpiredBans() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM name_bans WHERE duration_s > 0 AND created_at + duration_s <= unixepoch()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Backup snapshots the live database to destPath using SQLite's online
// backup mechanism (VACUUM INTO), safe to run against a database under
// concurrent use.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
