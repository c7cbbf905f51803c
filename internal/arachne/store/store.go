// Package store provides the SQLite-backed registry: Entities, per-server
// permission rows, server settings and templates, join requests, and OAuth
// artifacts. All durable state lives here; callers never touch SQL directly.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	_ "modernc.org/sqlite" // SQLite driver
)

// Sentinel errors shared by the registry methods.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalid is returned when an update would violate a data invariant
	// (e.g. watch channels outside the admin whitelist).
	ErrInvalid = errors.New("store: invalid update")
	// ErrTerminal is returned when a write targets a request already in a
	// terminal state.
	ErrTerminal = errors.New("store: request already resolved")
)

// Store wraps the database connection.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath, applies pragmas and
// schema migrations, and returns a ready Store.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer by design. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting
	// for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// baseSchema creates every table and index at its original shape. Later
// additions arrive through columnMigrations, never by editing these
// statements, so any historical database upgrades in place.
var baseSchema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		avatar_url  TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		platform    TEXT NOT NULL DEFAULT 'other',
		owner_id    TEXT NOT NULL,
		owner_name  TEXT NOT NULL DEFAULT '',
		key_hash    BLOB NOT NULL,
		key_salt    BLOB NOT NULL,
		active      INTEGER NOT NULL DEFAULT 1,
		created_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entity_servers (
		entity_id        TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		server_id        TEXT NOT NULL,
		channels         TEXT NOT NULL DEFAULT '[]',
		tools            TEXT NOT NULL DEFAULT '[]',
		watch_channels   TEXT NOT NULL DEFAULT '[]',
		blocked_channels TEXT NOT NULL DEFAULT '[]',
		role_id          TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL,
		PRIMARY KEY (entity_id, server_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_servers_server ON entity_servers(server_id)`,
	`CREATE TABLE IF NOT EXISTS server_settings (
		server_id           TEXT PRIMARY KEY,
		announce_channel_id TEXT NOT NULL DEFAULT '',
		announce_message    TEXT NOT NULL DEFAULT '',
		default_template_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS server_templates (
		id         TEXT PRIMARY KEY,
		server_id  TEXT NOT NULL,
		name       TEXT NOT NULL,
		channels   TEXT NOT NULL DEFAULT '[]',
		tools      TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_server_templates_server ON server_templates(server_id)`,
	`CREATE TABLE IF NOT EXISTS server_requests (
		id             TEXT PRIMARY KEY,
		entity_id      TEXT NOT NULL,
		server_id      TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		requester_id   TEXT NOT NULL,
		requester_name TEXT NOT NULL DEFAULT '',
		reviewer_id    TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL,
		resolved_at    TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_clients (
		id                         TEXT PRIMARY KEY,
		name                       TEXT NOT NULL DEFAULT '',
		redirect_uris              TEXT NOT NULL,
		grant_types                TEXT NOT NULL DEFAULT '[]',
		response_types             TEXT NOT NULL DEFAULT '[]',
		token_endpoint_auth_method TEXT NOT NULL DEFAULT 'none',
		created_at                 TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_auth_codes (
		code           TEXT PRIMARY KEY,
		client_id      TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		redirect_uri   TEXT NOT NULL,
		scope          TEXT NOT NULL DEFAULT '',
		code_challenge TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		expires_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_access_tokens (
		jti        TEXT PRIMARY KEY,
		entity_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		client_id  TEXT NOT NULL,
		scope      TEXT NOT NULL DEFAULT '',
		expires_at TEXT NOT NULL,
		revoked    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
		token      TEXT PRIMARY KEY,
		access_jti TEXT NOT NULL,
		client_id  TEXT NOT NULL,
		entity_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		scope      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
}

// columnMigrations lists every column added after the base schema shipped.
// Each entry is applied only when the schema catalog does not already show
// the column, which makes startup idempotent on any database version.
var columnMigrations = []struct {
	table, column, ddl string
}{
	{"entities", "accent_color",
		`ALTER TABLE entities ADD COLUMN accent_color TEXT NOT NULL DEFAULT ''`},
	{"entity_servers", "announce_channel_id",
		`ALTER TABLE entity_servers ADD COLUMN announce_channel_id TEXT NOT NULL DEFAULT ''`},
	{"entity_servers", "template_id",
		`ALTER TABLE entity_servers ADD COLUMN template_id TEXT NOT NULL DEFAULT ''`},
	{"entities", "triggers",
		`ALTER TABLE entities ADD COLUMN triggers TEXT NOT NULL DEFAULT '[]'`},
	{"entities", "notify_addressed",
		`ALTER TABLE entities ADD COLUMN notify_addressed INTEGER NOT NULL DEFAULT 0`},
	{"entities", "notify_triggered",
		`ALTER TABLE entities ADD COLUMN notify_triggered INTEGER NOT NULL DEFAULT 0`},
}

// migrate applies the base schema and any missing additive column changes.
func (s *Store) migrate() error {
	for _, stmt := range baseSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply base schema: %w", err)
		}
	}

	for _, m := range columnMigrations {
		has, err := s.hasColumn(m.table, m.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
		slog.Info("store: applied migration", "table", m.table, "column", m.column)
	}

	return nil
}

// hasColumn checks the SQLite schema catalog for table.column.
func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// --- set encoding -------------------------------------------------------------

// encodeSet serializes a string set as a sorted, deduplicated JSON array.
// The encoding is private to this package; callers see plain slices with set
// semantics.
func encodeSet(values []string) string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)

	raw, err := json.Marshal(out)
	if err != nil {
		// A []string cannot fail to marshal.
		return "[]"
	}
	return string(raw)
}

// decodeSet parses a JSON array column back into a slice. Malformed rows
// decode as the empty set rather than failing the whole query.
func decodeSet(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("store: malformed set column", "raw", raw, "err", err)
		return nil
	}
	return out
}

// setContains reports whether the set contains v.
func setContains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// setSubset reports whether every element of sub is in super.
func setSubset(sub, super []string) bool {
	for _, v := range sub {
		if !setContains(super, v) {
			return false
		}
	}
	return true
}

// setIntersect returns the elements present in both sets.
func setIntersect(a, b []string) []string {
	var out []string
	for _, v := range a {
		if setContains(b, v) {
			out = append(out, v)
		}
	}
	return out
}
