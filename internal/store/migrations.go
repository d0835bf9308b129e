package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS access_requests (
		id            TEXT PRIMARY KEY,
		requester     TEXT NOT NULL,
		role          TEXT NOT NULL,
		duration_ms   INTEGER NOT NULL,
		justification TEXT NOT NULL,
		ticket_ref    TEXT,
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS grants (
		id                 TEXT PRIMARY KEY,
		request_id         TEXT NOT NULL UNIQUE REFERENCES access_requests(id),
		requester          TEXT NOT NULL,
		role               TEXT NOT NULL,
		duration_ms        INTEGER NOT NULL,
		state              TEXT NOT NULL,
		approver           TEXT,
		approved_at        INTEGER,
		deny_reason        TEXT,
		activated_at       INTEGER,
		expires_at         INTEGER,
		revoked_at         INTEGER,
		revoked_by         TEXT,
		revocation_reason  TEXT,
		removal_pending    INTEGER NOT NULL DEFAULT 0,
		enforce_attempts   INTEGER NOT NULL DEFAULT 0,
		next_enforce_at    INTEGER,
		last_enforce_error TEXT,
		stale_alerted      INTEGER NOT NULL DEFAULT 0,
		expiry_notified    INTEGER NOT NULL DEFAULT 0,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_grants_open_pair
		ON grants(requester, role) WHERE state IN ('requested', 'approved', 'active');
	CREATE INDEX IF NOT EXISTS idx_grants_state ON grants(state);
	CREATE INDEX IF NOT EXISTS idx_grants_expiry ON grants(state, expires_at);
	CREATE INDEX IF NOT EXISTS idx_grants_removal ON grants(removal_pending) WHERE removal_pending = 1;

	CREATE TABLE IF NOT EXISTS audit_events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		grant_id   TEXT,
		kind       TEXT NOT NULL,
		from_state TEXT,
		to_state   TEXT,
		actor      TEXT NOT NULL,
		role       TEXT,
		principal  TEXT,
		detail     TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_grant ON audit_events(grant_id, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at);

	CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
	BEGIN
		SELECT RAISE(ABORT, 'audit_events is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
	BEGIN
		SELECT RAISE(ABORT, 'audit_events is append-only');
	END;

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

// migrateV2 records which policy catalog version each grant was evaluated under.
func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	// ALTER TABLE fails if the column already exists; ignore.
	_, _ = s.db.Exec(`ALTER TABLE grants ADD COLUMN policy_version TEXT`)

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
