package store

import "database/sql"

// migration is one forward-only, idempotent schema step. Each body uses
// CREATE TABLE/INDEX IF NOT EXISTS so re-applying a partially-committed
// migration (after a crash mid-transaction) is safe.
type migration struct {
	version int
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, apply: migration1},
	{version: 2, apply: migration2},
}

func migration1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS edge_config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			local_id        TEXT PRIMARY KEY,
			global_id       TEXT UNIQUE,
			display_name    TEXT NOT NULL DEFAULT '',
			location        TEXT NOT NULL DEFAULT '',
			type            TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'disconnected',
			last_heartbeat_at DATETIME,
			last_event_at     DATETIME,
			heartbeat_count   INTEGER NOT NULL DEFAULT 0,
			event_count       INTEGER NOT NULL DEFAULT 0,
			connected_at      DATETIME,
			source_ip         TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS active_sessions_cache (
			id               TEXT PRIMARY KEY,
			device_id        TEXT NOT NULL REFERENCES devices(local_id),
			animal_id        TEXT NOT NULL DEFAULT '',
			animal_tag       TEXT NOT NULL DEFAULT '',
			animal_species   TEXT NOT NULL DEFAULT '',
			operator_id      TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'active',
			cached_at        DATETIME NOT NULL,
			last_updated_at  DATETIME NOT NULL,
			expires_at       DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS offline_batches (
			id                   TEXT PRIMARY KEY,
			device_id            TEXT NOT NULL REFERENCES devices(local_id),
			started_at           DATETIME NOT NULL,
			ended_at             DATETIME,
			event_count          INTEGER NOT NULL DEFAULT 0,
			total_weight_grams   INTEGER NOT NULL DEFAULT 0,
			status               TEXT NOT NULL DEFAULT 'pending',
			cloud_session_id     TEXT,
			reconciled_at        DATETIME,
			reconciliation_meta  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id                 TEXT PRIMARY KEY,
			device_id          TEXT NOT NULL REFERENCES devices(local_id),
			session_id         TEXT REFERENCES active_sessions_cache(id),
			offline_mode       INTEGER NOT NULL DEFAULT 0,
			offline_batch_id   TEXT REFERENCES offline_batches(id),
			plu_code           TEXT NOT NULL,
			product_name       TEXT NOT NULL DEFAULT '',
			net_weight_grams   INTEGER NOT NULL,
			tare_weight_grams  INTEGER NOT NULL,
			barcode            TEXT NOT NULL DEFAULT '',
			scale_timestamp    DATETIME NOT NULL,
			received_at        DATETIME NOT NULL,
			source_ip          TEXT NOT NULL DEFAULT '',
			raw_line           TEXT NOT NULL DEFAULT '',
			sync_status        TEXT NOT NULL DEFAULT 'pending',
			cloud_event_id     TEXT,
			synced_at          DATETIME,
			sync_attempts      INTEGER NOT NULL DEFAULT 0,
			last_error         TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_events_dedup
			ON events(device_id, scale_timestamp, plu_code, net_weight_grams)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_batch ON events(offline_batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_sync_pending ON events(sync_status)
			WHERE sync_status IN ('pending', 'failed')`,
		`CREATE INDEX IF NOT EXISTS idx_events_offline ON events(offline_mode)
			WHERE offline_mode = 1`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			event_id    TEXT PRIMARY KEY,
			received_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cloud_connection_log (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			transitioned_at DATETIME NOT NULL,
			state           TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migration2 adds the PLU cache/version tables.
func migration2(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plu_cache (
			plu_code     TEXT PRIMARY KEY,
			product_name TEXT NOT NULL DEFAULT '',
			force_grams  INTEGER NOT NULL DEFAULT 0,
			updated_at   DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plu_versions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			plu_code     TEXT NOT NULL,
			product_name TEXT NOT NULL DEFAULT '',
			observed_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plu_versions_plu ON plu_versions(plu_code)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
