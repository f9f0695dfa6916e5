package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

var baseSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		pub TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'unknown',
		is_repeater INTEGER NOT NULL DEFAULT 0,
		is_observer INTEGER NOT NULL DEFAULT 0,
		lat REAL,
		lon REAL,
		gps_manual INTEGER NOT NULL DEFAULT 0,
		gps_estimated INTEGER NOT NULL DEFAULT 0,
		gps_flagged INTEGER NOT NULL DEFAULT 0,
		last_advert_heard_ms INTEGER NOT NULL DEFAULT 0,
		last_seen_ms INTEGER NOT NULL DEFAULT 0,
		last_advert_blob TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_last_advert ON devices (last_advert_heard_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices (last_seen_ms)`,

	`CREATE TABLE IF NOT EXISTS messages (
		message_hash TEXT PRIMARY KEY,
		frame_hash TEXT,
		channel_name TEXT,
		channel_hash TEXT,
		sender TEXT,
		sender_pub TEXT,
		body TEXT,
		ts INTEGER NOT NULL DEFAULT 0,
		path_json TEXT NOT NULL DEFAULT '[]',
		path_text TEXT NOT NULL DEFAULT '',
		path_length INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages (channel_name, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages (ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender_channel_ts ON messages (sender, channel_name, ts)`,

	`CREATE TABLE IF NOT EXISTS message_observers (
		message_hash TEXT NOT NULL,
		observer_id TEXT NOT NULL,
		observer_name TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL DEFAULT 0,
		path_json TEXT NOT NULL DEFAULT '[]',
		path_text TEXT NOT NULL DEFAULT '',
		path_length INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (message_hash, observer_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_observers_hash ON message_observers (message_hash)`,

	`CREATE TABLE IF NOT EXISTS observers (
		observer_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		first_seen_ms INTEGER NOT NULL DEFAULT 0,
		last_seen_ms INTEGER NOT NULL DEFAULT 0,
		packets INTEGER NOT NULL DEFAULT 0,
		lat REAL,
		lon REAL,
		updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_observers_last_seen ON observers (last_seen_ms)`,

	`CREATE TABLE IF NOT EXISTS rf_packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		observer_id TEXT NOT NULL DEFAULT '',
		message_hash TEXT,
		frame_hash TEXT,
		payload_type INTEGER,
		route_type INTEGER,
		path_length INTEGER NOT NULL DEFAULT 0,
		rssi REAL,
		snr REAL,
		raw BLOB,
		raw_zstd INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rf_packets_ts ON rf_packets (ts)`,

	`CREATE TABLE IF NOT EXISTS geoscore_routes (
		msg_key TEXT PRIMARY KEY,
		ts TEXT NOT NULL DEFAULT '',
		ts_ms INTEGER NOT NULL DEFAULT 0,
		observer_id TEXT NOT NULL DEFAULT '',
		tokens_json TEXT NOT NULL DEFAULT '[]',
		inferred_json TEXT NOT NULL DEFAULT '[]',
		hop_conf_json TEXT NOT NULL DEFAULT '[]',
		route_conf REAL NOT NULL DEFAULT 0,
		unresolved INTEGER NOT NULL DEFAULT 1,
		teleport_max_km REAL NOT NULL DEFAULT 0,
		diagnostics_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_geoscore_routes_ts_ms ON geoscore_routes (ts_ms)`,

	`CREATE TABLE IF NOT EXISTS rejected_adverts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pub TEXT,
		observer_id TEXT NOT NULL DEFAULT '',
		heard_ms INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL,
		sample TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rejected_adverts_heard_ms ON rejected_adverts (heard_ms)`,

	`CREATE TABLE IF NOT EXISTS ingest_metrics (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS activity_buckets (
		bucket_ms INTEGER PRIMARY KEY,
		messages INTEGER NOT NULL DEFAULT 0
	)`,
}

// addedColumns lists columns introduced after the base schema shipped.
// Migration is additive: ADD COLUMN when absent, never drop or rewrite.
var addedColumns = []struct {
	table, column, ddl string
}{
	{"devices", "implausible_gps", `ALTER TABLE devices ADD COLUMN implausible_gps INTEGER NOT NULL DEFAULT 0`},
	{"devices", "hidden_on_map", `ALTER TABLE devices ADD COLUMN hidden_on_map INTEGER NOT NULL DEFAULT 0`},
	{"messages", "repeats", `ALTER TABLE messages ADD COLUMN repeats INTEGER NOT NULL DEFAULT 0`},
}

// Migrate applies the schema inside one transaction.
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range baseSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}

	for _, ac := range addedColumns {
		exists, err := columnExists(ctx, tx, ac.table, ac.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, ac.ddl); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", ac.table, ac.column, err)
		}
		logger.Info("added column", zap.String("table", ac.table), zap.String("column", ac.column))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	logger.Info("schema migration complete")
	return nil
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
