// ABOUTME: Ordered, named, idempotent schema migrations with a persisted ledger
// ABOUTME: Each migration runs once, inside its own transaction, at store open

package store

import (
	"context"
	"fmt"
	"time"
)

// migration is one named schema step. The list is append-only; never edit
// an entry that has shipped.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "0001_initial",
		sql: `
			CREATE TABLE room_state (
				room_id    TEXT NOT NULL,
				event_type TEXT NOT NULL,
				state_key  TEXT NOT NULL,
				content    BLOB NOT NULL,
				origin_ts  INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (room_id, event_type, state_key)
			);

			CREATE INDEX idx_room_state_room_type
				ON room_state(room_id, event_type);

			CREATE TABLE account_data (
				event_type TEXT NOT NULL,
				room_id    TEXT NOT NULL DEFAULT '',
				content    BLOB NOT NULL,
				PRIMARY KEY (event_type, room_id)
			);

			CREATE INDEX idx_account_data_room ON account_data(room_id);

			CREATE TABLE presence (
				user_id TEXT PRIMARY KEY,
				content BLOB NOT NULL
			);

			CREATE TABLE custom_values (
				key   TEXT PRIMARY KEY,
				value BLOB NOT NULL
			);

			CREATE TABLE send_queue (
				seq        INTEGER PRIMARY KEY AUTOINCREMENT,
				txn_id     TEXT NOT NULL UNIQUE,
				room_id    TEXT NOT NULL,
				kind       TEXT NOT NULL,
				content    BLOB NOT NULL,
				state      TEXT NOT NULL DEFAULT 'queued',
				attempts   INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,

				CHECK (state IN ('queued', 'sending', 'failed'))
			);

			CREATE INDEX idx_send_queue_room ON send_queue(room_id);

			CREATE TABLE request_dependencies (
				parent_txn_id TEXT NOT NULL,
				child_txn_id  TEXT NOT NULL,
				room_id       TEXT NOT NULL,
				created_at    TEXT NOT NULL,
				PRIMARY KEY (parent_txn_id, child_txn_id)
			);

			CREATE INDEX idx_request_deps_child
				ON request_dependencies(child_txn_id);

			CREATE TABLE media_uploads (
				request_id TEXT PRIMARY KEY,
				state      TEXT NOT NULL,
				mxc_uri    TEXT NOT NULL DEFAULT '',
				updated_at TEXT NOT NULL,

				CHECK (state IN ('started', 'completed', 'abandoned'))
			);
		`,
	},
	{
		name: "0002_receipts",
		sql: `
			CREATE TABLE receipts (
				room_id      TEXT NOT NULL,
				user_id      TEXT NOT NULL,
				receipt_type TEXT NOT NULL,
				thread_id    TEXT NOT NULL DEFAULT '',
				event_id     TEXT NOT NULL,
				ts           INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (room_id, user_id, receipt_type, thread_id)
			);

			CREATE INDEX idx_receipts_room ON receipts(room_id);
		`,
	},
	{
		name: "0003_send_queue_priority",
		sql: `
			ALTER TABLE send_queue ADD COLUMN priority INTEGER NOT NULL DEFAULT 0;
			ALTER TABLE send_queue ADD COLUMN error TEXT NOT NULL DEFAULT '';
		`,
	},
}

// MigrationRecord is one row of the schema_migrations ledger.
type MigrationRecord struct {
	Name       string
	AppliedAt  string
	DurationMS int64
}

// AppliedMigrations returns the ledger in application order.
func (s *SQLiteStore) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, applied_at, duration_ms FROM schema_migrations ORDER BY name`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		if err := rows.Scan(&rec.Name, &rec.AppliedAt, &rec.DurationMS); err != nil {
			return nil, classify(err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// runMigrations applies every migration that is not yet recorded in
// schema_migrations, in list order. Each migration runs in its own
// transaction and is recorded in the same transaction, so a failure leaves
// the ledger and the schema consistent.
func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name        TEXT PRIMARY KEY,
			applied_at  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scanning schema_migrations: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		start := time.Now()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (name, applied_at, duration_ms)
			VALUES (?, ?, ?)`,
			m.name, time.Now().UTC().Format(time.RFC3339), time.Since(start).Milliseconds(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", m.name, err)
		}

		s.logger.Info("applied migration",
			"name", m.name,
			"duration_ms", time.Since(start).Milliseconds())
	}

	return nil
}
