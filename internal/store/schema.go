package store

import (
	"database/sql"
	"fmt"
	"time"
)

// schemaMigration is a DDL change to the record database. These are
// unrelated to the record Migrations, which rewrite record values.
type schemaMigration struct {
	Version     int
	Description string
	Up          string
}

var schemaMigrations = []schemaMigration{
	{
		Version:     1,
		Description: "Records table keyed by namespace, access group and key",
		Up: `
CREATE TABLE IF NOT EXISTS records (
    namespace     TEXT NOT NULL,
    access_group  TEXT NOT NULL DEFAULT '',
    key           TEXT NOT NULL,
    value         BLOB NOT NULL,
    PRIMARY KEY (namespace, access_group, key)
);
`,
	},
	{
		Version:     2,
		Description: "Track record modification time",
		Up: `
ALTER TABLE records ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS idx_records_group ON records(namespace, access_group);
`,
	},
}

const settingsSchema = `
CREATE TABLE IF NOT EXISTS settings (
    namespace     TEXT NOT NULL,
    access_group  TEXT NOT NULL DEFAULT '',
    key           TEXT NOT NULL,
    value         TEXT NOT NULL,
    PRIMARY KEY (namespace, access_group, key)
);
`

// migrateSchema applies pending DDL migrations to the record database.
func migrateSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current schema version: %w", err)
	}

	for _, m := range schemaMigrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for schema migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply schema migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record schema migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// validateSchema checks that the expected tables exist.
func validateSchema(db *sql.DB, tables ...string) error {
	for _, table := range tables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
