package queue

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/chronova/chronova-cli/internal/errors"
)

// migration is one forward-only schema step, identified by Version.
// Unlike the teacher's file-based migrator, the store's schema is small
// enough to embed directly rather than read from a migrations directory.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "create queue_entries table and indexes",
		SQL: `
			CREATE TABLE IF NOT EXISTS queue_entries (
				id            TEXT PRIMARY KEY,
				heartbeat     TEXT NOT NULL,
				sync_status   TEXT NOT NULL DEFAULT 'pending',
				retry_count   INTEGER NOT NULL DEFAULT 0,
				created_at    INTEGER NOT NULL,
				last_attempt  INTEGER,
				sync_metadata TEXT NOT NULL DEFAULT '',
				dedup_entity  TEXT NOT NULL,
				dedup_time    INTEGER NOT NULL,
				dedup_write   INTEGER NOT NULL,
				dedup_project TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_queue_entries_status ON queue_entries(sync_status);
			CREATE INDEX IF NOT EXISTS idx_queue_entries_created_at ON queue_entries(created_at);
			CREATE INDEX IF NOT EXISTS idx_queue_entries_retry_count ON queue_entries(retry_count);
			CREATE INDEX IF NOT EXISTS idx_queue_entries_dedup ON queue_entries(dedup_entity, dedup_time, dedup_write, dedup_project);
		`,
	},
}

// migrator tracks and applies forward-only schema migrations, recording
// each applied version's checksum in schema_migrations.
type migrator struct {
	db *sql.DB
}

func newMigrator(db *sql.DB) *migrator {
	return &migrator{db: db}
}

func (m *migrator) initialize() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT NOT NULL,
			checksum    TEXT NOT NULL
		);
	`)
	if err != nil {
		return errors.Wrap(errors.SchemaMigration, "failed to initialize schema_migrations table", err)
	}
	return nil
}

func (m *migrator) currentVersion() (int, error) {
	var version int
	err := m.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, errors.Wrap(errors.SchemaMigration, "failed to read current schema version", err)
	}
	return version, nil
}

func (m *migrator) up() error {
	if err := m.initialize(); err != nil {
		return err
	}

	current, err := m.currentVersion()
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(mig); err != nil {
			return errors.Wrap(errors.SchemaMigration, fmt.Sprintf("failed to apply migration %d", mig.Version), err)
		}
	}
	return nil
}

func (m *migrator) apply(mig migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}

	sum := sha256.Sum256([]byte(mig.SQL))
	checksum := hex.EncodeToString(sum[:])

	_, err = tx.Exec(
		`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
		mig.Version, time.Now().Unix(), mig.Description, checksum,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}
