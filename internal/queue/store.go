package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chronova/chronova-cli/internal/errors"
	"github.com/chronova/chronova-cli/internal/heartbeat"
)

// Store is the durable, SQLite-backed Queue Store. A Store is safe for
// concurrent use by multiple goroutines but, like the underlying SQLite
// connection, serializes writes internally.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the queue database at path. It runs
// pending migrations and, if the file is not a SQLite database or fails
// its integrity check, attempts the same backup-and-recreate recovery the Queue Store
// guarantees: the caller gets a fresh, empty, usable store rather than a
// hard failure, and the damaged file is preserved alongside it for
// inspection.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(errors.Storage, "failed to create queue directory", err)
		}
	}

	db, err := openAndVerify(path)
	if err != nil {
		if !errors.Is(err, errors.Corruption) {
			return nil, err
		}
		db, err = recoverCorruptDatabase(path)
		if err != nil {
			return nil, err
		}
	}

	if err := newMigrator(db).up(); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

func openAndVerify(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(errors.Storage, "failed to open queue database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		// The first statement reads the file header; a file that is not a
		// SQLite database at all is treated as corruption.
		if strings.Contains(err.Error(), "file is not a database") {
			return nil, errors.Wrap(errors.Corruption, "queue database is not a valid SQLite file", err)
		}
		return nil, errors.Wrap(errors.Storage, "failed to enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.Storage, "failed to enable foreign keys", err)
	}

	var result string
	if err := db.QueryRow("PRAGMA integrity_check;").Scan(&result); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.Storage, "failed to run integrity check", err)
	}
	if result != "ok" {
		db.Close()
		return nil, errors.New(errors.Corruption, fmt.Sprintf("queue database failed integrity check: %s", result))
	}

	return db, nil
}

// recoverCorruptDatabase moves the corrupt file aside with a .corrupt
// suffix and opens a fresh database in its place, so a damaged local
// queue never blocks the agent from recording new activity.
func recoverCorruptDatabase(path string) (*sql.DB, error) {
	backupPath := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	if err := os.Rename(path, backupPath); err != nil {
		return nil, errors.Wrap(errors.Storage, "failed to move aside corrupt queue database", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}

	db, err := openAndVerify(path)
	if err != nil {
		return nil, errors.Wrap(errors.Storage, "failed to recreate queue database after corruption", err)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type dedupKey struct {
	Entity  string
	Time    float64
	Write   bool
	Project string
}

func keyFor(h heartbeat.Heartbeat) dedupKey {
	project := ""
	if h.Project != nil {
		project = *h.Project
	}
	return dedupKey{Entity: h.Entity, Time: h.Time, Write: h.IsWrite, Project: project}
}

// Add inserts a new entry in Pending state. If an entry with the same
// entity, time, is_write and project already exists, Add is a silent
// no-op: duplicate submission of the same heartbeat (e.g. a retried CLI
// invocation) must not grow the queue.
func (s *Store) Add(h heartbeat.Heartbeat) error {
	data, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(errors.Storage, "failed to marshal heartbeat", err)
	}

	key := keyFor(h)
	_, err = s.db.Exec(
		`INSERT INTO queue_entries
			(id, heartbeat, sync_status, retry_count, created_at, last_attempt, sync_metadata,
			 dedup_entity, dedup_time, dedup_write, dedup_project)
		 SELECT ?, ?, ?, 0, ?, NULL, '', ?, ?, ?, ?
		 WHERE NOT EXISTS (
			SELECT 1 FROM queue_entries
			WHERE dedup_entity = ? AND dedup_time = ? AND dedup_write = ? AND dedup_project = ?
		 )`,
		h.ID, string(data), string(Pending), time.Now().Unix(),
		key.Entity, key.Time, boolToInt(key.Write), key.Project,
		key.Entity, key.Time, boolToInt(key.Write), key.Project,
	)
	if err != nil {
		return errors.Wrap(errors.Storage, "failed to insert queue entry", err)
	}
	return nil
}

// GetPending claims up to limit entries currently Pending (or Failed and
// eligible for retry), atomically transitioning them to Syncing so a
// concurrent caller cannot claim the same rows. Entries are returned
// oldest-first.
func (s *Store) GetPending(limit int) ([]Entry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(errors.Storage, "failed to begin claim transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, heartbeat, sync_status, retry_count, created_at, last_attempt, sync_metadata
		 FROM queue_entries
		 WHERE sync_status IN (?, ?)
		 ORDER BY created_at ASC
		 LIMIT ?`,
		string(Pending), string(Failed), limit,
	)
	if err != nil {
		return nil, errors.Wrap(errors.Storage, "failed to query pending entries", err)
	}

	entries, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Heartbeat.ID
	}
	for _, id := range ids {
		if _, err := tx.Exec(
			`UPDATE queue_entries SET sync_status = ?, last_attempt = ? WHERE id = ?`,
			string(Syncing), time.Now().Unix(), id,
		); err != nil {
			return nil, errors.Wrap(errors.Storage, "failed to mark entries syncing", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.Storage, "failed to commit claim transaction", err)
	}

	for i := range entries {
		entries[i].SyncStatus = Syncing
	}
	return entries, nil
}

// UpdateSyncStatus records the outcome of a sync attempt for a single
// entry. When status is Failed, the caller is expected to have already
// incremented RetryCount via IncrementRetry.
func (s *Store) UpdateSyncStatus(id string, status SyncStatus, metadata string) error {
	_, err := s.db.Exec(
		`UPDATE queue_entries SET sync_status = ?, sync_metadata = ? WHERE id = ?`,
		string(status), metadata, id,
	)
	if err != nil {
		return errors.Wrap(errors.Storage, "failed to update sync status", err)
	}
	return nil
}

// UpdateSyncStatusBatch applies a set of status updates atomically, so a
// partially-successful batch response never leaves the queue in a state
// that mixes old and new statuses for entries the caller believes were
// all updated together.
func (s *Store) UpdateSyncStatusBatch(updates []StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.Storage, "failed to begin batch update transaction", err)
	}
	defer tx.Rollback()

	for _, u := range updates {
		if _, err := tx.Exec(
			`UPDATE queue_entries SET sync_status = ?, sync_metadata = ? WHERE id = ?`,
			string(u.Status), u.Metadata, u.ID,
		); err != nil {
			return errors.Wrap(errors.Storage, "failed to apply batch status update", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.Storage, "failed to commit batch update transaction", err)
	}
	return nil
}

// IncrementRetry bumps retry_count for id and returns the new count, so
// the Sync Engine can compare it against the Retry Policy's max attempts
// without a separate read.
func (s *Store) IncrementRetry(id string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to begin retry increment transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE queue_entries SET retry_count = retry_count + 1 WHERE id = ?`, id); err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to increment retry count", err)
	}

	var count int
	if err := tx.QueryRow(`SELECT retry_count FROM queue_entries WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to read incremented retry count", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to commit retry increment transaction", err)
	}
	return count, nil
}

// Remove deletes a single entry, typically after it reaches Synced or
// PermanentFailure and has been reported to the caller.
func (s *Store) Remove(id string) error {
	if _, err := s.db.Exec(`DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
		return errors.Wrap(errors.Storage, "failed to remove queue entry", err)
	}
	return nil
}

// RemoveBatch deletes every entry whose id is in ids.
func (s *Store) RemoveBatch(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.Storage, "failed to begin batch remove transaction", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
			return errors.Wrap(errors.Storage, "failed to remove queue entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.Storage, "failed to commit batch remove transaction", err)
	}
	return nil
}

// Count returns the total number of entries in the queue, regardless of status.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to count queue entries", err)
	}
	return n, nil
}

// CountByStatus returns the number of entries currently in status.
func (s *Store) CountByStatus(status SyncStatus) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_entries WHERE sync_status = ?`, string(status)).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to count queue entries by status", err)
	}
	return n, nil
}

// GetSyncStats returns the full occupancy breakdown in one query.
func (s *Store) GetSyncStats() (Stats, error) {
	var stats Stats
	rows, err := s.db.Query(`SELECT sync_status, COUNT(*) FROM queue_entries GROUP BY sync_status`)
	if err != nil {
		return stats, errors.Wrap(errors.Storage, "failed to query sync stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, errors.Wrap(errors.Storage, "failed to scan sync stats row", err)
		}
		switch SyncStatus(status) {
		case Pending:
			stats.Pending = count
		case Syncing:
			stats.Syncing = count
		case Synced:
			stats.Synced = count
		case Failed:
			stats.Failed = count
		case PermanentFailure:
			stats.PermanentFailure = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

// CleanupOldEntries removes Synced and PermanentFailure entries older
// than olderThan, so the queue doesn't grow forever once the agent has
// been running for a long time.
func (s *Store) CleanupOldEntries(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.Exec(
		`DELETE FROM queue_entries WHERE sync_status IN (?, ?) AND created_at <= ?`,
		string(Synced), string(PermanentFailure), cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to clean up old queue entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to read rows affected during cleanup", err)
	}
	return int(n), nil
}

// EnforceMaxCount evicts the oldest Synced or PermanentFailure entries,
// in that order of preference, until the queue holds at most maxCount
// entries. Pending, Syncing and Failed entries are never evicted by this
// path: losing unsent activity to a capacity limit is worse than
// exceeding the limit briefly.
func (s *Store) EnforceMaxCount(maxCount int) (int, error) {
	total, err := s.Count()
	if err != nil {
		return 0, err
	}
	overflow := total - maxCount
	if overflow <= 0 {
		return 0, nil
	}

	evicted := 0
	for _, status := range []SyncStatus{Synced, PermanentFailure} {
		if overflow <= 0 {
			break
		}
		rows, err := s.db.Query(
			`SELECT id FROM queue_entries WHERE sync_status = ? ORDER BY created_at ASC LIMIT ?`,
			string(status), overflow,
		)
		if err != nil {
			return evicted, errors.Wrap(errors.Storage, "failed to query eviction candidates", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return evicted, errors.Wrap(errors.Storage, "failed to scan eviction candidate", err)
			}
			ids = append(ids, id)
		}
		rows.Close()

		if err := s.RemoveBatch(ids); err != nil {
			return evicted, err
		}
		evicted += len(ids)
		overflow -= len(ids)
	}
	return evicted, nil
}

// Deduplicate removes redundant Pending entries sharing the same
// dedup key, keeping only the most recently created one. It exists for
// queues populated before the unique-on-insert guard in Add was added,
// or after a bulk import via --extra-heartbeats.
func (s *Store) Deduplicate() (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM queue_entries
		WHERE sync_status = ? AND id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY dedup_entity, dedup_time, dedup_write, dedup_project
					ORDER BY created_at DESC
				) AS rn
				FROM queue_entries
				WHERE sync_status = ?
			) WHERE rn = 1
		)`,
		string(Pending), string(Pending),
	)
	if err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to deduplicate queue entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to read rows affected during dedup", err)
	}
	return int(n), nil
}

// Vacuum reclaims disk space freed by deleted rows. It is a relatively
// expensive operation and is intended to be run occasionally (e.g. once
// per background sync cycle), not on every write.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec(`VACUUM;`); err != nil {
		return errors.Wrap(errors.Storage, "failed to vacuum queue database", err)
	}
	return nil
}

// RecoverInFlight resets every entry left in Syncing back to Pending.
// It must be called once at startup, before any other operation: a
// process that crashed mid-sync leaves entries claimed but never
// released, and without this they would be stuck forever.
func (s *Store) RecoverInFlight() (int, error) {
	res, err := s.db.Exec(`UPDATE queue_entries SET sync_status = ? WHERE sync_status = ?`, string(Pending), string(Syncing))
	if err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to recover in-flight entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.Storage, "failed to read rows affected during recovery", err)
	}
	return int(n), nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			id, status, metadata string
			data                 string
			retryCount           int
			createdAtUnix        int64
			lastAttemptUnix      sql.NullInt64
		)
		if err := rows.Scan(&id, &data, &status, &retryCount, &createdAtUnix, &lastAttemptUnix, &metadata); err != nil {
			return nil, errors.Wrap(errors.Storage, "failed to scan queue entry", err)
		}

		var h heartbeat.Heartbeat
		if err := json.Unmarshal([]byte(data), &h); err != nil {
			return nil, errors.Wrap(errors.Storage, "failed to unmarshal stored heartbeat", err)
		}

		entry := Entry{
			Heartbeat:    h,
			SyncStatus:   SyncStatus(status),
			RetryCount:   retryCount,
			CreatedAt:    time.Unix(createdAtUnix, 0),
			SyncMetadata: metadata,
		}
		if lastAttemptUnix.Valid {
			t := time.Unix(lastAttemptUnix.Int64, 0)
			entry.LastAttempt = &t
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
