// Package queue implements the durable Queue Store: a crash-safe,
// append/update store of QueueEntry records keyed by heartbeat id.
//
// It is the single source of truth for queue state. The Sync Engine
// borrows entries for in-flight work but must publish every state
// transition back to the store before releasing them.
package queue

import (
	"time"

	"github.com/chronova/chronova-cli/internal/heartbeat"
)

// SyncStatus is one of the five states a QueueEntry can be in.
type SyncStatus string

const (
	Pending           SyncStatus = "pending"
	Syncing           SyncStatus = "syncing"
	Synced            SyncStatus = "synced"
	Failed            SyncStatus = "failed"
	PermanentFailure  SyncStatus = "permanent_failure"
)

// Entry is the durable envelope wrapping a Heartbeat with sync state.
type Entry struct {
	Heartbeat    heartbeat.Heartbeat
	SyncStatus   SyncStatus
	RetryCount   int
	CreatedAt    time.Time
	LastAttempt  *time.Time
	SyncMetadata string
}

// StatusUpdate is one element of a batch status update, as used by
// UpdateSyncStatusBatch.
type StatusUpdate struct {
	ID       string
	Status   SyncStatus
	Metadata string
}

// Stats summarizes queue occupancy by status, as returned by GetSyncStats.
type Stats struct {
	Pending          int
	Syncing          int
	Synced           int
	Failed           int
	PermanentFailure int
	Total            int
}
