// Package syncengine orchestrates the Queue Store and the API Client
// under the Retry Policy to move queue entries from Pending/Failed to
// Synced, with bounded concurrency and a bounded background loop.
package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chronova/chronova-cli/internal/apiclient"
	"github.com/chronova/chronova-cli/internal/errors"
	"github.com/chronova/chronova-cli/internal/heartbeat"
	"github.com/chronova/chronova-cli/internal/logging"
	"github.com/chronova/chronova-cli/internal/queue"
	"github.com/chronova/chronova-cli/internal/retry"
)

// Store is the subset of queue.Store the engine depends on, narrowed to
// an interface so it can be driven by an in-memory fake in tests.
type Store interface {
	GetPending(limit int) ([]queue.Entry, error)
	UpdateSyncStatus(id string, status queue.SyncStatus, metadata string) error
	UpdateSyncStatusBatch(updates []queue.StatusUpdate) error
	Remove(id string) error
	IncrementRetry(id string) (int, error)
	CountByStatus(status queue.SyncStatus) (int, error)
}

// APIClient is the subset of apiclient.Client the engine depends on.
type APIClient interface {
	SendHeartbeatsBatch(ctx context.Context, hs []heartbeat.Heartbeat) apiclient.BatchResult
	SendHeartbeat(ctx context.Context, h heartbeat.Heartbeat) error
	CheckConnectivity(ctx context.Context) bool
}

// Config controls batch sizing and connectivity debouncing. Defaults
// mirror the retry policy's own defaults for consistency.
type Config struct {
	BatchSize       int
	ConnectivityTTL time.Duration
}

// DefaultConfig returns batch_size=50, connectivity_ttl=30s.
func DefaultConfig() Config {
	return Config{BatchSize: 50, ConnectivityTTL: 30 * time.Second}
}

// Result summarizes the outcome of one sync pass.
type Result struct {
	Attempted         int
	Succeeded         int
	Failed            int
	PermanentFailures int
	Duration          time.Duration
}

// Engine is the Sync Engine. It is safe for concurrent use; sync passes
// are serialized on an internal mutex, matching the "at most one pass
// in flight per process" requirement.
type Engine struct {
	store  Store
	client APIClient
	policy retry.Policy
	cfg    Config

	passMu sync.Mutex

	connectivityOK   atomic.Bool
	connectivityAt   atomic.Int64 // unix nanos of last probe
	backgroundCancel context.CancelFunc
	backgroundGroup  *errgroup.Group
	monitorCancel    context.CancelFunc
	monitorGroup     *errgroup.Group
}

// New builds an Engine from a Store and APIClient.
func New(store Store, client APIClient, policy retry.Policy, cfg Config) *Engine {
	e := &Engine{store: store, client: client, policy: policy, cfg: cfg}
	e.connectivityOK.Store(true)
	return e
}

// SyncPending runs one synchronous sync pass, bounded to the engine's
// configured batch size.
func (e *Engine) SyncPending(ctx context.Context) (Result, error) {
	return e.runPass(ctx, e.cfg.BatchSize)
}

// ManualSync runs one pass capped at limit entries, used by
// --sync-offline-activity N. A limit of 0 uses the engine default.
func (e *Engine) ManualSync(ctx context.Context, limit int) (Result, error) {
	if limit <= 0 {
		limit = e.cfg.BatchSize
	}
	return e.runPass(ctx, limit)
}

func (e *Engine) runPass(ctx context.Context, limit int) (Result, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	start := time.Now()
	result := Result{}

	if !e.checkConnectivity(ctx) {
		result.Duration = time.Since(start)
		return result, nil
	}

	entries, err := e.store.GetPending(limit)
	if err != nil {
		result.Duration = time.Since(start)
		return result, err
	}
	if len(entries) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}
	result.Attempted = len(entries)

	select {
	case <-ctx.Done():
		// Claimed entries revert to Pending automatically on the next
		// RecoverInFlight call; nothing further to do here.
		result.Duration = time.Since(start)
		return result, ctx.Err()
	default:
	}

	heartbeats := make([]heartbeat.Heartbeat, len(entries))
	for i, entry := range entries {
		heartbeats[i] = entry.Heartbeat
	}

	batch := e.client.SendHeartbeatsBatch(ctx, heartbeats)
	if errors.Is(batch.Err, errors.Api) {
		// The remote rejected the batch request itself (404/405 for an
		// unsupported bulk endpoint, or another non-auth 4xx): send each
		// entry individually.
		e.fallbackPerEntry(ctx, entries, &result)
		result.Duration = time.Since(start)
		return result, nil
	}
	if batch.Err != nil {
		batchErr := e.handleBatchError(entries, batch.Err, &result)
		result.Duration = time.Since(start)
		return result, batchErr
	}

	if len(batch.Entries) != len(entries) {
		e.fallbackPerEntry(ctx, entries, &result)
		result.Duration = time.Since(start)
		return result, nil
	}

	e.applyPerEntryResults(batch.Entries, &result)
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Engine) checkConnectivity(ctx context.Context) bool {
	lastCheck := time.Unix(0, e.connectivityAt.Load())
	if !e.connectivityOK.Load() && time.Since(lastCheck) < e.cfg.ConnectivityTTL {
		return false
	}
	ok := e.client.CheckConnectivity(ctx)
	e.connectivityOK.Store(ok)
	e.connectivityAt.Store(time.Now().UnixNano())
	return ok
}

// handleBatchError applies the whole-batch failure rules from the
// sync algorithm: Auth reverts without incrementing retries and stops
// the pass; anything else (Network/RateLimit/Unknown) reverts to
// Failed, increments retry_count, and promotes to PermanentFailure once
// max_attempts is reached. It returns the classified error when the
// failure is not retryable, so the caller can surface it rather than
// silently continuing to the next pass.
func (e *Engine) handleBatchError(entries []queue.Entry, err error, result *Result) error {
	if errors.Is(err, errors.Auth) {
		updates := make([]queue.StatusUpdate, len(entries))
		for i, entry := range entries {
			updates[i] = queue.StatusUpdate{ID: entry.Heartbeat.ID, Status: queue.Failed, Metadata: err.Error()}
		}
		if updateErr := e.store.UpdateSyncStatusBatch(updates); updateErr != nil {
			logging.Error("failed to revert entries after auth error", updateErr)
		}
		result.Failed = len(entries)
		return err
	}

	var firstCount int
	for i, entry := range entries {
		count, promoted := e.failWithRetry(entry.Heartbeat.ID, err.Error())
		if i == 0 {
			firstCount = count
		}
		if promoted {
			result.PermanentFailures++
		} else {
			result.Failed++
		}
	}

	if rl, ok := err.(*errors.AppError); ok && rl.Code == errors.RateLimit {
		delay := e.policy.DelayFor(firstCount)
		if rl.RetryAfter != nil {
			delay = *rl.RetryAfter
			if delay < e.policy.BaseDelay {
				delay = e.policy.BaseDelay
			}
		}
		time.Sleep(delay)
	}

	if !errors.Retryable(err) {
		return err
	}
	return nil
}

// failWithRetry increments retry_count for id, promoting to
// PermanentFailure once max_attempts is reached, otherwise Failed. It
// returns the post-increment retry count and whether the entry was
// promoted.
func (e *Engine) failWithRetry(id, metadata string) (int, bool) {
	count, err := e.store.IncrementRetry(id)
	if err != nil {
		logging.Error("failed to increment retry count", err, map[string]interface{}{"id": id})
		return 0, false
	}
	promoted := count >= e.policy.MaxAttempts
	status := queue.Failed
	if promoted {
		status = queue.PermanentFailure
	}
	if err := e.store.UpdateSyncStatus(id, status, metadata); err != nil {
		logging.Error("failed to update sync status", err, map[string]interface{}{"id": id})
	}
	return count, promoted
}

func (e *Engine) applyPerEntryResults(results []apiclient.EntryResult, result *Result) {
	for _, r := range results {
		switch r.Status {
		case apiclient.Accepted:
			if err := e.store.Remove(r.ID); err != nil {
				logging.Error("failed to remove synced entry", err, map[string]interface{}{"id": r.ID})
			}
			result.Succeeded++
		case apiclient.RejectedPermanent:
			if err := e.store.UpdateSyncStatus(r.ID, queue.PermanentFailure, r.Reason); err != nil {
				logging.Error("failed to mark entry permanently failed", err, map[string]interface{}{"id": r.ID})
			}
			result.PermanentFailures++
		case apiclient.RejectedRetryable:
			if _, promoted := e.failWithRetry(r.ID, r.Reason); promoted {
				result.PermanentFailures++
			} else {
				result.Failed++
			}
		}
	}
}

// fallbackPerEntry is used when the remote doesn't support batch
// submission (404/405): each entry is sent individually with the same
// classification rules as the batch path.
func (e *Engine) fallbackPerEntry(ctx context.Context, entries []queue.Entry, result *Result) {
	for _, entry := range entries {
		err := e.client.SendHeartbeat(ctx, entry.Heartbeat)
		if err == nil {
			if removeErr := e.store.Remove(entry.Heartbeat.ID); removeErr != nil {
				logging.Error("failed to remove synced entry", removeErr, map[string]interface{}{"id": entry.Heartbeat.ID})
			}
			result.Succeeded++
			continue
		}

		if errors.Is(err, errors.Auth) {
			if updateErr := e.store.UpdateSyncStatus(entry.Heartbeat.ID, queue.Failed, err.Error()); updateErr != nil {
				logging.Error("failed to revert entry after auth error", updateErr)
			}
			result.Failed++
			continue
		}

		if _, promoted := e.failWithRetry(entry.Heartbeat.ID, err.Error()); promoted {
			result.PermanentFailures++
		} else {
			result.Failed++
		}
	}
}

// StartBackgroundSync spawns a periodic task running SyncPending every
// interval until StopBackgroundSync is called or ctx is cancelled. Calling it while already running is a
// no-op.
func (e *Engine) StartBackgroundSync(ctx context.Context, interval time.Duration) {
	if e.backgroundCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	g, groupCtx := errgroup.WithContext(loopCtx)
	e.backgroundCancel = cancel
	e.backgroundGroup = g

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if _, err := e.SyncPending(groupCtx); err != nil {
					logging.Error("background sync pass failed", err)
				}
			}
		}
	})
}

// StopBackgroundSync cancels the background sync loop and waits for it
// to exit.
func (e *Engine) StopBackgroundSync() {
	if e.backgroundCancel == nil {
		return
	}
	e.backgroundCancel()
	_ = e.backgroundGroup.Wait()
	e.backgroundCancel = nil
	e.backgroundGroup = nil
}

// StartConnectivityMonitoring spawns a background probe refreshing the
// cached connectivity flag every interval.
func (e *Engine) StartConnectivityMonitoring(ctx context.Context, interval time.Duration) {
	if e.monitorCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	g, groupCtx := errgroup.WithContext(loopCtx)
	e.monitorCancel = cancel
	e.monitorGroup = g

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				ok := e.client.CheckConnectivity(groupCtx)
				e.connectivityOK.Store(ok)
				e.connectivityAt.Store(time.Now().UnixNano())
			}
		}
	})
}

// StopConnectivityMonitoring cancels the connectivity probe loop.
func (e *Engine) StopConnectivityMonitoring() {
	if e.monitorCancel == nil {
		return
	}
	e.monitorCancel()
	_ = e.monitorGroup.Wait()
	e.monitorCancel = nil
	e.monitorGroup = nil
}
