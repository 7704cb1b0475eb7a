package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chronova/chronova-cli/internal/apiclient"
	"github.com/chronova/chronova-cli/internal/errors"
	"github.com/chronova/chronova-cli/internal/heartbeat"
	"github.com/chronova/chronova-cli/internal/queue"
	"github.com/chronova/chronova-cli/internal/retry"
)

// fakeStore is an in-memory stand-in for queue.Store, sized to exercise
// exactly the subset the Engine calls through the Store interface.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*queue.Entry
}

func newFakeStore(hs ...heartbeat.Heartbeat) *fakeStore {
	s := &fakeStore{entries: make(map[string]*queue.Entry)}
	for _, h := range hs {
		s.entries[h.ID] = &queue.Entry{Heartbeat: h, SyncStatus: queue.Pending, CreatedAt: time.Unix(int64(h.Time), 0)}
	}
	return s
}

func (s *fakeStore) GetPending(limit int) ([]queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queue.Entry
	for _, e := range s.entries {
		if e.SyncStatus == queue.Pending || e.SyncStatus == queue.Failed {
			e.SyncStatus = queue.Syncing
			out = append(out, *e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateSyncStatus(id string, status queue.SyncStatus, metadata string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.SyncStatus = status
		e.SyncMetadata = metadata
	}
	return nil
}

func (s *fakeStore) UpdateSyncStatusBatch(updates []queue.StatusUpdate) error {
	for _, u := range updates {
		if err := s.UpdateSyncStatus(u.ID, u.Status, u.Metadata); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *fakeStore) IncrementRetry(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return 0, errors.New(errors.NotFound, "no such entry")
	}
	e.RetryCount++
	return e.RetryCount, nil
}

func (s *fakeStore) CountByStatus(status queue.SyncStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.SyncStatus == status {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) statusOf(id string) queue.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id].SyncStatus
}

func (s *fakeStore) retriesOf(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id].RetryCount
}

// scriptedClient is a fake APIClient whose batch/connectivity responses are
// driven by a queue of canned results, one per call.
type scriptedClient struct {
	mu           sync.Mutex
	batchScript  []apiclient.BatchResult
	connectivity bool
}

func (c *scriptedClient) SendHeartbeatsBatch(ctx context.Context, hs []heartbeat.Heartbeat) apiclient.BatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batchScript) == 0 {
		return apiclient.BatchResult{}
	}
	next := c.batchScript[0]
	c.batchScript = c.batchScript[1:]
	return next
}

func (c *scriptedClient) SendHeartbeat(ctx context.Context, h heartbeat.Heartbeat) error {
	return nil
}

func (c *scriptedClient) CheckConnectivity(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectivity
}

func allAccepted(hs []heartbeat.Heartbeat) apiclient.BatchResult {
	entries := make([]apiclient.EntryResult, len(hs))
	for i, h := range hs {
		entries[i] = apiclient.EntryResult{ID: h.ID, Status: apiclient.Accepted}
	}
	return apiclient.BatchResult{Entries: entries}
}

func testHeartbeat(id string, t float64) heartbeat.Heartbeat {
	return heartbeat.Heartbeat{ID: id, Entity: "/tmp/a.go", EntityType: heartbeat.EntityFile, Time: t}
}

func TestRunPass_HappyPath(t *testing.T) {
	h := testHeartbeat("1", 1)
	store := newFakeStore(h)
	client := &scriptedClient{connectivity: true, batchScript: []apiclient.BatchResult{allAccepted([]heartbeat.Heartbeat{h})}}
	e := New(store, client, retry.DefaultPolicy(), DefaultConfig())

	result, err := e.SyncPending(context.Background())
	if err != nil {
		t.Fatalf("SyncPending: %v", err)
	}
	if result.Succeeded != 1 || result.Attempted != 1 {
		t.Errorf("result = %+v, want 1 attempted/succeeded", result)
	}
	if _, ok := store.entries["1"]; ok {
		t.Error("synced entry should have been removed from the store")
	}
}

func TestRunPass_OfflineSkipsPass(t *testing.T) {
	h := testHeartbeat("1", 1)
	store := newFakeStore(h)
	client := &scriptedClient{connectivity: false}
	e := New(store, client, retry.DefaultPolicy(), DefaultConfig())

	result, err := e.SyncPending(context.Background())
	if err != nil {
		t.Fatalf("SyncPending: %v", err)
	}
	if result.Attempted != 0 {
		t.Errorf("expected no attempt while offline, got %+v", result)
	}
	if store.statusOf("1") != queue.Pending {
		t.Errorf("entry status = %v, want pending (untouched)", store.statusOf("1"))
	}
}

func TestRunPass_RateLimitRevertsAndIncrementsRetry(t *testing.T) {
	h := testHeartbeat("1", 1)
	store := newFakeStore(h)
	retryAfter := 2 * time.Millisecond
	client := &scriptedClient{
		connectivity: true,
		batchScript: []apiclient.BatchResult{
			{Err: errors.WrapRateLimit("rate limited", &retryAfter)},
		},
	}
	policy := retry.DefaultPolicy()
	policy.BaseDelay = time.Millisecond
	e := New(store, client, policy, DefaultConfig())

	result, err := e.SyncPending(context.Background())
	if err != nil {
		t.Fatalf("SyncPending: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("result.Failed = %d, want 1", result.Failed)
	}
	if store.statusOf("1") != queue.Failed {
		t.Errorf("status = %v, want failed", store.statusOf("1"))
	}
	if store.retriesOf("1") != 1 {
		t.Errorf("retry count = %d, want 1", store.retriesOf("1"))
	}
}

func TestRunPass_AuthFailureRevertsWithoutIncrementingRetry(t *testing.T) {
	h := testHeartbeat("1", 1)
	store := newFakeStore(h)
	client := &scriptedClient{
		connectivity: true,
		batchScript:  []apiclient.BatchResult{{Err: errors.New(errors.Auth, "bad key")}},
	}
	e := New(store, client, retry.DefaultPolicy(), DefaultConfig())

	result, err := e.SyncPending(context.Background())
	if err == nil || !errors.Is(err, errors.Auth) {
		t.Fatalf("SyncPending = %v, want an auth error", err)
	}
	if result.Failed != 1 {
		t.Errorf("result.Failed = %d, want 1", result.Failed)
	}
	if store.statusOf("1") != queue.Failed {
		t.Errorf("status = %v, want failed", store.statusOf("1"))
	}
	if store.retriesOf("1") != 0 {
		t.Errorf("retry count = %d, want 0 (auth must not increment retries)", store.retriesOf("1"))
	}
}

func TestRunPass_MaxAttemptsPromotesToPermanentFailure(t *testing.T) {
	h := testHeartbeat("1", 1)
	store := newFakeStore(h)
	policy := retry.DefaultPolicy()
	client := &scriptedClient{connectivity: true}
	e := New(store, client, policy, DefaultConfig())

	for i := 0; i < policy.MaxAttempts; i++ {
		client.batchScript = []apiclient.BatchResult{{Err: errors.New(errors.Network, "down")}}
		store.UpdateSyncStatus("1", queue.Pending, "")
		if _, err := e.SyncPending(context.Background()); err != nil {
			t.Fatalf("pass %d: SyncPending: %v", i, err)
		}
	}

	if store.retriesOf("1") != policy.MaxAttempts {
		t.Errorf("retry count = %d, want %d", store.retriesOf("1"), policy.MaxAttempts)
	}
	if store.statusOf("1") != queue.PermanentFailure {
		t.Errorf("status = %v, want permanent_failure after %d attempts", store.statusOf("1"), policy.MaxAttempts)
	}
}

func TestRunPass_PerEntryMixedResults(t *testing.T) {
	h1 := testHeartbeat("1", 1)
	h2 := testHeartbeat("2", 2)
	store := newFakeStore(h1, h2)
	client := &scriptedClient{
		connectivity: true,
		batchScript: []apiclient.BatchResult{
			{Entries: []apiclient.EntryResult{
				{ID: "1", Status: apiclient.Accepted},
				{ID: "2", Status: apiclient.RejectedPermanent, Reason: "bad project"},
			}},
		},
	}
	e := New(store, client, retry.DefaultPolicy(), DefaultConfig())

	result, err := e.SyncPending(context.Background())
	if err != nil {
		t.Fatalf("SyncPending: %v", err)
	}
	if result.Succeeded != 1 || result.PermanentFailures != 1 {
		t.Errorf("result = %+v, want 1 succeeded, 1 permanent failure", result)
	}
	if store.statusOf("2") != queue.PermanentFailure {
		t.Errorf("entry 2 status = %v, want permanent_failure", store.statusOf("2"))
	}
}

func TestRunPass_BatchUnsupportedFallsBackPerEntry(t *testing.T) {
	h := testHeartbeat("1", 1)
	store := newFakeStore(h)
	client := &scriptedClient{connectivity: true}
	e := New(store, client, retry.DefaultPolicy(), DefaultConfig())

	result, err := e.SyncPending(context.Background())
	if err != nil {
		t.Fatalf("SyncPending: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("result = %+v, want 1 succeeded via per-entry fallback", result)
	}
}

func TestRunPass_NoPendingEntriesIsNoop(t *testing.T) {
	store := newFakeStore()
	client := &scriptedClient{connectivity: true}
	e := New(store, client, retry.DefaultPolicy(), DefaultConfig())

	result, err := e.SyncPending(context.Background())
	if err != nil {
		t.Fatalf("SyncPending: %v", err)
	}
	if result.Attempted != 0 {
		t.Errorf("result = %+v, want zero attempted", result)
	}
}

func TestCheckConnectivity_Debounced(t *testing.T) {
	store := newFakeStore()
	client := &scriptedClient{connectivity: false}
	cfg := Config{BatchSize: 50, ConnectivityTTL: time.Hour}
	e := New(store, client, retry.DefaultPolicy(), cfg)

	if e.checkConnectivity(context.Background()) {
		t.Fatal("first probe should report the client's real (false) status")
	}

	// Flip the underlying client to reachable; within the TTL the cached
	// false result should still be returned without re-probing.
	client.mu.Lock()
	client.connectivity = true
	client.mu.Unlock()

	if e.checkConnectivity(context.Background()) {
		t.Error("expected cached offline status to be returned within the connectivity TTL")
	}
}

func TestStartStopBackgroundSync(t *testing.T) {
	h := testHeartbeat("1", 1)
	store := newFakeStore(h)
	client := &scriptedClient{
		connectivity: true,
		batchScript:  []apiclient.BatchResult{allAccepted([]heartbeat.Heartbeat{h})},
	}
	e := New(store, client, retry.DefaultPolicy(), DefaultConfig())

	e.StartBackgroundSync(context.Background(), 5*time.Millisecond)
	e.StartBackgroundSync(context.Background(), 5*time.Millisecond) // second call is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.entries["1"]; !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.StopBackgroundSync()

	if _, ok := store.entries["1"]; ok {
		t.Error("background sync never synced the pending entry")
	}
}

func TestStartStopConnectivityMonitoring(t *testing.T) {
	store := newFakeStore()
	client := &scriptedClient{connectivity: false}
	e := New(store, client, retry.DefaultPolicy(), DefaultConfig())

	e.StartConnectivityMonitoring(context.Background(), 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	e.StopConnectivityMonitoring()

	if e.connectivityOK.Load() {
		t.Error("expected connectivityOK to reflect the monitored false status")
	}
}

func TestManualSync_ZeroLimitUsesDefault(t *testing.T) {
	h := testHeartbeat("1", 1)
	store := newFakeStore(h)
	client := &scriptedClient{
		connectivity: true,
		batchScript:  []apiclient.BatchResult{allAccepted([]heartbeat.Heartbeat{h})},
	}
	e := New(store, client, retry.DefaultPolicy(), DefaultConfig())

	result, err := e.ManualSync(context.Background(), 0)
	if err != nil {
		t.Fatalf("ManualSync: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("result = %+v, want 1 succeeded", result)
	}
}
