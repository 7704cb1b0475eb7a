// Integration tests exercising the full offline-first path: pipeline,
// durable queue store, sync engine and API client wired together
// exactly as cmd/chronova wires them, with a real SQLite-backed queue
// and a scripted HTTP server standing in for the remote.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chronova/chronova-cli/internal/apiclient"
	"github.com/chronova/chronova-cli/internal/collector"
	"github.com/chronova/chronova-cli/internal/pipeline"
	"github.com/chronova/chronova-cli/internal/queue"
	"github.com/chronova/chronova-cli/internal/retry"
	"github.com/chronova/chronova-cli/internal/syncengine"
)

func newTestStore(t *testing.T) *queue.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := queue.Open(path)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func fastPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.BaseDelay = 5 * time.Millisecond
	p.MaxDelay = 50 * time.Millisecond
	return p
}

// TestOfflineThenRecover exercises spec scenario 2: three heartbeats
// recorded while the remote is unreachable, offline-count reflects all
// three, then a manual sync against a working remote drains the queue.
func TestOfflineThenRecover(t *testing.T) {
	store := newTestStore(t)

	unreachable := apiclient.New("http://127.0.0.1:1", "waka_test", apiclient.AuthBasic)
	unreachableEngine := syncengine.New(store, unreachable, fastPolicy(), syncengine.DefaultConfig())
	p := pipeline.New(store, unreachableEngine, collector.New())

	for _, entity := range []string{"/tmp/a.rs", "/tmp/b.rs", "/tmp/c.rs"} {
		result, err := p.Run(context.Background(), pipeline.Request{Entity: entity, EntityType: "app"})
		if err != nil {
			t.Fatalf("Run(%s): %v", entity, err)
		}
		if result.Enqueued != 1 {
			t.Fatalf("Run(%s) enqueued %d, want 1", entity, result.Enqueued)
		}
	}

	offlineCount, err := p.OfflineCount()
	if err != nil {
		t.Fatalf("OfflineCount: %v", err)
	}
	if offlineCount != 3 {
		t.Fatalf("OfflineCount = %d, want 3", offlineCount)
	}

	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	workingClient := apiclient.New(srv.URL, "waka_test", apiclient.AuthBasic)
	workingEngine := syncengine.New(store, workingClient, fastPolicy(), syncengine.DefaultConfig())

	if _, err := workingEngine.ManualSync(context.Background(), 10); err != nil {
		t.Fatalf("ManualSync: %v", err)
	}

	offlineCount, err = p.OfflineCount()
	if err != nil {
		t.Fatalf("OfflineCount after sync: %v", err)
	}
	if offlineCount != 0 {
		t.Fatalf("OfflineCount after sync = %d, want 0", offlineCount)
	}
	if got := atomic.LoadInt32(&received); got == 0 {
		t.Error("remote never observed a request")
	}
}

// TestRateLimitedBatchEventuallyDelivers exercises spec scenario 3: the
// remote 429s the first batch attempt with a short Retry-After; that pass
// waits out the delay and leaves the entries Failed, and the next pass
// delivers them.
func TestRateLimitedBatchEventuallyDelivers(t *testing.T) {
	store := newTestStore(t)
	unreachableEngine := syncengine.New(store, apiclient.New("http://127.0.0.1:1", "waka_test", apiclient.AuthBasic), fastPolicy(), syncengine.DefaultConfig())
	p := pipeline.New(store, unreachableEngine, collector.New())

	for _, entity := range []string{"/tmp/a.rs", "/tmp/b.rs", "/tmp/c.rs"} {
		if _, err := p.Run(context.Background(), pipeline.Request{Entity: entity, EntityType: "app"}); err != nil {
			t.Fatalf("Run(%s): %v", entity, err)
		}
	}

	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := apiclient.New(srv.URL, "waka_test", apiclient.AuthBasic)
	engine := syncengine.New(store, client, fastPolicy(), syncengine.DefaultConfig())

	if _, err := engine.ManualSync(context.Background(), 10); err != nil {
		t.Fatalf("ManualSync (rate-limited pass): %v", err)
	}
	result, err := engine.ManualSync(context.Background(), 10)
	if err != nil {
		t.Fatalf("ManualSync: %v", err)
	}
	if result.Succeeded != 3 {
		t.Fatalf("Succeeded = %d, want 3", result.Succeeded)
	}
	if result.PermanentFailures != 0 {
		t.Fatalf("PermanentFailures = %d, want 0", result.PermanentFailures)
	}
	if atomic.LoadInt32(&attempts) < 2 {
		t.Fatal("expected at least one retry after the rate-limit response")
	}

	count, err := p.OfflineCount()
	if err != nil {
		t.Fatalf("OfflineCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("OfflineCount = %d, want 0", count)
	}
}

// TestPermanentAuthFailureLeavesQueueIntact exercises spec scenario 4:
// a 401 response neither drains the queue nor increments retry_count.
func TestPermanentAuthFailureLeavesQueueIntact(t *testing.T) {
	store := newTestStore(t)
	engine := syncengine.New(store, apiclient.New("http://127.0.0.1:1", "waka_test", apiclient.AuthBasic), fastPolicy(), syncengine.DefaultConfig())
	p := pipeline.New(store, engine, collector.New())

	for _, entity := range []string{"/tmp/a.rs", "/tmp/b.rs"} {
		if _, err := p.Run(context.Background(), pipeline.Request{Entity: entity, EntityType: "app"}); err != nil {
			t.Fatalf("Run(%s): %v", entity, err)
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"})
	}))
	defer srv.Close()

	client := apiclient.New(srv.URL, "bad-key", apiclient.AuthBasic)
	authEngine := syncengine.New(store, client, fastPolicy(), syncengine.DefaultConfig())

	if _, err := authEngine.ManualSync(context.Background(), 10); err == nil {
		t.Fatal("ManualSync with 401 should return an error")
	}

	count, err := p.OfflineCount()
	if err != nil {
		t.Fatalf("OfflineCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("OfflineCount = %d, want 2 (nothing drained on auth failure)", count)
	}

	pending, err := store.GetPending(10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	for _, entry := range pending {
		if entry.RetryCount != 0 {
			t.Errorf("entry %s RetryCount = %d, want 0 on auth failure", entry.Heartbeat.ID, entry.RetryCount)
		}
	}
}
