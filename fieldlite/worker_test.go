package fieldlite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/go-fieldsync/fieldsync"
)

// fakeBackend is an in-memory stand-in for fieldsync with the same keyed
// idempotent upsert/delete contract.
type fakeBackend struct {
	mu      sync.Mutex
	records map[string]fieldsync.RecordUpsert
	deletes []string
	upserts int

	failStatus int // non-zero: every upsert fails with this status

	inflight    int32
	maxInflight int32
	delay       time.Duration
	onUpsert    func(documentNumber string) // called before responding, unlocked
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: map[string]fieldsync.RecordUpsert{}}
}

func (f *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&f.inflight, 1)
		defer atomic.AddInt32(&f.inflight, -1)
		for {
			max := atomic.LoadInt32(&f.maxInflight)
			if cur <= max || atomic.CompareAndSwapInt32(&f.maxInflight, max, cur) {
				break
			}
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}

		documentNumber, err := fieldsync.DocumentNumberFromPath(r.URL.Path)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodPut:
			f.mu.Lock()
			failStatus := f.failStatus
			f.mu.Unlock()
			if failStatus != 0 {
				http.Error(w, "backend unavailable", failStatus)
				return
			}
			var req fieldsync.RecordUpsert
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			_, existed := f.records[documentNumber]
			f.records[documentNumber] = req
			f.upserts++
			cb := f.onUpsert
			f.mu.Unlock()
			if cb != nil {
				cb(documentNumber)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(&fieldsync.RecordUpsertResponse{
				RemoteID: "remote-" + documentNumber,
				Applied:  !existed,
			})
		case http.MethodDelete:
			f.mu.Lock()
			delete(f.records, documentNumber)
			f.deletes = append(f.deletes, documentNumber)
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(&fieldsync.RecordDeleteResponse{Deleted: true})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (f *fakeBackend) record(documentNumber string) (fieldsync.RecordUpsert, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[documentNumber]
	return rec, ok
}

func (f *fakeBackend) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeBackend) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func newFakeBackendServer(t *testing.T, backend *fakeBackend) string {
	t.Helper()
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)
	return server.URL
}

func newSyncedTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	c := newTestClient(t, newTestDB(t), nil)
	c.BaseURL = newFakeBackendServer(t, backend)
	return c
}

func finalizeOne(t *testing.T, c *Client, identifier string, quantity int64) *FinalizedRecord {
	t.Helper()
	mustScan(t, c, identifier, "bunches", quantity)
	rec, err := c.Finalize(context.Background(), map[string]string{"kind": "harvest"})
	require.NoError(t, err)
	return rec
}

func TestSyncCycleUploadsPendingRecords(t *testing.T) {
	backend := newFakeBackend()
	c := newSyncedTestClient(t, backend)
	ctx := context.Background()

	rec1 := finalizeOne(t, c, "A", 3)
	rec2 := finalizeOne(t, c, "B", 5)

	report := c.SyncNow(ctx)
	require.Equal(t, 2, report.Uploaded)
	require.Equal(t, 0, report.Failed)

	for _, rec := range []*FinalizedRecord{rec1, rec2} {
		stored, err := c.GetRecord(ctx, rec.LocalID)
		require.NoError(t, err)
		require.True(t, stored.Synced)
		require.Equal(t, "remote-"+rec.DocumentNumber, stored.RemoteID)
		require.Empty(t, stored.RemoteError)
	}

	// Ledger entries flipped in the same local transaction
	for identifier, synced := range ledgerRows(t, c) {
		require.True(t, synced, "ledger entry %s should be synced", identifier)
	}

	remote, ok := backend.record(rec1.DocumentNumber)
	require.True(t, ok)
	require.Equal(t, int64(3), remote.Total)
	require.Equal(t, []string{"A"}, remote.Identifiers)
}

func TestSyncIdempotentReupload(t *testing.T) {
	backend := newFakeBackend()
	c := newSyncedTestClient(t, backend)
	ctx := context.Background()

	rec := finalizeOne(t, c, "A", 3)
	report := c.SyncNow(ctx)
	require.Equal(t, 1, report.Uploaded)

	// Simulate a lost acknowledgment: the record is re-attempted even though
	// the backend already holds it.
	_, err := c.DB.Exec(`UPDATE harvest_records SET synced = 0 WHERE id = ?`, rec.LocalID)
	require.NoError(t, err)

	report = c.SyncNow(ctx)
	require.Equal(t, 1, report.Uploaded)
	require.Equal(t, 2, backend.upsertCount())

	// Exactly one remote record, aggregate unchanged
	require.Equal(t, 1, backend.recordCount())
	remote, ok := backend.record(rec.DocumentNumber)
	require.True(t, ok)
	require.Equal(t, int64(3), remote.Total)
}

func TestSyncOfflineThenOnline(t *testing.T) {
	backend := newFakeBackend()
	c := newSyncedTestClient(t, backend)
	c.Monitor = NewMonitor(false)
	ctx := context.Background()

	rec := finalizeOne(t, c, "A", 3)

	report := c.SyncNow(ctx)
	require.Equal(t, 0, report.Uploaded)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, "network offline", report.Message)

	stored, err := c.GetRecord(ctx, rec.LocalID)
	require.NoError(t, err)
	require.False(t, stored.Synced)
	require.Equal(t, 0, backend.upsertCount())

	c.Monitor.Set(true)
	report = c.SyncNow(ctx)
	require.Equal(t, 1, report.Uploaded)

	stored, err = c.GetRecord(ctx, rec.LocalID)
	require.NoError(t, err)
	require.True(t, stored.Synced)
}

func TestSyncFailureKeepsRecordPending(t *testing.T) {
	backend := newFakeBackend()
	backend.failStatus = http.StatusInternalServerError
	c := newSyncedTestClient(t, backend)
	ctx := context.Background()

	rec := finalizeOne(t, c, "A", 3)

	report := c.SyncNow(ctx)
	require.Equal(t, 0, report.Uploaded)
	require.Equal(t, 1, report.Failed)

	stored, err := c.GetRecord(ctx, rec.LocalID)
	require.NoError(t, err)
	require.False(t, stored.Synced)
	require.NotEmpty(t, stored.RemoteError)

	// Next cycle retries and succeeds
	backend.mu.Lock()
	backend.failStatus = 0
	backend.mu.Unlock()

	report = c.SyncNow(ctx)
	require.Equal(t, 1, report.Uploaded)

	stored, err = c.GetRecord(ctx, rec.LocalID)
	require.NoError(t, err)
	require.True(t, stored.Synced)
	require.Empty(t, stored.RemoteError)
}

func TestSyncSingleFlight(t *testing.T) {
	backend := newFakeBackend()
	backend.delay = 100 * time.Millisecond
	c := newSyncedTestClient(t, backend)
	ctx := context.Background()

	finalizeOne(t, c, "A", 3)
	finalizeOne(t, c, "B", 5)

	var wg sync.WaitGroup
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		c.SyncNow(ctx)
	}()
	<-started

	// Wait until the first cycle holds the guard, then request again
	require.Eventually(t, c.SyncRunning, time.Second, time.Millisecond)
	report := c.SyncNow(ctx)
	require.Equal(t, "sync already running", report.Message)

	wg.Wait()
	require.False(t, c.SyncRunning())
	require.LessOrEqual(t, atomic.LoadInt32(&backend.maxInflight), int32(1),
		"cycles must never overlap")

	// Everything uploaded despite the coalesced second request
	count, err := c.UnsyncedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestSyncCancellationBetweenRecords(t *testing.T) {
	backend := newFakeBackend()
	c := newSyncedTestClient(t, backend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec1 := finalizeOne(t, c, "A", 1)
	finalizeOne(t, c, "B", 1)
	finalizeOne(t, c, "C", 1)

	// Cancel while the second upload is in flight; the third must never start.
	backend.mu.Lock()
	backend.onUpsert = func(documentNumber string) {
		if documentNumber != rec1.DocumentNumber {
			cancel()
		}
	}
	backend.mu.Unlock()

	report := c.SyncNow(ctx)
	require.LessOrEqual(t, report.Uploaded+report.Failed, 2)
	require.Contains(t, report.Message, "cancelled")

	// Already-synced records stay synced, the rest remain pending
	stored, err := c.GetRecord(context.Background(), rec1.LocalID)
	require.NoError(t, err)
	require.True(t, stored.Synced)

	count, err := c.UnsyncedCount(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, count, 1)
}

func TestDeleteRecordsCompensatesRemotely(t *testing.T) {
	backend := newFakeBackend()
	c := newSyncedTestClient(t, backend)
	ctx := context.Background()

	rec := finalizeOne(t, c, "A", 3)
	c.SyncNow(ctx)
	require.Equal(t, 1, backend.recordCount())

	require.NoError(t, c.DeleteRecords(ctx, []int64{rec.LocalID}))

	records, err := c.ListFinalizedRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	require.Empty(t, records)
	require.Empty(t, ledgerRows(t, c))

	// Compensating remote delete removed the record and freed the identifier
	require.Equal(t, 0, backend.recordCount())
	backend.mu.Lock()
	deletes := append([]string(nil), backend.deletes...)
	backend.mu.Unlock()
	require.Equal(t, []string{rec.DocumentNumber}, deletes)

	mustScan(t, c, "A", "bunches", 3)
}

func TestSupervisorSyncsOnConnectivityRegained(t *testing.T) {
	backend := newFakeBackend()
	c := newSyncedTestClient(t, backend)
	c.Monitor = NewMonitor(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))

	// Finalize kicks a cycle, but the network is down
	rec := finalizeOne(t, c, "A", 3)
	require.Eventually(t, func() bool {
		stored, err := c.GetRecord(context.Background(), rec.LocalID)
		return err == nil && !stored.Synced
	}, time.Second, 5*time.Millisecond)

	c.Monitor.Set(true)
	require.Eventually(t, func() bool {
		stored, err := c.GetRecord(context.Background(), rec.LocalID)
		return err == nil && stored.Synced
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPauseSyncSkipsCycles(t *testing.T) {
	backend := newFakeBackend()
	c := newSyncedTestClient(t, backend)
	ctx := context.Background()

	finalizeOne(t, c, "A", 3)

	c.PauseSync()
	report := c.SyncNow(ctx)
	require.Equal(t, 0, report.Uploaded)
	require.Equal(t, "sync paused", report.Message)
	require.Equal(t, 0, backend.upsertCount())

	c.ResumeSync()
	report = c.SyncNow(ctx)
	require.Equal(t, 1, report.Uploaded)
}
