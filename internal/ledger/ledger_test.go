package ledger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chimeapp/chime/internal/database"
	"github.com/chimeapp/chime/internal/model"
	"github.com/chimeapp/chime/internal/store"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]model.FiredTrigger
	fail    bool
	done    chan struct{}
}

func (f *fakeSink) PushTriggers(ctx context.Context, batch []model.FiredTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	f.batches = append(f.batches, batch)
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
	return nil
}

func newTestLedger(t *testing.T, sink RemoteSink) (*TriggerLedger, *store.TriggerStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cache := store.NewTriggerStore(db)
	l, err := New(cache, sink, slog.Default())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l, cache
}

func TestMarkFiredOnce(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	if l.HasFired("k1") {
		t.Error("fresh ledger should not have k1")
	}

	l.MarkFired("k1", model.StatusSent)
	if !l.HasFired("k1") {
		t.Error("k1 should be fired after mark")
	}
	if l.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", l.PendingCount())
	}

	// Write-once: remarking queues nothing.
	l.MarkFired("k1", model.StatusDailyCap)
	if l.PendingCount() != 1 {
		t.Errorf("pending after remark = %d, want 1", l.PendingCount())
	}
}

func TestFlushWritesLocalCache(t *testing.T) {
	l, cache := newTestLedger(t, nil)

	l.MarkFired("k1", model.StatusSent)
	l.MarkFired("k2", model.StatusQuietHours)

	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if l.PendingCount() != 0 {
		t.Errorf("pending after flush = %d, want 0", l.PendingCount())
	}

	fired, err := cache.WasFired("k2")
	if err != nil {
		t.Fatalf("was fired: %v", err)
	}
	if !fired {
		t.Error("flush should persist k2 to the local cache")
	}
}

func TestFlushBatchesToRemote(t *testing.T) {
	sink := &fakeSink{done: make(chan struct{})}
	done := sink.done
	l, _ := newTestLedger(t, sink)

	l.MarkFired("k1", model.StatusSent)
	l.MarkFired("k2", model.StatusSent)
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("remote push never happened")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 1 {
		t.Fatalf("got %d remote batches, want 1", len(sink.batches))
	}
	if len(sink.batches[0]) != 2 {
		t.Errorf("remote batch size = %d, want 2", len(sink.batches[0]))
	}
}

func TestRemoteFailureKeepsLocalState(t *testing.T) {
	sink := &fakeSink{fail: true}
	l, cache := newTestLedger(t, sink)

	l.MarkFired("k1", model.StatusSent)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush must not surface remote errors: %v", err)
	}

	if !l.HasFired("k1") {
		t.Error("in-process set must keep the key despite remote failure")
	}
	fired, _ := cache.WasFired("k1")
	if !fired {
		t.Error("local cache must keep the key despite remote failure")
	}
}

func TestMergePicksUpOtherTabWrites(t *testing.T) {
	l, cache := newTestLedger(t, nil)

	// Simulate another tab writing directly to the shared cache.
	other := []model.FiredTrigger{{Key: "from-other-tab", Status: model.StatusSent, FiredAt: time.Now()}}
	if err := cache.MarkFiredBatch(other); err != nil {
		t.Fatalf("other tab write: %v", err)
	}

	if l.HasFired("from-other-tab") {
		t.Fatal("key should be unknown before merge")
	}
	if err := l.Merge(); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !l.HasFired("from-other-tab") {
		t.Error("merge should union the cache into the in-process set")
	}
}

func TestSeededFromCacheAtStart(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cache := store.NewTriggerStore(db)

	pre := []model.FiredTrigger{{Key: "persisted", Status: model.StatusSent, FiredAt: time.Now()}}
	if err := cache.MarkFiredBatch(pre); err != nil {
		t.Fatalf("precondition write: %v", err)
	}

	l, err := New(cache, nil, slog.Default())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if !l.HasFired("persisted") {
		t.Error("ledger should seed from the cache on construction")
	}
}

func TestAddRemote(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	l.AddRemote([]string{"remote-1", "remote-2"})
	if !l.HasFired("remote-1") || !l.HasFired("remote-2") {
		t.Error("remote snapshot keys should be fired")
	}
	if l.PendingCount() != 0 {
		t.Error("remote keys must not be re-queued for flush")
	}
}
