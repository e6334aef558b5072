package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/chimeapp/chime/internal/model"
	"github.com/chimeapp/chime/internal/store"
)

// RemoteSink is the batched write API of the remote trigger mirror. It
// must be idempotent per key and tolerate partial failure.
type RemoteSink interface {
	PushTriggers(ctx context.Context, batch []model.FiredTrigger) error
}

// Ledger is the idempotent record of handled triggers. Exposed as an
// interface so an alternate backing store can substitute for the sqlite
// cache without touching the scheduler.
type Ledger interface {
	HasFired(key string) bool
	MarkFired(key string, status model.TriggerStatus)
	Merge() error
	Flush(ctx context.Context) error
}

// TriggerLedger merges three copies of the fired-key set: the in-process
// set, the local device cache shared with other tabs, and the remote
// per-user mirror shared across devices. The in-process set is
// authoritative for the session; remote failures never roll it back.
type TriggerLedger struct {
	mu      sync.Mutex
	fired   map[string]struct{}
	pending []model.FiredTrigger

	cache   *store.TriggerStore
	remote  RemoteSink
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New seeds a ledger from the local cache.
func New(cache *store.TriggerStore, remote RemoteSink, logger *slog.Logger) (*TriggerLedger, error) {
	l := &TriggerLedger{
		fired:   make(map[string]struct{}),
		cache:   cache,
		remote:  remote,
		logger:  logger,
		nowFunc: time.Now,
	}
	if err := l.Merge(); err != nil {
		return nil, fmt.Errorf("seed ledger: %w", err)
	}
	return l, nil
}

// HasFired reports whether the key was already handled this session or by
// any merged copy of the ledger.
func (l *TriggerLedger) HasFired(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.fired[key]
	return ok
}

// MarkFired records a handled key in memory and queues it for the next
// flush. Marking an already-fired key is a no-op; ledger entries are
// write-once.
func (l *TriggerLedger) MarkFired(key string, status model.TriggerStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.fired[key]; ok {
		return
	}
	l.fired[key] = struct{}{}
	l.pending = append(l.pending, model.FiredTrigger{Key: key, Status: status, FiredAt: l.nowFunc()})
}

// AddRemote unions keys delivered by the remote mirror's subscription into
// the in-process set. They are already persisted elsewhere, so nothing is
// queued for flush.
func (l *TriggerLedger) AddRemote(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		l.fired[key] = struct{}{}
	}
}

// Merge unions the in-process set with a fresh read of the local cache.
// Runs at the start of every tick to pick up concurrent writes from other
// tabs and earlier sessions.
func (l *TriggerLedger) Merge() error {
	keys, err := l.cache.LoadKeys()
	if err != nil {
		return fmt.Errorf("merge ledger: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		l.fired[key] = struct{}{}
	}
	return nil
}

// Flush persists the tick's queued entries: the local cache write is
// awaited, the remote mirror write happens in the background with bounded
// backoff. Both failures are non-fatal; the in-process set keeps the keys
// either way.
func (l *TriggerLedger) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := l.cache.MarkFiredBatch(batch); err != nil {
		l.logger.Warn("ledger cache write failed", "keys", len(batch), "error", err)
	}

	if l.remote != nil {
		go l.pushRemote(ctx, batch)
	}
	return nil
}

// PendingCount reports how many entries await the next flush.
func (l *TriggerLedger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *TriggerLedger) pushRemote(ctx context.Context, batch []model.FiredTrigger) {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(l.remote.PushTriggers(ctx, batch))
	})
	if err != nil {
		// Local copy stays authoritative for the session; the keys will
		// reach the mirror with a later batch from this or another client.
		l.logger.Warn("ledger remote write failed", "keys", len(batch), "error", err)
	}
}
