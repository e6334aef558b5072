package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/chimeapp/chime/internal/model"
	"github.com/chimeapp/chime/internal/store"
)

// autoReadAge is how old a notification may get before it is presented as
// read even if never acknowledged.
const autoReadAge = 7 * 24 * time.Hour

// RemoteWriter is the remote history API the center mirrors itself into.
// Writes are keyed by notification id, so retries are idempotent.
type RemoteWriter interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
	UpdateNotification(ctx context.Context, n *model.Notification) error
}

// Broadcaster fans a history-changed event out to connected UI clients.
type Broadcaster interface {
	Broadcast(data []byte)
}

// Center owns the notification history: optimistic local inserts that are
// later confirmed by remote snapshots, plus the read/clear surface the UI
// calls. Local writes land first; the remote mirror follows asynchronously
// and its failures never surface to the dispatch path.
type Center struct {
	store  *store.NotificationStore
	remote RemoteWriter
	hub    Broadcaster
	logger *slog.Logger

	mu sync.Mutex
	// pending holds ids written locally but not yet seen in a remote
	// snapshot. A snapshot missing a pending id must not prune it.
	pending map[string]struct{}

	nowFunc func() time.Time
}

func NewCenter(st *store.NotificationStore, remote RemoteWriter, hub Broadcaster, logger *slog.Logger) *Center {
	return &Center{
		store:   st,
		remote:  remote,
		hub:     hub,
		logger:  logger,
		pending: make(map[string]struct{}),
		nowFunc: time.Now,
	}
}

// Add records a dispatched notification. The local insert is idempotent on
// the notification id; a retried dispatch inserts nothing and triggers no
// remote write. Returns whether the notification was new.
func (c *Center) Add(ctx context.Context, n *model.Notification) (bool, error) {
	inserted, err := c.store.Insert(n)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	c.mu.Lock()
	c.pending[n.ID] = struct{}{}
	c.mu.Unlock()

	if c.remote != nil {
		go c.mirrorCreate(ctx, n)
	}
	c.notifyChanged()
	return true, nil
}

// ApplySnapshot reconciles the local cache against a full remote snapshot.
// Snapshot rows are upserted (remote read/deleted state wins); local rows
// absent from the snapshot are pruned unless they are still pending
// confirmation. Pending ids present in the snapshot become confirmed.
func (c *Center) ApplySnapshot(snapshot []model.Notification) error {
	inSnapshot := make(map[string]struct{}, len(snapshot))
	for i := range snapshot {
		if err := c.store.Upsert(&snapshot[i]); err != nil {
			return err
		}
		inSnapshot[snapshot[i].ID] = struct{}{}
	}

	c.mu.Lock()
	for id := range c.pending {
		if _, ok := inSnapshot[id]; ok {
			delete(c.pending, id)
		}
	}
	stillPending := make(map[string]struct{}, len(c.pending))
	for id := range c.pending {
		stillPending[id] = struct{}{}
	}
	c.mu.Unlock()

	ids, err := c.store.IDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := inSnapshot[id]; ok {
			continue
		}
		if _, ok := stillPending[id]; ok {
			continue
		}
		if err := c.store.Remove(id); err != nil {
			return err
		}
	}

	c.notifyChanged()
	return nil
}

// List returns the history, newest first. Unacknowledged notifications past
// the auto-read age are presented as read; the stored row is untouched so a
// remote snapshot can still deliver the authoritative state.
func (c *Center) List(limit int) ([]model.Notification, error) {
	list, err := c.store.List(limit)
	if err != nil {
		return nil, err
	}
	cutoff := c.nowFunc().Add(-autoReadAge)
	for i := range list {
		if !list[i].Read && list[i].SentAt.Before(cutoff) {
			list[i].Read = true
		}
	}
	return list, nil
}

// UnreadCount reports how many listed notifications are unread.
func (c *Center) UnreadCount() (int, error) {
	list, err := c.List(500)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range list {
		if !list[i].Read {
			n++
		}
	}
	return n, nil
}

// MarkRead acknowledges one notification locally and mirrors the change.
func (c *Center) MarkRead(ctx context.Context, id string) error {
	if err := c.store.MarkRead(id); err != nil {
		return err
	}
	c.mirrorUpdate(ctx, &model.Notification{ID: id, Read: true})
	c.notifyChanged()
	return nil
}

// MarkAllRead acknowledges the whole history.
func (c *Center) MarkAllRead(ctx context.Context) error {
	list, err := c.store.ListAll()
	if err != nil {
		return err
	}
	if err := c.store.MarkAllRead(); err != nil {
		return err
	}
	for i := range list {
		if !list[i].Read {
			list[i].Read = true
			c.mirrorUpdate(ctx, &list[i])
		}
	}
	c.notifyChanged()
	return nil
}

// Clear soft-deletes the whole history.
func (c *Center) Clear(ctx context.Context) error {
	list, err := c.store.ListAll()
	if err != nil {
		return err
	}
	if err := c.store.Clear(); err != nil {
		return err
	}
	for i := range list {
		list[i].Deleted = true
		c.mirrorUpdate(ctx, &list[i])
	}
	c.notifyChanged()
	return nil
}

// Delete soft-deletes one notification.
func (c *Center) Delete(ctx context.Context, id string) error {
	if err := c.store.Delete(id); err != nil {
		return err
	}
	c.mirrorUpdate(ctx, &model.Notification{ID: id, Deleted: true})
	c.notifyChanged()
	return nil
}

// Cleanup hard-deletes notifications sent before the retention horizon.
func (c *Center) Cleanup(before time.Time) error {
	return c.store.Cleanup(before)
}

func (c *Center) mirrorCreate(ctx context.Context, n *model.Notification) {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(c.remote.CreateNotification(ctx, n))
	})
	if err != nil {
		// Stays pending; the id survives snapshot pruning until the remote
		// copy eventually lands via a later tick's history write.
		c.logger.Warn("notification remote create failed", "id", n.ID, "error", err)
	}
}

func (c *Center) mirrorUpdate(ctx context.Context, n *model.Notification) {
	if c.remote == nil {
		return
	}
	go func() {
		if err := c.remote.UpdateNotification(ctx, n); err != nil {
			c.logger.Warn("notification remote update failed", "id", n.ID, "error", err)
		}
	}()
}

func (c *Center) notifyChanged() {
	if c.hub == nil {
		return
	}
	msg, err := json.Marshal(map[string]string{"type": "notifications_changed"})
	if err != nil {
		return
	}
	c.hub.Broadcast(msg)
}
