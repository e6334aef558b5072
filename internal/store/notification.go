package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chimeapp/chime/internal/model"
)

// NotificationStore is the locally cached notification history. In-app
// dispatches land here optimistically; snapshots from the remote store
// reconcile it afterwards.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// Insert adds a notification, keyed by its trigger id. Returns false if a
// row with the same id already exists, which makes retried dispatches
// no-ops.
func (s *NotificationStore) Insert(n *model.Notification) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO notifications (id, event_key, title, message, channel, scheduled_for, sent_at, is_read, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		n.ID, n.EventKey, n.Title, n.Message, string(n.Channel), n.ScheduledFor.UTC(), n.SentAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notification rows affected: %w", err)
	}
	return affected > 0, nil
}

// Upsert writes a notification from a remote snapshot, preserving the
// remote read/deleted state.
func (s *NotificationStore) Upsert(n *model.Notification) error {
	var readInt, deletedInt int
	if n.Read {
		readInt = 1
	}
	if n.Deleted {
		deletedInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO notifications (id, event_key, title, message, channel, scheduled_for, sent_at, is_read, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title, message = excluded.message,
		   is_read = excluded.is_read, is_deleted = excluded.is_deleted`,
		n.ID, n.EventKey, n.Title, n.Message, string(n.Channel), n.ScheduledFor.UTC(), n.SentAt.UTC(), readInt, deletedInt,
	)
	if err != nil {
		return fmt.Errorf("upsert notification %s: %w", n.ID, err)
	}
	return nil
}

// List returns non-deleted notifications, newest first.
func (s *NotificationStore) List(limit int) ([]model.Notification, error) {
	rows, err := s.db.Query(
		`SELECT id, event_key, title, message, channel, scheduled_for, sent_at, is_read, is_deleted
		 FROM notifications WHERE is_deleted = 0 ORDER BY sent_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ListAll returns every non-deleted notification, newest first. Used by bulk
// operations that must touch the whole history, not a page of it.
func (s *NotificationStore) ListAll() ([]model.Notification, error) {
	rows, err := s.db.Query(
		`SELECT id, event_key, title, message, channel, scheduled_for, sent_at, is_read, is_deleted
		 FROM notifications WHERE is_deleted = 0 ORDER BY sent_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list all notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// IDs returns the ids of every cached notification, including deleted ones.
func (s *NotificationStore) IDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM notifications`)
	if err != nil {
		return nil, fmt.Errorf("list notification ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan notification id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkRead flags one notification as read.
func (s *NotificationStore) MarkRead(id string) error {
	_, err := s.db.Exec(`UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllRead flags every non-deleted notification as read.
func (s *NotificationStore) MarkAllRead() error {
	_, err := s.db.Exec(`UPDATE notifications SET is_read = 1 WHERE is_deleted = 0`)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// Delete soft-deletes one notification.
func (s *NotificationStore) Delete(id string) error {
	_, err := s.db.Exec(`UPDATE notifications SET is_deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}

// Clear soft-deletes the whole history.
func (s *NotificationStore) Clear() error {
	_, err := s.db.Exec(`UPDATE notifications SET is_deleted = 1`)
	if err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	return nil
}

// Remove hard-deletes a cached row. Used when a snapshot no longer carries
// an id that isn't pending confirmation.
func (s *NotificationStore) Remove(id string) error {
	_, err := s.db.Exec(`DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove notification: %w", err)
	}
	return nil
}

// Cleanup hard-deletes notifications sent before the given time.
func (s *NotificationStore) Cleanup(before time.Time) error {
	_, err := s.db.Exec(`DELETE FROM notifications WHERE sent_at < ?`, before.UTC())
	if err != nil {
		return fmt.Errorf("cleanup notifications: %w", err)
	}
	return nil
}

func scanNotifications(rows *sql.Rows) ([]model.Notification, error) {
	var list []model.Notification
	for rows.Next() {
		var n model.Notification
		var channel string
		var readInt, deletedInt int
		if err := rows.Scan(&n.ID, &n.EventKey, &n.Title, &n.Message, &channel, &n.ScheduledFor, &n.SentAt, &readInt, &deletedInt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Channel = model.Channel(channel)
		n.Read = readInt != 0
		n.Deleted = deletedInt != 0
		list = append(list, n)
	}
	return list, rows.Err()
}
