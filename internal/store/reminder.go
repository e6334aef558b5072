package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chimeapp/chime/internal/model"
)

// ReminderStore is the local cache of the user's configured reminders.
// The authoritative copy lives in the remote sync service; snapshots from
// its subscription replace this cache wholesale.
type ReminderStore struct {
	db *sql.DB
}

func NewReminderStore(db *sql.DB) *ReminderStore {
	return &ReminderStore{db: db}
}

// ReplaceAll swaps the cached reminder list for the given snapshot.
func (s *ReminderStore) ReplaceAll(reminders []model.Reminder) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace reminders: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM reminders`); err != nil {
		return fmt.Errorf("clear reminders: %w", err)
	}

	for i := range reminders {
		if err := upsertReminderTx(tx, &reminders[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace reminders: %w", err)
	}
	return nil
}

// Upsert inserts or updates a single cached reminder.
func (s *ReminderStore) Upsert(r *model.Reminder) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert reminder: %w", err)
	}
	defer tx.Rollback()

	if err := upsertReminderTx(tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertReminderTx(tx *sql.Tx, r *model.Reminder) error {
	offsets, err := json.Marshal(r.Offsets)
	if err != nil {
		return fmt.Errorf("marshal offsets for %s: %w", r.EventKey, err)
	}

	var recurrence sql.NullString
	if r.Recurrence != nil {
		data, err := json.Marshal(r.Recurrence)
		if err != nil {
			return fmt.Errorf("marshal recurrence for %s: %w", r.EventKey, err)
		}
		recurrence = sql.NullString{String: string(data), Valid: true}
	}

	var metadata sql.NullString
	if len(r.Metadata) > 0 {
		data, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", r.EventKey, err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	var enabledInt int
	if r.Enabled {
		enabledInt = 1
	}

	_, err = tx.Exec(
		`INSERT INTO reminders (event_key, scope, series_key, enabled, timezone, event_ms, offsets, recurrence, metadata, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(event_key) DO UPDATE SET
		   scope = excluded.scope, series_key = excluded.series_key, enabled = excluded.enabled,
		   timezone = excluded.timezone, event_ms = excluded.event_ms, offsets = excluded.offsets,
		   recurrence = excluded.recurrence, metadata = excluded.metadata, updated_at = CURRENT_TIMESTAMP`,
		r.EventKey, string(r.Scope), r.SeriesKey, enabledInt, r.Timezone, r.EventMs, string(offsets), recurrence, metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert reminder %s: %w", r.EventKey, err)
	}
	return nil
}

// Delete removes a cached reminder. Deleting all offsets upstream is
// equivalent to deleting the reminder, so the snapshot path ends up here
// either way.
func (s *ReminderStore) Delete(eventKey string) error {
	_, err := s.db.Exec(`DELETE FROM reminders WHERE event_key = ?`, eventKey)
	if err != nil {
		return fmt.Errorf("delete reminder %s: %w", eventKey, err)
	}
	return nil
}

// GetByKey returns one cached reminder, or nil if absent.
func (s *ReminderStore) GetByKey(eventKey string) (*model.Reminder, error) {
	row := s.db.QueryRow(
		`SELECT event_key, scope, series_key, enabled, timezone, event_ms, offsets, recurrence, metadata
		 FROM reminders WHERE event_key = ?`, eventKey,
	)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder %s: %w", eventKey, err)
	}
	return r, nil
}

// ListEnabled returns all enabled cached reminders ordered by event key,
// so every tick walks them in the same order.
func (s *ReminderStore) ListEnabled() ([]model.Reminder, error) {
	rows, err := s.db.Query(
		`SELECT event_key, scope, series_key, enabled, timezone, event_ms, offsets, recurrence, metadata
		 FROM reminders WHERE enabled = 1 ORDER BY event_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("list enabled reminders: %w", err)
	}
	defer rows.Close()

	var reminders []model.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, *r)
	}
	return reminders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*model.Reminder, error) {
	var r model.Reminder
	var scope, offsets string
	var enabledInt int
	var recurrence, metadata sql.NullString

	if err := row.Scan(&r.EventKey, &scope, &r.SeriesKey, &enabledInt, &r.Timezone, &r.EventMs, &offsets, &recurrence, &metadata); err != nil {
		return nil, err
	}

	r.Scope = model.Scope(scope)
	r.Enabled = enabledInt != 0
	if err := json.Unmarshal([]byte(offsets), &r.Offsets); err != nil {
		return nil, fmt.Errorf("decode offsets for %s: %w", r.EventKey, err)
	}
	if recurrence.Valid {
		var rec model.Recurrence
		if err := json.Unmarshal([]byte(recurrence.String), &rec); err != nil {
			return nil, fmt.Errorf("decode recurrence for %s: %w", r.EventKey, err)
		}
		r.Recurrence = &rec
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", r.EventKey, err)
		}
	}
	return &r, nil
}
