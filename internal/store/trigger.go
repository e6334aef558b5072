package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chimeapp/chime/internal/model"
)

// TriggerStore is the local cache half of the trigger ledger: fired keys
// plus the per-day sent counters used by the daily cap. Other tabs on the
// same device share this cache, which is why the ledger re-reads it at the
// start of every tick.
type TriggerStore struct {
	db *sql.DB
}

func NewTriggerStore(db *sql.DB) *TriggerStore {
	return &TriggerStore{db: db}
}

// MarkFiredBatch records a tick's worth of handled trigger keys in one
// transaction. Keys are write-once: replays are ignored.
func (s *TriggerStore) MarkFiredBatch(triggers []model.FiredTrigger) error {
	if len(triggers) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark fired: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO fired_triggers (key, status, fired_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare mark fired: %w", err)
	}
	defer stmt.Close()

	for _, t := range triggers {
		if _, err := stmt.Exec(t.Key, string(t.Status), t.FiredAt.UTC()); err != nil {
			return fmt.Errorf("mark fired %s: %w", t.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark fired: %w", err)
	}
	return nil
}

// WasFired checks a single key against the cache.
func (s *TriggerStore) WasFired(key string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM fired_triggers WHERE key = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check fired trigger: %w", err)
	}
	return count > 0, nil
}

// LoadKeys returns every cached fired key. Called at startup and at each
// tick's merge step to pick up writes from other tabs.
func (s *TriggerStore) LoadKeys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM fired_triggers`)
	if err != nil {
		return nil, fmt.Errorf("load fired keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan fired key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CleanupFired deletes fired keys older than the given time.
func (s *TriggerStore) CleanupFired(before time.Time) error {
	_, err := s.db.Exec(`DELETE FROM fired_triggers WHERE fired_at < ?`, before.UTC())
	if err != nil {
		return fmt.Errorf("cleanup fired triggers: %w", err)
	}
	return nil
}

// DayCount returns the number of notifications sent on the given local
// calendar day (formatted 2006-01-02 in the reminder's timezone).
func (s *TriggerStore) DayCount(day string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT count FROM daily_counts WHERE day = ?`, day).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get day count: %w", err)
	}
	return count, nil
}

// IncrementDayCount bumps the sent counter for a local calendar day.
// Only dispatched notifications count; skips do not.
func (s *TriggerStore) IncrementDayCount(day string) error {
	_, err := s.db.Exec(
		`INSERT INTO daily_counts (day, count) VALUES (?, 1)
		 ON CONFLICT(day) DO UPDATE SET count = count + 1`,
		day,
	)
	if err != nil {
		return fmt.Errorf("increment day count: %w", err)
	}
	return nil
}

// CleanupDayCounts deletes counters for days before the given one.
func (s *TriggerStore) CleanupDayCounts(beforeDay string) error {
	_, err := s.db.Exec(`DELETE FROM daily_counts WHERE day < ?`, beforeDay)
	if err != nil {
		return fmt.Errorf("cleanup day counts: %w", err)
	}
	return nil
}
