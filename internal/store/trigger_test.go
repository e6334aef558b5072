package store

import (
	"testing"
	"time"

	"github.com/chimeapp/chime/internal/model"
)

func TestMarkFiredBatchAndWasFired(t *testing.T) {
	s := NewTriggerStore(openTestDB(t))

	now := time.Now()
	batch := []model.FiredTrigger{
		{Key: "evt-1|1000|30|inApp", Status: model.StatusSent, FiredAt: now},
		{Key: "evt-1|1000|inApp", Status: model.StatusSent, FiredAt: now},
	}
	if err := s.MarkFiredBatch(batch); err != nil {
		t.Fatalf("mark fired: %v", err)
	}

	fired, err := s.WasFired("evt-1|1000|30|inApp")
	if err != nil {
		t.Fatalf("was fired: %v", err)
	}
	if !fired {
		t.Error("key should be fired")
	}

	fired, err = s.WasFired("evt-1|1000|5|inApp")
	if err != nil {
		t.Fatalf("was fired: %v", err)
	}
	if fired {
		t.Error("unmarked key should not be fired")
	}
}

func TestMarkFiredBatchIgnoresReplays(t *testing.T) {
	s := NewTriggerStore(openTestDB(t))

	entry := model.FiredTrigger{Key: "evt-1|1000|30|inApp", Status: model.StatusSent, FiredAt: time.Now()}
	if err := s.MarkFiredBatch([]model.FiredTrigger{entry}); err != nil {
		t.Fatalf("first mark: %v", err)
	}

	// Replay with a different status must not overwrite the original row.
	entry.Status = model.StatusDailyCap
	if err := s.MarkFiredBatch([]model.FiredTrigger{entry}); err != nil {
		t.Fatalf("replay mark: %v", err)
	}

	keys, err := s.LoadKeys()
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(keys))
	}
}

func TestLoadKeysEmpty(t *testing.T) {
	s := NewTriggerStore(openTestDB(t))

	keys, err := s.LoadKeys()
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("got %d keys, want 0", len(keys))
	}
}

func TestCleanupFired(t *testing.T) {
	s := NewTriggerStore(openTestDB(t))

	old := model.FiredTrigger{Key: "old", Status: model.StatusSent, FiredAt: time.Now().Add(-48 * time.Hour)}
	recent := model.FiredTrigger{Key: "recent", Status: model.StatusSent, FiredAt: time.Now()}
	if err := s.MarkFiredBatch([]model.FiredTrigger{old, recent}); err != nil {
		t.Fatalf("mark fired: %v", err)
	}

	if err := s.CleanupFired(time.Now().Add(-24 * time.Hour)); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	keys, err := s.LoadKeys()
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "recent" {
		t.Errorf("keys = %v, want [recent]", keys)
	}
}

func TestDayCountIncrement(t *testing.T) {
	s := NewTriggerStore(openTestDB(t))

	count, err := s.DayCount("2026-08-30")
	if err != nil {
		t.Fatalf("day count: %v", err)
	}
	if count != 0 {
		t.Errorf("fresh day count = %d, want 0", count)
	}

	for i := 0; i < 3; i++ {
		if err := s.IncrementDayCount("2026-08-30"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	count, err = s.DayCount("2026-08-30")
	if err != nil {
		t.Fatalf("day count: %v", err)
	}
	if count != 3 {
		t.Errorf("day count = %d, want 3", count)
	}

	// Separate days stay independent.
	count, err = s.DayCount("2026-08-31")
	if err != nil {
		t.Fatalf("day count: %v", err)
	}
	if count != 0 {
		t.Errorf("other day count = %d, want 0", count)
	}
}

func TestCleanupDayCounts(t *testing.T) {
	s := NewTriggerStore(openTestDB(t))

	s.IncrementDayCount("2026-08-01")
	s.IncrementDayCount("2026-08-30")

	if err := s.CleanupDayCounts("2026-08-15"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	count, _ := s.DayCount("2026-08-01")
	if count != 0 {
		t.Error("old day counter should be gone")
	}
	count, _ = s.DayCount("2026-08-30")
	if count != 1 {
		t.Error("recent day counter should survive")
	}
}
