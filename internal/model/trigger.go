package model

import (
	"fmt"
	"time"
)

// TriggerStatus records why a trigger key was marked handled.
type TriggerStatus string

const (
	StatusSent          TriggerStatus = "sent"
	StatusDuplicate     TriggerStatus = "duplicate"
	StatusQuietHours    TriggerStatus = "skipped-quiet-hours"
	StatusDailyCap      TriggerStatus = "skipped-cap"
	StatusNotApplicable TriggerStatus = "skipped-platform-not-applicable"
	StatusCoveredByPush TriggerStatus = "skipped-push-covered"
	StatusThrottled     TriggerStatus = "throttled"
	StatusNoPermission  TriggerStatus = "skipped-no-permission"
)

// TriggerKey builds the fine-grained idempotency key for one
// (event, occurrence, offset, channel) tuple.
func TriggerKey(eventKey string, occurrence time.Time, minutesBefore int, ch Channel) string {
	return fmt.Sprintf("%s|%d|%d|%s", eventKey, occurrence.UnixMilli(), minutesBefore, ch)
}

// OccurrenceChannelKey builds the coarse key that blocks every other offset
// for the same occurrence and channel once any one of them fires.
func OccurrenceChannelKey(eventKey string, occurrence time.Time, ch Channel) string {
	return fmt.Sprintf("%s|%d|%s", eventKey, occurrence.UnixMilli(), ch)
}

// FiredTrigger is one ledger entry: a key that has been handled, with the
// outcome. Entries are write-once and never updated.
type FiredTrigger struct {
	Key     string        `json:"key"`
	Status  TriggerStatus `json:"status"`
	FiredAt time.Time     `json:"fired_at"`
}
