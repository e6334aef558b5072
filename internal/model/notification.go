package model

import "time"

// Notification is one dispatched in-app notification. The ID is the trigger
// key that produced it, which makes remote writes idempotent under retry.
type Notification struct {
	ID           string    `json:"id"`
	EventKey     string    `json:"event_key"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Channel      Channel   `json:"channel"`
	ScheduledFor time.Time `json:"scheduled_for"`
	SentAt       time.Time `json:"sent_at"`
	Read         bool      `json:"read"`
	Deleted      bool      `json:"deleted"`
}
