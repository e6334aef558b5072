package model

import "time"

// EventInstance is one upcoming occurrence of a recurring series whose
// schedule is not derivable from a stored rule. Instances come from the
// external calendar source and are matched to reminders by series key.
type EventInstance struct {
	SeriesKey string    `json:"series_key"`
	EventKey  string    `json:"event_key"`
	Start     time.Time `json:"start"`
	Title     string    `json:"title"`
	Impact    string    `json:"impact,omitempty"`
}
