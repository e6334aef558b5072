package model

import "time"

// CapabilityClass describes what the running client can receive. Resolved
// once at session start and passed into policy decisions, never queried ad
// hoc inside dispatch branches.
type CapabilityClass string

const (
	// CapabilityInstalled marks an installed, offline-capable client that
	// receives out-of-band push even while not foregrounded.
	CapabilityInstalled CapabilityClass = "installed"
	// CapabilityStandard marks a plain browser tab that can only show
	// notifications while a page is open.
	CapabilityStandard CapabilityClass = "standard"
)

// QuietHours is a user-configured local-time window during which dispatch
// is suppressed. Owned by the external preferences flow; read-only here.
type QuietHours struct {
	Enabled   bool `json:"enabled"`
	StartHour int  `json:"start_hour"`
	EndHour   int  `json:"end_hour"`
}

// Contains reports whether t (already in the reminder's local timezone)
// falls inside the quiet window. Windows wrapping midnight are supported,
// e.g. start 22, end 7.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled || q.StartHour == q.EndHour {
		return false
	}
	h := t.Hour()
	if q.StartHour < q.EndHour {
		return h >= q.StartHour && h < q.EndHour
	}
	return h >= q.StartHour || h < q.EndHour
}

// Preferences is the per-user policy configuration snapshot delivered by
// the sync service alongside reminders.
type Preferences struct {
	QuietHours QuietHours `json:"quiet_hours"`
	DailyCap   int        `json:"daily_cap"`
}
