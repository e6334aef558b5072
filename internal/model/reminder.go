package model

import (
	"errors"
	"fmt"
	"time"
)

// Channel identifies a delivery surface for a reminder notification.
type Channel string

const (
	ChannelInApp   Channel = "inApp"
	ChannelBrowser Channel = "browser"
	ChannelPush    Channel = "push"
)

// Channels in dispatch order. Iteration over reminder channels always
// follows this order so tick results are deterministic.
var AllChannels = []Channel{ChannelInApp, ChannelBrowser, ChannelPush}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelBrowser, ChannelPush:
		return true
	}
	return false
}

// Scope distinguishes a reminder bound to a single event from one bound to
// a recurring series.
type Scope string

const (
	ScopeEvent  Scope = "event"
	ScopeSeries Scope = "series"
)

// Interval is the recurrence step for rule-based series reminders.
type Interval string

const (
	IntervalNone     Interval = "none"
	IntervalDaily    Interval = "daily"
	IntervalWeekly   Interval = "weekly"
	IntervalBiweekly Interval = "biweekly"
	IntervalMonthly  Interval = "monthly"
	IntervalYearly   Interval = "yearly"
)

// Valid reports whether i is a recognized recurrence interval.
func (i Interval) Valid() bool {
	switch i {
	case IntervalNone, IntervalDaily, IntervalWeekly, IntervalBiweekly, IntervalMonthly, IntervalYearly:
		return true
	}
	return false
}

// Recurrence describes the rule for expanding a series reminder into
// concrete occurrences.
type Recurrence struct {
	Enabled  bool     `json:"enabled"`
	Interval Interval `json:"interval"`
	BaseMs   int64    `json:"base_epoch_ms"`
}

// Offset is one lead time configured on a reminder, with the channels it
// should fire on.
type Offset struct {
	MinutesBefore int       `json:"minutes_before"`
	Channels      []Channel `json:"channels"`
}

// Reminder is a user's notification configuration for one event or series.
// Reminders are written by external save/delete flows; the engine only
// reads them.
type Reminder struct {
	EventKey   string            `json:"event_key"`
	Scope      Scope             `json:"scope"`
	SeriesKey  string            `json:"series_key,omitempty"`
	Enabled    bool              `json:"enabled"`
	Timezone   string            `json:"timezone"`
	EventMs    int64             `json:"event_epoch_ms,omitempty"`
	Offsets    []Offset          `json:"offsets"`
	Recurrence *Recurrence       `json:"recurrence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

var (
	ErrMissingEventKey = errors.New("reminder has no event key")
	ErrNoOffsets       = errors.New("enabled reminder has no offsets")
)

// Validate reports why a reminder record is malformed. Malformed reminders
// are skipped individually; they never abort a tick.
func (r *Reminder) Validate() error {
	if r.EventKey == "" {
		return ErrMissingEventKey
	}
	if r.Enabled && len(r.Offsets) == 0 {
		return ErrNoOffsets
	}
	for _, o := range r.Offsets {
		if o.MinutesBefore < 0 {
			return fmt.Errorf("negative offset %d on %s", o.MinutesBefore, r.EventKey)
		}
		for _, ch := range o.Channels {
			if !ch.Valid() {
				return fmt.Errorf("unknown channel %q on %s", ch, r.EventKey)
			}
		}
	}
	if r.Scope == ScopeEvent && r.EventMs <= 0 {
		return fmt.Errorf("event reminder %s has no event timestamp", r.EventKey)
	}
	if rec := r.Recurrence; rec != nil && rec.Enabled {
		if !rec.Interval.Valid() {
			return fmt.Errorf("unknown recurrence interval %q on %s", rec.Interval, r.EventKey)
		}
		if rec.Interval != IntervalNone && rec.BaseMs <= 0 {
			return fmt.Errorf("recurrence on %s has no base timestamp", r.EventKey)
		}
	}
	return nil
}

// HasRule reports whether the reminder's occurrences are derivable from a
// stored recurrence rule. Series reminders without one are resolved against
// the upcoming-instances source instead.
func (r *Reminder) HasRule() bool {
	return r.Recurrence != nil && r.Recurrence.Enabled && r.Recurrence.Interval != IntervalNone
}

// Location resolves the reminder's IANA timezone, falling back to UTC.
func (r *Reminder) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Title returns the display title carried in the metadata passthrough.
func (r *Reminder) Title() string {
	if t := r.Metadata["title"]; t != "" {
		return t
	}
	return r.EventKey
}
