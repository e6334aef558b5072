package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chimeapp/chime/internal/events"
	"github.com/chimeapp/chime/internal/ledger"
	"github.com/chimeapp/chime/internal/model"
	"github.com/chimeapp/chime/internal/notify"
	"github.com/chimeapp/chime/internal/policy"
	"github.com/chimeapp/chime/internal/recurrence"
	"github.com/chimeapp/chime/internal/store"
)

const (
	defaultTickInterval = 30 * time.Second
	defaultDueWindow    = 5 * time.Minute
	defaultLookback     = 2 * time.Hour
	defaultHorizon      = 24 * time.Hour
	defaultRetention    = 30 * 24 * time.Hour
	sweepSpec           = "@every 12h"
)

// Config holds scheduler timing knobs.
type Config struct {
	TickInterval time.Duration
	// DueWindow is how long past its fire time a trigger stays eligible.
	// Fixed width for every offset, so a 1-week lead and a 5-minute lead
	// tolerate the same amount of scheduler downtime.
	DueWindow time.Duration
	// Lookback extends the expansion window into the past so triggers due
	// while the process was down are still picked up, bounded by DueWindow.
	Lookback  time.Duration
	Horizon   time.Duration
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.DueWindow <= 0 {
		c.DueWindow = defaultDueWindow
	}
	if c.Lookback <= 0 {
		c.Lookback = defaultLookback
	}
	if c.Horizon <= 0 {
		c.Horizon = defaultHorizon
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
}

// Engine runs the due-check loop: every tick it expands enabled reminders
// into occurrences, finds the trigger tuples whose fire time has arrived,
// runs each through policy, and dispatches the survivors. All ledger writes
// for the tick leave in one batched flush at the end.
type Engine struct {
	cfg        Config
	reminders  *store.ReminderStore
	triggers   *store.TriggerStore
	ledger     ledger.Ledger
	policy     *policy.Engine
	dispatcher *notify.Dispatcher
	center     *notify.Center
	source     events.Source
	logger     *slog.Logger

	cron    *cron.Cron
	running atomic.Bool
	nowFunc func() time.Time
}

func New(cfg Config, reminders *store.ReminderStore, triggers *store.TriggerStore, led ledger.Ledger, pol *policy.Engine, dispatcher *notify.Dispatcher, center *notify.Center, source events.Source, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:        cfg,
		reminders:  reminders,
		triggers:   triggers,
		ledger:     led,
		policy:     pol,
		dispatcher: dispatcher,
		center:     center,
		source:     source,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// Start registers the tick and retention jobs and begins the loop.
func (e *Engine) Start(ctx context.Context) error {
	e.cron = cron.New()
	tickSpec := fmt.Sprintf("@every %s", e.cfg.TickInterval)
	if _, err := e.cron.AddFunc(tickSpec, func() { e.Tick(ctx) }); err != nil {
		return fmt.Errorf("register tick job: %w", err)
	}
	if _, err := e.cron.AddFunc(sweepSpec, func() { e.Sweep() }); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	e.cron.Start()
	e.logger.Info("scheduler started", "interval", e.cfg.TickInterval, "due_window", e.cfg.DueWindow)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (e *Engine) Stop() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
}

// Tick runs one due check. Re-entrant calls are dropped: if a slow tick is
// still running when the next interval arrives, the new one is skipped
// rather than stacked.
func (e *Engine) Tick(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("tick still running, skipping")
		return
	}
	defer e.running.Store(false)

	now := e.nowFunc()
	if err := e.ledger.Merge(); err != nil {
		e.logger.Warn("ledger merge failed, using in-process state", "error", err)
	}

	reminders, err := e.reminders.ListEnabled()
	if err != nil {
		e.logger.Error("list reminders failed", "error", err)
		return
	}

	rangeStart := now.Add(-e.cfg.Lookback)
	rangeEnd := now.Add(e.cfg.Horizon)

	// One calendar fetch per tick, and only when a rule-less series
	// reminder actually needs it.
	var instances []model.EventInstance
	var fetched bool

	dispatched := 0
	for i := range reminders {
		r := &reminders[i]
		if err := r.Validate(); err != nil {
			e.logger.Warn("skipping malformed reminder", "event", r.EventKey, "error", err)
			continue
		}

		// The window grows by the reminder's longest lead: a fire time
		// arriving now may belong to an occurrence past the horizon.
		end := rangeEnd.Add(maxLead(r))

		var occurrences []time.Time
		if r.Scope == model.ScopeSeries && !r.HasRule() {
			if !fetched {
				fetched = true
				instances, err = e.source.Upcoming(ctx)
				if err != nil {
					e.logger.Warn("calendar fetch failed, series reminders idle this tick", "error", err)
				}
			}
			occurrences = events.MatchSeries(r, instances, rangeStart, end)
		} else {
			occurrences = recurrence.Expand(r, rangeStart, end)
		}

		dispatched += e.checkReminder(ctx, r, occurrences, now)
	}

	if err := e.ledger.Flush(ctx); err != nil {
		e.logger.Warn("ledger flush failed", "error", err)
	}
	if dispatched > 0 {
		e.logger.Info("tick dispatched notifications", "count", dispatched)
	}
}

// checkReminder evaluates every due tuple of one reminder. Occurrences
// arrive chronological and offsets are walked in stored order, so the daily
// cap admits tuples deterministically.
func (e *Engine) checkReminder(ctx context.Context, r *model.Reminder, occurrences []time.Time, now time.Time) int {
	dispatched := 0
	for _, occ := range occurrences {
		for _, offset := range r.Offsets {
			fireAt := occ.Add(-time.Duration(offset.MinutesBefore) * time.Minute)
			if fireAt.After(now) || now.Sub(fireAt) >= e.cfg.DueWindow {
				continue
			}
			for _, ch := range model.AllChannels {
				if !offsetHasChannel(offset, ch) {
					continue
				}
				decision := e.policy.Evaluate(r, occ, offset.MinutesBefore, ch, now)
				if !decision.Dispatch {
					continue
				}
				if err := e.dispatcher.Dispatch(ctx, r, occ, offset.MinutesBefore, ch); err != nil {
					// The ledger entry stands; a delivery failure is not
					// retried, keeping the channel at-most-once.
					e.logger.Warn("dispatch failed", "event", r.EventKey, "channel", ch, "error", err)
					continue
				}
				dispatched++
			}
		}
	}
	return dispatched
}

func maxLead(r *model.Reminder) time.Duration {
	longest := 0
	for _, o := range r.Offsets {
		if o.MinutesBefore > longest {
			longest = o.MinutesBefore
		}
	}
	return time.Duration(longest) * time.Minute
}

func offsetHasChannel(o model.Offset, ch model.Channel) bool {
	for _, c := range o.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Sweep drops ledger rows, day counters, and notifications older than the
// retention horizon.
func (e *Engine) Sweep() {
	before := e.nowFunc().Add(-e.cfg.Retention)
	if err := e.triggers.CleanupFired(before); err != nil {
		e.logger.Warn("trigger cleanup failed", "error", err)
	}
	if err := e.triggers.CleanupDayCounts(before.Format("2006-01-02")); err != nil {
		e.logger.Warn("day count cleanup failed", "error", err)
	}
	if err := e.center.Cleanup(before); err != nil {
		e.logger.Warn("notification cleanup failed", "error", err)
	}
	e.logger.Debug("retention sweep complete", "before", before)
}
