package policy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chimeapp/chime/internal/ledger"
	"github.com/chimeapp/chime/internal/model"
)

const (
	defaultDailyCap = 10
	defaultThrottle = time.Minute
)

// DayCounter tracks how many notifications were sent per local calendar
// day. Backed by the trigger store.
type DayCounter interface {
	DayCount(day string) (int, error)
	IncrementDayCount(day string) error
}

// Config holds the static policy knobs. Quiet hours and the cap override
// arrive later via Apply, from the preferences snapshot.
type Config struct {
	DailyCap int
	Throttle time.Duration
}

// Decision is the outcome for one due (reminder, occurrence, offset,
// channel) tuple.
type Decision struct {
	Status   model.TriggerStatus
	Dispatch bool
}

// Engine evaluates policy for due tuples in a fixed order: occurrence
// dedup, quiet hours, daily cap, throttle, platform exclusivity, dispatch.
// Every skip except the throttle still advances the ledger so the tuple is
// never re-evaluated.
type Engine struct {
	mu         sync.Mutex
	cfg        Config
	prefs      model.Preferences
	capability model.CapabilityClass

	ledger  ledger.Ledger
	counter DayCounter

	// browserPermitted gates the browser channel on the OS notification
	// permission. Nil means granted.
	browserPermitted func() bool

	lastFired map[string]time.Time
	logger    *slog.Logger
}

func New(cfg Config, capability model.CapabilityClass, led ledger.Ledger, counter DayCounter, browserPermitted func() bool, logger *slog.Logger) *Engine {
	if cfg.DailyCap == 0 {
		cfg.DailyCap = defaultDailyCap
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = defaultThrottle
	}
	return &Engine{
		cfg:              cfg,
		capability:       capability,
		ledger:           led,
		counter:          counter,
		browserPermitted: browserPermitted,
		lastFired:        make(map[string]time.Time),
		logger:           logger,
	}
}

// Apply installs a fresh preferences snapshot (quiet hours, cap override).
// Called from the sync subscription, concurrently with ticks.
func (e *Engine) Apply(prefs model.Preferences) {
	e.mu.Lock()
	e.prefs = prefs
	e.mu.Unlock()
}

// Evaluate runs the policy chain for one due tuple. It owns all ledger
// and counter bookkeeping for the tuple; the caller only dispatches when
// Decision.Dispatch is set.
func (e *Engine) Evaluate(r *model.Reminder, occurrence time.Time, minutesBefore int, ch model.Channel, now time.Time) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	trigKey := model.TriggerKey(r.EventKey, occurrence, minutesBefore, ch)
	occKey := model.OccurrenceChannelKey(r.EventKey, occurrence, ch)

	if e.ledger.HasFired(trigKey) {
		return Decision{Status: model.StatusDuplicate}
	}

	// Another offset already produced the user-visible notification for
	// this occurrence+channel. Mark this offset handled too so it is
	// never looked at again.
	if e.ledger.HasFired(occKey) {
		e.ledger.MarkFired(trigKey, model.StatusDuplicate)
		return Decision{Status: model.StatusDuplicate}
	}

	loc := r.Location()
	fireAt := occurrence.Add(-time.Duration(minutesBefore) * time.Minute)
	if e.prefs.QuietHours.Contains(fireAt.In(loc)) {
		e.ledger.MarkFired(trigKey, model.StatusQuietHours)
		return Decision{Status: model.StatusQuietHours}
	}

	day := now.In(loc).Format("2006-01-02")
	capLimit := e.cfg.DailyCap
	if e.prefs.DailyCap > 0 {
		capLimit = e.prefs.DailyCap
	}
	count, err := e.counter.DayCount(day)
	if err != nil {
		e.logger.Warn("day count read failed", "day", day, "error", err)
	}
	if count >= capLimit {
		e.ledger.MarkFired(trigKey, model.StatusDailyCap)
		return Decision{Status: model.StatusDailyCap}
	}

	// Throttle skips are silent: no ledger write, so the tuple can still
	// fire once the cooldown passes. This guards against sub-cooldown
	// jitter, not permanent suppression.
	throttleKey := r.EventKey + "|" + string(ch)
	if last, ok := e.lastFired[throttleKey]; ok && now.Sub(last) < e.cfg.Throttle {
		return Decision{Status: model.StatusThrottled}
	}

	switch ch {
	case model.ChannelBrowser:
		if e.capability == model.CapabilityInstalled {
			// The push pipeline's background handler raises the OS
			// notification on installed clients; raising our own would
			// duplicate it.
			e.ledger.MarkFired(trigKey, model.StatusCoveredByPush)
			return Decision{Status: model.StatusCoveredByPush}
		}
		if e.browserPermitted != nil && !e.browserPermitted() {
			return Decision{Status: model.StatusNoPermission}
		}
	case model.ChannelPush:
		if e.capability == model.CapabilityStandard {
			// No automatic fallback to the browser channel here: tab-only
			// clients must enable it explicitly.
			e.ledger.MarkFired(trigKey, model.StatusNotApplicable)
			return Decision{Status: model.StatusNotApplicable}
		}
	}

	if err := e.counter.IncrementDayCount(day); err != nil {
		e.logger.Warn("day count increment failed", "day", day, "error", err)
	}
	e.lastFired[throttleKey] = now
	e.ledger.MarkFired(trigKey, model.StatusSent)
	e.ledger.MarkFired(occKey, model.StatusSent)

	// Push delivery on installed clients also covers the browser surface.
	if ch == model.ChannelPush && e.capability == model.CapabilityInstalled {
		e.ledger.MarkFired(model.OccurrenceChannelKey(r.EventKey, occurrence, model.ChannelBrowser), model.StatusCoveredByPush)
	}

	return Decision{Status: model.StatusSent, Dispatch: true}
}
