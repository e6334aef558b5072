package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/chimeapp/chime/internal/database"
	"github.com/chimeapp/chime/internal/ledger"
	"github.com/chimeapp/chime/internal/model"
	"github.com/chimeapp/chime/internal/notify"
	"github.com/chimeapp/chime/internal/policy"
	"github.com/chimeapp/chime/internal/store"
)

type fakeSource struct {
	instances []model.EventInstance
	calls     int
}

func (f *fakeSource) Upcoming(_ context.Context) ([]model.EventInstance, error) {
	f.calls++
	return f.instances, nil
}

type nullBrowser struct{}

func (nullBrowser) Send(_ notify.Payload) error               { return nil }
func (nullBrowser) SetSubscription(_ *model.PushSubscription) {}

type harness struct {
	engine    *Engine
	reminders *store.ReminderStore
	ledger    *ledger.TriggerLedger
	center    *notify.Center
	source    *fakeSource
	now       time.Time
}

func newHarness(t *testing.T, cfg Config, polCfg policy.Config, capability model.CapabilityClass) *harness {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	reminders := store.NewReminderStore(db)
	triggers := store.NewTriggerStore(db)
	led, err := ledger.New(triggers, nil, logger)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if polCfg.Throttle == 0 {
		polCfg.Throttle = time.Nanosecond
	}
	pol := policy.New(polCfg, capability, led, triggers, nil, logger)
	center := notify.NewCenter(store.NewNotificationStore(db), nil, nil, logger)
	dispatcher := notify.NewDispatcher(center, nullBrowser{}, logger)
	source := &fakeSource{}

	h := &harness{
		engine:    New(cfg, reminders, triggers, led, pol, dispatcher, center, source, logger),
		reminders: reminders,
		ledger:    led,
		center:    center,
		source:    source,
		now:       time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC),
	}
	h.engine.nowFunc = func() time.Time { return h.now }
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.engine.Tick(context.Background())
}

func (h *harness) seed(t *testing.T, reminders ...model.Reminder) {
	t.Helper()
	if err := h.reminders.ReplaceAll(reminders); err != nil {
		t.Fatalf("seed reminders: %v", err)
	}
}

func (h *harness) historyLen(t *testing.T) int {
	t.Helper()
	list, err := h.center.List(100)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	return len(list)
}

func eventReminder(key string, eventTime time.Time, offsets ...model.Offset) model.Reminder {
	if len(offsets) == 0 {
		offsets = []model.Offset{{MinutesBefore: 30, Channels: []model.Channel{model.ChannelInApp}}}
	}
	return model.Reminder{
		EventKey: key,
		Scope:    model.ScopeEvent,
		Enabled:  true,
		Timezone: "UTC",
		EventMs:  eventTime.UnixMilli(),
		Offsets:  offsets,
		Metadata: map[string]string{"title": "Event " + key},
	}
}

func TestTickDispatchesDueTrigger(t *testing.T) {
	h := newHarness(t, Config{}, policy.Config{}, model.CapabilityStandard)
	h.seed(t, eventReminder("evt-a", h.now.Add(30*time.Minute)))

	h.tick(t)

	if got := h.historyLen(t); got != 1 {
		t.Fatalf("history = %d rows, want 1", got)
	}
}

func TestTriggerNotYetDue(t *testing.T) {
	h := newHarness(t, Config{}, policy.Config{}, model.CapabilityStandard)
	// Event in 2 hours, single 30-minute offset: fire time is 90 minutes out.
	h.seed(t, eventReminder("evt-a", h.now.Add(2*time.Hour)))

	h.tick(t)

	if got := h.historyLen(t); got != 0 {
		t.Fatalf("history = %d rows, want 0 before the fire time", got)
	}
}

func TestDueWindowIndependentOfOffsetSize(t *testing.T) {
	h := newHarness(t, Config{DueWindow: 5 * time.Minute}, policy.Config{}, model.CapabilityStandard)
	// A week-long lead whose fire time passed 3 minutes ago is still due.
	longLead := eventReminder("evt-long", h.now.Add(7*24*time.Hour-3*time.Minute),
		model.Offset{MinutesBefore: 7 * 24 * 60, Channels: []model.Channel{model.ChannelInApp}})
	// The same 3-minute lateness with a tiny offset is equally due.
	shortLead := eventReminder("evt-short", h.now.Add(5*time.Minute-3*time.Minute),
		model.Offset{MinutesBefore: 5, Channels: []model.Channel{model.ChannelInApp}})
	// 10 minutes past the fire time is outside the window for both.
	missed := eventReminder("evt-missed", h.now.Add(5*time.Minute-10*time.Minute),
		model.Offset{MinutesBefore: 5, Channels: []model.Channel{model.ChannelInApp}})
	h.seed(t, longLead, shortLead, missed)

	h.tick(t)

	list, err := h.center.List(100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := make(map[string]bool)
	for _, n := range list {
		got[n.EventKey] = true
	}
	if !got["evt-long"] || !got["evt-short"] {
		t.Errorf("due triggers missing: %v", got)
	}
	if got["evt-missed"] {
		t.Error("trigger outside the due window must not fire")
	}
}

func TestLongLeadReachesOccurrencePastHorizon(t *testing.T) {
	// A 7-day lead whose fire time passed 3 minutes ago points at an
	// occurrence well beyond the 24h expansion horizon. The expansion
	// window must stretch to cover it or the tuple can never fire.
	h := newHarness(t, Config{}, policy.Config{}, model.CapabilityStandard)
	h.seed(t, eventReminder("evt-far", h.now.Add(7*24*time.Hour-3*time.Minute),
		model.Offset{MinutesBefore: 7 * 24 * 60, Channels: []model.Channel{model.ChannelInApp}}))

	h.tick(t)

	if got := h.historyLen(t); got != 1 {
		t.Fatalf("history = %d rows, want 1", got)
	}
}

func TestTickReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, policy.Config{}, model.CapabilityStandard)
	h.seed(t, eventReminder("evt-a", h.now.Add(30*time.Minute)))

	h.tick(t)
	h.tick(t)
	h.now = h.now.Add(time.Minute)
	h.tick(t)

	if got := h.historyLen(t); got != 1 {
		t.Fatalf("history after replays = %d rows, want 1", got)
	}
}

func TestOverlappingOffsetsFireOnce(t *testing.T) {
	h := newHarness(t, Config{DueWindow: 5 * time.Minute}, policy.Config{}, model.CapabilityStandard)
	event := h.now.Add(60 * time.Minute)
	h.seed(t, eventReminder("evt-a", event,
		model.Offset{MinutesBefore: 60, Channels: []model.Channel{model.ChannelInApp}},
		model.Offset{MinutesBefore: 30, Channels: []model.Channel{model.ChannelInApp}},
		model.Offset{MinutesBefore: 0, Channels: []model.Channel{model.ChannelInApp}},
	))

	// Walk the clock through all three fire times.
	h.tick(t)
	h.now = h.now.Add(30 * time.Minute)
	h.tick(t)
	h.now = h.now.Add(30 * time.Minute)
	h.tick(t)

	if got := h.historyLen(t); got != 1 {
		t.Fatalf("history = %d rows, want exactly 1 for the occurrence", got)
	}
}

func TestQuietHoursSkippedOffsetNeverFiresLater(t *testing.T) {
	h := newHarness(t, Config{DueWindow: 5 * time.Minute}, policy.Config{}, model.CapabilityStandard)
	h.engine.policy.Apply(model.Preferences{QuietHours: model.QuietHours{Enabled: true, StartHour: 12, EndHour: 14}})

	// Fire time 13:00 lands in quiet hours; the skip is recorded. Ticking
	// again at 14:05, past quiet hours but outside the due window, must not
	// resurrect the trigger.
	h.seed(t, eventReminder("evt-a", h.now.Add(30*time.Minute)))
	h.tick(t)
	if got := h.historyLen(t); got != 0 {
		t.Fatalf("history during quiet hours = %d rows, want 0", got)
	}

	h.now = h.now.Add(65 * time.Minute)
	h.tick(t)
	if got := h.historyLen(t); got != 0 {
		t.Fatalf("history after quiet hours = %d rows, want still 0", got)
	}
}

func TestDailyCapAcrossReminders(t *testing.T) {
	h := newHarness(t, Config{}, policy.Config{DailyCap: 3}, model.CapabilityStandard)
	var reminders []model.Reminder
	for _, key := range []string{"evt-a", "evt-b", "evt-c", "evt-d", "evt-e"} {
		reminders = append(reminders, eventReminder(key, h.now.Add(30*time.Minute)))
	}
	h.seed(t, reminders...)

	h.tick(t)

	list, err := h.center.List(100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("dispatched = %d, want the cap of 3", len(list))
	}
	// ListEnabled orders by event key, so the first three keys win.
	got := make(map[string]bool)
	for _, n := range list {
		got[n.EventKey] = true
	}
	for _, key := range []string{"evt-a", "evt-b", "evt-c"} {
		if !got[key] {
			t.Errorf("expected %s within the cap, got %v", key, got)
		}
	}
}

func TestMalformedReminderDoesNotAbortTick(t *testing.T) {
	h := newHarness(t, Config{}, policy.Config{}, model.CapabilityStandard)
	broken := eventReminder("evt-broken", h.now.Add(30*time.Minute))
	broken.EventMs = 0
	h.seed(t, broken, eventReminder("evt-ok", h.now.Add(30*time.Minute)))

	h.tick(t)

	list, err := h.center.List(100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].EventKey != "evt-ok" {
		t.Errorf("history = %+v, want only evt-ok", list)
	}
}

func TestSeriesReminderUsesCalendarSource(t *testing.T) {
	h := newHarness(t, Config{}, policy.Config{}, model.CapabilityStandard)
	occ := h.now.Add(30 * time.Minute)
	h.source.instances = []model.EventInstance{
		{SeriesKey: "series-cpi", EventKey: "evt-cpi-sep", Start: occ, Title: "CPI"},
		{SeriesKey: "series-other", EventKey: "evt-x", Start: occ},
	}
	h.seed(t, model.Reminder{
		EventKey:  "series-cpi",
		Scope:     model.ScopeSeries,
		SeriesKey: "series-cpi",
		Enabled:   true,
		Timezone:  "UTC",
		Offsets:   []model.Offset{{MinutesBefore: 30, Channels: []model.Channel{model.ChannelInApp}}},
	})

	h.tick(t)

	if h.source.calls != 1 {
		t.Errorf("calendar fetches = %d, want 1", h.source.calls)
	}
	list, err := h.center.List(100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].EventKey != "series-cpi" {
		t.Errorf("history = %+v, want one entry for series-cpi", list)
	}
}

func TestRecurringReminderFiresPerOccurrence(t *testing.T) {
	h := newHarness(t, Config{}, policy.Config{}, model.CapabilityStandard)
	base := h.now.Add(30 * time.Minute).Add(-24 * time.Hour)
	h.seed(t, model.Reminder{
		EventKey:   "series-daily",
		Scope:      model.ScopeSeries,
		SeriesKey:  "series-daily",
		Enabled:    true,
		Timezone:   "UTC",
		Offsets:    []model.Offset{{MinutesBefore: 30, Channels: []model.Channel{model.ChannelInApp}}},
		Recurrence: &model.Recurrence{Enabled: true, Interval: model.IntervalDaily, BaseMs: base.UnixMilli()},
	})

	h.tick(t)
	if got := h.historyLen(t); got != 1 {
		t.Fatalf("history day 1 = %d rows, want 1", got)
	}

	// Next day's occurrence is a fresh trigger key.
	h.now = h.now.Add(24 * time.Hour)
	h.tick(t)
	if got := h.historyLen(t); got != 2 {
		t.Fatalf("history day 2 = %d rows, want 2", got)
	}
}

func TestPushCoversBrowserOnInstalled(t *testing.T) {
	h := newHarness(t, Config{}, policy.Config{}, model.CapabilityInstalled)
	occ := h.now.Add(30 * time.Minute)
	h.seed(t, eventReminder("evt-a", occ,
		model.Offset{MinutesBefore: 30, Channels: []model.Channel{model.ChannelBrowser, model.ChannelPush}}))

	h.tick(t)

	if !h.ledger.HasFired(model.OccurrenceChannelKey("evt-a", occ, model.ChannelBrowser)) {
		t.Error("browser occurrence key should be covered by the push dispatch")
	}
	if !h.ledger.HasFired(model.TriggerKey("evt-a", occ, 30, model.ChannelPush)) {
		t.Error("push trigger key should be fired")
	}
	if got := h.historyLen(t); got != 0 {
		t.Errorf("history = %d rows, want 0 (no in-app channel configured)", got)
	}
}

func TestSweepDropsOldRows(t *testing.T) {
	h := newHarness(t, Config{Retention: 24 * time.Hour}, policy.Config{}, model.CapabilityStandard)
	h.seed(t, eventReminder("evt-a", h.now.Add(30*time.Minute)))
	h.tick(t)

	h.now = h.now.Add(48 * time.Hour)
	h.engine.Sweep()

	list, err := h.center.List(100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("history after sweep = %d rows, want 0", len(list))
	}
}
