package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chimeapp/chime/internal/model"
)

// BrowserNotifier raises the OS-level notification for the browser channel.
type BrowserNotifier interface {
	Send(payload Payload) error
	SetSubscription(sub *model.PushSubscription)
}

// Dispatcher routes an approved trigger to its delivery surface. Policy has
// already run; by the time Dispatch is called the tuple is cleared to fire.
type Dispatcher struct {
	center  *Center
	browser BrowserNotifier
	logger  *slog.Logger
}

func NewDispatcher(center *Center, browser BrowserNotifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{center: center, browser: browser, logger: logger}
}

// Dispatch delivers one trigger on one channel. Errors are per-channel and
// never abort the tick; the ledger entry stands regardless, keeping delivery
// at-most-once.
func (d *Dispatcher) Dispatch(ctx context.Context, r *model.Reminder, occurrence time.Time, minutesBefore int, ch model.Channel) error {
	switch ch {
	case model.ChannelInApp:
		return d.dispatchInApp(ctx, r, occurrence, minutesBefore)
	case model.ChannelBrowser:
		return d.dispatchBrowser(r, occurrence, minutesBefore)
	case model.ChannelPush:
		// Push delivery originates server side from the mirrored trigger;
		// nothing to do locally beyond the ledger write that already happened.
		d.logger.Debug("push trigger recorded", "event", r.EventKey, "occurrence", occurrence)
		return nil
	}
	return fmt.Errorf("dispatch on unknown channel %q", ch)
}

func (d *Dispatcher) dispatchInApp(ctx context.Context, r *model.Reminder, occurrence time.Time, minutesBefore int) error {
	n := &model.Notification{
		ID:           model.TriggerKey(r.EventKey, occurrence, minutesBefore, model.ChannelInApp),
		EventKey:     r.EventKey,
		Title:        r.Title(),
		Message:      leadMessage(minutesBefore),
		Channel:      model.ChannelInApp,
		ScheduledFor: occurrence,
		SentAt:       time.Now(),
	}
	if _, err := d.center.Add(ctx, n); err != nil {
		return fmt.Errorf("dispatch in-app %s: %w", n.ID, err)
	}
	return nil
}

func (d *Dispatcher) dispatchBrowser(r *model.Reminder, occurrence time.Time, minutesBefore int) error {
	err := d.browser.Send(Payload{
		Title: r.Title(),
		Body:  leadMessage(minutesBefore),
		URL:   r.Metadata["url"],
		Tag:   model.OccurrenceChannelKey(r.EventKey, occurrence, model.ChannelBrowser),
	})
	if errors.Is(err, ErrExpired) {
		d.logger.Info("dropping expired push subscription", "event", r.EventKey)
		d.browser.SetSubscription(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch browser %s: %w", r.EventKey, err)
	}
	return nil
}

func leadMessage(minutesBefore int) string {
	switch {
	case minutesBefore == 0:
		return "Starting now"
	case minutesBefore%60 == 0:
		h := minutesBefore / 60
		if h == 1 {
			return "Starts in 1 hour"
		}
		return fmt.Sprintf("Starts in %d hours", h)
	default:
		return fmt.Sprintf("Starts in %d minutes", minutesBefore)
	}
}
