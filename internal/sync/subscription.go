package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	ws "github.com/coder/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/chimeapp/chime/internal/model"
)

const maxSnapshotBytes = 4 << 20

// Handlers receives snapshot messages from the sync service. Every handler
// is optional; nil handlers drop their message type.
type Handlers struct {
	OnReminders     func([]model.Reminder)
	OnPreferences   func(model.Preferences)
	OnTriggerKeys   func([]string)
	OnNotifications func([]model.Notification)
}

// Subscription maintains a realtime connection to the sync service and
// delivers full-state snapshots as they arrive. The connection lives with
// the session: Run returns only when the context is cancelled.
type Subscription struct {
	url      string
	handlers Handlers
	logger   *slog.Logger
}

func NewSubscription(url string, handlers Handlers, logger *slog.Logger) *Subscription {
	return &Subscription{url: url, handlers: handlers, logger: logger}
}

// Run dials, reads until the connection drops, and redials with capped
// exponential backoff. Each successful connect resets the backoff.
func (s *Subscription) Run(ctx context.Context) {
	for {
		backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := s.connect(ctx); err != nil {
				s.logger.Warn("sync subscription dropped", "error", err)
				return retry.RetryableError(err)
			}
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// Backoff retries exhausted without a healthy session; start a
			// fresh backoff cycle rather than giving up.
			continue
		}
		return
	}
}

func (s *Subscription) connect(ctx context.Context) error {
	conn, _, err := ws.Dial(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial sync service: %w", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "session over")
	conn.SetReadLimit(maxSnapshotBytes)

	s.logger.Info("sync subscription established", "url", s.url)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read sync message: %w", err)
		}
		s.dispatch(data)
	}
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Subscription) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("malformed sync message", "error", err)
		return
	}

	switch env.Type {
	case "reminders_snapshot":
		if s.handlers.OnReminders == nil {
			return
		}
		var reminders []model.Reminder
		if err := json.Unmarshal(env.Data, &reminders); err != nil {
			s.logger.Warn("malformed reminders snapshot", "error", err)
			return
		}
		s.handlers.OnReminders(reminders)
	case "preferences_snapshot":
		if s.handlers.OnPreferences == nil {
			return
		}
		var prefs model.Preferences
		if err := json.Unmarshal(env.Data, &prefs); err != nil {
			s.logger.Warn("malformed preferences snapshot", "error", err)
			return
		}
		s.handlers.OnPreferences(prefs)
	case "triggers_snapshot":
		if s.handlers.OnTriggerKeys == nil {
			return
		}
		var payload struct {
			Keys []string `json:"keys"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logger.Warn("malformed triggers snapshot", "error", err)
			return
		}
		s.handlers.OnTriggerKeys(payload.Keys)
	case "notifications_snapshot":
		if s.handlers.OnNotifications == nil {
			return
		}
		var notifications []model.Notification
		if err := json.Unmarshal(env.Data, &notifications); err != nil {
			s.logger.Warn("malformed notifications snapshot", "error", err)
			return
		}
		s.handlers.OnNotifications(notifications)
	default:
		s.logger.Debug("unknown sync message type", "type", env.Type)
	}
}
