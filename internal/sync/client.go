package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/chimeapp/chime/internal/model"
)

// Client talks to the remote sync service: the per-user mirror of reminders,
// fired triggers, and notification history. Writes are rate limited so a
// burst of trigger batches cannot flood the service.
type Client struct {
	baseURL  string
	deviceID string
	http     *http.Client
	limiter  *rate.Limiter
}

// ClientConfig holds remote sync connection settings.
type ClientConfig struct {
	BaseURL string
	// WritesPerSecond bounds mutation calls. Zero means 5/s with burst 10.
	WritesPerSecond float64
	Timeout         time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.WritesPerSecond <= 0 {
		cfg.WritesPerSecond = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		deviceID: uuid.NewString(),
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), 10),
	}
}

// DeviceID returns the per-session identity sent with every write.
func (c *Client) DeviceID() string {
	return c.deviceID
}

type triggerBatch struct {
	DeviceID string               `json:"device_id"`
	Triggers []model.FiredTrigger `json:"triggers"`
}

// PushTriggers mirrors a batch of fired-trigger entries. The service keys
// entries by trigger key, so replaying a batch is harmless.
func (c *Client) PushTriggers(ctx context.Context, batch []model.FiredTrigger) error {
	if len(batch) == 0 {
		return nil
	}
	return c.write(ctx, http.MethodPost, "/v1/triggers", triggerBatch{DeviceID: c.deviceID, Triggers: batch}, nil)
}

// FetchTriggerKeys returns every fired key the mirror knows about.
func (c *Client) FetchTriggerKeys(ctx context.Context) ([]string, error) {
	var out struct {
		Keys []string `json:"keys"`
	}
	if err := c.read(ctx, "/v1/triggers/keys", &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// CreateNotification writes a history entry, keyed by notification id. A
// retried create overwrites the same entry.
func (c *Client) CreateNotification(ctx context.Context, n *model.Notification) error {
	return c.write(ctx, http.MethodPut, "/v1/notifications/"+n.ID, n, nil)
}

// UpdateNotification mirrors a read/deleted state change.
func (c *Client) UpdateNotification(ctx context.Context, n *model.Notification) error {
	return c.write(ctx, http.MethodPatch, "/v1/notifications/"+n.ID, n, nil)
}

// FetchNotifications returns the full remote history snapshot.
func (c *Client) FetchNotifications(ctx context.Context) ([]model.Notification, error) {
	var out struct {
		Notifications []model.Notification `json:"notifications"`
	}
	if err := c.read(ctx, "/v1/notifications", &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

// FetchReminders returns the user's full reminder list.
func (c *Client) FetchReminders(ctx context.Context) ([]model.Reminder, error) {
	var out struct {
		Reminders []model.Reminder `json:"reminders"`
	}
	if err := c.read(ctx, "/v1/reminders", &out); err != nil {
		return nil, err
	}
	return out.Reminders, nil
}

// FetchPreferences returns the user's notification preferences.
func (c *Client) FetchPreferences(ctx context.Context) (model.Preferences, error) {
	var out model.Preferences
	if err := c.read(ctx, "/v1/preferences", &out); err != nil {
		return model.Preferences{}, err
	}
	return out, nil
}

func (c *Client) write(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sync write limiter: %w", err)
	}
	return c.do(ctx, method, path, body, out)
}

func (c *Client) read(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: sync service returned %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}
