package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/chimeapp/chime/internal/model"
)

const cacheTTL = 10 * time.Minute

// Source supplies the upcoming instances of recurring series whose
// schedules aren't derivable from a stored rule (release calendars decide
// those dates upstream).
type Source interface {
	Upcoming(ctx context.Context) ([]model.EventInstance, error)
}

// Config holds calendar source configuration from environment variables.
type Config struct {
	BaseURL  string
	Horizon  time.Duration // how far ahead to ask for instances
	CacheTTL time.Duration
}

// CalendarSource fetches upcoming event instances from the calendar API
// and caches them, so every scheduler tick doesn't hit the network.
type CalendarSource struct {
	cfg       Config
	client    *http.Client
	mu        sync.RWMutex
	cached    []model.EventInstance
	lastFetch time.Time
}

// NewCalendarSource creates a calendar source with the given configuration.
func NewCalendarSource(cfg Config) *CalendarSource {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 24 * time.Hour
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cacheTTL
	}
	return &CalendarSource{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Upcoming returns the cached instance list, refreshing it from the API
// when stale. On fetch errors the stale list is returned rather than an
// empty one, so a flaky calendar API doesn't silence series reminders.
func (s *CalendarSource) Upcoming(ctx context.Context) ([]model.EventInstance, error) {
	s.mu.RLock()
	if time.Since(s.lastFetch) < s.cfg.CacheTTL {
		cached := s.cached
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring the write lock.
	if time.Since(s.lastFetch) < s.cfg.CacheTTL {
		return s.cached, nil
	}

	instances, err := s.fetch(ctx)
	if err != nil {
		if s.cached != nil {
			return s.cached, nil
		}
		return nil, err
	}

	s.cached = instances
	s.lastFetch = time.Now()
	return s.cached, nil
}

type apiInstance struct {
	SeriesKey string `json:"series_key"`
	EventKey  string `json:"event_key"`
	StartMs   int64  `json:"start_epoch_ms"`
	Title     string `json:"title"`
	Impact    string `json:"impact"`
}

func (s *CalendarSource) fetch(ctx context.Context) ([]model.EventInstance, error) {
	now := time.Now()
	q := url.Values{}
	q.Set("from", fmt.Sprintf("%d", now.UnixMilli()))
	q.Set("to", fmt.Sprintf("%d", now.Add(s.cfg.Horizon).UnixMilli()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("calendar request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar API returned status %d", resp.StatusCode)
	}

	var raw []apiInstance
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode calendar response: %w", err)
	}

	instances := make([]model.EventInstance, 0, len(raw))
	for _, in := range raw {
		if in.SeriesKey == "" || in.StartMs <= 0 {
			continue
		}
		instances = append(instances, model.EventInstance{
			SeriesKey: in.SeriesKey,
			EventKey:  in.EventKey,
			Start:     time.UnixMilli(in.StartMs),
			Title:     in.Title,
			Impact:    in.Impact,
		})
	}
	return instances, nil
}

// MatchSeries returns the instances belonging to a series reminder that
// fall inside [rangeStart, rangeEnd), in chronological order. Instances
// arrive unsorted from the API.
func MatchSeries(r *model.Reminder, instances []model.EventInstance, rangeStart, rangeEnd time.Time) []time.Time {
	if r.SeriesKey == "" {
		return nil
	}
	var out []time.Time
	for _, in := range instances {
		if in.SeriesKey != r.SeriesKey {
			continue
		}
		if in.Start.Before(rangeStart) || !in.Start.Before(rangeEnd) {
			continue
		}
		out = append(out, in.Start)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
