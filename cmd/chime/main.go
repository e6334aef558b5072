package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chimeapp/chime/internal/database"
	"github.com/chimeapp/chime/internal/engine"
	"github.com/chimeapp/chime/internal/events"
	"github.com/chimeapp/chime/internal/ledger"
	"github.com/chimeapp/chime/internal/logging"
	"github.com/chimeapp/chime/internal/model"
	"github.com/chimeapp/chime/internal/notify"
	"github.com/chimeapp/chime/internal/policy"
	"github.com/chimeapp/chime/internal/server"
	"github.com/chimeapp/chime/internal/store"
	"github.com/chimeapp/chime/internal/sync"
	ws "github.com/chimeapp/chime/internal/websocket"
)

func main() {
	logger := logging.Setup(os.Getenv("CHIME_LOG_LEVEL"))

	port := os.Getenv("CHIME_PORT")
	if port == "" {
		port = "8080"
	}
	dbPath := os.Getenv("CHIME_DB_PATH")
	if dbPath == "" {
		dbPath = "chime.db"
	}

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reminderStore := store.NewReminderStore(db)
	triggerStore := store.NewTriggerStore(db)
	notificationStore := store.NewNotificationStore(db)

	hub := ws.NewHub(logger.With("component", "websocket"))

	var remote *sync.Client
	if base := os.Getenv("CHIME_SYNC_URL"); base != "" {
		remote = sync.NewClient(sync.ClientConfig{BaseURL: base})
	}

	var remoteSink ledger.RemoteSink
	var remoteWriter notify.RemoteWriter
	if remote != nil {
		remoteSink = remote
		remoteWriter = remote
	}

	led, err := ledger.New(triggerStore, remoteSink, logger.With("component", "ledger"))
	if err != nil {
		log.Fatalf("failed to build trigger ledger: %v", err)
	}

	center := notify.NewCenter(notificationStore, remoteWriter, hub, logger.With("component", "center"))

	var notifier *notify.WebPushNotifier
	pubKey, privKey := os.Getenv("CHIME_VAPID_PUBLIC_KEY"), os.Getenv("CHIME_VAPID_PRIVATE_KEY")
	if pubKey != "" && privKey != "" {
		notifier = notify.NewWebPushNotifier(notify.WebPushConfig{
			VAPIDPublicKey:  pubKey,
			VAPIDPrivateKey: privKey,
			Subscriber:      os.Getenv("CHIME_VAPID_SUBSCRIBER"),
		})
	}

	capability := model.CapabilityStandard
	if os.Getenv("CHIME_INSTALLED") == "true" {
		capability = model.CapabilityInstalled
	}

	browserPermitted := func() bool { return notifier != nil && notifier.HasSubscription() }
	pol := policy.New(policy.Config{
		DailyCap: envInt("CHIME_DAILY_CAP", 0),
		Throttle: envDuration("CHIME_THROTTLE", 0),
	}, capability, led, triggerStore, browserPermitted, logger.With("component", "policy"))

	var browser notify.BrowserNotifier
	if notifier != nil {
		browser = notifier
	} else {
		browser = noopBrowser{}
	}
	dispatcher := notify.NewDispatcher(center, browser, logger.With("component", "dispatcher"))

	source := events.NewCalendarSource(events.Config{
		BaseURL: os.Getenv("CHIME_CALENDAR_URL"),
		Horizon: envDuration("CHIME_CALENDAR_HORIZON", 24*time.Hour),
	})

	eng := engine.New(engine.Config{
		TickInterval: envDuration("CHIME_TICK_INTERVAL", 0),
		DueWindow:    envDuration("CHIME_DUE_WINDOW", 0),
	}, reminderStore, triggerStore, led, pol, dispatcher, center, source, logger.With("component", "engine"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if remote != nil {
		seedFromRemote(ctx, remote, reminderStore, led, pol, logger)
		subURL := os.Getenv("CHIME_SYNC_WS_URL")
		if subURL != "" {
			sub := sync.NewSubscription(subURL, sync.Handlers{
				OnReminders: func(reminders []model.Reminder) {
					if err := reminderStore.ReplaceAll(reminders); err != nil {
						logger.Warn("apply reminders snapshot failed", "error", err)
					}
				},
				OnPreferences: pol.Apply,
				OnTriggerKeys: led.AddRemote,
				OnNotifications: func(ns []model.Notification) {
					if err := center.ApplySnapshot(ns); err != nil {
						logger.Warn("apply notifications snapshot failed", "error", err)
					}
				},
			}, logger.With("component", "subscription"))
			go sub.Run(ctx)
		}
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer eng.Stop()

	srv := server.New(hub, center, notifier, logger)

	// Drop rate limiter state for clients idle longer than an hour.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup(time.Hour)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		fmt.Printf("Chime running at http://localhost:%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}

// seedFromRemote pulls the initial state before the first tick, so a fresh
// device doesn't re-fire triggers other devices already handled.
func seedFromRemote(ctx context.Context, remote *sync.Client, reminders *store.ReminderStore, led *ledger.TriggerLedger, pol *policy.Engine, logger *slog.Logger) {
	seedCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if list, err := remote.FetchReminders(seedCtx); err != nil {
		logger.Warn("initial reminder fetch failed, using cached list", "error", err)
	} else if err := reminders.ReplaceAll(list); err != nil {
		logger.Warn("apply initial reminders failed", "error", err)
	}

	if keys, err := remote.FetchTriggerKeys(seedCtx); err != nil {
		logger.Warn("initial trigger fetch failed, using cached ledger", "error", err)
	} else {
		led.AddRemote(keys)
	}

	if prefs, err := remote.FetchPreferences(seedCtx); err != nil {
		logger.Warn("initial preferences fetch failed, using defaults", "error", err)
	} else {
		pol.Apply(prefs)
	}
}

// noopBrowser stands in when no VAPID keys are configured; policy never
// clears browser dispatches in that case, so Send is unreachable.
type noopBrowser struct{}

func (noopBrowser) Send(_ notify.Payload) error               { return nil }
func (noopBrowser) SetSubscription(_ *model.PushSubscription) {}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
