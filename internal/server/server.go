package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/chimeapp/chime/internal/handler"
	"github.com/chimeapp/chime/internal/middleware"
	"github.com/chimeapp/chime/internal/notify"
	ws "github.com/chimeapp/chime/internal/websocket"
)

// Server is the thin HTTP surface the UI talks to: the notification history
// API, push subscription management, and the realtime feed.
type Server struct {
	hub           *ws.Hub
	notificationH *handler.NotificationHandler
	pushH         *handler.PushHandler
	rateLimiter   *middleware.RateLimiter
	logger        *slog.Logger
}

func New(hub *ws.Hub, center *notify.Center, notifier *notify.WebPushNotifier, logger *slog.Logger) *Server {
	var pushH *handler.PushHandler
	if notifier != nil {
		pushH = handler.NewPushHandler(notifier, logger.With("component", "push_handler"))
	}
	return &Server{
		hub:           hub,
		notificationH: handler.NewNotificationHandler(center, logger.With("component", "notification_handler")),
		pushH:         pushH,
		rateLimiter:   middleware.NewRateLimiter(5, 10),
		logger:        logger,
	}
}

// RateLimiter returns the limiter for periodic cleanup.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("GET /api/notifications", s.notificationH.List)
	mux.HandleFunc("GET /api/notifications/unread-count", s.notificationH.UnreadCount)
	mux.Handle("POST /api/notifications/{id}/read", s.rateLimited(s.notificationH.MarkRead))
	mux.Handle("POST /api/notifications/read-all", s.rateLimited(s.notificationH.MarkAllRead))
	mux.Handle("POST /api/notifications/clear", s.rateLimited(s.notificationH.Clear))
	mux.Handle("DELETE /api/notifications/{id}", s.rateLimited(s.notificationH.Delete))

	if s.pushH != nil {
		mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
		mux.Handle("POST /api/push/subscribe", s.rateLimited(s.pushH.Subscribe))
		mux.Handle("DELETE /api/push/subscription", s.rateLimited(s.pushH.Unsubscribe))
	}

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.RealIP)(h)
}
