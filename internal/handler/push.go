package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/chimeapp/chime/internal/model"
	"github.com/chimeapp/chime/internal/notify"
)

// PushHandler manages the device's Web Push subscription.
type PushHandler struct {
	notifier *notify.WebPushNotifier
	logger   *slog.Logger
}

func NewPushHandler(notifier *notify.WebPushNotifier, logger *slog.Logger) *PushHandler {
	return &PushHandler{notifier: notifier, logger: logger}
}

// GetVAPIDKey returns the public key the service worker subscribes with.
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"public_key": h.notifier.VAPIDPublicKey()})
}

type subscribeRequest struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key"`
	AuthKey   string `json:"auth_key"`
}

// Subscribe installs the device subscription handed over by the service
// worker registration.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid subscription payload", http.StatusBadRequest)
		return
	}
	if req.Endpoint == "" || req.P256dhKey == "" || req.AuthKey == "" {
		http.Error(w, "incomplete subscription", http.StatusBadRequest)
		return
	}

	h.notifier.SetSubscription(&model.PushSubscription{
		Endpoint:  req.Endpoint,
		P256dhKey: req.P256dhKey,
		AuthKey:   req.AuthKey,
		CreatedAt: time.Now(),
	})
	h.logger.Info("push subscription registered")
	w.WriteHeader(http.StatusNoContent)
}

// Unsubscribe drops the device subscription.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.notifier.SetSubscription(nil)
	h.logger.Info("push subscription removed")
	w.WriteHeader(http.StatusNoContent)
}
