package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/chimeapp/chime/internal/notify"
)

const defaultListLimit = 50

// NotificationHandler exposes the notification history to the UI.
type NotificationHandler struct {
	center *notify.Center
	logger *slog.Logger
}

func NewNotificationHandler(center *notify.Center, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{center: center, logger: logger}
}

// List returns the history, newest first. Accepts an optional ?limit=.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := h.center.List(limit)
	if err != nil {
		h.logger.Error("list notifications", "error", err)
		http.Error(w, "failed to list notifications", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"notifications": list})
}

// UnreadCount returns the number of unread notifications.
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.center.UnreadCount()
	if err != nil {
		h.logger.Error("unread count", "error", err)
		http.Error(w, "failed to count notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"unread": count})
}

// MarkRead acknowledges one notification.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing notification id", http.StatusBadRequest)
		return
	}
	if err := h.center.MarkRead(r.Context(), id); err != nil {
		h.logger.Error("mark read", "id", id, "error", err)
		http.Error(w, "failed to mark read", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead acknowledges the whole history.
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := h.center.MarkAllRead(r.Context()); err != nil {
		h.logger.Error("mark all read", "error", err)
		http.Error(w, "failed to mark all read", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes one notification from the history.
func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing notification id", http.StatusBadRequest)
		return
	}
	if err := h.center.Delete(r.Context(), id); err != nil {
		h.logger.Error("delete notification", "id", id, "error", err)
		http.Error(w, "failed to delete notification", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear empties the history.
func (h *NotificationHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.center.Clear(r.Context()); err != nil {
		h.logger.Error("clear notifications", "error", err)
		http.Error(w, "failed to clear notifications", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
