package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/ridealong/internal/auth"
	"github.com/dukerupert/ridealong/internal/model"
)

// NotificationStore is the per-identity record store behind the API.
type NotificationStore interface {
	GetAll(ctx context.Context, userID string) []model.Record
	UnreadCount(ctx context.Context, userID string) int
	MarkRead(ctx context.Context, userID, id string)
	MarkAllRead(ctx context.Context, userID string)
	Remove(ctx context.Context, userID, id string)
	ClearAll(ctx context.Context, userID string)
}

type NotificationHandler struct {
	store  NotificationStore
	logger *slog.Logger
}

func NewNotificationHandler(store NotificationStore, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{store: store, logger: logger}
}

// List handles GET /api/notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	records := h.store.GetAll(r.Context(), auth.UserID(r.Context()))
	if records == nil {
		records = []model.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// UnreadCount handles GET /api/notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n := h.store.UnreadCount(r.Context(), auth.UserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

// MarkRead handles POST /api/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	h.store.MarkRead(r.Context(), auth.UserID(r.Context()), id)
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead handles POST /api/notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	h.store.MarkAllRead(r.Context(), auth.UserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// Remove handles DELETE /api/notifications/{id}
func (h *NotificationHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	h.store.Remove(r.Context(), auth.UserID(r.Context()), id)
	w.WriteHeader(http.StatusNoContent)
}

// ClearAll handles DELETE /api/notifications
func (h *NotificationHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.store.ClearAll(r.Context(), auth.UserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
