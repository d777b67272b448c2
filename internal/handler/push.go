package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/ridealong/internal/auth"
	"github.com/dukerupert/ridealong/internal/model"
	"github.com/dukerupert/ridealong/internal/push"
)

// SubscriptionStore persists browser push subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, userID, endpoint, p256dh, auth, deviceName string) (*model.PushSubscription, error)
	ListByUser(ctx context.Context, userID string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, id int64, userID string) error
}

type PushHandler struct {
	subs     SubscriptionStore
	gateway  *push.Gateway
	vapidKey string
	logger   *slog.Logger
}

// NewPushHandler builds the push API. An empty vapidKey means web push is
// not configured; the foreground channel may still work.
func NewPushHandler(subs SubscriptionStore, gateway *push.Gateway, vapidKey string, logger *slog.Logger) *PushHandler {
	return &PushHandler{subs: subs, gateway: gateway, vapidKey: vapidKey, logger: logger}
}

type subscribeRequest struct {
	Endpoint   string `json:"endpoint"`
	P256dh     string `json:"p256dh"`
	Auth       string `json:"auth"`
	DeviceName string `json:"device_name"`
}

// Subscribe handles POST /api/push/subscribe
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh, and auth are required")
		return
	}

	sub, err := h.subs.CreateSubscription(r.Context(), userID, req.Endpoint, req.P256dh, req.Auth, req.DeviceName)
	if err != nil {
		h.logger.Error("create push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe handles DELETE /api/push/subscriptions/{id}
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.subs.DeleteSubscription(r.Context(), id, auth.UserID(r.Context())); err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListSubscriptions handles GET /api/push/subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.ListByUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// GetVAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidKey == "" {
		writeError(w, http.StatusNotFound, "web push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidKey})
}

func (h *PushHandler) permissionBody(p push.Permission) map[string]any {
	return map[string]any{"permission": p, "supported": h.gateway.IsSupported()}
}

// GetPermission handles GET /api/push/permission
func (h *PushHandler) GetPermission(w http.ResponseWriter, r *http.Request) {
	p := h.gateway.Permission(r.Context(), auth.UserID(r.Context()))
	writeJSON(w, http.StatusOK, h.permissionBody(p))
}

type permissionRequest struct {
	Permission push.Permission `json:"permission"`
}

// RequestPermission handles POST /api/push/permission. The body carries the
// answer the browser's prompt returned.
func (h *PushHandler) RequestPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p := h.gateway.RequestPermission(r.Context(), auth.UserID(r.Context()), push.Answer(req.Permission))
	writeJSON(w, http.StatusOK, h.permissionBody(p))
}

// TestNotification handles POST /api/push/test
func (h *PushHandler) TestNotification(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if p := h.gateway.Permission(r.Context(), userID); p != push.PermissionGranted {
		writeError(w, http.StatusConflict, "notifications are not granted ("+string(p)+")")
		return
	}

	h.gateway.Send(r.Context(), userID, "Test notification", push.Options{
		Body: "Push notifications are working!",
		Tag:  "test",
		URL:  "/notifications",
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}
