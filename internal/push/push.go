package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/dukerupert/ridealong/internal/model"
)

// ErrExpired is returned when a push subscription is no longer valid (410 Gone).
var ErrExpired = errors.New("push subscription expired")

const defaultTTL = 86400

// Subscriptions is the subscription storage WebPush reads from.
type Subscriptions interface {
	ListByUser(ctx context.Context, userID string) ([]model.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// WebPushConfig holds VAPID configuration.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	// HTTPClient overrides the client used to reach push services.
	HTTPClient *http.Client
}

// WebPush is the background channel: VAPID web push to every subscription
// an identity registered. Notifications show even when no tab is focused.
type WebPush struct {
	subs   Subscriptions
	cfg    WebPushConfig
	logger *slog.Logger
}

func NewWebPush(subs Subscriptions, cfg WebPushConfig, logger *slog.Logger) *WebPush {
	if cfg.Subscriber == "" {
		cfg.Subscriber = "mailto:noreply@ridealong.app"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebPush{subs: subs, cfg: cfg, logger: logger.With("component", "webpush")}
}

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (w *WebPush) VAPIDPublicKey() string {
	return w.cfg.VAPIDPublicKey
}

// Deliver pushes n to every subscription of userID. Expired subscriptions are
// removed. It returns ErrUnavailable when userID has no live subscription.
func (w *WebPush) Deliver(ctx context.Context, userID string, n Notification) error {
	subs, err := w.subs.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return ErrUnavailable
	}

	var lastErr error
	delivered := 0
	for i := range subs {
		err := w.Send(ctx, &subs[i], n)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrExpired):
			if derr := w.subs.DeleteByEndpoint(ctx, subs[i].Endpoint); derr != nil {
				w.logger.Warn("delete expired subscription", "user", userID, "error", derr)
			}
		default:
			w.logger.Debug("push to subscription failed", "user", userID, "subscription", subs[i].ID, "error", err)
			lastErr = err
		}
	}

	if delivered > 0 {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrUnavailable
}

// Send sends a push notification to one subscription.
func (w *WebPush) Send(ctx context.Context, sub *model.PushSubscription, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	opts := &webpush.Options{
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		Subscriber:      w.cfg.Subscriber,
		TTL:             defaultTTL,
	}
	if w.cfg.HTTPClient != nil {
		opts.HTTPClient = w.cfg.HTTPClient
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, opts)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		return ErrExpired
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}

	return nil
}

// GenerateVAPIDKeys generates a new ECDSA P-256 key pair for VAPID.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(key.D.FillBytes(make([]byte, 32)))

	return publicKey, privateKey, nil
}
