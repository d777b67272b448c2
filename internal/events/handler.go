// Package events feeds domain events from the ride platform into the
// dispatcher.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/ridealong/internal/dispatch"
)

// Event types accepted on the wire.
const (
	TypeBookingCreated   = "booking.created"
	TypeBookingConfirmed = "booking.confirmed"
	TypeRideUpdated      = "ride.updated"
	TypeRideCancelled    = "ride.cancelled"
	TypeRidePosted       = "ride.posted"
	TypeNotificationSend = "notification.send"
)

// ErrMalformed wraps decoding failures of a known event type.
var ErrMalformed = errors.New("malformed event")

// Envelope is the message body: a type and its JSON payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Handler struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func NewHandler(d *dispatch.Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dispatcher: d, logger: logger.With("component", "events")}
}

// Handle decodes one message and runs the matching dispatcher operation.
// Unknown types are skipped.
func (h *Handler) Handle(ctx context.Context, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var err error
	switch env.Type {
	case TypeBookingCreated:
		var p dispatch.NewPassenger
		if err = decode(env, &p); err == nil {
			_, err = h.dispatcher.NotifyDriverNewPassenger(ctx, p)
		}
	case TypeBookingConfirmed:
		var p dispatch.BookingConfirmed
		if err = decode(env, &p); err == nil {
			_, err = h.dispatcher.NotifyPassengerBookingConfirmed(ctx, p)
		}
	case TypeRideUpdated:
		var p dispatch.RideUpdated
		if err = decode(env, &p); err == nil {
			_, err = h.dispatcher.NotifyRideUpdated(ctx, p)
		}
	case TypeRideCancelled:
		var p dispatch.RideCancelled
		if err = decode(env, &p); err == nil {
			_, err = h.dispatcher.NotifyRideCancelled(ctx, p)
		}
	case TypeRidePosted:
		var p dispatch.RidePosted
		if err = decode(env, &p); err == nil {
			_, err = h.dispatcher.NotifyNewRidePosted(ctx, p)
		}
	case TypeNotificationSend:
		var p dispatch.Event
		if err = decode(env, &p); err == nil {
			_, err = h.dispatcher.Send(ctx, p)
		}
	default:
		h.logger.Info("skipping unknown event", "type", env.Type)
		return nil
	}

	if err != nil {
		return fmt.Errorf("handle %s: %w", env.Type, err)
	}
	return nil
}

func decode(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
