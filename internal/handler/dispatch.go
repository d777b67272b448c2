package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukerupert/ridealong/internal/auth"
	"github.com/dukerupert/ridealong/internal/dispatch"
	"github.com/dukerupert/ridealong/internal/model"
)

// errForbidden marks a dispatch the caller is not allowed to make.
var errForbidden = errors.New("forbidden")

// RideLookup resolves the ride a dispatch refers to. GetRide returns nil
// without error when there is no such ride.
type RideLookup interface {
	GetRide(ctx context.Context, rideID string) (*model.Ride, error)
}

// DispatchHandler exposes the dispatcher to authenticated callers. Each
// endpoint only lets the caller send what its role in the ride allows:
// raw events go to the caller only, ride announcements come from the ride's
// driver, and a new-passenger notice goes to the ride's real driver.
type DispatchHandler struct {
	dispatcher *dispatch.Dispatcher
	rides      RideLookup
	logger     *slog.Logger
}

// NewDispatchHandler builds the handler. With a nil rides lookup every
// ride-scoped endpoint is refused.
func NewDispatchHandler(d *dispatch.Dispatcher, rides RideLookup, logger *slog.Logger) *DispatchHandler {
	return &DispatchHandler{dispatcher: d, rides: rides, logger: logger}
}

// Send handles POST /api/dispatch
func (h *DispatchHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Event
	single(h, w, r, &req, func(_ context.Context, caller string) error {
		if req.UserID == "" {
			req.UserID = caller
		}
		if req.UserID != caller {
			return fmt.Errorf("%w: raw events may only target the caller", errForbidden)
		}
		return nil
	}, func(ctx context.Context) (model.Record, error) {
		return h.dispatcher.Send(ctx, req)
	})
}

// NewPassenger handles POST /api/dispatch/new-passenger
func (h *DispatchHandler) NewPassenger(w http.ResponseWriter, r *http.Request) {
	var req dispatch.NewPassenger
	single(h, w, r, &req, func(ctx context.Context, caller string) error {
		if req.DriverID == caller {
			return fmt.Errorf("%w: a driver cannot join their own ride", errForbidden)
		}
		driver, err := h.rideDriver(ctx, req.RideID)
		if err != nil {
			return err
		}
		if driver != req.DriverID {
			return fmt.Errorf("%w: %s does not drive ride %s", errForbidden, req.DriverID, req.RideID)
		}
		return nil
	}, func(ctx context.Context) (model.Record, error) {
		return h.dispatcher.NotifyDriverNewPassenger(ctx, req)
	})
}

// BookingConfirmed handles POST /api/dispatch/booking-confirmed
func (h *DispatchHandler) BookingConfirmed(w http.ResponseWriter, r *http.Request) {
	var req dispatch.BookingConfirmed
	single(h, w, r, &req, func(_ context.Context, caller string) error {
		if req.PassengerID != caller {
			return fmt.Errorf("%w: booking confirmations go to the booking passenger", errForbidden)
		}
		return nil
	}, func(ctx context.Context) (model.Record, error) {
		return h.dispatcher.NotifyPassengerBookingConfirmed(ctx, req)
	})
}

// RideUpdated handles POST /api/dispatch/ride-updated
func (h *DispatchHandler) RideUpdated(w http.ResponseWriter, r *http.Request) {
	var req dispatch.RideUpdated
	many(h, w, r, &req, func(ctx context.Context, caller string) error {
		return h.requireDriver(ctx, req.RideID, caller)
	}, func(ctx context.Context) ([]model.Record, error) {
		return h.dispatcher.NotifyRideUpdated(ctx, req)
	})
}

// RideCancelled handles POST /api/dispatch/ride-cancelled
func (h *DispatchHandler) RideCancelled(w http.ResponseWriter, r *http.Request) {
	var req dispatch.RideCancelled
	many(h, w, r, &req, func(ctx context.Context, caller string) error {
		return h.requireDriver(ctx, req.RideID, caller)
	}, func(ctx context.Context) ([]model.Record, error) {
		return h.dispatcher.NotifyRideCancelled(ctx, req)
	})
}

// RidePosted handles POST /api/dispatch/ride-posted
func (h *DispatchHandler) RidePosted(w http.ResponseWriter, r *http.Request) {
	var req dispatch.RidePosted
	many(h, w, r, &req, func(ctx context.Context, caller string) error {
		return h.requireDriver(ctx, req.RideID, caller)
	}, func(ctx context.Context) ([]model.Record, error) {
		return h.dispatcher.NotifyNewRidePosted(ctx, req)
	})
}

func (h *DispatchHandler) requireDriver(ctx context.Context, rideID, caller string) error {
	driver, err := h.rideDriver(ctx, rideID)
	if err != nil {
		return err
	}
	if driver != caller {
		return fmt.Errorf("%w: only the driver of ride %s may notify its passengers", errForbidden, rideID)
	}
	return nil
}

func (h *DispatchHandler) rideDriver(ctx context.Context, rideID string) (string, error) {
	if h.rides == nil || rideID == "" {
		return "", fmt.Errorf("%w: ride ownership cannot be verified", errForbidden)
	}
	ride, err := h.rides.GetRide(ctx, rideID)
	if err != nil {
		return "", fmt.Errorf("look up ride %s: %w", rideID, err)
	}
	if ride == nil {
		return "", fmt.Errorf("%w: unknown ride %s", errForbidden, rideID)
	}
	return ride.DriverID, nil
}

type checkFunc func(ctx context.Context, caller string) error

func single(h *DispatchHandler, w http.ResponseWriter, r *http.Request, req any, check checkFunc, run func(context.Context) (model.Record, error)) {
	if err := decodeJSON(w, r, req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !h.authorize(w, r, check) {
		return
	}
	rec, err := run(r.Context())
	h.respond(w, r.URL.Path, []model.Record{rec}, err, false)
}

func many(h *DispatchHandler, w http.ResponseWriter, r *http.Request, req any, check checkFunc, run func(context.Context) ([]model.Record, error)) {
	if err := decodeJSON(w, r, req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !h.authorize(w, r, check) {
		return
	}
	recs, err := run(r.Context())
	h.respond(w, r.URL.Path, recs, err, true)
}

func (h *DispatchHandler) authorize(w http.ResponseWriter, r *http.Request, check checkFunc) bool {
	caller := auth.UserID(r.Context())
	err := check(r.Context(), caller)
	if err == nil {
		return true
	}
	if errors.Is(err, errForbidden) {
		h.logger.Info("dispatch refused", "op", r.URL.Path, "user", caller, "reason", err)
		writeError(w, http.StatusForbidden, err.Error())
		return false
	}
	h.logger.Error("dispatch check", "op", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "dispatch failed")
	return false
}

// respond writes the created records. In a fan-out an invalid recipient
// does not undo the others, so partial results are still 201 with errors listed.
func (h *DispatchHandler) respond(w http.ResponseWriter, op string, recs []model.Record, err error, fanOut bool) {
	if err != nil && (!fanOut || len(recs) == 0) {
		if errors.Is(err, dispatch.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("dispatch", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}

	if !fanOut {
		writeJSON(w, http.StatusCreated, recs[0])
		return
	}
	body := map[string]any{"records": recs}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, body)
}
