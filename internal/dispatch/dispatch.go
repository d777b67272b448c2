// Package dispatch turns domain events into an in-app record plus an
// advisory push notification.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/ridealong/internal/model"
	"github.com/dukerupert/ridealong/internal/push"
)

// ErrInvalidEvent is returned for an event without a recipient or with an
// unknown type.
var ErrInvalidEvent = errors.New("invalid notification event")

// Recorder stores in-app records.
type Recorder interface {
	Add(ctx context.Context, userID string, d model.Draft) model.Record
}

// Pusher delivers advisory push notifications.
type Pusher interface {
	Send(ctx context.Context, userID, title string, opts push.Options)
}

// Event is one notification to deliver to UserID.
type Event struct {
	UserID string                 `json:"userId"`
	Type   model.NotificationType `json:"type"`
	Title  string                 `json:"title"`
	Body   string                 `json:"body"`
	RideID string                 `json:"rideId,omitempty"`
	Meta   map[string]any         `json:"meta,omitempty"`
	// Push defaults to true when nil.
	Push *bool `json:"push,omitempty"`
}

func (e Event) wantsPush() bool {
	return e.Push == nil || *e.Push
}

// Validate reports whether e can be dispatched.
func (e Event) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

type Dispatcher struct {
	records Recorder
	pusher  Pusher
	logger  *slog.Logger
	now     func() time.Time
}

func New(records Recorder, pusher Pusher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		records: records,
		pusher:  pusher,
		logger:  logger.With("component", "dispatcher"),
		now:     time.Now,
	}
}

// Send always writes the record, then pushes unless e.Push is false.
func (d *Dispatcher) Send(ctx context.Context, e Event) (model.Record, error) {
	if err := e.Validate(); err != nil {
		return model.Record{}, err
	}

	rec := d.records.Add(ctx, e.UserID, model.Draft{
		Type:   e.Type,
		Title:  e.Title,
		Body:   e.Body,
		RideID: e.RideID,
		Meta:   e.Meta,
	})

	if e.wantsPush() && d.pusher != nil {
		d.pusher.Send(ctx, e.UserID, e.Title, push.Options{
			Body: e.Body,
			Tag:  d.tag(e),
		})
	}

	d.logger.Debug("notification dispatched", "user", e.UserID, "type", e.Type, "ride", e.RideID)
	return rec, nil
}

// tag collapses pushes about the same ride. Without a ride the tag is
// time-based so unrelated notifications stay separate.
func (d *Dispatcher) tag(e Event) string {
	if e.RideID != "" {
		return string(e.Type) + "_" + e.RideID
	}
	return string(e.Type) + "_" + strconv.FormatInt(d.now().UnixMilli(), 10)
}

// sendAll sends one event per recipient. Each send is independent; every
// failure is joined into the returned error after all recipients were tried.
func (d *Dispatcher) sendAll(ctx context.Context, userIDs []string, build func(userID string) Event) ([]model.Record, error) {
	var (
		out  []model.Record
		errs []error
	)
	for _, id := range userIDs {
		rec, err := d.Send(ctx, build(id))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}
