package dispatch

import (
	"context"
	"fmt"

	"github.com/dukerupert/ridealong/internal/model"
)

// NewPassenger describes a passenger joining a driver's ride.
type NewPassenger struct {
	DriverID      string `json:"driverId"`
	PassengerName string `json:"passengerName"`
	Origin        string `json:"origin"`
	Destination   string `json:"destination"`
	RideID        string `json:"rideId"`
	PickupPoint   string `json:"pickupPoint,omitempty"`
	DropoffPoint  string `json:"dropoffPoint,omitempty"`
}

// NotifyDriverNewPassenger tells the driver someone joined their ride.
func (d *Dispatcher) NotifyDriverNewPassenger(ctx context.Context, p NewPassenger) (model.Record, error) {
	body := fmt.Sprintf("%s joined your ride %s → %s", p.PassengerName, p.Origin, p.Destination)
	if p.PickupPoint != "" {
		body += "\nPickup point: " + p.PickupPoint
	}
	if p.DropoffPoint != "" {
		body += "\nDrop-off point: " + p.DropoffPoint
	}
	return d.Send(ctx, Event{
		UserID: p.DriverID,
		Type:   model.NotifRideBooked,
		Title:  "🎉 New passenger!",
		Body:   body,
		RideID: p.RideID,
	})
}

// BookingConfirmed describes a passenger's confirmed seat.
type BookingConfirmed struct {
	PassengerID string  `json:"passengerId"`
	DriverName  string  `json:"driverName"`
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	RideID      string  `json:"rideId"`
	Cost        float64 `json:"cost"`
}

// NotifyPassengerBookingConfirmed tells the passenger their booking went through.
func (d *Dispatcher) NotifyPassengerBookingConfirmed(ctx context.Context, b BookingConfirmed) (model.Record, error) {
	return d.Send(ctx, Event{
		UserID: b.PassengerID,
		Type:   model.NotifBookingConfirmed,
		Title:  "✅ Booking confirmed!",
		Body: fmt.Sprintf("You joined %s's ride from %s to %s. Cost: %s",
			b.DriverName, b.Origin, b.Destination, model.FormatCost(b.Cost)),
		RideID: b.RideID,
	})
}

// RideUpdated describes a change to a ride, sent to each booked passenger.
type RideUpdated struct {
	PassengerIDs []string `json:"passengerIds"`
	Origin       string   `json:"origin"`
	Destination  string   `json:"destination"`
	RideID       string   `json:"rideId"`
	Change       string   `json:"change"`
}

// NotifyRideUpdated sends one independent notification per passenger.
func (d *Dispatcher) NotifyRideUpdated(ctx context.Context, u RideUpdated) ([]model.Record, error) {
	body := fmt.Sprintf("The ride %s → %s was updated: %s", u.Origin, u.Destination, u.Change)
	return d.sendAll(ctx, u.PassengerIDs, func(id string) Event {
		return Event{
			UserID: id,
			Type:   model.NotifRideUpdated,
			Title:  "📝 Ride updated",
			Body:   body,
			RideID: u.RideID,
		}
	})
}

// RideCancelled describes a cancelled ride, sent to each booked passenger.
type RideCancelled struct {
	PassengerIDs []string `json:"passengerIds"`
	DriverName   string   `json:"driverName"`
	Origin       string   `json:"origin"`
	Destination  string   `json:"destination"`
	RideID       string   `json:"rideId"`
}

func (d *Dispatcher) NotifyRideCancelled(ctx context.Context, c RideCancelled) ([]model.Record, error) {
	body := fmt.Sprintf("%s's ride from %s to %s was cancelled.", c.DriverName, c.Origin, c.Destination)
	return d.sendAll(ctx, c.PassengerIDs, func(id string) Event {
		return Event{
			UserID: id,
			Type:   model.NotifRideCancelled,
			Title:  "❌ Ride cancelled",
			Body:   body,
			RideID: c.RideID,
		}
	})
}

// RidePosted announces a new ride to interested identities.
type RidePosted struct {
	RecipientIDs []string `json:"recipientIds"`
	DriverName   string   `json:"driverName"`
	Origin       string   `json:"origin"`
	Destination  string   `json:"destination"`
	RideID       string   `json:"rideId"`
	Departure    string   `json:"departure,omitempty"`
}

func (d *Dispatcher) NotifyNewRidePosted(ctx context.Context, p RidePosted) ([]model.Record, error) {
	body := fmt.Sprintf("%s posted a ride from %s to %s", p.DriverName, p.Origin, p.Destination)
	if p.Departure != "" {
		body += " at " + p.Departure
	}
	return d.sendAll(ctx, p.RecipientIDs, func(id string) Event {
		return Event{
			UserID: id,
			Type:   model.NotifNewRidePosted,
			Title:  "🚗 New ride posted",
			Body:   body,
			RideID: p.RideID,
		}
	})
}
