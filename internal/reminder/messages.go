package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dukerupert/ridealong/internal/model"
)

// Source is the external ride/booking collaborator the scheduler polls.
type Source interface {
	// ListActiveDriverRides returns active rides driven by userID departing in [from, to].
	ListActiveDriverRides(ctx context.Context, userID string, from, to time.Time) ([]model.Ride, error)
	// ListConfirmedBookingsForPassenger returns userID's confirmed bookings
	// joined to their rides. Ride may be nil.
	ListConfirmedBookingsForPassenger(ctx context.Context, userID string) ([]model.PassengerBooking, error)
	ListConfirmedBookingsForRide(ctx context.Context, rideID string) ([]model.RideBooking, error)
	// GetProfile returns nil when there is no such profile.
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
}

type message struct {
	title string
	body  string
	meta  map[string]any
}

const (
	rideReminderTitle     = "⏰ Ride reminder"
	driverPaymentTitle    = "💰 Payment reminder"
	passengerPaymentTitle = "💳 Did you pay the driver?"
	defaultDriverName     = "the driver"
)

// shortName renders "First L.".
func shortName(p model.Passenger) string {
	first := strings.TrimSpace(p.FirstName)
	last := strings.TrimSpace(p.LastName)
	if last == "" {
		return first
	}
	r, _ := utf8.DecodeRuneInString(last)
	return first + " " + string(r) + "."
}

// rideReminderMessage builds the driver's pre-departure reminder. known is
// false when the passenger list could not be fetched.
func rideReminderMessage(ride model.Ride, bookings []model.RideBooking, known bool) message {
	body := fmt.Sprintf("🚗 Your ride from %s to %s leaves in 30 minutes!", ride.Origin, ride.Destination)
	if known {
		names := "no passengers"
		if len(bookings) > 0 {
			parts := make([]string, 0, len(bookings))
			for _, b := range bookings {
				parts = append(parts, shortName(b.Passenger))
			}
			names = strings.Join(parts, ", ")
		}
		body += fmt.Sprintf("\n👥 %d passengers: %s", len(bookings), names)
	}
	return message{title: rideReminderTitle, body: body}
}

func driverPaymentMessage(ride model.Ride) message {
	booked := ride.SeatsTotal - ride.SeatsAvailable
	if booked < 0 {
		booked = 0
	}
	total := float64(booked) * ride.Cost
	body := fmt.Sprintf("💰 Your ride from %s to %s has ended.\nYou should receive %s from %d passengers. Check that everyone paid!",
		ride.Origin, ride.Destination, model.FormatCost(total), booked)
	return message{title: driverPaymentTitle, body: body}
}

// passengerPaymentMessage names the driver and carries their payment link in
// meta. A nil driver falls back to a generic name and a null link.
func passengerPaymentMessage(ride model.Ride, driver *model.Profile) message {
	name := defaultDriverName
	var link any
	if driver != nil {
		if n := strings.TrimSpace(driver.FirstName + " " + driver.LastName); n != "" {
			name = n
		}
		if driver.BitLink != "" {
			link = driver.BitLink
		}
	}
	body := fmt.Sprintf("💳 Don't forget to pay %s to %s for the ride from %s to %s",
		model.FormatCost(ride.Cost), name, ride.Origin, ride.Destination)
	return message{title: passengerPaymentTitle, body: body, meta: map[string]any{"bitLink": link}}
}
