package model

import (
	"strconv"
	"time"
)

// Ride is a driver-owned ride as returned by the ride source.
type Ride struct {
	ID             string    `json:"id"`
	DriverID       string    `json:"driver_id,omitempty"`
	Origin         string    `json:"origin"`
	Destination    string    `json:"destination"`
	DepartureTime  time.Time `json:"departure_time"`
	SeatsTotal     int       `json:"seats_total"`
	SeatsAvailable int       `json:"seats_available"`
	Cost           float64   `json:"cost"`
}

// PassengerBooking is a confirmed booking of the current passenger joined to
// its ride. Ride is nil when the join found nothing.
type PassengerBooking struct {
	RideID string `json:"ride_id"`
	Ride   *Ride  `json:"ride"`
}

// RideBooking is a confirmed booking on a ride, seen from the driver's side.
type RideBooking struct {
	PickupPoint  string    `json:"pickup_point,omitempty"`
	DropoffPoint string    `json:"dropoff_point,omitempty"`
	Passenger    Passenger `json:"passenger"`
}

type Passenger struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type Profile struct {
	ID        string `json:"id,omitempty" db:"id"`
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`
	BitLink   string `json:"bit_link,omitempty" db:"bit_link"`
}

// FormatCost renders an amount in shekels, without trailing zeros.
func FormatCost(amount float64) string {
	return "₪" + strconv.FormatFloat(amount, 'f', -1, 64)
}
