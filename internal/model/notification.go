package model

import "time"

// NotificationType is the closed set of record kinds shown in the in-app list.
type NotificationType string

const (
	NotifRideBooked       NotificationType = "ride_booked"
	NotifBookingConfirmed NotificationType = "booking_confirmed"
	NotifRideReminder     NotificationType = "ride_reminder"
	NotifPaymentReminder  NotificationType = "payment_reminder"
	NotifRideUpdated      NotificationType = "ride_updated"
	NotifRideCancelled    NotificationType = "ride_cancelled"
	NotifNewRidePosted    NotificationType = "new_ride_posted"
	NotifGeneral          NotificationType = "general"
)

// Valid reports whether t is one of the known notification types.
func (t NotificationType) Valid() bool {
	switch t {
	case NotifRideBooked, NotifBookingConfirmed, NotifRideReminder, NotifPaymentReminder,
		NotifRideUpdated, NotifRideCancelled, NotifNewRidePosted, NotifGeneral:
		return true
	}
	return false
}

// Record is one stored notification. Records for a user are kept newest first.
type Record struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId,omitempty"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Timestamp time.Time        `json:"timestamp"`
	Read      bool             `json:"read"`
	RideID    string           `json:"rideId,omitempty"`
	Meta      map[string]any   `json:"meta,omitempty"`
}

// Draft is the caller-supplied part of a Record; the store fills in the rest.
type Draft struct {
	Type   NotificationType
	Title  string
	Body   string
	RideID string
	Meta   map[string]any
}
