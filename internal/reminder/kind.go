package reminder

import (
	"time"

	"github.com/dukerupert/ridealong/internal/model"
)

// Kind is one of the three reminders derived from a ride. The persisted
// marker type uses the same values.
type Kind string

const (
	RideReminder     Kind = "ride_reminder"
	DriverPayment    Kind = "driver_payment_reminder"
	PassengerPayment Kind = "passenger_payment_reminder"
)

// Role is whose side of the ride a reminder is for.
type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

func (k Kind) Valid() bool {
	switch k {
	case RideReminder, DriverPayment, PassengerPayment:
		return true
	}
	return false
}

// Offset is when the reminder fires relative to departure.
func (k Kind) Offset() time.Duration {
	if k == RideReminder {
		return -30 * time.Minute
	}
	return 15 * time.Minute
}

func (k Kind) Role() Role {
	if k == PassengerPayment {
		return RolePassenger
	}
	return RoleDriver
}

// RecordType is the type of the in-app record a fire produces.
func (k Kind) RecordType() model.NotificationType {
	if k == RideReminder {
		return model.NotifRideReminder
	}
	return model.NotifPaymentReminder
}

// Tag is the push tag of the fire for rideID.
func (k Kind) Tag(rideID string) string {
	switch k {
	case RideReminder:
		return "ride_reminder_" + rideID
	case DriverPayment:
		return "payment_reminder_driver_" + rideID
	default:
		return "payment_reminder_passenger_" + rideID
	}
}
