package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dukerupert/ridealong/internal/model"
)

// departureLayout is fixed width so departure_time sorts lexically in time order.
const departureLayout = "2006-01-02T15:04:05.000Z"

func formatDeparture(t time.Time) string {
	return t.UTC().Format(departureLayout)
}

func parseDeparture(s string) (time.Time, error) {
	t, err := time.Parse(departureLayout, s)
	if err != nil {
		// Rows written by other tools may use plain RFC3339.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// RideStore is a local ride/booking/profile source backed by the same SQLite
// database as the rest of the engine. It serves development setups and
// self-hosted deployments that keep ride data next to the notifications.
type RideStore struct {
	db *sqlx.DB
}

func NewRideStore(db *sql.DB) *RideStore {
	return &RideStore{db: sqlx.NewDb(db, "sqlite")}
}

type rideRow struct {
	ID             string  `db:"id"`
	DriverID       string  `db:"driver_id"`
	Origin         string  `db:"origin"`
	Destination    string  `db:"destination"`
	DepartureTime  string  `db:"departure_time"`
	SeatsTotal     int     `db:"seats_total"`
	SeatsAvailable int     `db:"seats_available"`
	Cost           float64 `db:"cost"`
}

func (r rideRow) toModel() (model.Ride, error) {
	dep, err := parseDeparture(r.DepartureTime)
	if err != nil {
		return model.Ride{}, fmt.Errorf("parse departure of ride %s: %w", r.ID, err)
	}
	return model.Ride{
		ID:             r.ID,
		DriverID:       r.DriverID,
		Origin:         r.Origin,
		Destination:    r.Destination,
		DepartureTime:  dep,
		SeatsTotal:     r.SeatsTotal,
		SeatsAvailable: r.SeatsAvailable,
		Cost:           r.Cost,
	}, nil
}

// ListActiveDriverRides returns active rides driven by userID departing within [from, to].
func (s *RideStore) ListActiveDriverRides(ctx context.Context, userID string, from, to time.Time) ([]model.Ride, error) {
	var rows []rideRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, driver_id, origin, destination, departure_time, seats_total, seats_available, cost
		 FROM rides
		 WHERE driver_id = ? AND status = 'active' AND departure_time >= ? AND departure_time <= ?
		 ORDER BY departure_time`,
		userID, formatDeparture(from), formatDeparture(to),
	)
	if err != nil {
		return nil, fmt.Errorf("list driver rides: %w", err)
	}

	rides := make([]model.Ride, 0, len(rows))
	for _, r := range rows {
		ride, err := r.toModel()
		if err != nil {
			return nil, err
		}
		rides = append(rides, ride)
	}
	return rides, nil
}

// GetRide returns rideID whatever its status, or nil if there is none.
func (s *RideStore) GetRide(ctx context.Context, rideID string) (*model.Ride, error) {
	var row rideRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, driver_id, origin, destination, departure_time, seats_total, seats_available, cost
		 FROM rides WHERE id = ?`,
		rideID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ride: %w", err)
	}
	ride, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

type passengerBookingRow struct {
	BookingRideID string   `db:"booking_ride_id"`
	ID            *string  `db:"id"`
	DriverID      *string  `db:"driver_id"`
	Origin        *string  `db:"origin"`
	Destination   *string  `db:"destination"`
	DepartureTime *string  `db:"departure_time"`
	Cost          *float64 `db:"cost"`
}

// ListConfirmedBookingsForPassenger returns userID's confirmed bookings joined
// to their rides. A booking whose ride row is missing has a nil Ride.
func (s *RideStore) ListConfirmedBookingsForPassenger(ctx context.Context, userID string) ([]model.PassengerBooking, error) {
	var rows []passengerBookingRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT b.ride_id AS booking_ride_id, r.id, r.driver_id, r.origin, r.destination, r.departure_time, r.cost
		 FROM bookings b
		 LEFT JOIN rides r ON r.id = b.ride_id
		 WHERE b.passenger_id = ? AND b.status = 'confirmed'
		 ORDER BY b.rowid`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list passenger bookings: %w", err)
	}

	bookings := make([]model.PassengerBooking, 0, len(rows))
	for _, r := range rows {
		b := model.PassengerBooking{RideID: r.BookingRideID}
		if r.ID != nil && r.DepartureTime != nil {
			dep, err := parseDeparture(*r.DepartureTime)
			if err != nil {
				return nil, fmt.Errorf("parse departure of ride %s: %w", *r.ID, err)
			}
			b.Ride = &model.Ride{
				ID:            *r.ID,
				DriverID:      deref(r.DriverID),
				Origin:        deref(r.Origin),
				Destination:   deref(r.Destination),
				DepartureTime: dep,
			}
			if r.Cost != nil {
				b.Ride.Cost = *r.Cost
			}
		}
		bookings = append(bookings, b)
	}
	return bookings, nil
}

type rideBookingRow struct {
	PickupPoint  string `db:"pickup_point"`
	DropoffPoint string `db:"dropoff_point"`
	FirstName    string `db:"first_name"`
	LastName     string `db:"last_name"`
}

// ListConfirmedBookingsForRide returns the confirmed bookings on rideID with
// passenger names, in booking order.
func (s *RideStore) ListConfirmedBookingsForRide(ctx context.Context, rideID string) ([]model.RideBooking, error) {
	var rows []rideBookingRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT b.pickup_point, b.dropoff_point, p.first_name, p.last_name
		 FROM bookings b
		 JOIN profiles p ON p.id = b.passenger_id
		 WHERE b.ride_id = ? AND b.status = 'confirmed'
		 ORDER BY b.rowid`,
		rideID,
	)
	if err != nil {
		return nil, fmt.Errorf("list ride bookings: %w", err)
	}

	bookings := make([]model.RideBooking, 0, len(rows))
	for _, r := range rows {
		bookings = append(bookings, model.RideBooking{
			PickupPoint:  r.PickupPoint,
			DropoffPoint: r.DropoffPoint,
			Passenger:    model.Passenger{FirstName: r.FirstName, LastName: r.LastName},
		})
	}
	return bookings, nil
}

// GetProfile returns the profile for userID, or nil if there is none.
func (s *RideStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	err := s.db.GetContext(ctx, &p, `SELECT id, first_name, last_name, bit_link FROM profiles WHERE id = ?`, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// UpsertProfile creates or replaces a profile.
func (s *RideStore) UpsertProfile(ctx context.Context, p model.Profile) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO profiles (id, first_name, last_name, bit_link)
		 VALUES (:id, :first_name, :last_name, :bit_link)
		 ON CONFLICT(id) DO UPDATE SET first_name = excluded.first_name,
		 last_name = excluded.last_name, bit_link = excluded.bit_link`,
		p,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// CreateRide inserts an active ride. An empty ID is replaced with a new UUID.
func (s *RideStore) CreateRide(ctx context.Context, r model.Ride) (model.Ride, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rides (id, driver_id, origin, destination, departure_time, seats_total, seats_available, cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DriverID, r.Origin, r.Destination, formatDeparture(r.DepartureTime), r.SeatsTotal, r.SeatsAvailable, r.Cost,
	)
	if err != nil {
		return model.Ride{}, fmt.Errorf("create ride: %w", err)
	}
	return r, nil
}

// SetRideStatus changes a ride's status ("active", "cancelled", ...).
func (s *RideStore) SetRideStatus(ctx context.Context, rideID, status string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE rides SET status = ? WHERE id = ?`, status, rideID); err != nil {
		return fmt.Errorf("set ride status: %w", err)
	}
	return nil
}

// CreateBooking books passengerID onto rideID with the given status.
func (s *RideStore) CreateBooking(ctx context.Context, rideID, passengerID, status, pickup, dropoff string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bookings (id, ride_id, passenger_id, status, pickup_point, dropoff_point)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, rideID, passengerID, status, pickup, dropoff,
	)
	if err != nil {
		return "", fmt.Errorf("create booking: %w", err)
	}
	return id, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
