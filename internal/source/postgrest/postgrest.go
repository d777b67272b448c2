// Package postgrest reads rides, bookings and profiles from a hosted
// PostgREST endpoint (Supabase REST).
package postgrest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/dukerupert/ridealong/internal/model"
)

const (
	rideColumns          = "id,driver_id,origin,destination,departure_time,seats_total,seats_available,cost"
	passengerBookingCols = "ride_id,ride:rides(id,origin,destination,departure_time,cost,driver_id)"
	rideBookingCols      = "pickup_point,dropoff_point,passenger:profiles!bookings_passenger_id_fkey(first_name,last_name)"
	profileColumns       = "id,first_name,last_name,bit_link"
)

type Config struct {
	// BaseURL is the project URL; requests go to BaseURL + "/rest/v1/<table>".
	BaseURL string
	APIKey  string

	RatePerSecond float64
	Burst         int

	// The breaker opens after MaxFailures consecutive failures and probes
	// again after OpenTimeout.
	MaxFailures uint32
	Interval    time.Duration
	OpenTimeout time.Duration

	HTTPClient *http.Client
}

// Client implements reminder.Source.
type Client struct {
	base    string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "postgrest")

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:        "postgrest",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/") + "/rest/v1/",
		apiKey:  cfg.APIKey,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cb:      gobreaker.NewCircuitBreaker(st),
		logger:  logger,
	}
}

// statusError is a non-2xx answer. Only 5xx responses count against the breaker.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("postgrest status %d: %s", e.code, e.body)
}

// get runs one GET against table and decodes the JSON array into dst.
func (c *Client) get(ctx context.Context, table string, q url.Values, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limit: %w", err)
	}

	body, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+table+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, &statusError{code: resp.StatusCode, body: string(data)}
		}
		if resp.StatusCode >= 300 {
			// Client errors do not trip the breaker; they are returned below.
			return &statusError{code: resp.StatusCode, body: string(data)}, nil
		}
		return data, nil
	})
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}

	switch v := body.(type) {
	case *statusError:
		return fmt.Errorf("query %s: %w", table, v)
	case []byte:
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("decode %s: %w", table, err)
		}
		return nil
	}
	return errors.New("unexpected breaker result")
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (c *Client) ListActiveDriverRides(ctx context.Context, userID string, from, to time.Time) ([]model.Ride, error) {
	q := url.Values{}
	q.Set("select", rideColumns)
	q.Set("driver_id", "eq."+userID)
	q.Set("status", "eq.active")
	q.Add("departure_time", "gte."+stamp(from))
	q.Add("departure_time", "lte."+stamp(to))
	q.Set("order", "departure_time.asc")

	var rides []model.Ride
	if err := c.get(ctx, "rides", q, &rides); err != nil {
		return nil, err
	}
	return rides, nil
}

func (c *Client) ListConfirmedBookingsForPassenger(ctx context.Context, userID string) ([]model.PassengerBooking, error) {
	q := url.Values{}
	q.Set("select", passengerBookingCols)
	q.Set("passenger_id", "eq."+userID)
	q.Set("status", "eq.confirmed")

	var bookings []model.PassengerBooking
	if err := c.get(ctx, "bookings", q, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

func (c *Client) ListConfirmedBookingsForRide(ctx context.Context, rideID string) ([]model.RideBooking, error) {
	q := url.Values{}
	q.Set("select", rideBookingCols)
	q.Set("ride_id", "eq."+rideID)
	q.Set("status", "eq.confirmed")

	var bookings []model.RideBooking
	if err := c.get(ctx, "bookings", q, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// GetRide returns nil without error when no ride row matches.
func (c *Client) GetRide(ctx context.Context, rideID string) (*model.Ride, error) {
	q := url.Values{}
	q.Set("select", rideColumns)
	q.Set("id", "eq."+rideID)
	q.Set("limit", "1")

	var rides []model.Ride
	if err := c.get(ctx, "rides", q, &rides); err != nil {
		return nil, err
	}
	if len(rides) == 0 {
		return nil, nil
	}
	return &rides[0], nil
}

// GetProfile returns nil without error when no profile row matches.
func (c *Client) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	q := url.Values{}
	q.Set("select", profileColumns)
	q.Set("id", "eq."+userID)
	q.Set("limit", "1")

	var profiles []model.Profile
	if err := c.get(ctx, "profiles", q, &profiles); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, nil
	}
	return &profiles[0], nil
}
