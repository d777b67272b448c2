// Package reminder arms time-relative reminders derived from ride data.
//
// A Scheduler runs for one identity. It polls the ride Source, arms one-shot
// timers for the ride reminder (30 minutes before departure) and the payment
// reminders (15 minutes after departure), and persists a Marker per armed
// reminder so neither a second pass nor a restart arms it again. Delivered
// reminders go into a persisted sent log, so no scheduler sharing the same
// storage delivers one twice.
package reminder

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dukerupert/ridealong/internal/model"
	"github.com/dukerupert/ridealong/internal/push"
)

const (
	// MinIdentityLength guards against empty or placeholder identities.
	MinIdentityLength = 10

	DefaultPollInterval = 60 * time.Second
	DefaultLookahead    = 2 * time.Hour
	DefaultFetchTimeout = 30 * time.Second

	sentRetention = 24 * time.Hour
)

// ValidIdentity reports whether userID may run a scheduler.
func ValidIdentity(userID string) bool {
	return len(strings.TrimSpace(userID)) >= MinIdentityLength
}

// Recorder stores in-app records.
type Recorder interface {
	Add(ctx context.Context, userID string, d model.Draft) model.Record
}

// Pusher delivers advisory push notifications.
type Pusher interface {
	Send(ctx context.Context, userID, title string, opts push.Options)
}

type Config struct {
	PollInterval time.Duration
	Lookahead    time.Duration
	FetchTimeout time.Duration
	Clock        clockwork.Clock
}

type Scheduler struct {
	source       Source
	records      Recorder
	pusher       Pusher
	markers      *MarkerStore
	logger       *slog.Logger
	clock        clockwork.Clock
	interval     time.Duration
	lookahead    time.Duration
	fetchTimeout time.Duration

	mu      sync.Mutex
	userID  string
	running bool
	// gen changes on every Start and Stop. Work started under an older gen
	// is abandoned.
	gen    uint64
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
	timers map[Key]clockwork.Timer
	// adopted holds markers left by an earlier run whose fire time is still
	// ahead. The next pass re-arms them without writing a second marker.
	adopted map[Key]time.Time

	passes atomic.Int64
}

func New(source Source, records Recorder, pusher Pusher, markers *MarkerStore, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source:       source,
		records:      records,
		pusher:       pusher,
		markers:      markers,
		logger:       logger.With("component", "reminder_scheduler"),
		clock:        cfg.Clock,
		interval:     cfg.PollInterval,
		lookahead:    cfg.Lookahead,
		fetchTimeout: cfg.FetchTimeout,
		timers:       make(map[Key]clockwork.Timer),
		adopted:      make(map[Key]time.Time),
	}
}

// Start runs the scheduler for userID until Stop or ctx is cancelled. It
// returns at once; the first pass runs in the background, followed by one
// pass per poll interval. An invalid identity is ignored. Starting for a
// different identity stops the current run first.
func (s *Scheduler) Start(ctx context.Context, userID string) {
	if !ValidIdentity(userID) {
		s.logger.Debug("ignoring start for invalid identity", "user", userID)
		return
	}

	s.mu.Lock()
	if s.running && s.userID == userID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Stop()

	s.mu.Lock()
	s.running = true
	s.userID = userID
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.reconcile(runCtx, userID)
	s.mu.Unlock()

	s.logger.Info("scheduler started", "user", userID)
	go s.run(runCtx, gen, done)
}

// Stop cancels the poll loop and every armed timer. Markers stay in storage.
// Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	userID := s.userID
	s.running = false
	s.userID = ""
	s.gen++
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	clear(s.adopted)
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped", "user", userID)
}

// Running reports whether the scheduler has an active identity.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Armed returns the keys of all live timers in a stable order.
func (s *Scheduler) Armed() []Key {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.timers))
	for k := range s.timers {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RideID != keys[j].RideID {
			return keys[i].RideID < keys[j].RideID
		}
		return keys[i].Kind < keys[j].Kind
	})
	return keys
}

// ScheduleUpcomingRides runs one poll-and-arm pass for the current identity.
// It does nothing while stopped.
func (s *Scheduler) ScheduleUpcomingRides(ctx context.Context) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.pass(ctx, gen)
}

func (s *Scheduler) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	s.pass(ctx, gen)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.pass(ctx, gen)
		}
	}
}

// current returns the identity if gen is still the live run.
func (s *Scheduler) current(gen uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.gen != gen || !ValidIdentity(s.userID) {
		return "", false
	}
	return s.userID, true
}

type dueNow struct {
	key  Key
	ride model.Ride
}

func (s *Scheduler) pass(ctx context.Context, gen uint64) {
	defer s.passes.Add(1)

	userID, ok := s.current(gen)
	if !ok {
		return
	}

	now := s.clock.Now()
	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	rides, err := s.source.ListActiveDriverRides(fctx, userID, now, now.Add(s.lookahead))
	if err != nil {
		s.logger.Warn("fetch driver rides", "user", userID, "error", err)
		rides = nil
	}
	bookings, err := s.source.ListConfirmedBookingsForPassenger(fctx, userID)
	if err != nil {
		s.logger.Warn("fetch passenger bookings", "user", userID, "error", err)
		bookings = nil
	}

	var due []dueNow
	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.prune(ctx, now)
	for _, ride := range rides {
		for _, kind := range []Kind{RideReminder, DriverPayment} {
			if s.arm(ctx, gen, userID, kind, ride, now) {
				due = append(due, dueNow{key: Key{UserID: userID, RideID: ride.ID, Kind: kind}, ride: ride})
			}
		}
	}
	for _, b := range bookings {
		if b.Ride == nil {
			continue
		}
		ride := *b.Ride
		if ride.ID == "" {
			ride.ID = b.RideID
		}
		if s.arm(ctx, gen, userID, PassengerPayment, ride, now) {
			due = append(due, dueNow{key: Key{UserID: userID, RideID: ride.ID, Kind: PassengerPayment}, ride: ride})
		}
	}
	s.mu.Unlock()

	for _, d := range due {
		s.fire(ctx, gen, d.key, d.ride)
	}
}

// arm applies the arming rule for one (ride, kind). It reports whether the
// reminder is due immediately. s.mu must be held.
func (s *Scheduler) arm(ctx context.Context, gen uint64, userID string, kind Kind, ride model.Ride, now time.Time) bool {
	if ride.ID == "" {
		return false
	}
	key := Key{UserID: userID, RideID: ride.ID, Kind: kind}
	if _, ok := s.timers[key]; ok {
		return false
	}
	_, adopted := s.adopted[key]
	if s.markers.WasSent(ctx, key) {
		if adopted {
			delete(s.adopted, key)
			s.markers.Remove(ctx, key)
		}
		return false
	}
	if !adopted && s.markers.Has(ctx, key) {
		return false
	}

	fireAt := ride.DepartureTime.Add(kind.Offset())
	if !fireAt.After(now) {
		if adopted {
			delete(s.adopted, key)
			s.markers.Remove(ctx, key)
		}
		// Opening between T-30 and departure still gets the ride reminder.
		// Payment reminders are never sent after the fact.
		if kind == RideReminder && now.Before(ride.DepartureTime) {
			return true
		}
		return false
	}

	m := Marker{RideID: ride.ID, Type: kind, FireAt: fireAt, UserID: userID}
	if adopted {
		delete(s.adopted, key)
		s.markers.Put(ctx, m)
	} else if !s.markers.Insert(ctx, m) {
		return false
	}

	runCtx := s.runCtx
	s.timers[key] = s.clock.AfterFunc(fireAt.Sub(now), func() {
		s.fire(runCtx, gen, key, ride)
	})
	s.logger.Debug("reminder armed", "user", userID, "ride", ride.ID, "kind", kind, "fire_at", fireAt)
	return false
}

// reconcile adopts or prunes markers a previous run left behind. s.mu must
// be held.
func (s *Scheduler) reconcile(ctx context.Context, userID string) {
	now := s.clock.Now()
	for _, m := range s.markers.ForUser(ctx, userID) {
		k := m.Key()
		if _, live := s.timers[k]; live {
			continue
		}
		if !m.FireAt.After(now) {
			s.markers.Remove(ctx, k)
			continue
		}
		s.adopted[k] = m.FireAt
	}
}

// prune drops sent entries past retention and adopted markers whose fire
// time passed without their ride showing up again. s.mu must be held.
func (s *Scheduler) prune(ctx context.Context, now time.Time) {
	s.markers.PruneSent(ctx, now.Add(-sentRetention))
	for k, at := range s.adopted {
		if !at.After(now) {
			delete(s.adopted, k)
			s.markers.Remove(ctx, k)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, gen uint64, key Key, ride model.Ride) {
	if _, ok := s.current(gen); !ok {
		return
	}

	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	var msg message
	switch key.Kind {
	case RideReminder:
		bookings, err := s.source.ListConfirmedBookingsForRide(fctx, ride.ID)
		if err != nil {
			s.logger.Warn("fetch ride bookings", "ride", ride.ID, "error", err)
		}
		msg = rideReminderMessage(ride, bookings, err == nil)
	case DriverPayment:
		msg = driverPaymentMessage(ride)
	case PassengerPayment:
		var driver *model.Profile
		if ride.DriverID != "" {
			p, err := s.source.GetProfile(fctx, ride.DriverID)
			if err != nil {
				s.logger.Warn("fetch driver profile", "ride", ride.ID, "error", err)
			} else {
				driver = p
			}
		}
		msg = passengerPaymentMessage(ride, driver)
	default:
		return
	}

	// A Stop during the fetch abandons delivery. The marker stays for the
	// next Start to reconcile.
	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("scheduler stopped before reminder delivery", "ride", ride.ID, "kind", key.Kind)
		return
	}
	delete(s.timers, key)
	dctx := context.WithoutCancel(ctx)
	claimed := s.markers.MarkSent(dctx, key, s.clock.Now())
	s.mu.Unlock()

	if !claimed {
		s.markers.Remove(dctx, key)
		s.logger.Debug("reminder already delivered", "user", key.UserID, "ride", ride.ID, "kind", key.Kind)
		return
	}

	s.records.Add(dctx, key.UserID, model.Draft{
		Type:   key.Kind.RecordType(),
		Title:  msg.title,
		Body:   msg.body,
		RideID: ride.ID,
		Meta:   msg.meta,
	})
	if s.pusher != nil {
		s.pusher.Send(dctx, key.UserID, msg.title, push.Options{Body: msg.body, Tag: key.Kind.Tag(ride.ID)})
	}
	s.markers.Remove(dctx, key)

	s.logger.Info("reminder fired", "user", key.UserID, "ride", ride.ID, "kind", key.Kind)
}
