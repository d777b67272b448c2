package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/ridealong/internal/kv"
)

const (
	// MarkersKey is the single storage key holding every identity's markers.
	MarkersKey = "rideshare_scheduled_notifications"
	// SentKey holds the log of reminders already delivered.
	SentKey = "rideshare_sent_reminders"
)

// Marker records that a reminder was armed, so later passes and restarts do
// not arm it again.
type Marker struct {
	RideID string    `json:"rideId"`
	Type   Kind      `json:"type"`
	FireAt time.Time `json:"fireAt"`
	UserID string    `json:"userId"`
}

// Key identifies one reminder of one identity.
type Key struct {
	UserID string
	RideID string
	Kind   Kind
}

func (m Marker) Key() Key {
	return Key{UserID: m.UserID, RideID: m.RideID, Kind: m.Type}
}

// Sent records that a reminder was delivered. It outlives the marker, which
// is removed on delivery.
type Sent struct {
	RideID string    `json:"rideId"`
	Type   Kind      `json:"type"`
	UserID string    `json:"userId"`
	SentAt time.Time `json:"sentAt"`
}

func (e Sent) Key() Key {
	return Key{UserID: e.UserID, RideID: e.RideID, Kind: e.Type}
}

// MarkerStore is the persisted marker collection and sent log. Every
// read-modify-write goes through the storage's atomic Update, so schedulers
// sharing a backend, in this process or another, agree on both.
type MarkerStore struct {
	storage kv.Storage
	logger  *slog.Logger
}

func NewMarkerStore(storage kv.Storage, logger *slog.Logger) *MarkerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarkerStore{storage: storage, logger: logger.With("component", "reminder_markers")}
}

// List returns all markers. Unreadable storage reads as empty.
func (s *MarkerStore) List(ctx context.Context) []Marker {
	return load[Marker](ctx, s, MarkersKey)
}

// ForUser returns userID's markers.
func (s *MarkerStore) ForUser(ctx context.Context, userID string) []Marker {
	var out []Marker
	for _, m := range s.List(ctx) {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

func (s *MarkerStore) Has(ctx context.Context, k Key) bool {
	for _, m := range s.List(ctx) {
		if m.Key() == k {
			return true
		}
	}
	return false
}

// Insert adds m unless a marker with the same key exists. It reports whether
// m was added.
func (s *MarkerStore) Insert(ctx context.Context, m Marker) bool {
	m.FireAt = m.FireAt.UTC().Truncate(time.Millisecond)
	added := false
	update(ctx, s, MarkersKey, func(all []Marker) ([]Marker, bool) {
		added = false
		for _, e := range all {
			if e.Key() == m.Key() {
				return all, false
			}
		}
		added = true
		return append(all, m), true
	})
	return added
}

// Put adds m or replaces the marker with the same key.
func (s *MarkerStore) Put(ctx context.Context, m Marker) {
	m.FireAt = m.FireAt.UTC().Truncate(time.Millisecond)
	update(ctx, s, MarkersKey, func(all []Marker) ([]Marker, bool) {
		for i, e := range all {
			if e.Key() == m.Key() {
				all[i] = m
				return all, true
			}
		}
		return append(all, m), true
	})
}

func (s *MarkerStore) Remove(ctx context.Context, k Key) {
	update(ctx, s, MarkersKey, func(all []Marker) ([]Marker, bool) {
		n := len(all)
		kept := all[:0]
		for _, e := range all {
			if e.Key() != k {
				kept = append(kept, e)
			}
		}
		return kept, len(kept) != n
	})
}

// WasSent reports whether the reminder k was already delivered.
func (s *MarkerStore) WasSent(ctx context.Context, k Key) bool {
	for _, e := range load[Sent](ctx, s, SentKey) {
		if e.Key() == k {
			return true
		}
	}
	return false
}

// MarkSent claims delivery of k. It reports false when k was already in the
// sent log, in which case the caller must not deliver it again.
func (s *MarkerStore) MarkSent(ctx context.Context, k Key, at time.Time) bool {
	claimed := false
	update(ctx, s, SentKey, func(all []Sent) ([]Sent, bool) {
		claimed = false
		for _, e := range all {
			if e.Key() == k {
				return all, false
			}
		}
		claimed = true
		return append(all, Sent{
			RideID: k.RideID,
			Type:   k.Kind,
			UserID: k.UserID,
			SentAt: at.UTC().Truncate(time.Millisecond),
		}), true
	})
	return claimed
}

// PruneSent drops sent entries older than before.
func (s *MarkerStore) PruneSent(ctx context.Context, before time.Time) {
	update(ctx, s, SentKey, func(all []Sent) ([]Sent, bool) {
		n := len(all)
		kept := all[:0]
		for _, e := range all {
			if !e.SentAt.Before(before) {
				kept = append(kept, e)
			}
		}
		return kept, len(kept) != n
	})
}

func load[T any](ctx context.Context, s *MarkerStore, key string) []T {
	raw, ok, err := s.storage.Get(ctx, key)
	if err != nil {
		s.logger.Warn("read reminder state", "key", key, "error", err)
		return nil
	}
	return decode[T](s, key, raw, ok)
}

func decode[T any](s *MarkerStore, key, raw string, ok bool) []T {
	if !ok || raw == "" {
		return nil
	}
	var all []T
	if err := json.Unmarshal([]byte(raw), &all); err != nil {
		s.logger.Warn("corrupt reminder state, treating as empty", "key", key, "error", err)
		return nil
	}
	return all
}

// update is one atomic read-modify-write of the JSON array under key. fn may
// run more than once and reports whether it changed the list.
func update[T any](ctx context.Context, s *MarkerStore, key string, fn func([]T) ([]T, bool)) {
	err := s.storage.Update(ctx, key, func(raw string, ok bool) (string, error) {
		next, changed := fn(decode[T](s, key, raw, ok))
		if !changed {
			return "", kv.ErrNoChange
		}
		if next == nil {
			next = []T{}
		}
		data, err := json.Marshal(next)
		if err != nil {
			return "", fmt.Errorf("encode reminder state: %w", err)
		}
		return string(data), nil
	})
	if err != nil {
		s.logger.Warn("write reminder state", "key", key, "error", err)
	}
}
