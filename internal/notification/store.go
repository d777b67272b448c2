// Package notification keeps each identity's in-app notification list.
//
// The list is a JSON array of records stored under a per-identity key, newest
// first and capped at MaxRecords. Storage failures never reach callers: an
// unreadable or corrupt list reads as empty and a failed write is logged.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/ridealong/internal/kv"
	"github.com/dukerupert/ridealong/internal/model"
)

const (
	// KeyPrefix is prepended to the identity to form its storage key.
	KeyPrefix = "rideshare_notifications_"
	// MaxRecords is how many records are kept per identity.
	MaxRecords = 100
)

// StorageKey returns the key an identity's records are stored under.
func StorageKey(userID string) string {
	return KeyPrefix + userID
}

// Store is the durable per-identity record log.
type Store struct {
	storage kv.Storage
	logger  *slog.Logger
	now     func() time.Time

	lmu       sync.Mutex
	listeners map[int]func()
	nextID    int
	onMutate  func(userID string)
}

func NewStore(storage kv.Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		storage:   storage,
		logger:    logger.With("component", "notification_store"),
		now:       time.Now,
		listeners: make(map[int]func()),
	}
}

// OnMutation registers a hook called with the identity after every local
// mutation, after subscribers have been notified. It replaces any earlier hook.
func (s *Store) OnMutation(fn func(userID string)) {
	s.lmu.Lock()
	s.onMutate = fn
	s.lmu.Unlock()
}

// GetAll returns userID's records, newest first.
func (s *Store) GetAll(ctx context.Context, userID string) []model.Record {
	raw, ok, err := s.storage.Get(ctx, StorageKey(userID))
	if err != nil {
		s.logger.Warn("read notifications", "user", userID, "error", err)
		return []model.Record{}
	}
	return s.decode(userID, raw, ok)
}

// UnreadCount returns how many of userID's records are unread.
func (s *Store) UnreadCount(ctx context.Context, userID string) int {
	n := 0
	for _, r := range s.GetAll(ctx, userID) {
		if !r.Read {
			n++
		}
	}
	return n
}

// Add prepends a new unread record built from d and returns it.
func (s *Store) Add(ctx context.Context, userID string, d model.Draft) model.Record {
	rec := model.Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      d.Type,
		Title:     d.Title,
		Body:      d.Body,
		Timestamp: s.now().UTC().Truncate(time.Millisecond),
		RideID:    d.RideID,
		Meta:      d.Meta,
	}

	s.update(ctx, userID, func(records []model.Record) ([]model.Record, bool) {
		records = append([]model.Record{rec}, records...)
		if len(records) > MaxRecords {
			records = records[:MaxRecords]
		}
		return records, true
	})

	s.changed(userID)
	return rec
}

// MarkRead marks one record read. An unknown id is a no-op.
func (s *Store) MarkRead(ctx context.Context, userID, id string) {
	found := false
	s.update(ctx, userID, func(records []model.Record) ([]model.Record, bool) {
		found = false
		for i := range records {
			if records[i].ID == id {
				records[i].Read = true
				found = true
				break
			}
		}
		return records, found
	})

	if found {
		s.changed(userID)
	}
}

func (s *Store) MarkAllRead(ctx context.Context, userID string) {
	s.update(ctx, userID, func(records []model.Record) ([]model.Record, bool) {
		for i := range records {
			records[i].Read = true
		}
		return records, true
	})

	s.changed(userID)
}

func (s *Store) Remove(ctx context.Context, userID, id string) {
	s.update(ctx, userID, func(records []model.Record) ([]model.Record, bool) {
		kept := records[:0]
		for _, r := range records {
			if r.ID != id {
				kept = append(kept, r)
			}
		}
		return kept, true
	})

	s.changed(userID)
}

// ClearAll deletes userID's whole list. Other identities are untouched.
func (s *Store) ClearAll(ctx context.Context, userID string) {
	if err := s.storage.Delete(ctx, StorageKey(userID)); err != nil {
		s.logger.Warn("clear notifications", "user", userID, "error", err)
	}

	s.changed(userID)
}

// Subscribe registers fn to run after every mutation of any identity's list.
// The returned function removes it.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

// Touch notifies subscribers without changing anything. It is used when
// another process changed the shared storage.
func (s *Store) Touch() {
	s.notify()
}

func (s *Store) changed(userID string) {
	s.notify()

	s.lmu.Lock()
	hook := s.onMutate
	s.lmu.Unlock()
	if hook != nil {
		hook(userID)
	}
}

func (s *Store) notify() {
	s.lmu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *Store) decode(userID, raw string, ok bool) []model.Record {
	if !ok || raw == "" {
		return []model.Record{}
	}

	var records []model.Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		s.logger.Warn("corrupt notifications, treating as empty", "user", userID, "error", err)
		return []model.Record{}
	}
	for i := range records {
		if records[i].UserID == "" {
			records[i].UserID = userID
		}
	}
	if records == nil {
		records = []model.Record{}
	}
	return records
}

// update runs one read-modify-write of userID's list through the storage's
// atomic Update, so concurrent writers sharing the backend do not lose
// records. fn may run more than once and reports whether it changed anything.
func (s *Store) update(ctx context.Context, userID string, fn func([]model.Record) ([]model.Record, bool)) {
	err := s.storage.Update(ctx, StorageKey(userID), func(raw string, ok bool) (string, error) {
		next, changed := fn(s.decode(userID, raw, ok))
		if !changed {
			return "", kv.ErrNoChange
		}
		data, err := json.Marshal(next)
		if err != nil {
			return "", fmt.Errorf("encode notifications: %w", err)
		}
		return string(data), nil
	})
	if err != nil {
		s.logger.Warn("write notifications", "user", userID, "error", err)
	}
}
