// Package readmodel projects the notification store into a live view for
// one active identity.
package readmodel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukerupert/ridealong/internal/model"
	"github.com/dukerupert/ridealong/internal/push"
)

// Store is the notification store the view reads and mutates.
type Store interface {
	GetAll(ctx context.Context, userID string) []model.Record
	MarkRead(ctx context.Context, userID, id string)
	MarkAllRead(ctx context.Context, userID string)
	Remove(ctx context.Context, userID, id string)
	ClearAll(ctx context.Context, userID string)
	Subscribe(fn func()) (unsubscribe func())
}

// Permissions is the push permission surface of the gateway.
type Permissions interface {
	IsSupported() bool
	Permission(ctx context.Context, userID string) push.Permission
	RequestPermission(ctx context.Context, userID string, prompter push.Prompter) push.Permission
}

// Schedulers leases a reminder scheduler for an identity.
type Schedulers interface {
	Acquire(userID string) (release func())
}

// Snapshot is the full view state.
type Snapshot struct {
	Notifications    []model.Record  `json:"notifications"`
	UnreadCount      int             `json:"unreadCount"`
	PermissionStatus push.Permission `json:"permissionStatus"`
	IsSupported      bool            `json:"isSupported"`
}

type ReadModel struct {
	store      Store
	perms      Permissions
	schedulers Schedulers
	logger     *slog.Logger

	mu            sync.Mutex
	userID        string
	notifications []model.Record
	unread        int
	release       func()
	onChange      func(Snapshot)
	unsubscribe   func()
	closed        bool
}

// New builds a ReadModel with no identity. It subscribes to store once; the
// listener always re-queries with the identity current at call time.
func New(store Store, perms Permissions, schedulers Schedulers, logger *slog.Logger) *ReadModel {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ReadModel{
		store:         store,
		perms:         perms,
		schedulers:    schedulers,
		logger:        logger.With("component", "read_model"),
		notifications: []model.Record{},
	}
	m.unsubscribe = store.Subscribe(func() { m.resync(context.Background()) })
	return m
}

// OnChange registers fn to receive a snapshot after every re-sync.
func (m *ReadModel) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SetIdentity switches the active identity. An empty userID clears the view
// and stops the identity's reminders; a present one starts them.
func (m *ReadModel) SetIdentity(ctx context.Context, userID string) {
	m.mu.Lock()
	if m.closed || m.userID == userID {
		m.mu.Unlock()
		return
	}
	prev := m.release
	m.release = nil
	m.userID = userID
	if userID != "" && m.schedulers != nil {
		m.release = m.schedulers.Acquire(userID)
	}
	m.mu.Unlock()

	if prev != nil {
		prev()
	}
	m.resync(ctx)
}

// Identity returns the active identity, or "".
func (m *ReadModel) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *ReadModel) Notifications() []model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Record(nil), m.notifications...)
}

func (m *ReadModel) UnreadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread
}

func (m *ReadModel) IsSupported() bool {
	return m.perms != nil && m.perms.IsSupported()
}

func (m *ReadModel) PermissionStatus(ctx context.Context) push.Permission {
	if m.perms == nil {
		return push.PermissionUnsupported
	}
	userID := m.Identity()
	if userID == "" {
		if !m.perms.IsSupported() {
			return push.PermissionUnsupported
		}
		return push.PermissionDefault
	}
	return m.perms.Permission(ctx, userID)
}

// RequestPermission prompts the active identity and republishes the view.
func (m *ReadModel) RequestPermission(ctx context.Context, prompter push.Prompter) push.Permission {
	userID := m.Identity()
	if m.perms == nil || userID == "" {
		return m.PermissionStatus(ctx)
	}
	p := m.perms.RequestPermission(ctx, userID, prompter)
	m.emit(ctx)
	return p
}

func (m *ReadModel) MarkRead(ctx context.Context, id string) {
	if userID := m.Identity(); userID != "" {
		m.store.MarkRead(ctx, userID, id)
	}
}

func (m *ReadModel) MarkAllRead(ctx context.Context) {
	if userID := m.Identity(); userID != "" {
		m.store.MarkAllRead(ctx, userID)
	}
}

func (m *ReadModel) RemoveNotification(ctx context.Context, id string) {
	if userID := m.Identity(); userID != "" {
		m.store.Remove(ctx, userID, id)
	}
}

func (m *ReadModel) ClearAll(ctx context.Context) {
	if userID := m.Identity(); userID != "" {
		m.store.ClearAll(ctx, userID)
	}
}

// Snapshot returns the current view state.
func (m *ReadModel) Snapshot(ctx context.Context) Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		Notifications: append([]model.Record{}, m.notifications...),
		UnreadCount:   m.unread,
	}
	m.mu.Unlock()

	snap.IsSupported = m.IsSupported()
	snap.PermissionStatus = m.PermissionStatus(ctx)
	return snap
}

// Close unsubscribes from the store and releases the scheduler lease.
func (m *ReadModel) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	release := m.release
	m.release = nil
	m.userID = ""
	m.notifications = []model.Record{}
	m.unread = 0
	unsubscribe := m.unsubscribe
	m.mu.Unlock()

	unsubscribe()
	if release != nil {
		release()
	}
}

func (m *ReadModel) resync(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	userID := m.userID
	m.mu.Unlock()

	records := []model.Record{}
	if userID != "" {
		records = m.store.GetAll(ctx, userID)
	}
	unread := 0
	for _, r := range records {
		if !r.Read {
			unread++
		}
	}

	m.mu.Lock()
	// The identity changed while reading; that change runs its own re-sync.
	if m.closed || m.userID != userID {
		m.mu.Unlock()
		return
	}
	m.notifications = records
	m.unread = unread
	m.mu.Unlock()

	m.emit(ctx)
}

func (m *ReadModel) emit(ctx context.Context) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(m.Snapshot(ctx))
	}
}
