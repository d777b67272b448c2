package readmodel

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dukerupert/ridealong/internal/kv"
	"github.com/dukerupert/ridealong/internal/model"
	"github.com/dukerupert/ridealong/internal/notification"
	"github.com/dukerupert/ridealong/internal/push"
)

const (
	alice = "alice-0000-0001"
	bob   = "bob-0000-0000-01"
)

type fakeLeases struct {
	mu     sync.Mutex
	active map[string]int
}

func (f *fakeLeases) Acquire(userID string) func() {
	f.mu.Lock()
	f.active[userID]++
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.active[userID]--
			f.mu.Unlock()
		})
	}
}

func (f *fakeLeases) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[userID]
}

type nopChannel struct{}

func (nopChannel) Deliver(context.Context, string, push.Notification) error { return nil }

type memPermissions struct {
	mu     sync.Mutex
	status map[string]string
}

func (m *memPermissions) GetPermission(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[userID], nil
}

func (m *memPermissions) SetPermission(_ context.Context, userID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[userID] = status
	return nil
}

func setup(t *testing.T) (*ReadModel, *notification.Store, *fakeLeases) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := notification.NewStore(kv.NewMemory(), logger)
	gw := push.NewGateway(&memPermissions{status: map[string]string{}}, nopChannel{}, nil, logger)
	leases := &fakeLeases{active: map[string]int{}}
	m := New(store, gw, leases, logger)
	t.Cleanup(m.Close)
	return m, store, leases
}

func TestNoIdentityIsEmpty(t *testing.T) {
	m, store, _ := setup(t)
	ctx := context.Background()
	store.Add(ctx, alice, model.Draft{Type: model.NotifGeneral})

	if got := len(m.Notifications()); got != 0 {
		t.Errorf("notifications = %d, want 0", got)
	}
	if m.UnreadCount() != 0 {
		t.Errorf("unread = %d, want 0", m.UnreadCount())
	}
	if p := m.PermissionStatus(ctx); p != push.PermissionDefault {
		t.Errorf("permission = %q, want default", p)
	}
}

func TestSetIdentitySyncsAndStartsScheduler(t *testing.T) {
	m, store, leases := setup(t)
	ctx := context.Background()
	store.Add(ctx, alice, model.Draft{Type: model.NotifGeneral, Title: "a1"})
	store.Add(ctx, alice, model.Draft{Type: model.NotifGeneral, Title: "a2"})

	m.SetIdentity(ctx, alice)

	if got := len(m.Notifications()); got != 2 {
		t.Fatalf("notifications = %d, want 2", got)
	}
	if m.UnreadCount() != 2 {
		t.Errorf("unread = %d, want 2", m.UnreadCount())
	}
	if leases.count(alice) != 1 {
		t.Errorf("alice leases = %d, want 1", leases.count(alice))
	}

	m.SetIdentity(ctx, "")
	if len(m.Notifications()) != 0 || m.UnreadCount() != 0 {
		t.Error("expected empty view after identity cleared")
	}
	if leases.count(alice) != 0 {
		t.Errorf("alice leases after clear = %d, want 0", leases.count(alice))
	}
}

func TestListenerUsesCurrentIdentity(t *testing.T) {
	m, store, _ := setup(t)
	ctx := context.Background()

	m.SetIdentity(ctx, alice)
	m.SetIdentity(ctx, bob)

	// A change to any identity re-queries for the current one.
	store.Add(ctx, alice, model.Draft{Type: model.NotifGeneral})
	if got := len(m.Notifications()); got != 0 {
		t.Errorf("bob's view shows %d records, want 0", got)
	}

	store.Add(ctx, bob, model.Draft{Type: model.NotifGeneral, Title: "for bob"})
	got := m.Notifications()
	if len(got) != 1 || got[0].Title != "for bob" {
		t.Errorf("bob's view = %+v", got)
	}
}

func TestActionsApplyToCurrentIdentity(t *testing.T) {
	m, store, _ := setup(t)
	ctx := context.Background()
	a := store.Add(ctx, alice, model.Draft{Type: model.NotifGeneral})
	store.Add(ctx, alice, model.Draft{Type: model.NotifGeneral})
	store.Add(ctx, bob, model.Draft{Type: model.NotifGeneral})

	m.SetIdentity(ctx, alice)

	m.MarkRead(ctx, a.ID)
	if m.UnreadCount() != 1 {
		t.Errorf("unread after markRead = %d, want 1", m.UnreadCount())
	}
	m.MarkAllRead(ctx)
	if m.UnreadCount() != 0 {
		t.Errorf("unread after markAllRead = %d, want 0", m.UnreadCount())
	}
	m.RemoveNotification(ctx, a.ID)
	if got := len(m.Notifications()); got != 1 {
		t.Errorf("notifications after remove = %d, want 1", got)
	}
	m.ClearAll(ctx)
	if got := len(m.Notifications()); got != 0 {
		t.Errorf("notifications after clearAll = %d, want 0", got)
	}
	if got := store.UnreadCount(ctx, bob); got != 1 {
		t.Errorf("bob unread = %d, want 1", got)
	}
}

func TestOnChangeAndPermission(t *testing.T) {
	m, store, _ := setup(t)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	m.OnChange(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	m.SetIdentity(ctx, alice)
	store.Add(ctx, alice, model.Draft{Type: model.NotifGeneral})
	if p := m.RequestPermission(ctx, push.Answer(push.PermissionGranted)); p != push.PermissionGranted {
		t.Fatalf("requestPermission = %q", p)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snaps))
	}
	last := snaps[2]
	if last.UnreadCount != 1 || len(last.Notifications) != 1 {
		t.Errorf("last snapshot = %+v", last)
	}
	if last.PermissionStatus != push.PermissionGranted || !last.IsSupported {
		t.Errorf("permission in snapshot = %q supported=%v", last.PermissionStatus, last.IsSupported)
	}
}

func TestUnsupportedHost(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := notification.NewStore(kv.NewMemory(), logger)
	m := New(store, push.NewGateway(nil, nil, nil, logger), nil, logger)
	defer m.Close()
	ctx := context.Background()

	m.SetIdentity(ctx, alice)
	if m.IsSupported() {
		t.Error("expected unsupported")
	}
	if p := m.RequestPermission(ctx, push.Answer(push.PermissionGranted)); p != push.PermissionUnsupported {
		t.Errorf("requestPermission = %q, want unsupported", p)
	}
}

func TestCloseReleasesAndUnsubscribes(t *testing.T) {
	m, store, leases := setup(t)
	ctx := context.Background()
	m.SetIdentity(ctx, alice)

	m.Close()
	m.Close()
	if leases.count(alice) != 0 {
		t.Errorf("alice leases after close = %d, want 0", leases.count(alice))
	}

	store.Add(ctx, alice, model.Draft{Type: model.NotifGeneral})
	if got := len(m.Notifications()); got != 0 {
		t.Errorf("closed view updated with %d records", got)
	}
	m.SetIdentity(ctx, bob)
	if leases.count(bob) != 0 {
		t.Error("closed view must not start schedulers")
	}
}
