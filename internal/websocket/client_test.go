package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/ridealong/internal/auth"
	"github.com/dukerupert/ridealong/internal/kv"
	"github.com/dukerupert/ridealong/internal/model"
	"github.com/dukerupert/ridealong/internal/notification"
	"github.com/dukerupert/ridealong/internal/push"
	"github.com/dukerupert/ridealong/internal/readmodel"
)

const wsUser = "rider-0000-0001"

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

type wsFixture struct {
	hub   *Hub
	store *notification.Store
	conn  *ws.Conn
}

func setupSocket(t *testing.T) *wsFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := notification.NewStore(kv.NewMemory(), logger)
	hub := NewHub(logger)
	gw := push.NewGateway(&memPermissions{status: map[string]string{}}, nil, hub, logger)

	newSession := func() Session { return readmodel.New(store, gw, nil, logger) }
	h := HandleWebSocket(hub, newSession, nil, logger)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("user"); id != "" {
			r = r.WithContext(auth.WithAuth(r.Context(), auth.AuthContext{UserID: id}))
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?user="+wsUser, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	return &wsFixture{hub: hub, store: store, conn: conn}
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (f *wsFixture) read(t *testing.T) inbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := f.conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func (f *wsFixture) readSnapshot(t *testing.T) readmodel.Snapshot {
	t.Helper()
	msg := f.read(t)
	if msg.Type != TypeNotificationsSync {
		t.Fatalf("type = %q, want %q", msg.Type, TypeNotificationsSync)
	}
	var snap readmodel.Snapshot
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func (f *wsFixture) send(t *testing.T, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.conn.Write(ctx, ws.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSessionStreamsSnapshots(t *testing.T) {
	f := setupSocket(t)
	ctx := context.Background()

	first := f.readSnapshot(t)
	if len(first.Notifications) != 0 || first.PermissionStatus != push.PermissionDefault || !first.IsSupported {
		t.Fatalf("initial snapshot = %+v", first)
	}

	rec := f.store.Add(ctx, wsUser, model.Draft{Type: model.NotifGeneral, Title: "hello"})
	snap := f.readSnapshot(t)
	if snap.UnreadCount != 1 || len(snap.Notifications) != 1 || snap.Notifications[0].ID != rec.ID {
		t.Fatalf("after add = %+v", snap)
	}

	f.send(t, map[string]string{"type": ActionMarkRead, "id": rec.ID})
	if snap = f.readSnapshot(t); snap.UnreadCount != 0 {
		t.Errorf("after mark_read unread = %d", snap.UnreadCount)
	}

	f.send(t, map[string]string{"type": ActionRequestPermission, "permission": "granted"})
	if snap = f.readSnapshot(t); snap.PermissionStatus != push.PermissionGranted {
		t.Errorf("permission = %q, want granted", snap.PermissionStatus)
	}

	f.send(t, map[string]string{"type": ActionClearAll})
	if snap = f.readSnapshot(t); len(snap.Notifications) != 0 {
		t.Errorf("after clear_all = %d records", len(snap.Notifications))
	}
}

func TestSocketReceivesPush(t *testing.T) {
	f := setupSocket(t)
	f.readSnapshot(t)

	if !f.hub.Connected(wsUser) {
		t.Fatal("socket not registered")
	}
	if err := f.hub.Deliver(context.Background(), wsUser, push.Notification{Title: "💰 Payment reminder", Tag: "t1"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	msg := f.read(t)
	if msg.Type != TypePush {
		t.Fatalf("type = %q, want push", msg.Type)
	}
	var n push.Notification
	json.Unmarshal(msg.Payload, &n)
	if n.Title != "💰 Payment reminder" || n.Tag != "t1" {
		t.Errorf("push = %+v", n)
	}
}

func TestUnknownActionReportsError(t *testing.T) {
	f := setupSocket(t)
	f.readSnapshot(t)

	f.send(t, map[string]string{"type": "dance"})
	if msg := f.read(t); msg.Type != TypeError {
		t.Errorf("type = %q, want error", msg.Type)
	}
}

func TestHandleWebSocketRequiresIdentity(t *testing.T) {
	h := HandleWebSocket(NewHub(nil), nil, nil, nil)
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
