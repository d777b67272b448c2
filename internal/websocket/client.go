package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/ridealong/internal/push"
	"github.com/dukerupert/ridealong/internal/readmodel"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	readLimit      = 4096
)

// Client to server actions.
const (
	ActionMarkRead          = "mark_read"
	ActionMarkAllRead       = "mark_all_read"
	ActionRemove            = "remove"
	ActionClearAll          = "clear_all"
	ActionRequestPermission = "request_permission"
	ActionSync              = "sync"
)

// Session is the per-socket view of one identity's notifications.
type Session interface {
	OnChange(fn func(readmodel.Snapshot))
	SetIdentity(ctx context.Context, userID string)
	Snapshot(ctx context.Context) readmodel.Snapshot
	MarkRead(ctx context.Context, id string)
	MarkAllRead(ctx context.Context)
	RemoveNotification(ctx context.Context, id string)
	ClearAll(ctx context.Context)
	RequestPermission(ctx context.Context, prompter push.Prompter) push.Permission
	Close()
}

// action is a message read from the socket.
type action struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	// Permission is the browser's answer for request_permission.
	Permission push.Permission `json:"permission,omitempty"`
}

// Client represents a single WebSocket connection.
type Client struct {
	hub     *Hub
	conn    *ws.Conn
	userID  string
	session Session
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// NewClient creates a Client for userID tied to the given hub and connection.
// session may be nil for push-only sockets.
func NewClient(hub *Hub, conn *ws.Conn, userID string, session Session, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		userID:  userID,
		session: session,
		logger:  logger,
		send:    make(chan []byte, sendBufferSize),
	}
}

// Run registers the client, binds the session, starts the write pump, and
// runs the read pump. It blocks until the connection is closed.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.session != nil {
		defer c.session.Close()
		c.session.OnChange(c.sendSnapshot)
		// The identity switch re-syncs and emits the first snapshot.
		c.session.SetIdentity(ctx, c.userID)
	}

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		// Client buffer full; drop message to avoid blocking
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) write(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal message", "type", msg.Type, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) sendSnapshot(s readmodel.Snapshot) {
	c.write(Message{Type: TypeNotificationsSync, Payload: s})
}

// readPump applies actions until the connection closes.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(readLimit)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.handle(ctx, data)
	}
}

func (c *Client) handle(ctx context.Context, data []byte) {
	var a action
	if err := json.Unmarshal(data, &a); err != nil {
		c.write(Message{Type: TypeError, Payload: "malformed message"})
		return
	}
	if c.session == nil {
		return
	}

	switch a.Type {
	case ActionMarkRead:
		c.session.MarkRead(ctx, a.ID)
	case ActionMarkAllRead:
		c.session.MarkAllRead(ctx)
	case ActionRemove:
		c.session.RemoveNotification(ctx, a.ID)
	case ActionClearAll:
		c.session.ClearAll(ctx)
	case ActionRequestPermission:
		c.session.RequestPermission(ctx, push.Answer(a.Permission))
	case ActionSync:
		c.sendSnapshot(c.session.Snapshot(ctx))
	default:
		c.logger.Debug("unknown websocket action", "type", a.Type, "user", c.userID)
		c.write(Message{Type: TypeError, Payload: "unknown action " + a.Type})
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Hub closed the channel; connection is done
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
