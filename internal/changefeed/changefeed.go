// Package changefeed relays notification store changes between instances
// that share one storage backend, over Redis pub/sub.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "ridealong:notifications:changed"

const (
	publishTimeout = 2 * time.Second
	// queueSize bounds changes waiting for Redis. Further changes are dropped.
	queueSize = 256
)

// Toucher is notified when another instance changed the shared store.
type Toucher interface {
	Touch()
}

// envelope is the message shape on the Redis channel.
type envelope struct {
	Instance string    `json:"instance"`
	UserID   string    `json:"userId"`
	SentAt   time.Time `json:"sentAt"`
}

type Feed struct {
	client   *redis.Client
	channel  string
	instance string
	target   Toucher
	logger   *slog.Logger
	queue    chan []byte
}

func New(client *redis.Client, channel string, target Toucher, logger *slog.Logger) *Feed {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		target:   target,
		logger:   logger.With("component", "changefeed"),
		queue:    make(chan []byte, queueSize),
	}
}

// Publish queues an announcement of a local change to userID's records and
// returns without waiting for Redis. It has the signature of
// notification.Store's mutation hook, which runs on the caller's request path.
// A full queue drops the change.
func (f *Feed) Publish(userID string) {
	body, err := f.encode(userID)
	if err != nil {
		f.logger.Error("encode change", "error", err)
		return
	}

	select {
	case f.queue <- body:
	default:
		f.logger.Warn("change queue full, dropping", "user", userID)
	}
}

// Run publishes queued local changes, subscribes, and touches the target for
// every change published by another instance. It blocks until ctx is
// cancelled.
func (f *Feed) Run(ctx context.Context) error {
	pubCtx, stop := context.WithCancel(ctx)
	defer stop()
	go f.drain(pubCtx)

	pubsub := f.client.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	f.logger.Info("change feed subscribed", "channel", f.channel, "instance", f.instance)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f.handle(msg.Payload)
		}
	}
}

func (f *Feed) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case body := <-f.queue:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := f.client.Publish(pctx, f.channel, body).Err(); err != nil {
				f.logger.Warn("publish change", "channel", f.channel, "error", err)
			}
			cancel()
		}
	}
}

func (f *Feed) encode(userID string) ([]byte, error) {
	return json.Marshal(envelope{Instance: f.instance, UserID: userID, SentAt: time.Now().UTC()})
}

// handle reports whether the payload caused a touch.
func (f *Feed) handle(payload string) bool {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		f.logger.Warn("decode change", "error", err)
		return false
	}
	if env.Instance == f.instance || env.UserID == "" {
		return false
	}
	f.target.Touch()
	return true
}
