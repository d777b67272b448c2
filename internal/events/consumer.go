package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const readBackoff = time.Second

// Consumer reads a Kafka topic as part of a consumer group and hands every
// message to a Handler. Messages are handled in order.
type Consumer struct {
	reader  *kafka.Reader
	handler *Handler
	logger  *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, handler *Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, handler: handler, logger: logger.With("component", "kafka_consumer", "topic", topic)}
}

// Run blocks until ctx is cancelled. Read errors back off for a second;
// handler errors are logged and the message is committed anyway.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readBackoff):
			}
			continue
		}

		if err := c.handler.Handle(ctx, m.Value); err != nil {
			c.logger.Warn("handle event", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
