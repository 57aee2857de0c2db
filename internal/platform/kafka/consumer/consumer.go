// Package consumer runs a franz-go consumer group poll loop.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"evalbus/internal/platform/config"
	"evalbus/internal/platform/kafka"
)

// Message is one consumed record.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// Handler processes one message. Errors are logged and the offset is still
// committed; retry policy belongs to the handler.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// Consumer polls a set of topics as one consumer group member.
type Consumer struct {
	client *kgo.Client
	group  string
	logger *slog.Logger
}

type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// New joins group on topics. fromStart makes a new group read each topic
// from the earliest offset instead of the latest.
func New(cfg config.KafkaConfig, group string, topics []string, fromStart bool, opts ...Option) (*Consumer, error) {
	if group == "" {
		return nil, errors.New("consumer group is required")
	}
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	offset := kgo.NewOffset().AtEnd()
	if fromStart {
		offset = kgo.NewOffset().AtStart()
	}
	client, err := kafka.NewClient(cfg,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}

	c := &Consumer{client: client, group: group, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until ctx is done or the client is closed.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, fe := range fetches.Errors() {
			c.logger.WarnContext(ctx, "fetch error",
				"group", c.group,
				"topic", fe.Topic,
				"partition", fe.Partition,
				"error", fe.Err,
			)
		}

		fetches.EachRecord(func(r *kgo.Record) {
			msg := fromRecord(r)
			if err := handler.Handle(ctx, msg); err != nil {
				c.logger.ErrorContext(ctx, "handler failed, committing anyway",
					"group", c.group,
					"topic", r.Topic,
					"offset", r.Offset,
					"error", err,
				)
			}
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "commit failed", "group", c.group, "error", err)
		}
	}
}

func (c *Consumer) Close() {
	c.client.Close()
}

func fromRecord(r *kgo.Record) *Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     r.Topic,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Partition: r.Partition,
		Offset:    r.Offset,
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%d]@%d", m.Topic, m.Partition, m.Offset)
}
