// Package kafka implements broker.Broker on Kafka-compatible clusters.
//
// Each destination maps to one topic. Every subscription joins its own
// consumer group, so all subscriptions on a destination see every record,
// matching topic fan-out. Records are keyed by correlation id, which keeps
// one evaluation's messages ordered within a partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"evalbus/internal/broker"
	"evalbus/internal/platform/config"
	"evalbus/internal/platform/kafka"
	"evalbus/internal/platform/kafka/consumer"
	"evalbus/internal/platform/metrics"
	"evalbus/pkg/platform/sentinel"
)

type Broker struct {
	cfg           config.KafkaConfig
	producer      *kafka.Producer
	maxDeliveries int
	logger        *slog.Logger
	metrics       *metrics.Transport

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Broker)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

func WithMetrics(m *metrics.Transport) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

func WithMaxDeliveries(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxDeliveries = n
		}
	}
}

func New(cfg config.KafkaConfig, opts ...Option) (*Broker, error) {
	producer, err := kafka.NewProducer(cfg)
	if err != nil {
		return nil, err
	}
	b := &Broker{
		cfg:           cfg,
		producer:      producer,
		maxDeliveries: broker.DefaultMaxDeliveries,
		logger:        slog.New(slog.DiscardHandler),
		subs:          make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Topic returns the topic backing a destination.
func Topic(cfg config.KafkaConfig, dest broker.Destination) string {
	return cfg.TopicPrefix + string(dest)
}

// DeadLetterTopic returns the topic receiving exhausted messages.
func DeadLetterTopic(cfg config.KafkaConfig, dest broker.Destination) string {
	return Topic(cfg, dest) + ".dlq"
}

// Topics lists every topic the broker uses, dead-letter topics included.
func Topics(cfg config.KafkaConfig) []string {
	var out []string
	for _, d := range broker.Destinations() {
		out = append(out, Topic(cfg, d), DeadLetterTopic(cfg, d))
	}
	return out
}

func (b *Broker) Publish(ctx context.Context, msg *broker.Message) error {
	if msg == nil {
		return errors.New("publish: nil message")
	}
	if b.isClosed() {
		return fmt.Errorf("publish to %s: %w", msg.Destination, sentinel.ErrClosed)
	}
	if err := b.producer.Produce(ctx, Topic(b.cfg, msg.Destination), []byte(msg.CorrelationID), msg.Body, toHeaders(msg)); err != nil {
		return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	b.metrics.IncPublished(string(msg.Destination))
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, dest broker.Destination, sel broker.Selector, h broker.Handler, opts ...broker.SubscribeOption) (broker.Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe to %s: handler is required", dest)
	}
	if sel == nil {
		sel = broker.All()
	}
	o := broker.ApplySubscribeOptions(opts...)
	if o.Name == "" {
		o.Name = fmt.Sprintf("%s%s-%s", b.cfg.TopicPrefix, dest, uuid.NewString())
	}

	c, err := consumer.New(b.cfg, o.Name, []string{Topic(b.cfg, dest)}, true, consumer.WithLogger(b.logger))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", dest, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		name:     o.Name,
		dest:     dest,
		selector: sel,
		handler:  h,
		opts:     o,
		consumer: c,
		cancel:   cancel,
		owner:    b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", dest, sentinel.ErrClosed)
	}
	b.subs[s] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		if err := c.Run(runCtx, s); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("subscription stopped", "subscription", s.name, "error", err)
		}
	}()
	return s, nil
}

// Health pings the cluster.
func (b *Broker) Health(ctx context.Context) error {
	if b.isClosed() {
		return sentinel.ErrClosed
	}
	return b.producer.Health(ctx)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	b.wg.Wait()
	b.producer.Close()
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

func (b *Broker) deadLetter(ctx context.Context, dest broker.Destination, msg *broker.Message, cause error) {
	headers := toHeaders(msg)
	headers[headerDeadLetterErr] = cause.Error()
	if err := b.producer.Produce(ctx, DeadLetterTopic(b.cfg, dest), []byte(msg.CorrelationID), msg.Body, headers); err != nil {
		b.logger.ErrorContext(ctx, "failed to publish dead letter",
			"message_id", msg.MessageID,
			"error", err,
		)
	}
	b.metrics.IncDeadLettered(string(dest))
}
