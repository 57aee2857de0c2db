package kafka

import (
	"context"
	"sync"

	"evalbus/internal/broker"
	"evalbus/internal/platform/kafka/consumer"
)

type subscription struct {
	name     string
	dest     broker.Destination
	selector broker.Selector
	handler  broker.Handler
	opts     broker.SubscribeOptions
	consumer *consumer.Consumer
	cancel   context.CancelFunc
	once     sync.Once
	owner    *Broker
}

func (s *subscription) Name() string {
	return s.name
}

// Close leaves the consumer group. Safe to call from the handler.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.owner.remove(s)
		go s.consumer.Close()
	})
	return nil
}

// Handle adapts a consumed record to the envelope and runs the redelivery
// policy. It always returns nil so the offset is committed.
func (s *subscription) Handle(ctx context.Context, rec *consumer.Message) error {
	msg := fromHeaders(s.dest, rec.Headers, rec.Value)
	if !s.selector(msg) {
		return nil
	}

	dest := string(s.dest)
	err := broker.Deliver(ctx, s.handler, msg, s.owner.maxDeliveries, func(attempt int, err error) {
		s.owner.logger.WarnContext(ctx, "handler failed",
			"subscription", s.name,
			"record", rec.String(),
			"message_id", msg.MessageID,
			"attempt", attempt,
			"error", err,
		)
		if attempt < s.owner.maxDeliveries {
			s.owner.metrics.IncRedelivered(dest)
		}
	})
	if err == nil {
		s.owner.metrics.IncDelivered(dest)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	s.owner.deadLetter(ctx, s.dest, msg, err)
	if s.opts.DeadLetter != nil {
		s.opts.DeadLetter(ctx, msg, err)
	}
	return nil
}
