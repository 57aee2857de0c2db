package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"evalbus/internal/broker"
)

// subscription delivers to its handler from a dedicated worker goroutine, so
// a slow handler only delays its own subscription.
type subscription struct {
	name     string
	dest     broker.Destination
	selector broker.Selector
	handler  broker.Handler
	opts     broker.SubscribeOptions
	inbox    chan *broker.Message
	done     chan struct{}
	once     sync.Once
	owner    *Broker
}

func (s *subscription) Name() string {
	return s.name
}

// Close stops delivery. Queued messages are discarded. It is safe to call
// from inside the subscription's own handler.
func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.owner.remove(s)
	})
	return nil
}

func (s *subscription) run(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.inbox:
			s.deliver(ctx, msg, logger)
		}
	}
}

func (s *subscription) deliver(ctx context.Context, msg *broker.Message, logger *slog.Logger) {
	dest := string(s.dest)
	err := broker.Deliver(ctx, s.handler, msg, s.owner.maxDeliveries, func(attempt int, err error) {
		logger.WarnContext(ctx, "handler failed",
			"subscription", s.name,
			"message_id", msg.MessageID,
			"correlation_id", msg.CorrelationID,
			"attempt", attempt,
			"error", err,
		)
		if attempt < s.owner.maxDeliveries {
			s.owner.metrics.IncRedelivered(dest)
		}
	})
	if err == nil {
		s.owner.metrics.IncDelivered(dest)
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.owner.metrics.IncDeadLettered(dest)
	s.owner.deadLetters.enqueue(DeadLetter{
		Subscription: s.name,
		Message:      msg,
		Err:          err.Error(),
		At:           time.Now(),
	})
	logger.ErrorContext(ctx, "message dead-lettered",
		"subscription", s.name,
		"message_id", msg.MessageID,
		"correlation_id", msg.CorrelationID,
		"error", err,
	)
	if s.opts.DeadLetter != nil {
		s.opts.DeadLetter(ctx, msg, err)
	}
}
