// Package memory is an in-process broker. Every subscription on a destination
// receives its own copy of each matching message (topic fan-out).
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"evalbus/internal/broker"
	"evalbus/internal/platform/metrics"
	"evalbus/pkg/platform/sentinel"
)

type Broker struct {
	mu     sync.RWMutex
	subs   map[broker.Destination][]*subscription
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	maxDeliveries int
	bufferSize    int
	deadLetters   *deadLetterBuffer
	logger        *slog.Logger
	metrics       *metrics.Transport
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

// WithMaxDeliveries bounds deliveries per message, including the first.
func WithMaxDeliveries(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxDeliveries = n
		}
	}
}

// WithBufferSize sets the per-subscription queue length. Publishers block
// when a subscriber's queue is full.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

func WithDeadLetterCapacity(n int) Option {
	return func(b *Broker) {
		b.deadLetters = newDeadLetterBuffer(n)
	}
}

func New(opts ...Option) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		subs:          make(map[broker.Destination][]*subscription),
		ctx:           ctx,
		cancel:        cancel,
		maxDeliveries: broker.DefaultMaxDeliveries,
		bufferSize:    1024,
		deadLetters:   newDeadLetterBuffer(0),
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues a copy of msg on every matching subscription.
func (b *Broker) Publish(ctx context.Context, msg *broker.Message) error {
	if msg == nil {
		return fmt.Errorf("publish: nil message")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("publish to %s: %w", msg.Destination, sentinel.ErrClosed)
	}
	targets := slices.Clone(b.subs[msg.Destination])
	b.mu.RUnlock()

	b.metrics.IncPublished(string(msg.Destination))
	for _, s := range targets {
		if !s.selector(msg) {
			continue
		}
		select {
		case s.inbox <- msg.Clone():
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe starts a delivery worker for handler. The worker runs until the
// subscription or the broker is closed; ctx only bounds registration.
func (b *Broker) Subscribe(ctx context.Context, dest broker.Destination, sel broker.Selector, h broker.Handler, opts ...broker.SubscribeOption) (broker.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe to %s: handler is required", dest)
	}
	if sel == nil {
		sel = broker.All()
	}

	o := broker.ApplySubscribeOptions(opts...)
	if o.Name == "" {
		o.Name = fmt.Sprintf("%s-%s", dest, uuid.NewString())
	}

	s := &subscription{
		name:     o.Name,
		dest:     dest,
		selector: sel,
		handler:  h,
		opts:     o,
		inbox:    make(chan *broker.Message, b.bufferSize),
		done:     make(chan struct{}),
		owner:    b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe to %s: %w", dest, sentinel.ErrClosed)
	}
	b.subs[dest] = append(b.subs[dest], s)
	b.wg.Add(1)
	b.mu.Unlock()

	logger := b.logger.With("destination", dest)
	go func() {
		defer b.wg.Done()
		s.run(b.ctx, logger)
	}()
	return s, nil
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.dest] = slices.DeleteFunc(b.subs[s.dest], func(x *subscription) bool { return x == s })
}

// Health reports ErrClosed once the broker is closed.
func (b *Broker) Health(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return sentinel.ErrClosed
	}
	return nil
}

// DeadLetters returns dead-lettered messages, oldest first.
func (b *Broker) DeadLetters() []DeadLetter {
	return b.deadLetters.snapshot()
}

// Close stops every subscription worker and waits for them to exit.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[broker.Destination][]*subscription)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	if dropped := b.deadLetters.droppedCount(); dropped > 0 {
		b.logger.Warn("dead letters dropped from buffer", "dropped", dropped)
	}
	return nil
}
