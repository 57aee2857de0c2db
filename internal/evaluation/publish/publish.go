// Package publish sends evaluation envelopes with retries and a circuit
// breaker in front of the broker.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"evalbus/internal/broker"
	"evalbus/internal/evaluation/metrics"
	dErrors "evalbus/pkg/domain-errors"
	"evalbus/pkg/platform/circuit"
	"evalbus/pkg/platform/sentinel"
)

const (
	defaultRetries = 3
	defaultBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type Publisher struct {
	broker  broker.Broker
	breaker *circuit.Breaker
	retries int
	backoff time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithRetries sets how many times a failed publish is retried and the first
// retry delay. The delay grows exponentially.
func WithRetries(retries int, initial time.Duration) Option {
	return func(p *Publisher) {
		if retries >= 0 {
			p.retries = retries
		}
		if initial > 0 {
			p.backoff = initial
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) {
		if b != nil {
			p.breaker = b
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Publisher) {
		if t != nil {
			p.tracer = t
		}
	}
}

func New(b broker.Broker, opts ...Option) (*Publisher, error) {
	if b == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "publisher requires a broker")
	}
	p := &Publisher{
		broker:  b,
		breaker: circuit.New("publish"),
		retries: defaultRetries,
		backoff: defaultBackoff,
		logger:  slog.New(slog.DiscardHandler),
		tracer:  otel.Tracer("evalbus/publish"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish sends msg, retrying transient failures. It fails fast with
// CodeUnavailable while the circuit is open and does not retry a closed
// broker.
func (p *Publisher) Publish(ctx context.Context, msg *broker.Message) error {
	ctx, span := p.tracer.Start(ctx, "evalbus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", string(msg.Destination)),
			attribute.String("messaging.message.id", msg.MessageID),
			attribute.String("evalbus.evaluation_id", msg.CorrelationID),
		),
	)
	defer span.End()

	err := p.publish(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	p.metrics.IncPublished(string(msg.Destination))
	return nil
}

func (p *Publisher) publish(ctx context.Context, msg *broker.Message) error {
	if !p.breaker.Allow() {
		return dErrors.Wrap(sentinel.ErrUnavailable, dErrors.CodeUnavailable,
			fmt.Sprintf("broker circuit %s is open", p.breaker.Name()))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.backoff
	policy.MaxInterval = maxBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := p.broker.Publish(ctx, msg)
		if errors.Is(err, sentinel.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.WarnContext(ctx, "publish failed, retrying",
			"destination", msg.Destination,
			"message_id", msg.MessageID,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.retries)), ctx),
		notify)
	if err != nil {
		if _, change := p.breaker.RecordFailure(); change.Opened {
			p.logger.ErrorContext(ctx, "broker circuit opened",
				"circuit", p.breaker.Name(),
				"error", err,
			)
		}
		if errors.Is(err, sentinel.ErrClosed) {
			return dErrors.Wrap(err, dErrors.CodeFailedPrecondition, "broker is closed")
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable,
			fmt.Sprintf("publish %s to %s failed after %d attempts", msg.MessageID, msg.Destination, attempt))
	}

	if _, change := p.breaker.RecordSuccess(); change.Closed {
		p.logger.InfoContext(ctx, "broker circuit closed", "circuit", p.breaker.Name())
	}
	return nil
}
