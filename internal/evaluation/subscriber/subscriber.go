// Package subscriber implements the consuming side of the evaluation
// protocol: answering CONSUMER_REQUIRED broadcasts with an offer, consuming
// the messages addressed to it and reporting progress and completion.
package subscriber

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"evalbus/internal/broker"
	"evalbus/internal/evaluation/ids"
	"evalbus/internal/evaluation/metrics"
	"evalbus/internal/evaluation/models"
	"evalbus/internal/evaluation/publish"
	dErrors "evalbus/pkg/domain-errors"
)

const (
	DefaultHeartbeat          = 60 * time.Second
	DefaultDescriptionTimeout = 600 * time.Second
)

// Consumer receives the messages of one evaluation.
type Consumer interface {
	Description(ctx context.Context, evaluationID string, d models.Description) error
	Statistics(ctx context.Context, evaluationID string, stats models.Statistics) error
}

// GroupConsumer is implemented by consumers that want folded groups
// delivered separately from ungrouped statistics.
type GroupConsumer interface {
	GroupedStatistics(ctx context.Context, evaluationID, groupID string, stats models.Statistics) error
}

// PairsConsumer is implemented by consumers of raw pairs. Pairs addressed to
// a consumer without it are counted and dropped.
type PairsConsumer interface {
	Pairs(ctx context.Context, evaluationID string, pairs models.Pairs) error
}

// ConsumerFactory creates the consumer for one evaluation. A consumer that
// implements io.Closer is closed when the evaluation ends.
type ConsumerFactory func(evaluationID string) (Consumer, error)

type Option func(*Subscriber)

func WithID(id string) Option {
	return func(s *Subscriber) {
		if id != "" {
			s.id = id
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Subscriber) {
		s.metrics = m
	}
}

// WithHeartbeat sets the CONSUMPTION_ONGOING interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithDescriptionTimeout bounds the wait between an offer and the
// evaluation description.
func WithDescriptionTimeout(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.descriptionTimeout = d
		}
	}
}

// WithPublisher replaces the default retrying publisher.
func WithPublisher(p *publish.Publisher) Option {
	return func(s *Subscriber) {
		s.publisher = p
	}
}

// Subscriber serves every evaluation that needs one of its formats.
type Subscriber struct {
	id                 string
	formats            []models.Format
	broker             broker.Broker
	publisher          *publish.Publisher
	factory            ConsumerFactory
	heartbeat          time.Duration
	descriptionTimeout time.Duration
	logger             *slog.Logger
	metrics            *metrics.Metrics

	mu          sync.Mutex
	evaluations map[string]*evaluationConsumer
	seen        map[string]struct{}
	status      broker.Subscription
	stop        chan struct{}
	stopped     chan struct{}
	closed      bool
}

// New returns a subscriber for formats. It does nothing until Start.
func New(b broker.Broker, factory ConsumerFactory, formats []models.Format, opts ...Option) (*Subscriber, error) {
	if b == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "broker is required")
	}
	if factory == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "consumer factory is required")
	}
	if len(formats) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "subscriber must deliver at least one format")
	}

	s := &Subscriber{
		id:                 ids.NewSubscriberID(),
		formats:            slices.Compact(models.SortFormats(formats)),
		broker:             b,
		factory:            factory,
		heartbeat:          DefaultHeartbeat,
		descriptionTimeout: DefaultDescriptionTimeout,
		logger:             slog.New(slog.DiscardHandler),
		evaluations:        make(map[string]*evaluationConsumer),
		seen:               make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil {
		p, err := publish.New(b, publish.WithLogger(s.logger), publish.WithMetrics(s.metrics))
		if err != nil {
			return nil, err
		}
		s.publisher = p
	}
	return s, nil
}

func (s *Subscriber) ID() string {
	return s.id
}

func (s *Subscriber) Formats() []models.Format {
	return slices.Clone(s.formats)
}

// Active returns the ids of evaluations currently being served, sorted.
func (s *Subscriber) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.evaluations))
	for id := range s.evaluations {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Start listens for consumer requests and starts the heartbeat.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return dErrors.New(dErrors.CodeFailedPrecondition, "subscriber is closed")
	}
	if s.status != nil {
		return dErrors.New(dErrors.CodeFailedPrecondition, "subscriber already started")
	}

	sub, err := s.broker.Subscribe(ctx, broker.DestinationStatus, broker.All(),
		broker.HandlerFunc(s.handleRequest),
		broker.WithName("subscriber-"+s.id),
	)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to subscribe to consumer requests")
	}
	s.status = sub
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.runHeartbeat(context.WithoutCancel(ctx))

	s.logger.InfoContext(ctx, "subscriber started",
		"subscriber_id", s.id,
		"formats", s.formats,
	)
	return nil
}

// handleRequest answers CONSUMER_REQUIRED broadcasts. Every other status is
// handled by the per-evaluation consumers.
func (s *Subscriber) handleRequest(ctx context.Context, msg *broker.Message) error {
	status, err := models.Decode[models.Status](msg.Body)
	if err != nil {
		s.logger.DebugContext(ctx, "ignoring undecodable status", "message_id", msg.MessageID, "error", err)
		return nil
	}
	if status.CompletionStatus != models.StatusConsumerRequired {
		return nil
	}

	evaluationID := msg.CorrelationID
	offered := models.Intersect(s.formats, status.RequiredFormats)
	if evaluationID == "" || len(offered) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.seen[evaluationID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.seen[evaluationID] = struct{}{}
	s.mu.Unlock()

	c, err := s.open(ctx, evaluationID, msg.JobID, offered)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to open evaluation consumer",
			"evaluation_id", evaluationID,
			"error", err,
		)
		s.mu.Lock()
		delete(s.seen, evaluationID)
		s.mu.Unlock()
		return nil
	}

	if err := s.sendStatus(ctx, evaluationID, msg.JobID, models.Status{
		CompletionStatus: models.StatusReadyToConsume,
		Consumer:         s.consumer(offered),
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish offer",
			"evaluation_id", evaluationID,
			"error", err,
		)
		c.abandon(ctx, "offer could not be published")
		s.mu.Lock()
		delete(s.seen, evaluationID)
		s.mu.Unlock()
		return nil
	}

	s.logger.InfoContext(ctx, "offered to consume evaluation",
		"evaluation_id", evaluationID,
		"subscriber_id", s.id,
		"formats", offered,
	)
	return nil
}

func (s *Subscriber) open(ctx context.Context, evaluationID, jobID string, offered []models.Format) (*evaluationConsumer, error) {
	consumer, err := s.factory(evaluationID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "consumer factory failed")
	}

	c := newEvaluationConsumer(s, evaluationID, jobID, offered, consumer)
	if err := c.subscribe(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.evaluations[evaluationID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *Subscriber) forget(evaluationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.evaluations, evaluationID)
}

func (s *Subscriber) runHeartbeat(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			open := make([]*evaluationConsumer, 0, len(s.evaluations))
			for _, c := range s.evaluations {
				open = append(open, c)
			}
			s.mu.Unlock()

			for _, c := range open {
				c.reportProgress(ctx)
			}
		}
	}
}

func (s *Subscriber) consumer(formats []models.Format) *models.Consumer {
	return &models.Consumer{ConsumerID: s.id, Formats: slices.Clone(formats)}
}

// sendStatus publishes a subscriber report correlated with an evaluation.
func (s *Subscriber) sendStatus(ctx context.Context, evaluationID, jobID string, status models.Status) error {
	status.Timestamp = time.Now().UTC()
	body, err := models.Encode(status)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, &broker.Message{
		Destination:   broker.DestinationStatus,
		MessageID:     "ID:" + uuid.NewString(),
		CorrelationID: evaluationID,
		GroupID:       status.GroupID,
		JobID:         jobID,
		ConsumerID:    s.id,
		Body:          body,
	})
}

// Close stops listening and abandons every open evaluation. It is
// idempotent.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	status := s.status
	open := make([]*evaluationConsumer, 0, len(s.evaluations))
	for _, c := range s.evaluations {
		open = append(open, c)
	}
	s.mu.Unlock()

	var g errgroup.Group
	if status != nil {
		g.Go(status.Close)
		g.Go(func() error {
			close(s.stop)
			<-s.stopped
			return nil
		})
	}
	for _, c := range open {
		g.Go(func() error {
			c.release(context.Background(), "subscriber closed")
			return nil
		})
	}
	return g.Wait()
}
