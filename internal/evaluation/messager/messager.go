// Package messager is the publisher-side entry point of an evaluation.
//
// A Messager owns one evaluation: its identity, the negotiated subscribers,
// flow control and completion tracking. Callers open it, Start it, publish
// statistics and pairs, mark publication complete and Await the outcome.
package messager

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"evalbus/internal/broker"
	"evalbus/internal/evaluation/approval"
	"evalbus/internal/evaluation/flow"
	"evalbus/internal/evaluation/ids"
	"evalbus/internal/evaluation/metrics"
	"evalbus/internal/evaluation/models"
	"evalbus/internal/evaluation/negotiation"
	"evalbus/internal/evaluation/publish"
	"evalbus/internal/evaluation/tracker"
	"evalbus/internal/platform/config"
	dErrors "evalbus/pkg/domain-errors"
)

type Messager struct {
	id          string
	clientID    string
	jobID       string
	description models.Description

	broker     broker.Broker
	publisher  *publish.Publisher
	negotiator *negotiation.Negotiator
	tracker    *tracker.Tracker
	flow       *flow.Controller
	status     broker.Subscription

	heartbeatInterval time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	sequence      atomic.Int64
	messageCount  atomic.Int64
	statusCount   atomic.Int64
	pairsCount    atomic.Int64
	groupsMu      sync.Mutex
	groups        map[string]*groupCounter
	heartbeatStop context.CancelFunc
	heartbeatDone chan struct{}

	mu                  sync.Mutex
	started             bool
	publicationComplete bool
	stopped             bool
	closed              bool
	awaited             bool
	exitCode            int
	stopErr             error
	negotiated          map[models.Format]string
}

// groupCounter counts messages published into a group until it is frozen.
type groupCounter struct {
	count  int
	frozen bool
}

type options struct {
	evaluationID string
	approver     approval.Approver
	cfg          config.EvaluationConfig
	entropy      io.Reader
	rng          *rand.Rand
	publisher    *publish.Publisher
	publishOpts  []publish.Option
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
}

type Option func(*options)

// WithEvaluationID reuses an existing evaluation id instead of generating one.
func WithEvaluationID(id string) Option {
	return func(o *options) {
		o.evaluationID = id
	}
}

// WithApprover gates which subscribers may win negotiation. The default
// approves every subscriber.
func WithApprover(a approval.Approver) Option {
	return func(o *options) {
		o.approver = a
	}
}

// WithConfig applies protocol timings and the job id variable.
func WithConfig(cfg config.EvaluationConfig) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithEntropy sets the source of evaluation ids.
func WithEntropy(r io.Reader) Option {
	return func(o *options) {
		o.entropy = r
	}
}

// WithRand seeds negotiation tie-breaks.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rng = r
	}
}

// WithPublisher replaces the default retrying publisher.
func WithPublisher(p *publish.Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithPublishOptions tunes the default publisher.
func WithPublishOptions(opts ...publish.Option) Option {
	return func(o *options) {
		o.publishOpts = append(o.publishOpts, opts...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// Open validates the description, assigns the evaluation id and subscribes
// to the evaluation's status messages. The evaluation does nothing further
// until Start.
func Open(ctx context.Context, b broker.Broker, description *models.Description, clientID string, opts ...Option) (*Messager, error) {
	if b == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "messager requires a broker")
	}
	if clientID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "messager requires a client id")
	}
	if err := description.Validate(); err != nil {
		return nil, err
	}

	o := options{
		approver: approval.AllowAll{},
		cfg:      config.Default().Evaluation,
		logger:   slog.New(slog.DiscardHandler),
		tracer:   otel.Tracer("evalbus/messager"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	id, err := evaluationID(o)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("evaluation_id", id)

	publisher := o.publisher
	if publisher == nil {
		pubOpts := append([]publish.Option{
			publish.WithLogger(logger),
			publish.WithMetrics(o.metrics),
			publish.WithTracer(o.tracer),
		}, o.publishOpts...)
		if publisher, err = publish.New(b, pubOpts...); err != nil {
			return nil, err
		}
	}

	m := &Messager{
		id:                id,
		clientID:          clientID,
		description:       *description,
		broker:            b,
		publisher:         publisher,
		heartbeatInterval: o.cfg.HeartbeatInterval,
		logger:            logger,
		metrics:           o.metrics,
		tracer:            o.tracer,
		groups:            make(map[string]*groupCounter),
	}
	if o.cfg.JobIDEnv != "" {
		m.jobID = os.Getenv(o.cfg.JobIDEnv)
	}

	m.flow = flow.New(flow.WithLogger(logger), flow.WithMetrics(o.metrics))

	negotiationOpts := []negotiation.Option{
		negotiation.WithLogger(logger),
		negotiation.WithMetrics(o.metrics),
		negotiation.WithInterval(o.cfg.NegotiationInterval),
		negotiation.WithTimeout(o.cfg.NegotiationTimeout),
		negotiation.WithGrace(o.cfg.NegotiationGrace),
	}
	if o.rng != nil {
		negotiationOpts = append(negotiationOpts, negotiation.WithRand(o.rng))
	}
	m.negotiator, err = negotiation.New(id, description.Formats, o.approver, m.broadcastConsumerRequired, negotiationOpts...)
	if err != nil {
		return nil, err
	}

	m.tracker, err = tracker.New(id, clientID, m.flow,
		tracker.WithLogger(logger),
		tracker.WithNegotiator(m.negotiator),
		tracker.WithConsumptionTimeout(o.cfg.ConsumptionTimeout),
		tracker.WithFailureHandler(m.Stop),
	)
	if err != nil {
		return nil, err
	}

	m.status, err = b.Subscribe(ctx, broker.DestinationStatus, broker.ForEvaluation(id), m.tracker,
		broker.WithName("status-tracker-"+id+"-"+clientID),
		broker.WithDeadLetter(m.tracker.DeadLetter),
	)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "subscribe to evaluation status")
	}

	logger.InfoContext(ctx, "evaluation opened",
		"client_id", clientID,
		"formats", description.Formats,
		"pool_count", description.PoolCount,
		"job_id", m.jobID,
	)
	return m, nil
}

func evaluationID(o options) (string, error) {
	if o.evaluationID != "" {
		return ids.ParseEvaluationID(o.evaluationID)
	}
	return ids.NewGenerator(o.entropy).EvaluationID()
}

// ID returns the evaluation id.
func (m *Messager) ID() string {
	return m.id
}

// ClientID returns the publisher's client id.
func (m *Messager) ClientID() string {
	return m.clientID
}

// Negotiated returns the subscriber assigned to each format, or nil before
// Start has negotiated.
func (m *Messager) Negotiated() map[models.Format]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.negotiated)
}

// Offers returns the offers negotiation received per format.
func (m *Messager) Offers() map[models.Format][]string {
	return m.negotiator.Offers()
}

// FailedSubscribers returns subscribers that reported failure.
func (m *Messager) FailedSubscribers() []string {
	return m.tracker.FailedSubscribers()
}

// Counts reports messages published so far.
type Counts struct {
	Messages       int
	StatusMessages int
	PairsMessages  int
	Groups         int
}

func (m *Messager) Counts() Counts {
	m.groupsMu.Lock()
	groups := len(m.groups)
	m.groupsMu.Unlock()
	return Counts{
		Messages:       int(m.messageCount.Load()),
		StatusMessages: int(m.statusCount.Load()),
		PairsMessages:  int(m.pairsCount.Load()),
		Groups:         groups,
	}
}
