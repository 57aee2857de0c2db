package messager

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"evalbus/internal/broker"
	"evalbus/internal/broker/memory"
	"evalbus/internal/evaluation/approval"
	"evalbus/internal/evaluation/metrics"
	"evalbus/internal/evaluation/models"
	"evalbus/internal/evaluation/publish"
	"evalbus/internal/evaluation/subscriber"
	"evalbus/internal/platform/config"
	dErrors "evalbus/pkg/domain-errors"
	"evalbus/pkg/testutil"
)

func testConfig() config.EvaluationConfig {
	cfg := config.Default().Evaluation
	cfg.NegotiationInterval = 50 * time.Millisecond
	cfg.NegotiationTimeout = 2 * time.Second
	cfg.NegotiationGrace = 20 * time.Millisecond
	cfg.ConsumptionTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.JobIDEnv = ""
	return cfg
}

func description() *models.Description {
	return &models.Description{
		Name:      "wind",
		Formats:   []models.Format{models.FormatPNG, models.FormatCSV},
		PoolCount: 3,
	}
}

func fastPublishing() Option {
	return WithPublishOptions(publish.WithRetries(0, time.Millisecond))
}

// offerOnly answers every consumer request with an offer and then stays
// silent, like a subscriber that crashed after negotiating.
func offerOnly(t *testing.T, b broker.Broker, id string, formats ...models.Format) {
	t.Helper()
	var once sync.Once
	sub, err := b.Subscribe(context.Background(), broker.DestinationStatus, broker.All(),
		broker.HandlerFunc(func(ctx context.Context, msg *broker.Message) error {
			st, err := models.Decode[models.Status](msg.Body)
			if err != nil || st.CompletionStatus != models.StatusConsumerRequired {
				return nil
			}
			once.Do(func() {
				body, _ := models.Encode(models.Status{
					CompletionStatus: models.StatusReadyToConsume,
					Consumer:         &models.Consumer{ConsumerID: id, Formats: formats},
				})
				err = b.Publish(ctx, &broker.Message{
					Destination:   broker.DestinationStatus,
					MessageID:     "ID:" + id,
					CorrelationID: msg.CorrelationID,
					ConsumerID:    id,
					Body:          body,
				})
			})
			return err
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
}

type recordingConsumer struct {
	mu          sync.Mutex
	description *models.Description
	statistics  int
	groups      []string
}

func (r *recordingConsumer) Description(_ context.Context, _ string, d models.Description) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.description = &d
	return nil
}

func (r *recordingConsumer) Statistics(context.Context, string, models.Statistics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statistics++
	return nil
}

func (r *recordingConsumer) GroupedStatistics(_ context.Context, _ string, groupID string, _ models.Statistics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, groupID)
	return nil
}

func TestEvaluationEndToEnd(t *testing.T) {
	testutil.Given(t, "a subscriber delivering both formats and a rival delivering one", func(t *testing.T) {
		ctx := context.Background()
		b := memory.New()
		t.Cleanup(func() { _ = b.Close() })

		consumer := &recordingConsumer{}
		s1, err := subscriber.New(b, func(string) (subscriber.Consumer, error) { return consumer, nil },
			[]models.Format{models.FormatPNG, models.FormatCSV}, subscriber.WithID("s1"))
		require.NoError(t, err)
		require.NoError(t, s1.Start(ctx))
		t.Cleanup(func() { _ = s1.Close() })
		offerOnly(t, b, "s2", models.FormatPNG)

		mtr := metrics.New(prometheus.NewRegistry())
		m, err := Open(ctx, b, description(), "publisher-1",
			WithConfig(testConfig()),
			WithMetrics(mtr),
			WithRand(rand.New(rand.NewPCG(1, 2))),
			fastPublishing(),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Close(ctx) })

		testutil.When(t, "the evaluation starts", func(t *testing.T) {
			require.NoError(t, m.Start(ctx))

			testutil.Then(t, "the subscriber with the largest coverage wins every format", func(t *testing.T) {
				assert.Equal(t, map[models.Format]string{
					models.FormatPNG: "s1",
					models.FormatCSV: "s1",
				}, m.Negotiated())
				assert.Contains(t, m.Offers()[models.FormatPNG], "s2")
			})
		})

		testutil.When(t, "statistics are published and publication completes", func(t *testing.T) {
			require.NoError(t, m.PublishStatistics(ctx, models.Statistics{Scores: []models.Score{{Feature: "speed", Metric: "MAE", Value: 1}}}))
			require.NoError(t, m.PublishStatistics(ctx, models.Statistics{Scores: []models.Score{{Feature: "gust", Metric: "MAE", Value: 2}}}))
			require.NoError(t, m.PublishStatistics(ctx, models.Statistics{Scores: []models.Score{{Feature: "speed", Metric: "ME", Value: 3}}}, InGroup("g1")))
			require.NoError(t, m.MarkGroupPublicationComplete(ctx, "g1"))
			require.NoError(t, m.MarkPublicationComplete(ctx))

			code, err := m.Await(ctx)

			testutil.Then(t, "the evaluation completes successfully", func(t *testing.T) {
				require.NoError(t, err)
				assert.Equal(t, 0, code)
				exit, err := m.ExitCode()
				require.NoError(t, err)
				assert.Equal(t, 0, exit)
				assert.False(t, m.IsFailed())
			})

			testutil.Then(t, "the subscriber consumed every message addressed to it", func(t *testing.T) {
				consumer.mu.Lock()
				defer consumer.mu.Unlock()
				require.NotNil(t, consumer.description)
				assert.Equal(t, "wind", consumer.description.Name)
				assert.Equal(t, 2, consumer.statistics)
				assert.Equal(t, []string{"g1"}, consumer.groups)
			})

			testutil.Then(t, "counts and metrics reflect the publication", func(t *testing.T) {
				counts := m.Counts()
				assert.Equal(t, 4, counts.Messages, "description plus three statistics")
				assert.Equal(t, 1, counts.Groups)
				assert.Equal(t, 1.0, promtest.ToFloat64(mtr.EvaluationsCompleted.WithLabelValues("success")))
				assert.Equal(t, 1.0, promtest.ToFloat64(mtr.MessagesPublished.WithLabelValues("evaluation")))
				assert.Equal(t, 3.0, promtest.ToFloat64(mtr.MessagesPublished.WithLabelValues("statistics")))
			})
		})
	})
}

func TestSilentSubscriberFailsEvaluation(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	t.Cleanup(func() { _ = b.Close() })
	offerOnly(t, b, "s1", models.FormatPNG, models.FormatCSV)

	cfg := testConfig()
	cfg.ConsumptionTimeout = 200 * time.Millisecond
	m, err := Open(ctx, b, description(), "publisher-1", WithConfig(cfg), fastPublishing())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(ctx) })

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.PublishStatistics(ctx, models.Statistics{}))
	require.NoError(t, m.MarkPublicationComplete(ctx))

	code, err := m.Await(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, code)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	assert.Contains(t, err.Error(), "s1")
	assert.True(t, m.IsFailed())

	exit, err := m.ExitCode()
	require.NoError(t, err)
	assert.Equal(t, 1, exit)
}

// =============================================================================
// Messager Lifecycle Test Suite
// =============================================================================
// Justification: the messager guards its own state machine; publishing out
// of order must fail loudly rather than confuse subscribers.

type LifecycleSuite struct {
	suite.Suite
	ctx      context.Context
	broker   *memory.Broker
	messager *Messager
}

func TestLifecycleSuite(t *testing.T) {
	suite.Run(t, new(LifecycleSuite))
}

func (s *LifecycleSuite) SetupTest() {
	s.ctx = context.Background()
	s.broker = memory.New()
	offerOnly(s.T(), s.broker, "s1", models.FormatPNG, models.FormatCSV)

	m, err := Open(s.ctx, s.broker, description(), "publisher-1", WithConfig(testConfig()), fastPublishing())
	s.Require().NoError(err)
	s.messager = m
}

func (s *LifecycleSuite) TearDownTest() {
	s.NoError(s.messager.Close(s.ctx))
	s.NoError(s.broker.Close())
}

func (s *LifecycleSuite) TestOpenValidatesInputs() {
	_, err := Open(s.ctx, nil, description(), "p")
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	_, err = Open(s.ctx, s.broker, description(), "")
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	_, err = Open(s.ctx, s.broker, &models.Description{Formats: []models.Format{models.FormatPNG}}, "p")
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation), "pool count must be positive")

	_, err = Open(s.ctx, s.broker, description(), "p", WithEvaluationID("not base64!"))
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	m, err := Open(s.ctx, s.broker, description(), "p", WithEvaluationID("ZXZhbC0x"))
	s.Require().NoError(err)
	s.Equal("ZXZhbC0x", m.ID())
	s.Equal("p", m.ClientID())
	s.NoError(m.Close(s.ctx))
}

func (s *LifecycleSuite) TestDataBeforeStartIsRejected() {
	err := s.messager.PublishStatistics(s.ctx, models.Statistics{})
	s.True(dErrors.HasCode(err, dErrors.CodeFailedPrecondition))

	_, err = s.messager.Await(s.ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeFailedPrecondition))
}

func (s *LifecycleSuite) TestReservedStatusesAreRejected() {
	err := s.messager.PublishStatus(s.ctx, models.Status{CompletionStatus: models.StatusEvaluationCompleteSuccess})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	err = s.messager.PublishStatus(s.ctx, models.Status{CompletionStatus: "NOT_A_STATUS"})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *LifecycleSuite) TestExitCodeWhileRunning() {
	_, err := s.messager.ExitCode()
	s.True(dErrors.HasCode(err, dErrors.CodeFailedPrecondition))
}

func (s *LifecycleSuite) TestStartTwiceFails() {
	s.Require().NoError(s.messager.Start(s.ctx))
	err := s.messager.Start(s.ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeFailedPrecondition))
}

func (s *LifecycleSuite) TestPublishAfterCompletionIsRejected() {
	s.Require().NoError(s.messager.Start(s.ctx))
	s.Require().NoError(s.messager.PublishStatistics(s.ctx, models.Statistics{}, InGroup("g1")))
	s.Require().NoError(s.messager.MarkPublicationComplete(s.ctx))

	s.True(dErrors.HasCode(s.messager.PublishStatistics(s.ctx, models.Statistics{}), dErrors.CodeFailedPrecondition))
	s.True(dErrors.HasCode(s.messager.MarkPublicationComplete(s.ctx), dErrors.CodeFailedPrecondition))
	s.Equal(1, s.messager.Counts().Groups, "open groups are completed with the publication")
}

func (s *LifecycleSuite) TestGroupCompletionRules() {
	s.Require().NoError(s.messager.Start(s.ctx))

	s.True(dErrors.HasCode(s.messager.MarkGroupPublicationComplete(s.ctx, "unknown"), dErrors.CodeFailedPrecondition))

	s.Require().NoError(s.messager.PublishStatistics(s.ctx, models.Statistics{}, InGroup("g1")))
	s.Require().NoError(s.messager.MarkGroupPublicationComplete(s.ctx, "g1"))
	s.True(dErrors.HasCode(s.messager.MarkGroupPublicationComplete(s.ctx, "g1"), dErrors.CodeFailedPrecondition))
}

func (s *LifecycleSuite) TestStopIsIdempotent() {
	s.Require().NoError(s.messager.Start(s.ctx))

	s.messager.Stop(s.ctx, nil)
	s.messager.Stop(s.ctx, nil)
	s.True(s.messager.IsFailed())

	code, err := s.messager.ExitCode()
	s.Require().NoError(err)
	s.Equal(1, code)

	err = s.messager.PublishStatistics(s.ctx, models.Statistics{})
	s.Error(err)
}

func (s *LifecycleSuite) TestCloseIsIdempotent() {
	s.NoError(s.messager.Close(s.ctx))
	s.NoError(s.messager.Close(s.ctx))
	s.Error(s.messager.Start(s.ctx))
}

func (s *LifecycleSuite) TestNegotiationFailureStopsEvaluation() {
	cfg := testConfig()
	cfg.NegotiationTimeout = 100 * time.Millisecond
	m, err := Open(s.ctx, s.broker, &models.Description{Formats: []models.Format{models.FormatSVG}, PoolCount: 1}, "p",
		WithConfig(cfg), fastPublishing())
	s.Require().NoError(err)
	defer m.Close(s.ctx)

	err = m.Start(s.ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.Contains(err.Error(), "SVG")
	s.True(m.IsFailed())
}

func (s *LifecycleSuite) TestUnapprovedSubscriberCannotWin() {
	cfg := testConfig()
	cfg.NegotiationTimeout = 150 * time.Millisecond
	static := approval.NewStatic()
	static.Grant(models.FormatPNG, "someone-else")

	m, err := Open(s.ctx, s.broker, description(), "p", WithConfig(cfg), WithApprover(static), fastPublishing())
	s.Require().NoError(err)
	defer m.Close(s.ctx)

	err = m.Start(s.ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.Empty(m.Negotiated())
}
