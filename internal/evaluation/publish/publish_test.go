package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"evalbus/internal/broker"
	"evalbus/internal/broker/mocks"
	"evalbus/internal/evaluation/metrics"
	dErrors "evalbus/pkg/domain-errors"
	"evalbus/pkg/platform/circuit"
	"evalbus/pkg/platform/sentinel"
)

// =============================================================================
// Publisher Test Suite
// =============================================================================

type PublisherSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	broker  *mocks.MockBroker
	metrics *metrics.Metrics
	msg     *broker.Message
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.broker = mocks.NewMockBroker(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.msg = &broker.Message{
		Destination:   broker.DestinationStatistics,
		MessageID:     "ID:eval-1-m1",
		CorrelationID: "eval-1",
	}
}

func (s *PublisherSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *PublisherSuite) newPublisher(opts ...Option) *Publisher {
	opts = append([]Option{WithRetries(2, time.Millisecond), WithMetrics(s.metrics)}, opts...)
	p, err := New(s.broker, opts...)
	s.Require().NoError(err)
	return p
}

func (s *PublisherSuite) published() float64 {
	return testutil.ToFloat64(s.metrics.MessagesPublished.WithLabelValues(string(broker.DestinationStatistics)))
}

func (s *PublisherSuite) TestNewRequiresBroker() {
	_, err := New(nil)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *PublisherSuite) TestPublishSucceedsFirstTime() {
	s.broker.EXPECT().Publish(gomock.Any(), s.msg).Return(nil)

	s.Require().NoError(s.newPublisher().Publish(context.Background(), s.msg))
	s.Equal(1.0, s.published())
}

func (s *PublisherSuite) TestTransientFailureIsRetried() {
	gomock.InOrder(
		s.broker.EXPECT().Publish(gomock.Any(), s.msg).Return(errors.New("leader not available")),
		s.broker.EXPECT().Publish(gomock.Any(), s.msg).Return(nil),
	)

	s.Require().NoError(s.newPublisher().Publish(context.Background(), s.msg))
	s.Equal(1.0, s.published())
}

func (s *PublisherSuite) TestRetriesExhausted() {
	s.broker.EXPECT().Publish(gomock.Any(), s.msg).Return(errors.New("timeout")).Times(3)

	err := s.newPublisher().Publish(context.Background(), s.msg)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.ErrorContains(err, "3 attempts")
	s.Zero(s.published())
}

func (s *PublisherSuite) TestClosedBrokerIsNotRetried() {
	s.broker.EXPECT().Publish(gomock.Any(), s.msg).Return(sentinel.ErrClosed).Times(1)

	err := s.newPublisher().Publish(context.Background(), s.msg)
	s.True(dErrors.HasCode(err, dErrors.CodeFailedPrecondition))
	s.ErrorIs(err, sentinel.ErrClosed)
}

func (s *PublisherSuite) TestOpenCircuitFailsFast() {
	breaker := circuit.New("test", circuit.WithFailureThreshold(1), circuit.WithCooldown(time.Hour))
	p := s.newPublisher(WithRetries(0, time.Millisecond), WithBreaker(breaker))

	s.broker.EXPECT().Publish(gomock.Any(), s.msg).Return(errors.New("down")).Times(1)
	s.Error(p.Publish(context.Background(), s.msg))
	s.True(breaker.IsOpen())

	err := p.Publish(context.Background(), s.msg)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.ErrorIs(err, sentinel.ErrUnavailable)
}

func (s *PublisherSuite) TestContextCancelStopsRetrying() {
	ctx, cancel := context.WithCancel(context.Background())
	s.broker.EXPECT().Publish(gomock.Any(), s.msg).DoAndReturn(func(context.Context, *broker.Message) error {
		cancel()
		return errors.New("down")
	}).Times(1)

	err := s.newPublisher(WithRetries(5, time.Second)).Publish(ctx, s.msg)
	s.Error(err)
}
