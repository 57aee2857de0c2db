package subscriber

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"evalbus/internal/broker"
	"evalbus/internal/broker/memory"
	"evalbus/internal/evaluation/models"
	"evalbus/internal/evaluation/publish"
	"evalbus/pkg/platform/sentinel"
)

// =============================================================================
// Subscriber Test Suite
// =============================================================================
// Justification: the subscriber is the other half of the protocol. These
// tests play the publisher by hand so each status the subscriber emits can be
// pinned to the message that caused it.

const evalID = "ZXZhbC0x"

type SubscriberSuite struct {
	suite.Suite
	ctx      context.Context
	broker   *memory.Broker
	consumer *recordingConsumer
	sub      *Subscriber
	reports  chan models.Status
}

func TestSubscriberSuite(t *testing.T) {
	suite.Run(t, new(SubscriberSuite))
}

func (s *SubscriberSuite) SetupTest() {
	s.ctx = context.Background()
	s.broker = memory.New(memory.WithMaxDeliveries(2))
	s.consumer = &recordingConsumer{}
	s.reports = make(chan models.Status, 256)

	_, err := s.broker.Subscribe(s.ctx, broker.DestinationStatus, broker.All(),
		broker.HandlerFunc(func(_ context.Context, msg *broker.Message) error {
			st, err := models.Decode[models.Status](msg.Body)
			if err == nil && st.Consumer != nil {
				s.reports <- st
			}
			return nil
		}))
	s.Require().NoError(err)

	s.sub = s.newSubscriber()
	s.Require().NoError(s.sub.Start(s.ctx))
}

func (s *SubscriberSuite) TearDownTest() {
	s.Require().NoError(s.sub.Close())
	s.Require().NoError(s.broker.Close())
}

func (s *SubscriberSuite) newSubscriber(opts ...Option) *Subscriber {
	p, err := publish.New(s.broker, publish.WithRetries(0, time.Millisecond))
	s.Require().NoError(err)
	opts = append([]Option{WithID("s1"), WithPublisher(p)}, opts...)
	sub, err := New(s.broker, func(string) (Consumer, error) { return s.consumer, nil },
		[]models.Format{models.FormatPNG, models.FormatCSV}, opts...)
	s.Require().NoError(err)
	return sub
}

func (s *SubscriberSuite) restart(opts ...Option) {
	s.Require().NoError(s.sub.Close())
	s.sub = s.newSubscriber(opts...)
	s.Require().NoError(s.sub.Start(s.ctx))
}

type recordingConsumer struct {
	mu           sync.Mutex
	descriptions []models.Description
	statistics   []models.Statistics
	groups       map[string]models.Statistics
	statsErr     error
	closed       bool
}

func (r *recordingConsumer) Description(_ context.Context, _ string, d models.Description) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptions = append(r.descriptions, d)
	return nil
}

func (r *recordingConsumer) Statistics(_ context.Context, _ string, stats models.Statistics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statsErr != nil {
		return r.statsErr
	}
	r.statistics = append(r.statistics, stats)
	return nil
}

func (r *recordingConsumer) GroupedStatistics(_ context.Context, _ string, groupID string, stats models.Statistics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups == nil {
		r.groups = make(map[string]models.Statistics)
	}
	r.groups[groupID] = stats
	return nil
}

func (r *recordingConsumer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingConsumer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// addressed maps both subscriber formats to id, as a negotiated publisher would.
func addressed(id string) map[string]string {
	return map[string]string{"PNG": id, "CSV": id}
}

func (s *SubscriberSuite) publish(dest broker.Destination, body any, groupID string, props map[string]string) {
	raw, err := models.Encode(body)
	s.Require().NoError(err)
	s.Require().NoError(s.broker.Publish(s.ctx, &broker.Message{
		Destination:   dest,
		MessageID:     "ID:test",
		CorrelationID: evalID,
		GroupID:       groupID,
		Properties:    props,
		Body:          raw,
	}))
}

func (s *SubscriberSuite) publishStatus(st models.Status, props map[string]string) {
	s.publish(broker.DestinationStatus, st, st.GroupID, props)
}

func (s *SubscriberSuite) requestConsumer(formats ...models.Format) {
	s.publishStatus(models.Status{CompletionStatus: models.StatusConsumerRequired, RequiredFormats: formats}, nil)
}

// waitFor drains reports until one with cs arrives.
func (s *SubscriberSuite) waitFor(cs models.CompletionStatus) models.Status {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-s.reports:
			if st.CompletionStatus == cs {
				return st
			}
		case <-deadline:
			s.FailNow("timed out waiting for " + string(cs))
			return models.Status{}
		}
	}
}

func (s *SubscriberSuite) assertNoReport(cs models.CompletionStatus, within time.Duration) {
	deadline := time.After(within)
	for {
		select {
		case st := <-s.reports:
			s.NotEqual(cs, st.CompletionStatus)
		case <-deadline:
			return
		}
	}
}

func stats(feature string, value float64) models.Statistics {
	return models.Statistics{Scores: []models.Score{{Feature: feature, Metric: "MAE", Value: value}}}
}

// =============================================================================
// Construction
// =============================================================================

func (s *SubscriberSuite) TestNewRequiresCollaborators() {
	factory := func(string) (Consumer, error) { return s.consumer, nil }
	formats := []models.Format{models.FormatPNG}

	_, err := New(nil, factory, formats)
	s.Error(err)
	_, err = New(s.broker, nil, formats)
	s.Error(err)
	_, err = New(s.broker, factory, nil)
	s.Error(err)

	sub, err := New(s.broker, factory, []models.Format{models.FormatPNG, models.FormatPNG})
	s.Require().NoError(err)
	s.NotEmpty(sub.ID(), "a random id is generated")
	s.Equal([]models.Format{models.FormatPNG}, sub.Formats())
}

func (s *SubscriberSuite) TestStartTwiceFails() {
	s.Error(s.sub.Start(s.ctx))
}

// =============================================================================
// Negotiation
// =============================================================================

func (s *SubscriberSuite) TestOffersOnlyFormatsItCanDeliver() {
	s.requestConsumer(models.FormatSVG)
	s.assertNoReport(models.StatusReadyToConsume, 100*time.Millisecond)
	s.Empty(s.sub.Active())

	s.requestConsumer(models.FormatPNG, models.FormatSVG)
	ready := s.waitFor(models.StatusReadyToConsume)
	s.Equal("s1", ready.ConsumerID())
	s.Equal([]models.Format{models.FormatPNG}, ready.Consumer.Formats)
	s.Equal([]string{evalID}, s.sub.Active())
}

func (s *SubscriberSuite) TestRepeatedRequestsProduceOneOffer() {
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)

	s.requestConsumer(models.FormatPNG)
	s.assertNoReport(models.StatusReadyToConsume, 100*time.Millisecond)
}

func (s *SubscriberSuite) TestLostNegotiationLeavesQuietly() {
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)

	s.publish(broker.DestinationEvaluation, models.Description{Formats: []models.Format{models.FormatPNG}, PoolCount: 1}, "", addressed("s2"))

	s.Eventually(func() bool { return len(s.sub.Active()) == 0 }, time.Second, 10*time.Millisecond)
	s.assertNoReport(models.StatusConsumptionCompleteFailure, 100*time.Millisecond)
	s.Empty(s.consumer.descriptions)
	s.True(s.consumer.isClosed())
}

// =============================================================================
// Consumption
// =============================================================================

func (s *SubscriberSuite) TestConsumesEvaluationAndReportsSuccess() {
	s.requestConsumer(models.FormatPNG, models.FormatCSV)
	s.waitFor(models.StatusReadyToConsume)

	props := addressed("s1")
	s.publishStatus(models.Status{CompletionStatus: models.StatusEvaluationStarted}, props)
	s.publish(broker.DestinationEvaluation, models.Description{Name: "wind", Formats: []models.Format{models.FormatPNG}, PoolCount: 3}, "", props)
	s.publish(broker.DestinationStatistics, stats("speed", 1), "", props)
	s.publish(broker.DestinationStatistics, stats("speed", 2), "g1", props)
	s.publish(broker.DestinationStatistics, stats("gust", 3), "g1", props)
	s.publishStatus(models.Status{CompletionStatus: models.StatusGroupPublicationComplete, GroupID: "g1", MessageCount: 2}, props)

	group := s.waitFor(models.StatusGroupConsumptionComplete)
	s.Equal("g1", group.GroupID)

	s.publishStatus(models.Status{CompletionStatus: models.StatusPublicationCompleteSuccess, MessageCount: 4}, props)
	s.waitFor(models.StatusConsumptionCompleteSuccess)

	s.Eventually(func() bool { return len(s.sub.Active()) == 0 }, time.Second, 10*time.Millisecond)
	s.consumer.mu.Lock()
	defer s.consumer.mu.Unlock()
	s.Require().Len(s.consumer.descriptions, 1)
	s.Equal("wind", s.consumer.descriptions[0].Name)
	s.Len(s.consumer.statistics, 1)
	s.Len(s.consumer.groups["g1"].Scores, 2, "group folded into one message")
	s.True(s.consumer.closed)
}

func (s *SubscriberSuite) TestCompletionWaitsForLateMessages() {
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)

	props := addressed("s1")
	s.publishStatus(models.Status{CompletionStatus: models.StatusPublicationCompleteSuccess, MessageCount: 2}, props)
	s.publish(broker.DestinationEvaluation, models.Description{Formats: []models.Format{models.FormatPNG}, PoolCount: 1}, "", props)
	s.assertNoReport(models.StatusConsumptionCompleteSuccess, 100*time.Millisecond)

	s.publish(broker.DestinationStatistics, stats("speed", 1), "", props)
	s.waitFor(models.StatusConsumptionCompleteSuccess)
}

// =============================================================================
// Failure
// =============================================================================

func (s *SubscriberSuite) TestConsumerErrorAfterRedeliveryReportsFailure() {
	s.consumer.statsErr = errors.New("disk full")
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)

	props := addressed("s1")
	s.publish(broker.DestinationEvaluation, models.Description{Formats: []models.Format{models.FormatPNG}, PoolCount: 1}, "", props)
	s.publish(broker.DestinationStatistics, stats("speed", 1), "", props)

	failure := s.waitFor(models.StatusConsumptionCompleteFailure)
	s.Require().Len(failure.Events, 1)
	s.Contains(failure.Events[0], "disk full")
	s.Len(s.broker.DeadLetters(), 1)
}

func (s *SubscriberSuite) TestPublisherFailureIsReported() {
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)

	props := addressed("s1")
	s.publishStatus(models.Status{CompletionStatus: models.StatusEvaluationStarted}, props)
	s.publishStatus(models.Status{CompletionStatus: models.StatusEvaluationCompleteFailure}, props)

	s.waitFor(models.StatusConsumptionCompleteFailure)
	s.Eventually(func() bool { return len(s.sub.Active()) == 0 }, time.Second, 10*time.Millisecond)
}

func (s *SubscriberSuite) TestMalformedStatusFailsAddressedConsumer() {
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)

	props := addressed("s1")
	s.publish(broker.DestinationEvaluation, models.Description{Formats: []models.Format{models.FormatPNG}, PoolCount: 1}, "", props)
	s.Require().NoError(s.broker.Publish(s.ctx, &broker.Message{
		Destination:   broker.DestinationStatus,
		MessageID:     "ID:garbled",
		CorrelationID: evalID,
		Properties:    props,
		Body:          []byte("{not json"),
	}))

	failure := s.waitFor(models.StatusConsumptionCompleteFailure)
	s.Require().Len(failure.Events, 1)
	s.Contains(failure.Events[0], "malformed status message ID:garbled")
	s.Len(s.broker.DeadLetters(), 1)
}

func (s *SubscriberSuite) TestRedeliveredMessageOfDeliveredGroupIsIgnored() {
	c := newEvaluationConsumer(s.sub, evalID, "", []models.Format{models.FormatPNG}, s.consumer)
	_, err := c.groups.Expect(s.ctx, "g1", 1)
	s.Require().NoError(err)

	body, err := models.Encode(stats("speed", 1))
	s.Require().NoError(err)
	msg := &broker.Message{
		Destination:   broker.DestinationStatistics,
		MessageID:     "ID:grouped",
		CorrelationID: evalID,
		GroupID:       "g1",
		Body:          body,
		Attempt:       1,
	}
	s.Require().NoError(c.consumeStatistics(s.ctx, msg))
	s.consumer.mu.Lock()
	s.Contains(s.consumer.groups, "g1")
	s.consumer.mu.Unlock()

	msg.Attempt = 2
	s.NoError(c.consumeStatistics(s.ctx, msg), "redelivery is already folded into the group")

	msg.Attempt = 1
	s.ErrorIs(c.consumeStatistics(s.ctx, msg), sentinel.ErrAlreadyUsed, "a fresh message for a delivered group is rejected")
}

func (s *SubscriberSuite) TestMissingDescriptionFailsAddressedConsumer() {
	s.restart(WithDescriptionTimeout(50 * time.Millisecond))
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)

	s.publishStatus(models.Status{CompletionStatus: models.StatusEvaluationStarted}, addressed("s1"))

	failure := s.waitFor(models.StatusConsumptionCompleteFailure)
	s.Contains(failure.Events[0], "no evaluation description")
}

func (s *SubscriberSuite) TestMissingDescriptionAbandonsUnaddressedConsumer() {
	s.restart(WithDescriptionTimeout(50 * time.Millisecond))
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)

	s.Eventually(func() bool { return len(s.sub.Active()) == 0 }, time.Second, 10*time.Millisecond)
	s.assertNoReport(models.StatusConsumptionCompleteFailure, 100*time.Millisecond)
}

// =============================================================================
// Heartbeat
// =============================================================================

func (s *SubscriberSuite) TestHeartbeatReportsProgress() {
	s.restart(WithHeartbeat(20 * time.Millisecond))
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)

	ongoing := s.waitFor(models.StatusConsumptionOngoing)
	s.Equal("s1", ongoing.ConsumerID())
}

func (s *SubscriberSuite) TestCloseIsIdempotent() {
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)

	s.NoError(s.sub.Close())
	s.NoError(s.sub.Close())
	s.Empty(s.sub.Active())
}

func (s *SubscriberSuite) TestCloseReleasesOpenEvaluationsSilently() {
	s.requestConsumer(models.FormatPNG)
	s.waitFor(models.StatusReadyToConsume)
	s.Require().Len(s.sub.Active(), 1)

	s.Require().NoError(s.sub.Close())
	s.Empty(s.sub.Active())
	s.True(s.consumer.isClosed(), "consumer closed on shutdown")
	s.assertNoReport(models.StatusConsumptionCompleteFailure, 100*time.Millisecond)
}

// =============================================================================
// JSON lines output
// =============================================================================

func TestJSONLinesFactory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	ctx := context.Background()

	c, err := JSONLinesFactory(dir)(evalID)
	require.NoError(t, err)
	require.NoError(t, c.Description(ctx, evalID, models.Description{Name: "wind", PoolCount: 1}))
	require.NoError(t, c.Statistics(ctx, evalID, stats("speed", 1)))
	require.NoError(t, c.(GroupConsumer).GroupedStatistics(ctx, evalID, "g1", stats("gust", 2)))
	require.NoError(t, c.(PairsConsumer).Pairs(ctx, evalID, models.Pairs{Feature: "speed"}))
	require.NoError(t, c.(interface{ Close() error }).Close())

	f, err := os.Open(filepath.Join(dir, evalID+".jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		assert.Equal(t, evalID, r.EvaluationID)
		kinds = append(kinds, r.Kind)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{RecordDescription, RecordStatistics, RecordGroup, RecordPairs}, kinds)
}
