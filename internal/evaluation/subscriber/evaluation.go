package subscriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"evalbus/internal/broker"
	"evalbus/internal/evaluation/aggregate"
	"evalbus/internal/evaluation/models"
	dErrors "evalbus/pkg/domain-errors"
	"evalbus/pkg/platform/latch"
	"evalbus/pkg/platform/sentinel"
)

// evaluationConsumer serves one evaluation for its subscriber.
type evaluationConsumer struct {
	owner        *Subscriber
	evaluationID string
	jobID        string
	formats      []models.Format
	consumer     Consumer

	// remaining counts addressed data messages still to consume. Its target
	// is only known once publication completes.
	remaining *latch.Latch
	groups    *aggregate.Registry[models.Statistics]
	timer     *time.Timer

	mu          sync.Mutex
	subs        []broker.Subscription
	addressed   bool
	described   bool
	totalsKnown bool
	finished    bool
}

func newEvaluationConsumer(owner *Subscriber, evaluationID, jobID string, formats []models.Format, consumer Consumer) *evaluationConsumer {
	c := &evaluationConsumer{
		owner:        owner,
		evaluationID: evaluationID,
		jobID:        jobID,
		formats:      formats,
		consumer:     consumer,
		remaining:    latch.NewUpDown(),
	}
	c.groups = aggregate.NewRegistry(models.MergeStatistics, c.deliverGroup)
	return c
}

func (c *evaluationConsumer) subscribe(ctx context.Context) error {
	c.timer = time.AfterFunc(c.owner.descriptionTimeout, func() {
		c.descriptionOverdue(context.WithoutCancel(ctx))
	})

	sel := broker.ForEvaluation(c.evaluationID)
	name := "evaluation-" + c.evaluationID + "-" + c.owner.id

	router := broker.NewRouter(c.owner.logger, nil)
	router.Register(broker.DestinationEvaluation, c.data(c.consumeDescription))
	router.Register(broker.DestinationStatistics, c.data(c.consumeStatistics))
	router.Register(broker.DestinationPairs, c.data(c.consumePairs))
	router.Register(broker.DestinationStatus, broker.HandlerFunc(c.handleStatus))

	for _, dest := range broker.Destinations() {
		sub, err := c.owner.broker.Subscribe(ctx, dest, sel, router,
			broker.WithName(name+"-"+string(dest)),
			broker.WithDeadLetter(c.deadLetter),
		)
		if err != nil {
			_ = c.close()
			return dErrors.Wrap(err, dErrors.CodeUnavailable, fmt.Sprintf("failed to subscribe to %s for evaluation %s", dest, c.evaluationID))
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}
	return nil
}

// addressing classifies a message by its format properties.
type addressing int

const (
	unaddressed addressing = iota
	mine
	theirs
)

func (c *evaluationConsumer) addressing(msg *broker.Message) addressing {
	if len(msg.Properties) == 0 {
		return unaddressed
	}
	for _, f := range c.formats {
		if msg.Property(string(f)) == c.owner.id {
			return mine
		}
	}
	return theirs
}

// route reports whether a message should be consumed, abandoning the
// evaluation when the negotiation went to other subscribers.
func (c *evaluationConsumer) route(ctx context.Context, msg *broker.Message) bool {
	switch c.addressing(msg) {
	case mine:
		c.mu.Lock()
		c.addressed = true
		c.mu.Unlock()
		return true
	case theirs:
		c.abandon(ctx, "negotiation assigned every offered format to other subscribers")
	}
	return false
}

// data wraps a consume step with addressing and completion accounting.
func (c *evaluationConsumer) data(consume func(context.Context, *broker.Message) error) broker.Handler {
	return broker.HandlerFunc(func(ctx context.Context, msg *broker.Message) error {
		if c.isFinished() || !c.route(ctx, msg) {
			return nil
		}
		if err := consume(ctx, msg); err != nil {
			return err
		}
		c.remaining.CountDown()
		c.completeIfDone(ctx)
		return nil
	})
}

func (c *evaluationConsumer) consumeDescription(ctx context.Context, msg *broker.Message) error {
	d, err := models.Decode[models.Description](msg.Body)
	if err != nil {
		return err
	}
	if err := c.consumer.Description(ctx, c.evaluationID, d); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "consumer rejected the evaluation description")
	}

	c.mu.Lock()
	c.described = true
	c.mu.Unlock()
	c.timer.Stop()
	return nil
}

func (c *evaluationConsumer) consumeStatistics(ctx context.Context, msg *broker.Message) error {
	stats, err := models.Decode[models.Statistics](msg.Body)
	if err != nil {
		return err
	}
	if msg.GroupID != "" {
		_, err := c.groups.Accept(ctx, msg.GroupID, stats)
		// A redelivery of the message that fired its group is already folded in.
		if msg.Attempt > 1 && errors.Is(err, sentinel.ErrAlreadyUsed) {
			c.owner.logger.DebugContext(ctx, "ignoring redelivered message of a delivered group",
				"evaluation_id", c.evaluationID,
				"group_id", msg.GroupID,
				"message_id", msg.MessageID,
			)
			return nil
		}
		return err
	}
	if err := c.consumer.Statistics(ctx, c.evaluationID, stats); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "consumer rejected statistics")
	}
	return nil
}

func (c *evaluationConsumer) consumePairs(ctx context.Context, msg *broker.Message) error {
	pc, ok := c.consumer.(PairsConsumer)
	if !ok {
		return nil
	}
	pairs, err := models.Decode[models.Pairs](msg.Body)
	if err != nil {
		return err
	}
	if err := pc.Pairs(ctx, c.evaluationID, pairs); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "consumer rejected pairs")
	}
	return nil
}

// deliverGroup hands a folded group to the consumer and reports it.
func (c *evaluationConsumer) deliverGroup(ctx context.Context, groupID string, merged models.Statistics) error {
	var err error
	if gc, ok := c.consumer.(GroupConsumer); ok {
		err = gc.GroupedStatistics(ctx, c.evaluationID, groupID, merged)
	} else {
		err = c.consumer.Statistics(ctx, c.evaluationID, merged)
	}
	if err != nil {
		return err
	}

	c.owner.metrics.IncGroupsDelivered()
	if err := c.report(ctx, models.Status{
		CompletionStatus: models.StatusGroupConsumptionComplete,
		GroupID:          groupID,
	}); err != nil {
		return err
	}
	return c.report(ctx, models.Status{CompletionStatus: models.StatusConsumptionOngoing})
}

func (c *evaluationConsumer) handleStatus(ctx context.Context, msg *broker.Message) error {
	if c.isFinished() {
		return nil
	}
	status, err := models.Decode[models.Status](msg.Body)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed status message "+msg.MessageID)
	}
	// Subscriber reports, ours included.
	if status.Consumer != nil {
		return nil
	}

	switch status.CompletionStatus {
	case models.StatusEvaluationCompleteSuccess:
		c.abandon(ctx, "evaluation completed")
		return nil
	case models.StatusEvaluationCompleteFailure, models.StatusPublicationCompleteFailure:
		if c.addressing(msg) == mine {
			c.fail(ctx, dErrors.Newf(dErrors.CodeFailedPrecondition, "publisher reported %s", status.CompletionStatus))
			return nil
		}
		c.abandon(ctx, "evaluation failed before this subscriber was addressed")
		return nil
	}

	if !c.route(ctx, msg) {
		return nil
	}

	switch status.CompletionStatus {
	case models.StatusGroupPublicationComplete:
		groupID := status.GroupID
		if groupID == "" {
			groupID = msg.GroupID
		}
		if groupID == "" {
			return nil
		}
		if _, err := c.groups.Expect(ctx, groupID, status.MessageCount); err != nil {
			return err
		}
		c.completeIfDone(ctx)
	case models.StatusPublicationCompleteSuccess:
		c.remaining.AddCount(status.MessageCount + status.PairsMessageCount)
		c.mu.Lock()
		c.totalsKnown = true
		c.mu.Unlock()
		c.completeIfDone(ctx)
	}
	return nil
}

// completeIfDone reports success once every expected message has been
// consumed and every group delivered.
func (c *evaluationConsumer) completeIfDone(ctx context.Context) {
	c.mu.Lock()
	if c.finished || !c.totalsKnown || !c.described || c.remaining.Count() > 0 || len(c.groups.Pending()) > 0 {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	if err := c.report(ctx, models.Status{CompletionStatus: models.StatusConsumptionCompleteSuccess}); err != nil {
		c.owner.logger.ErrorContext(ctx, "failed to report consumption success",
			"evaluation_id", c.evaluationID,
			"error", err,
		)
	}
	c.owner.metrics.IncSubscriberEvaluation("success")
	c.owner.logger.InfoContext(ctx, "evaluation consumed",
		"evaluation_id", c.evaluationID,
		"subscriber_id", c.owner.id,
	)
	c.finish(ctx, nil)
}

func (c *evaluationConsumer) deadLetter(ctx context.Context, msg *broker.Message, err error) {
	c.fail(ctx, dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("message %s could not be consumed", msg.MessageID)))
}

// fail reports consumption failure once and ends the evaluation.
func (c *evaluationConsumer) fail(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	c.owner.logger.ErrorContext(ctx, "evaluation consumption failed",
		"evaluation_id", c.evaluationID,
		"subscriber_id", c.owner.id,
		"error", cause,
	)
	if err := c.report(ctx, models.Status{
		CompletionStatus: models.StatusConsumptionCompleteFailure,
		Events:           []string{cause.Error()},
	}); err != nil {
		c.owner.logger.ErrorContext(ctx, "failed to report consumption failure",
			"evaluation_id", c.evaluationID,
			"error", err,
		)
	}
	c.owner.metrics.IncSubscriberEvaluation("failure")
	c.finish(ctx, cause)
}

// abandon ends the evaluation without reporting anything.
func (c *evaluationConsumer) abandon(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	addressed := c.addressed
	c.mu.Unlock()

	c.owner.logger.InfoContext(ctx, "leaving evaluation",
		"evaluation_id", c.evaluationID,
		"subscriber_id", c.owner.id,
		"reason", reason,
	)
	if !addressed {
		c.owner.metrics.IncSubscriberEvaluation("not_selected")
	}
	c.finish(ctx, nil)
}

// release ends the evaluation on shutdown, closing its consumer without
// reporting or counting an outcome.
func (c *evaluationConsumer) release(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	c.owner.logger.InfoContext(ctx, "leaving evaluation",
		"evaluation_id", c.evaluationID,
		"subscriber_id", c.owner.id,
		"reason", reason,
	)
	c.finish(ctx, nil)
}

func (c *evaluationConsumer) descriptionOverdue(ctx context.Context) {
	c.mu.Lock()
	described, addressed := c.described, c.addressed
	c.mu.Unlock()

	switch {
	case described:
		return
	case addressed:
		c.fail(ctx, dErrors.Newf(dErrors.CodeTimeout,
			"no evaluation description received within %s", c.owner.descriptionTimeout))
	default:
		c.abandon(ctx, "no evaluation description received")
	}
}

func (c *evaluationConsumer) finish(ctx context.Context, cause error) {
	c.owner.forget(c.evaluationID)
	if closer, ok := c.consumer.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.owner.logger.WarnContext(ctx, "failed to close consumer",
				"evaluation_id", c.evaluationID,
				"error", errors.Join(err, cause),
			)
		}
	}
	if err := c.close(); err != nil {
		c.owner.logger.WarnContext(ctx, "failed to close evaluation subscriptions",
			"evaluation_id", c.evaluationID,
			"error", err,
		)
	}
}

// reportProgress is the heartbeat of an open evaluation.
func (c *evaluationConsumer) reportProgress(ctx context.Context) {
	if c.isFinished() {
		return
	}
	if err := c.report(ctx, models.Status{CompletionStatus: models.StatusConsumptionOngoing}); err != nil {
		c.owner.logger.WarnContext(ctx, "failed to report progress",
			"evaluation_id", c.evaluationID,
			"error", err,
		)
	}
}

func (c *evaluationConsumer) report(ctx context.Context, status models.Status) error {
	status.Consumer = c.owner.consumer(c.formats)
	return c.owner.sendStatus(ctx, c.evaluationID, c.jobID, status)
}

func (c *evaluationConsumer) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *evaluationConsumer) close() error {
	if c.timer != nil {
		c.timer.Stop()
	}

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	var g errgroup.Group
	for _, sub := range subs {
		g.Go(sub.Close)
	}
	return g.Wait()
}
