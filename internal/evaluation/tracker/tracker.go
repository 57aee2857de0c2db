// Package tracker follows the status events of one evaluation and decides
// when it has finished.
//
// Publication completes once, with no time bound. Each negotiated subscriber
// then has a liveness latch that only times out after a period of silence,
// so slow subscribers that keep reporting progress never fail.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"evalbus/internal/broker"
	"evalbus/internal/evaluation/flow"
	"evalbus/internal/evaluation/models"
	"evalbus/internal/evaluation/negotiation"
	dErrors "evalbus/pkg/domain-errors"
	"evalbus/pkg/platform/latch"
)

const (
	DefaultConsumptionTimeout = 120 * time.Minute
	defaultProgressInterval   = 10 * time.Second
)

// Exit codes reported by Await.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// FailureFunc is told when the tracker can no longer follow the evaluation.
type FailureFunc func(ctx context.Context, err error)

type Tracker struct {
	evaluationID string
	identity     string
	flow         *flow.Controller
	negotiator   *negotiation.Negotiator

	consumptionTimeout time.Duration
	progressInterval   time.Duration
	onFailure          FailureFunc

	logger *slog.Logger

	publication *latch.Latch

	mu          sync.Mutex
	negotiated  bool
	subscribers map[string]*latch.Latch
	success     map[string]bool
	failure     map[string]bool
	exitCode    int
	firstErr    error
	unusable    bool
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithNegotiator forwards READY_TO_CONSUME offers until negotiation ends.
func WithNegotiator(n *negotiation.Negotiator) Option {
	return func(t *Tracker) {
		t.negotiator = n
	}
}

// WithConsumptionTimeout bounds the silence tolerated from each subscriber.
func WithConsumptionTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.consumptionTimeout = d
		}
	}
}

// WithProgressInterval sets how often Await logs the time left for the
// subscriber it is waiting on.
func WithProgressInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.progressInterval = d
		}
	}
}

// WithFailureHandler is called when status consumption fails for good.
func WithFailureHandler(fn FailureFunc) Option {
	return func(t *Tracker) {
		t.onFailure = fn
	}
}

// New creates a tracker. identity is the publisher's own client id; status
// events reported under it are never treated as subscriber progress.
func New(evaluationID, identity string, fc *flow.Controller, opts ...Option) (*Tracker, error) {
	if evaluationID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tracker requires an evaluation id")
	}
	if identity == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tracker requires an identity")
	}
	if fc == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tracker requires a flow controller")
	}

	t := &Tracker{
		evaluationID:       evaluationID,
		identity:           identity,
		flow:               fc,
		consumptionTimeout: DefaultConsumptionTimeout,
		progressInterval:   defaultProgressInterval,
		logger:             slog.New(slog.DiscardHandler),
		publication:        latch.New(1),
		subscribers:        make(map[string]*latch.Latch),
		success:            make(map[string]bool),
		failure:            make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Handle decodes a status message and applies it. Decode failures are
// returned so the broker redelivers.
func (t *Tracker) Handle(ctx context.Context, msg *broker.Message) error {
	status, err := models.Decode[models.Status](msg.Body)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed status message "+msg.MessageID)
	}
	return t.Accept(ctx, status)
}

// DeadLetter marks the tracker unusable once a status message exhausted its
// deliveries. It matches broker.DeadLetterFunc.
func (t *Tracker) DeadLetter(ctx context.Context, msg *broker.Message, err error) {
	t.mu.Lock()
	if t.unusable {
		t.mu.Unlock()
		return
	}
	t.unusable = true
	failure := dErrors.Wrap(err, dErrors.CodeInternal,
		fmt.Sprintf("evaluation %s status tracker could not consume message %s", t.evaluationID, msg.MessageID))
	if t.firstErr == nil {
		t.firstErr = failure
	}
	t.exitCode = ExitFailure
	t.mu.Unlock()

	t.logger.ErrorContext(ctx, "status tracker failed unrecoverably",
		"evaluation_id", t.evaluationID,
		"message_id", msg.MessageID,
		"error", err,
	)
	if t.onFailure != nil {
		t.onFailure(ctx, failure)
	}
}

// Accept applies one status event.
func (t *Tracker) Accept(ctx context.Context, status models.Status) error {
	switch status.CompletionStatus {
	case models.StatusPublicationCompleteSuccess:
		t.publication.CountDown()
	case models.StatusPublicationCompleteFailure,
		models.StatusConsumptionCompleteFailure,
		models.StatusEvaluationCompleteFailure:
		return t.stopOnFailure(ctx, status)
	case models.StatusReadyToConsume:
		return t.registerReady(ctx, status)
	case models.StatusConsumptionCompleteSuccess:
		return t.registerSuccess(ctx, status)
	case models.StatusConsumptionOngoing:
		return t.registerOngoing(ctx, status)
	case models.StatusGroupPublicationComplete:
		t.flow.Start()
	case models.StatusGroupConsumptionComplete:
		t.registerGroupConsumed(ctx, status)
	default:
		// Negotiation requests and publisher heartbeats need no tracking.
	}
	return nil
}

// SetNegotiated registers the winning subscribers with the tracker and the
// flow controller. Offers are no longer forwarded afterwards.
func (t *Tracker) SetNegotiated(assignment map[models.Format]string) error {
	ids := slices.Sorted(maps.Values(assignment))
	ids = slices.Compact(ids)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.negotiated = true
	for _, id := range ids {
		if id == t.identity {
			continue
		}
		if _, ok := t.subscribers[id]; !ok {
			t.subscribers[id] = latch.New(1)
		}
		if err := t.flow.AddSubscriber(id); err != nil {
			return err
		}
	}
	return nil
}

// Await blocks until publication is complete and every negotiated subscriber
// has reported success, or the evaluation failed. It returns the exit code,
// or a CodeTimeout error naming every subscriber that went silent for longer
// than the consumption timeout.
func (t *Tracker) Await(ctx context.Context) (int, error) {
	t.logger.DebugContext(ctx, "awaiting publication complete", "evaluation_id", t.evaluationID)
	if _, err := t.publication.Await(ctx, 0); err != nil {
		return ExitFailure, err
	}

	for _, id := range t.Subscribers() {
		if err := t.awaitSubscriber(ctx, id); err != nil {
			return ExitFailure, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var stalled []string
	for _, id := range slices.Sorted(maps.Keys(t.subscribers)) {
		if t.subscribers[id].Count() > 0 {
			stalled = append(stalled, id)
		}
	}
	if len(stalled) > 0 {
		return ExitFailure, dErrors.Newf(dErrors.CodeTimeout,
			"evaluation %s: subscribers %s showed no progress within %s; subscribers must report status regularly to reset the timeout",
			t.evaluationID, strings.Join(stalled, ", "), t.consumptionTimeout)
	}
	return t.exitCode, nil
}

func (t *Tracker) awaitSubscriber(ctx context.Context, id string) error {
	t.mu.Lock()
	l := t.subscribers[id]
	t.mu.Unlock()

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go t.logProgress(progressCtx, id, l)

	_, err := l.Await(ctx, t.consumptionTimeout)
	return err
}

func (t *Tracker) logProgress(ctx context.Context, id string, l *latch.Latch) {
	ticker := time.NewTicker(t.progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			remaining := t.consumptionTimeout - time.Since(l.LastReset())
			t.logger.InfoContext(ctx, "awaiting subscriber",
				"evaluation_id", t.evaluationID,
				"subscriber_id", id,
				"remaining", remaining.Round(time.Second),
			)
		}
	}
}

// Stop releases every latch so Await returns. Used when the evaluation is
// stopped from outside.
func (t *Tracker) Stop() {
	if t.negotiator != nil {
		t.negotiator.Stop()
	}
	t.releaseAll()
}

func (t *Tracker) releaseAll() {
	t.publication.Release()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.subscribers {
		l.Release()
	}
}

func (t *Tracker) stopOnFailure(ctx context.Context, status models.Status) error {
	id := status.ConsumerID()

	t.mu.Lock()
	if _, tracked := t.subscribers[id]; id != "" && t.negotiated && !tracked {
		t.mu.Unlock()
		t.logger.DebugContext(ctx, "ignoring failure from subscriber that was not negotiated",
			"evaluation_id", t.evaluationID,
			"subscriber_id", id,
			"completion_status", status.CompletionStatus,
		)
		return nil
	}
	t.exitCode = ExitFailure
	failure := dErrors.Newf(dErrors.CodeInternal, "evaluation %s received %s from %s: %s",
		t.evaluationID, status.CompletionStatus, reporter(id), strings.Join(status.Events, "; "))
	if t.firstErr == nil {
		t.firstErr = failure
	}
	var protocolErr string
	if id != "" {
		switch {
		case t.failure[id]:
			protocolErr = "already marked failed"
		case t.success[id]:
			protocolErr = "previously marked successful"
		}
		t.failure[id] = true
	}
	t.mu.Unlock()

	if protocolErr != "" {
		t.logger.WarnContext(ctx, "subscriber reported failure twice",
			"evaluation_id", t.evaluationID,
			"subscriber_id", id,
			"reason", protocolErr,
		)
	}
	t.logger.ErrorContext(ctx, "evaluation failed",
		"evaluation_id", t.evaluationID,
		"completion_status", status.CompletionStatus,
		"subscriber_id", id,
		"events", status.Events,
	)

	t.releaseAll()
	t.flow.ForceRelease()
	return nil
}

func (t *Tracker) registerReady(ctx context.Context, status models.Status) error {
	id := status.ConsumerID()
	if id == "" {
		return dErrors.Newf(dErrors.CodeInvalidInput,
			"evaluation %s received %s without a consumer id", t.evaluationID, status.CompletionStatus)
	}

	t.mu.Lock()
	negotiated := t.negotiated
	t.mu.Unlock()

	if !negotiated && t.negotiator != nil && id != t.identity {
		_, err := t.negotiator.Offer(ctx, status)
		return err
	}
	return t.registerOngoing(ctx, status)
}

func (t *Tracker) registerOngoing(ctx context.Context, status models.Status) error {
	l, err := t.subscriberLatch(ctx, status)
	if err != nil || l == nil {
		return err
	}
	l.ResetClock()
	return nil
}

func (t *Tracker) registerSuccess(ctx context.Context, status models.Status) error {
	l, err := t.subscriberLatch(ctx, status)
	if err != nil || l == nil {
		return err
	}
	id := status.ConsumerID()

	t.mu.Lock()
	var protocolErr string
	switch {
	case t.failure[id]:
		protocolErr = "previously marked failed"
	case t.success[id]:
		protocolErr = "already marked successful"
	}
	t.success[id] = true
	t.mu.Unlock()

	if protocolErr != "" {
		t.logger.WarnContext(ctx, "ignoring repeated completion",
			"evaluation_id", t.evaluationID,
			"subscriber_id", id,
			"reason", protocolErr,
		)
		return nil
	}

	l.CountDown()
	t.logger.InfoContext(ctx, "subscriber completed consumption",
		"evaluation_id", t.evaluationID,
		"subscriber_id", id,
	)
	return nil
}

func (t *Tracker) registerGroupConsumed(ctx context.Context, status models.Status) {
	id := status.ConsumerID()
	if id == "" {
		t.logger.DebugContext(ctx, "group consumption without consumer, flow unchanged",
			"evaluation_id", t.evaluationID,
			"group_id", status.GroupID,
		)
		return
	}
	if err := t.flow.Stop(id); err != nil {
		t.logger.DebugContext(ctx, "group consumption from untracked subscriber",
			"evaluation_id", t.evaluationID,
			"subscriber_id", id,
			"error", err,
		)
	}
}

// subscriberLatch returns the latch of a tracked subscriber, or nil for
// the tracker's own reports and subscribers that were not negotiated.
func (t *Tracker) subscriberLatch(ctx context.Context, status models.Status) (*latch.Latch, error) {
	id := status.ConsumerID()
	if id == "" {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput,
			"evaluation %s received %s without a consumer id", t.evaluationID, status.CompletionStatus)
	}
	if id == t.identity {
		return nil, nil
	}

	t.mu.Lock()
	l := t.subscribers[id]
	t.mu.Unlock()

	if l == nil {
		t.logger.DebugContext(ctx, "ignoring status from subscriber that was not negotiated",
			"evaluation_id", t.evaluationID,
			"subscriber_id", id,
			"completion_status", status.CompletionStatus,
		)
	}
	return l, nil
}

// Subscribers returns the tracked subscriber ids, sorted.
func (t *Tracker) Subscribers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.subscribers))
}

// FailedSubscribers returns subscribers that reported failure, sorted.
func (t *Tracker) FailedSubscribers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id := range t.failure {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Failed reports whether a failure status was seen or status consumption
// failed for good.
func (t *Tracker) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode != ExitSuccess
}

// FirstFailure returns the first failure recorded, or nil.
func (t *Tracker) FirstFailure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstErr
}

func reporter(id string) string {
	if id == "" {
		return "the publisher"
	}
	return "subscriber " + id
}
