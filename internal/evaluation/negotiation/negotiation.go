// Package negotiation assigns exactly one subscriber to every output format an
// evaluation requires.
//
// Negotiation is a bounded auction. The negotiator broadcasts the formats it
// still needs, collects offers from approved subscribers, waits a short grace
// window once every format has at least one offer, and then assigns formats
// to the subscribers covering the most of them. Ties are broken at random.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"evalbus/internal/evaluation/approval"
	"evalbus/internal/evaluation/metrics"
	"evalbus/internal/evaluation/models"
	dErrors "evalbus/pkg/domain-errors"
	"evalbus/pkg/platform/latch"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 5 * time.Minute
	DefaultGrace    = 100 * time.Millisecond
)

// BroadcastFunc announces the formats that still lack a subscriber.
type BroadcastFunc func(ctx context.Context, awaiting []models.Format) error

type Negotiator struct {
	evaluationID string
	required     []models.Format
	approver     approval.Approver
	broadcast    BroadcastFunc

	interval time.Duration
	timeout  time.Duration
	grace    time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	rng          *rand.Rand
	offers       map[models.Format][]string
	offered      map[string]bool
	latches      map[models.Format]*latch.Latch
	frozen       bool
	stopped      bool
	broadcastErr error
}

type Option func(*Negotiator)

func WithLogger(logger *slog.Logger) Option {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Negotiator) {
		n.metrics = m
	}
}

// WithRand injects the tie-break source. Seed it to make assignment
// reproducible.
func WithRand(r *rand.Rand) Option {
	return func(n *Negotiator) {
		if r != nil {
			n.rng = r
		}
	}
}

// WithInterval sets the period between "consumer required" broadcasts.
func WithInterval(d time.Duration) Option {
	return func(n *Negotiator) {
		if d > 0 {
			n.interval = d
		}
	}
}

// WithTimeout bounds the whole negotiation. Unlike the consumption timeouts
// this deadline is absolute.
func WithTimeout(d time.Duration) Option {
	return func(n *Negotiator) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithGrace sets how long competing offers are still admitted once every
// format has an offer.
func WithGrace(d time.Duration) Option {
	return func(n *Negotiator) {
		if d >= 0 {
			n.grace = d
		}
	}
}

func New(evaluationID string, required []models.Format, approver approval.Approver, broadcast BroadcastFunc, opts ...Option) (*Negotiator, error) {
	if evaluationID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "negotiation requires an evaluation id")
	}
	if len(required) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "negotiation requires at least one format")
	}
	if approver == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "negotiation requires a subscriber approver")
	}
	if broadcast == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "negotiation requires a broadcast function")
	}

	n := &Negotiator{
		evaluationID: evaluationID,
		required:     slices.Compact(models.SortFormats(required)),
		approver:     approver,
		broadcast:    broadcast,
		interval:     DefaultInterval,
		timeout:      DefaultTimeout,
		grace:        DefaultGrace,
		logger:       slog.New(slog.DiscardHandler),
		rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		offers:       make(map[models.Format][]string),
		offered:      make(map[string]bool),
		latches:      make(map[models.Format]*latch.Latch),
	}
	for _, opt := range opts {
		opt(n)
	}
	for _, f := range n.required {
		n.latches[f] = latch.New(1)
	}
	return n, nil
}

// Offer registers a READY_TO_CONSUME status as an offer. Offers are ignored
// when the subscriber already offered, is approved for none of the formats
// it lists, or arrive after assignment. It reports whether the offer was
// recorded for at least one required format.
func (n *Negotiator) Offer(ctx context.Context, status models.Status) (bool, error) {
	if status.CompletionStatus != models.StatusReadyToConsume {
		n.logger.WarnContext(ctx, "ignoring non-offer status during negotiation",
			"evaluation_id", n.evaluationID,
			"completion_status", status.CompletionStatus,
		)
		return false, nil
	}
	if status.Consumer == nil {
		n.logger.WarnContext(ctx, "ignoring offer without consumer description",
			"evaluation_id", n.evaluationID,
		)
		return false, nil
	}
	subscriberID := status.Consumer.ConsumerID
	if subscriberID == "" {
		return false, dErrors.Newf(dErrors.CodeInvalidInput,
			"offer for evaluation %s has no consumer id", n.evaluationID)
	}

	approved, err := approval.ApprovedFormats(ctx, n.approver, subscriberID, status.Consumer.Formats)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "subscriber approval check failed")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.frozen {
		n.logger.DebugContext(ctx, "offer arrived after assignment",
			"evaluation_id", n.evaluationID,
			"subscriber_id", subscriberID,
		)
		return false, nil
	}
	if n.offered[subscriberID] {
		n.logger.DebugContext(ctx, "subscriber already offered",
			"evaluation_id", n.evaluationID,
			"subscriber_id", subscriberID,
		)
		return false, nil
	}
	if len(approved) == 0 {
		n.logger.DebugContext(ctx, "offer rejected: subscriber not approved for any offered format",
			"evaluation_id", n.evaluationID,
			"subscriber_id", subscriberID,
			"formats", status.Consumer.Formats,
		)
		return false, nil
	}
	n.offered[subscriberID] = true

	useful := models.Intersect(n.required, approved)
	for _, f := range useful {
		n.offers[f] = append(n.offers[f], subscriberID)
		n.latches[f].CountDown()
	}

	n.logger.InfoContext(ctx, "subscriber offered formats",
		"evaluation_id", n.evaluationID,
		"subscriber_id", subscriberID,
		"offered", status.Consumer.Formats,
		"accepted", useful,
		"awaiting", n.awaitingLocked(),
	)
	return len(useful) > 0, nil
}

// Negotiate blocks until every required format has a subscriber and returns
// the assignment. It fails with CodeTimeout naming the unresolved formats
// when the deadline passes, and with CodeUnavailable when broadcasting fails.
func (n *Negotiator) Negotiate(ctx context.Context) (map[models.Format]string, error) {
	started := time.Now()
	n.logger.InfoContext(ctx, "awaiting subscribers",
		"evaluation_id", n.evaluationID,
		"formats", n.required,
	)

	assigned, err := n.negotiate(ctx)
	n.metrics.ObserveNegotiation(time.Since(started), err != nil)
	if err != nil {
		return nil, err
	}

	n.logger.InfoContext(ctx, "subscribers negotiated",
		"evaluation_id", n.evaluationID,
		"assignment", assigned,
		"duration", time.Since(started),
	)
	return assigned, nil
}

func (n *Negotiator) negotiate(ctx context.Context) (map[models.Format]string, error) {
	waitCtx, cancelWait := context.WithTimeout(ctx, n.timeout)
	defer cancelWait()

	broadcastCtx, stopBroadcast := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.runBroadcast(broadcastCtx)
	}()

	for _, f := range n.required {
		if _, err := n.latches[f].Await(waitCtx, 0); err != nil {
			break
		}
	}
	stopBroadcast()
	wg.Wait()

	n.mu.Lock()
	broadcastErr, stopped := n.broadcastErr, n.stopped
	n.mu.Unlock()

	if broadcastErr != nil {
		return nil, dErrors.Wrap(broadcastErr, dErrors.CodeUnavailable,
			fmt.Sprintf("evaluation %s failed to notify subscribers of the formats required", n.evaluationID))
	}
	if stopped {
		return nil, dErrors.Newf(dErrors.CodeFailedPrecondition,
			"negotiation for evaluation %s was stopped", n.evaluationID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if awaiting := n.Awaiting(); len(awaiting) > 0 {
		return nil, dErrors.Newf(dErrors.CodeTimeout,
			"failed to negotiate all subscriptions within %s: no subscriber offered formats %v",
			n.timeout, awaiting)
	}

	if n.grace > 0 {
		timer := time.NewTimer(n.grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.frozen = true
	n.logger.InfoContext(ctx, "subscription offers received",
		"evaluation_id", n.evaluationID,
		"offers", n.offers,
	)
	return n.chooseLocked()
}

// runBroadcast announces awaited formats immediately and then every interval
// until ctx is done or every format has an offer.
func (n *Negotiator) runBroadcast(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		awaiting := n.Awaiting()
		if len(awaiting) == 0 {
			return
		}
		if err := n.broadcast(ctx, awaiting); err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.ErrorContext(ctx, "consumer required broadcast failed",
				"evaluation_id", n.evaluationID,
				"error", err,
			)
			n.mu.Lock()
			n.broadcastErr = err
			n.mu.Unlock()
			n.releaseLatches()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// chooseLocked assigns formats. Each round picks an unassigned format, finds
// the subscribers offering it that cover the most unassigned formats, picks
// one at random and hands it every unassigned format it offered.
func (n *Negotiator) chooseLocked() (map[models.Format]string, error) {
	assigned := make(map[models.Format]string, len(n.required))

	for _, f := range n.required {
		if _, ok := assigned[f]; ok {
			continue
		}
		candidates := n.offers[f]
		if len(candidates) == 0 {
			return nil, dErrors.Newf(dErrors.CodeTimeout, "format %s was not offered by any subscriber", f)
		}

		best, bestCoverage := []string(nil), 0
		for _, c := range candidates {
			coverage := len(n.unassignedOfferedByLocked(c, assigned))
			switch {
			case coverage > bestCoverage:
				best, bestCoverage = []string{c}, coverage
			case coverage == bestCoverage:
				best = append(best, c)
			}
		}
		slices.Sort(best)
		winner := best[n.rng.IntN(len(best))]

		for _, g := range n.unassignedOfferedByLocked(winner, assigned) {
			assigned[g] = winner
		}
	}
	return assigned, nil
}

func (n *Negotiator) unassignedOfferedByLocked(subscriberID string, assigned map[models.Format]string) []models.Format {
	var out []models.Format
	for _, f := range n.required {
		if _, done := assigned[f]; done {
			continue
		}
		if slices.Contains(n.offers[f], subscriberID) {
			out = append(out, f)
		}
	}
	return out
}

// Stop abandons negotiation. A blocked Negotiate returns promptly.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
	n.releaseLatches()
}

func (n *Negotiator) releaseLatches() {
	for _, l := range n.latches {
		l.Release()
	}
}

// Awaiting returns the required formats that have no offer yet.
func (n *Negotiator) Awaiting() []models.Format {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.awaitingLocked()
}

func (n *Negotiator) awaitingLocked() []models.Format {
	var out []models.Format
	for _, f := range n.required {
		if n.latches[f].Count() > 0 {
			out = append(out, f)
		}
	}
	return out
}

// Required returns the formats being negotiated.
func (n *Negotiator) Required() []models.Format {
	return slices.Clone(n.required)
}

// Offers returns a snapshot of the offers recorded per format.
func (n *Negotiator) Offers() map[models.Format][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := maps.Clone(n.offers)
	for f, ids := range out {
		out[f] = slices.Clone(ids)
	}
	return out
}
