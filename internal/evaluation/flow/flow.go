// Package flow implements credit-based backpressure between one publisher
// and its negotiated subscribers.
//
// Each subscriber earns one credit per fully consumed group. Once engaged,
// the publisher pauses before its next group-tagged publish until every
// subscriber holds credit, at which point one credit is spent from each and
// publication resumes.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"evalbus/internal/evaluation/metrics"
	dErrors "evalbus/pkg/domain-errors"
	"evalbus/pkg/platform/sentinel"
)

// Controller gates group-tagged publication on subscriber credits.
type Controller struct {
	mu       sync.Mutex
	credits  map[string]int
	engaged  bool
	disabled bool
	resume   chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for engagement and credit events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics records credit waits.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// New returns a disengaged controller with no registered subscribers.
func New(opts ...Option) *Controller {
	c := &Controller{
		credits: make(map[string]int),
		resume:  closedChan(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddSubscriber registers a ledger entry with zero credit. Registering the
// same subscriber twice is a no-op.
func (c *Controller) AddSubscriber(id string) error {
	if id == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "flow control subscriber id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.credits[id]; !ok {
		c.credits[id] = 0
	}
	return nil
}

// Start engages backpressure. Credit already earned by every subscriber is
// spent at once, so a ledger that is already satisfied never blocks.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled || c.engaged {
		return
	}
	c.engaged = true
	c.resume = make(chan struct{})
	c.logger.Debug("flow control engaged", "subscribers", len(c.credits))
	c.releaseIfCreditedLocked()
}

// Stop grants one credit to a subscriber that has drained a group and
// releases backpressure when every subscriber holds credit.
func (c *Controller) Stop(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.credits[id]; !ok {
		return dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound,
			fmt.Sprintf("subscriber %q is not registered for flow control", id))
	}
	c.credits[id]++
	c.releaseIfCreditedLocked()
	return nil
}

// ForceRelease releases any waiting publisher and disables backpressure for
// good. Used when the evaluation stops or fails.
func (c *Controller) ForceRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disabled = true
	if c.engaged {
		c.engaged = false
		close(c.resume)
	}
}

// Wait blocks while backpressure is engaged.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	engaged := c.engaged
	resume := c.resume
	c.mu.Unlock()

	if !engaged {
		return nil
	}

	started := time.Now()
	select {
	case <-resume:
		c.metrics.ObserveFlowWait(time.Since(started))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Engaged reports whether publication is currently held back.
func (c *Controller) Engaged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engaged
}

// Credit returns a subscriber's current credit.
func (c *Controller) Credit(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credits[id]
}

// Subscribers returns the registered subscriber ids, sorted.
func (c *Controller) Subscribers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.credits))
}

func (c *Controller) releaseIfCreditedLocked() {
	if !c.engaged {
		return
	}
	for _, credit := range c.credits {
		if credit <= 0 {
			return
		}
	}
	for id := range c.credits {
		c.credits[id]--
	}
	c.engaged = false
	close(c.resume)
	c.logger.Debug("flow control released", "subscribers", len(c.credits))
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
