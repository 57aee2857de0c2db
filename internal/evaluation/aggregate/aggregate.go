// Package aggregate folds the messages of one group into a single message
// and hands it to an inner consumer exactly once.
package aggregate

import (
	"context"
	"fmt"
	"sync"

	dErrors "evalbus/pkg/domain-errors"
	"evalbus/pkg/platform/sentinel"
)

// MergeFunc folds cached items into one. It must not depend on item order.
type MergeFunc[T any] func(items []T) T

// ConsumeFunc receives the folded group.
type ConsumeFunc[T any] func(ctx context.Context, groupID string, merged T) error

// Group caches the messages of one group until it fires.
type Group[T any] struct {
	mu       sync.Mutex
	groupID  string
	cache    []T
	expected int
	fired    bool
	merge    MergeFunc[T]
	consume  ConsumeFunc[T]
}

// NewGroup returns an aggregator for groupID. The expected count is unknown
// until Expect is called.
func NewGroup[T any](groupID string, merge MergeFunc[T], consume ConsumeFunc[T]) (*Group[T], error) {
	if groupID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "group id is required")
	}
	if merge == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "merge function is required")
	}
	if consume == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "inner consumer is required")
	}
	return &Group[T]{groupID: groupID, expected: -1, merge: merge, consume: consume}, nil
}

// Accept caches an item. Once the expected count is known and reached the
// group fires; fired reports whether this call fired it.
func (g *Group[T]) Accept(ctx context.Context, item T) (fired bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fired {
		return false, g.alreadyFired()
	}
	g.cache = append(g.cache, item)
	return g.fireIfCompleteLocked(ctx)
}

// Expect records the number of items the group will contain, firing
// immediately when that many are already cached.
func (g *Group[T]) Expect(ctx context.Context, n int) (fired bool, err error) {
	if n < 0 {
		return false, dErrors.Newf(dErrors.CodeInvalidInput, "group %s: expected count must not be negative", g.groupID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fired {
		return false, g.alreadyFired()
	}
	g.expected = n
	return g.fireIfCompleteLocked(ctx)
}

// AcceptGroup fires the group with whatever has been cached. It fails when
// the expected count is not yet known or the group has already fired.
func (g *Group[T]) AcceptGroup(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fired {
		return g.alreadyFired()
	}
	if g.expected < 0 {
		return dErrors.Newf(dErrors.CodeFailedPrecondition, "group %s: cannot complete before its expected count is known", g.groupID)
	}
	return g.fireLocked(ctx)
}

// Cached returns the number of items awaiting delivery.
func (g *Group[T]) Cached() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}

// Fired reports whether the group has been delivered.
func (g *Group[T]) Fired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}

func (g *Group[T]) fireIfCompleteLocked(ctx context.Context) (bool, error) {
	if g.expected < 0 || len(g.cache) < g.expected {
		return false, nil
	}
	return true, g.fireLocked(ctx)
}

func (g *Group[T]) fireLocked(ctx context.Context) error {
	g.fired = true
	merged := g.merge(g.cache)
	g.cache = nil
	if err := g.consume(ctx, g.groupID, merged); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("group %s: inner consumer failed", g.groupID))
	}
	return nil
}

func (g *Group[T]) alreadyFired() error {
	return dErrors.Wrap(sentinel.ErrAlreadyUsed, dErrors.CodeFailedPrecondition,
		fmt.Sprintf("group %s has already been delivered", g.groupID))
}
