package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	dErrors "evalbus/pkg/domain-errors"
	"evalbus/pkg/platform/sentinel"
)

// =============================================================================
// Flow Controller Test Suite
// =============================================================================
// Justification: the credit ledger is the only thing stopping a fast
// publisher from flooding the broker, so the all-or-nothing spend and the
// release paths are pinned here.

type FlowSuite struct {
	suite.Suite
	ctrl *Controller
}

func TestFlowSuite(t *testing.T) {
	suite.Run(t, new(FlowSuite))
}

func (s *FlowSuite) SetupTest() {
	s.ctrl = New()
	s.Require().NoError(s.ctrl.AddSubscriber("s1"))
	s.Require().NoError(s.ctrl.AddSubscriber("s2"))
}

func (s *FlowSuite) waitReturns(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.ctrl.Wait(ctx) == nil
}

// =============================================================================
// Credit ledger
// =============================================================================

func (s *FlowSuite) TestNotEngagedNeverBlocks() {
	s.True(s.waitReturns(10 * time.Millisecond))
}

func (s *FlowSuite) TestReleaseRequiresEverySubscriber() {
	s.ctrl.Start()
	s.True(s.ctrl.Engaged())
	s.False(s.waitReturns(20*time.Millisecond), "no credit yet")

	s.Require().NoError(s.ctrl.Stop("s1"))
	s.True(s.ctrl.Engaged(), "s2 still owes a group")
	s.False(s.waitReturns(20 * time.Millisecond))

	s.Require().NoError(s.ctrl.Stop("s2"))
	s.False(s.ctrl.Engaged())
	s.True(s.waitReturns(20 * time.Millisecond))

	s.Equal(0, s.ctrl.Credit("s1"), "spent on release")
	s.Equal(0, s.ctrl.Credit("s2"))
}

func (s *FlowSuite) TestWaiterResumesOnRelease() {
	s.ctrl.Start()
	done := make(chan error, 1)
	go func() { done <- s.ctrl.Wait(context.Background()) }()

	s.Require().NoError(s.ctrl.Stop("s1"))
	s.Require().NoError(s.ctrl.Stop("s2"))

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.FailNow("waiter never resumed")
	}
}

func (s *FlowSuite) TestCreditNeverNegative() {
	s.Require().NoError(s.ctrl.Stop("s1"))
	s.Require().NoError(s.ctrl.Stop("s1"))
	s.Equal(2, s.ctrl.Credit("s1"), "credit accumulates while disengaged")

	s.ctrl.Start()
	s.True(s.ctrl.Engaged())
	s.Require().NoError(s.ctrl.Stop("s2"))
	s.False(s.ctrl.Engaged())
	s.Equal(1, s.ctrl.Credit("s1"))
	s.Equal(0, s.ctrl.Credit("s2"))

	s.ctrl.Start()
	s.True(s.ctrl.Engaged(), "s2 has no credit left")
	s.GreaterOrEqual(s.ctrl.Credit("s2"), 0)
}

func (s *FlowSuite) TestStartWithEarnedCreditReleasesImmediately() {
	s.Require().NoError(s.ctrl.Stop("s1"))
	s.Require().NoError(s.ctrl.Stop("s2"))
	s.ctrl.Start()
	s.False(s.ctrl.Engaged())
}

func (s *FlowSuite) TestEmptyLedgerNeverBlocks() {
	c := New()
	c.Start()
	s.False(c.Engaged())
}

// =============================================================================
// Errors and forced release
// =============================================================================

func (s *FlowSuite) TestUnknownSubscriber() {
	err := s.ctrl.Stop("nobody")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.True(dErrors.HasCode(s.ctrl.AddSubscriber(""), dErrors.CodeInvalidInput))
}

func (s *FlowSuite) TestForceRelease() {
	s.ctrl.Start()
	done := make(chan error, 1)
	go func() { done <- s.ctrl.Wait(context.Background()) }()

	s.ctrl.ForceRelease()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.FailNow("waiter never released")
	}

	s.ctrl.Start()
	s.False(s.ctrl.Engaged(), "disabled after forced release")
}

func (s *FlowSuite) TestWaitHonoursContext() {
	s.ctrl.Start()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.ErrorIs(s.ctrl.Wait(ctx), context.Canceled)
}

func (s *FlowSuite) TestSubscribers() {
	s.Require().NoError(s.ctrl.AddSubscriber("s1"))
	s.Equal([]string{"s1", "s2"}, s.ctrl.Subscribers())
}
