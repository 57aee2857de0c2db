package latch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountDownSaturatesAtZero(t *testing.T) {
	l := New(1)
	l.CountDown()
	l.CountDown()
	assert.Equal(t, 0, l.Count())

	l.AddCount(1)
	assert.Equal(t, 1, l.Count(), "countdown form discards extra count downs")
}

func TestUpDownRemembersEarlyCountDowns(t *testing.T) {
	for n := 0; n <= 5; n++ {
		l := NewUpDown()
		for range n {
			l.CountDown()
		}
		assert.Equal(t, 0, l.Count())

		l.AddCount(5)
		assert.Equal(t, 5-n, l.Count(), "%d early count downs", n)
	}
}

func TestUpDownCarriesSurplusAcrossAddCount(t *testing.T) {
	l := NewUpDown()
	for range 4 {
		l.CountDown()
	}
	l.AddCount(3)
	assert.Equal(t, 0, l.Count())

	l.AddCount(2)
	assert.Equal(t, 1, l.Count())
}

func TestAwaitSurvivesProgressBeyondTimeout(t *testing.T) {
	const timeout = 120 * time.Millisecond
	l := NewUpDown()
	l.AddCount(8)

	go func() {
		for range 8 {
			time.Sleep(40 * time.Millisecond)
			l.CountDown()
		}
	}()

	started := time.Now()
	ok, err := l.Await(context.Background(), timeout)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, time.Since(started), timeout, "total wait exceeds the silence bound")
}

func TestAwaitHeartbeatsKeepWaiterAlive(t *testing.T) {
	l := New(1)
	done := make(chan struct{})

	go func() {
		for range 5 {
			time.Sleep(30 * time.Millisecond)
			l.ResetClock()
		}
		l.CountDown()
		close(done)
	}()

	ok, err := l.Await(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	<-done
}

func TestAwaitFailsOnSilence(t *testing.T) {
	l := New(1)
	ok, err := l.Await(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAwaitReturnsOnRelease(t *testing.T) {
	l := NewUpDown()
	l.AddCount(3)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		l.Release()
	}()

	ok, err := l.Await(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	wg.Wait()
}

func TestAwaitHonoursContext(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := l.Await(ctx, time.Minute)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
