package broker

//go:generate mockgen -source=broker.go -destination=mocks/mocks.go -package=mocks Broker,Subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouter(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by destination", func(t *testing.T) {
		var got []Destination
		r := NewRouter(nil, nil)
		r.Register(DestinationStatus, HandlerFunc(func(_ context.Context, msg *Message) error {
			got = append(got, msg.Destination)
			return nil
		}))

		assert.NoError(t, r.Handle(ctx, &Message{Destination: DestinationStatus}))
		assert.Equal(t, []Destination{DestinationStatus}, got)
	})

	t.Run("unrouted messages are acknowledged", func(t *testing.T) {
		r := NewRouter(nil, nil)
		assert.NoError(t, r.Handle(ctx, &Message{Destination: DestinationPairs}))
	})

	t.Run("fallback receives unrouted messages", func(t *testing.T) {
		boom := errors.New("boom")
		r := NewRouter(nil, HandlerFunc(func(context.Context, *Message) error { return boom }))
		assert.ErrorIs(t, r.Handle(ctx, &Message{Destination: DestinationPairs}), boom)
	})
}

func TestSelectors(t *testing.T) {
	msg := &Message{CorrelationID: "e1", GroupID: "g1"}
	assert.True(t, ForEvaluation("e1")(msg))
	assert.False(t, ForEvaluation("e2")(msg))
	assert.True(t, ForGroup("e1", "g1")(msg))
	assert.False(t, ForGroup("e1", "g2")(msg))
	assert.True(t, All()(msg))
}

func TestMessageClone(t *testing.T) {
	orig := &Message{Properties: map[string]string{"CSV": "s1"}, Body: []byte("x")}
	c := orig.Clone()
	c.Properties["CSV"] = "s2"
	c.Body[0] = 'y'
	assert.Equal(t, "s1", orig.Property("CSV"))
	assert.Equal(t, []byte("x"), orig.Body)
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("stops at first success", func(t *testing.T) {
		var seen []int
		h := HandlerFunc(func(_ context.Context, msg *Message) error {
			seen = append(seen, msg.Attempt)
			if msg.Attempt < 2 {
				return boom
			}
			return nil
		})
		assert.NoError(t, Deliver(ctx, h, &Message{}, 4, nil))
		assert.Equal(t, []int{1, 2}, seen)
	})

	t.Run("returns last error after exhaustion", func(t *testing.T) {
		var failures int
		h := HandlerFunc(func(context.Context, *Message) error { return boom })
		err := Deliver(ctx, h, &Message{}, 3, func(int, error) { failures++ })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, failures)
	})
}
