// Package broker defines the publish/subscribe contract the evaluation
// protocol runs on, and the message envelope shared by every implementation.
//
// Delivery is at-least-once. A handler error asks the broker to redeliver the
// same message; after the configured number of deliveries the message is
// dead-lettered and the subscription moves on to later messages.
package broker

import (
	"context"
	"maps"
)

// Destination is one of the closed set of logical topics.
type Destination string

const (
	DestinationEvaluation Destination = "evaluation"
	DestinationStatus     Destination = "status"
	DestinationStatistics Destination = "statistics"
	DestinationPairs      Destination = "pairs"
)

// Destinations lists every destination in a stable order.
func Destinations() []Destination {
	return []Destination{DestinationEvaluation, DestinationStatus, DestinationStatistics, DestinationPairs}
}

// DefaultMaxDeliveries is used when a broker is configured without a limit.
const DefaultMaxDeliveries = 4

// Message is the envelope carried by every destination. Body is opaque.
type Message struct {
	Destination   Destination
	MessageID     string
	CorrelationID string
	GroupID       string
	JobID         string
	ConsumerID    string
	// Properties maps format names to the negotiated subscriber id.
	Properties map[string]string
	Body       []byte
	// Attempt is the 1-based delivery attempt, set by the broker.
	Attempt int
}

// Clone returns a deep copy so fan-out deliveries never share state.
func (m *Message) Clone() *Message {
	c := *m
	c.Properties = maps.Clone(m.Properties)
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// Property returns a property value or "".
func (m *Message) Property(key string) string {
	return m.Properties[key]
}

// Handler consumes one delivery.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Selector filters deliveries for a subscription, like a broker-side
// message selector.
type Selector func(msg *Message) bool

// ForEvaluation selects messages correlated with one evaluation.
func ForEvaluation(evaluationID string) Selector {
	return func(msg *Message) bool {
		return msg.CorrelationID == evaluationID
	}
}

// ForGroup selects messages of one group within one evaluation.
func ForGroup(evaluationID, groupID string) Selector {
	return func(msg *Message) bool {
		return msg.CorrelationID == evaluationID && msg.GroupID == groupID
	}
}

// All selects every message.
func All() Selector {
	return func(*Message) bool { return true }
}

// DeadLetterFunc observes a message that exhausted its deliveries.
type DeadLetterFunc func(ctx context.Context, msg *Message, err error)

// SubscribeOptions are resolved from SubscribeOption values.
type SubscribeOptions struct {
	Name       string
	DeadLetter DeadLetterFunc
}

type SubscribeOption func(*SubscribeOptions)

// WithName names the subscription for logs and consumer groups.
func WithName(name string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Name = name
	}
}

// WithDeadLetter registers a callback for messages that exhaust redelivery.
func WithDeadLetter(fn DeadLetterFunc) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.DeadLetter = fn
	}
}

// ApplySubscribeOptions resolves options for broker implementations.
func ApplySubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Subscription is a live registration on one destination.
type Subscription interface {
	Name() string
	Close() error
}

// Broker is the transport the evaluation protocol is layered on.
type Broker interface {
	Publish(ctx context.Context, msg *Message) error
	Subscribe(ctx context.Context, dest Destination, sel Selector, h Handler, opts ...SubscribeOption) (Subscription, error)
	Health(ctx context.Context) error
	Close() error
}
