package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds evaluation protocol metrics. A nil *Metrics is a valid no-op.
type Metrics struct {
	MessagesPublished     *prometheus.CounterVec
	NegotiationDuration   prometheus.Histogram
	NegotiationFailures   prometheus.Counter
	FlowControlWaits      prometheus.Counter
	FlowControlWaitTime   prometheus.Histogram
	EvaluationsCompleted  *prometheus.CounterVec
	SubscriberEvaluations *prometheus.CounterVec
	GroupsDelivered       prometheus.Counter
}

// New creates and registers evaluation metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evalbus_evaluation_messages_published_total",
			Help: "Total number of evaluation messages published by messagers",
		}, []string{"destination"}),
		NegotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "evalbus_negotiation_duration_seconds",
			Help:    "Time taken to negotiate subscribers for every required format",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		NegotiationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "evalbus_negotiation_failures_total",
			Help: "Total number of negotiations that failed or timed out",
		}),
		FlowControlWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "evalbus_flow_control_waits_total",
			Help: "Total number of publishes that waited on flow control",
		}),
		FlowControlWaitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "evalbus_flow_control_wait_seconds",
			Help:    "Time publishers spent blocked by flow control",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		EvaluationsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evalbus_evaluations_completed_total",
			Help: "Total number of evaluations completed by outcome",
		}, []string{"outcome"}),
		SubscriberEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evalbus_subscriber_evaluations_total",
			Help: "Total number of evaluations served by subscribers by outcome",
		}, []string{"outcome"}),
		GroupsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "evalbus_groups_delivered_total",
			Help: "Total number of message groups folded and delivered",
		}),
	}
}

func (m *Metrics) IncPublished(destination string) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(destination).Inc()
}

func (m *Metrics) ObserveNegotiation(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.NegotiationDuration.Observe(d.Seconds())
	if failed {
		m.NegotiationFailures.Inc()
	}
}

func (m *Metrics) ObserveFlowWait(d time.Duration) {
	if m == nil {
		return
	}
	m.FlowControlWaits.Inc()
	m.FlowControlWaitTime.Observe(d.Seconds())
}

func (m *Metrics) IncEvaluationCompleted(outcome string) {
	if m == nil {
		return
	}
	m.EvaluationsCompleted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncSubscriberEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.SubscriberEvaluations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncGroupsDelivered() {
	if m == nil {
		return
	}
	m.GroupsDelivered.Inc()
}
