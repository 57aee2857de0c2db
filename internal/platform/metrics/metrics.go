package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors. The HTTP /metrics endpoint serves this registry.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Transport holds broker-level metrics shared by every broker implementation.
type Transport struct {
	Published    *prometheus.CounterVec
	Delivered    *prometheus.CounterVec
	Redelivered  *prometheus.CounterVec
	DeadLettered *prometheus.CounterVec
}

// NewTransport creates and registers transport metrics on reg.
func NewTransport(reg prometheus.Registerer) *Transport {
	factory := promauto.With(reg)
	return &Transport{
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evalbus_messages_published_total",
			Help: "Total number of messages handed to the broker",
		}, []string{"destination"}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evalbus_messages_consumed_total",
			Help: "Total number of deliveries acknowledged by a handler",
		}, []string{"destination"}),
		Redelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evalbus_messages_redelivered_total",
			Help: "Total number of redelivery attempts after a handler error",
		}, []string{"destination"}),
		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evalbus_messages_dead_lettered_total",
			Help: "Total number of messages that exhausted their deliveries",
		}, []string{"destination"}),
	}
}

// IncPublished is nil-safe so brokers can run without metrics.
func (t *Transport) IncPublished(destination string) {
	if t == nil {
		return
	}
	t.Published.WithLabelValues(destination).Inc()
}

func (t *Transport) IncDelivered(destination string) {
	if t == nil {
		return
	}
	t.Delivered.WithLabelValues(destination).Inc()
}

func (t *Transport) IncRedelivered(destination string) {
	if t == nil {
		return
	}
	t.Redelivered.WithLabelValues(destination).Inc()
}

func (t *Transport) IncDeadLettered(destination string) {
	if t == nil {
		return
	}
	t.DeadLettered.WithLabelValues(destination).Inc()
}
