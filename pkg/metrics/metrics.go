// Package metrics exposes Prometheus instrumentation for the delivery core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery groups the counters and gauges updated by queue workers.
type Delivery struct {
	Processed *prometheus.CounterVec
	Retried   *prometheus.CounterVec
	DLQ       *prometheus.CounterVec
	Depth     *prometheus.GaugeVec
}

// NewDelivery registers delivery metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewDelivery(reg prometheus.Registerer) *Delivery {
	factory := promauto.With(reg)
	return &Delivery{
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wa_courier_messages_processed_total",
			Help: "Outbound messages processed by workers, by terminal outcome.",
		}, []string{"instance", "outcome"}),
		Retried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wa_courier_messages_retried_total",
			Help: "Outbound messages requeued with backoff.",
		}, []string{"instance"}),
		DLQ: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wa_courier_messages_dlq_total",
			Help: "Outbound messages moved to the dead-letter stream.",
		}, []string{"instance", "reason"}),
		Depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wa_courier_queue_depth",
			Help: "Live outbound stream length per instance.",
		}, []string{"instance"}),
	}
}
