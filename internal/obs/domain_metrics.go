package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// ReconcileTransitionTotal counts reconciliation transition attempts by
	// trigger (intent_succeeded, intent_failed, refund, dispute) and outcome
	// (applied, noop, skipped, error).
	ReconcileTransitionTotal *prometheus.CounterVec
	// ReconcileLatency records transition attempt latency in milliseconds.
	ReconcileLatency *prometheus.HistogramVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// GatewayRequestTotal counts processor round trips by operation and result.
	GatewayRequestTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		ReconcileTransitionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_transition_total",
			Help:      "Count of payment reconciliation transition attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"})
		ReconcileLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_transition_duration_ms",
			Help:      "Latency of reconciliation transition attempts in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"trigger"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by result.",
		}, []string{"result"})
		GatewayRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_request_total",
			Help:      "Count of payment processor round trips by operation and result.",
		}, []string{"operation", "result"})

		registerOrReuse(reg, ReconcileTransitionTotal, func(c prometheus.Collector) {
			if v, ok := c.(*prometheus.CounterVec); ok {
				ReconcileTransitionTotal = v
			}
		})
		registerOrReuse(reg, ReconcileLatency, func(c prometheus.Collector) {
			if v, ok := c.(*prometheus.HistogramVec); ok {
				ReconcileLatency = v
			}
		})
		registerOrReuse(reg, PaymentWebhookTotal, func(c prometheus.Collector) {
			if v, ok := c.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		registerOrReuse(reg, GatewayRequestTotal, func(c prometheus.Collector) {
			if v, ok := c.(*prometheus.CounterVec); ok {
				GatewayRequestTotal = v
			}
		})
	})
}
