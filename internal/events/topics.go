package events

// Topic constants for domain events emitted by the reconciliation engine.
const (
	TopicOrderPaid       = "order.paid"
	TopicOrderCancelled  = "order.cancelled"
	TopicOrderRefunded   = "order.refunded"
	TopicPaymentFailed   = "payment.failed"
	TopicPaymentRefunded = "payment.refunded"
	TopicPaymentDisputed = "payment.disputed"
)

// DefaultTopics returns the canonical list of topics downstream consumers
// may subscribe to.
func DefaultTopics() []string {
	return []string{
		TopicOrderPaid,
		TopicOrderCancelled,
		TopicOrderRefunded,
		TopicPaymentFailed,
		TopicPaymentRefunded,
		TopicPaymentDisputed,
	}
}
