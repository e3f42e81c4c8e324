package payment

// PaymentStatus is the closed set of payment lifecycle states.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
	PaymentDisputed  PaymentStatus = "DISPUTED"
)

// CanAdvance reports whether moving to next is a forward transition.
// Anything else, including re-applying the current state, is a no-op
// for the reconciliation engine rather than an error.
func (s PaymentStatus) CanAdvance(next PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return next == PaymentSucceeded || next == PaymentFailed
	case PaymentSucceeded:
		return next == PaymentRefunded || next == PaymentDisputed
	default:
		// FAILED, REFUNDED and DISPUTED are terminal
		return false
	}
}

// Terminal reports whether no further transition can leave this state.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentFailed || s == PaymentRefunded || s == PaymentDisputed
}

// OrderStatus is derived from payment transitions; the engine is its
// only writer.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

// CanAdvance reports whether moving to next is a forward transition.
// An order never goes CANCELLED after PAID.
func (s OrderStatus) CanAdvance(next OrderStatus) bool {
	switch s {
	case OrderPending:
		return next == OrderPaid || next == OrderCancelled
	case OrderPaid:
		return next == OrderRefunded
	default:
		return false
	}
}
