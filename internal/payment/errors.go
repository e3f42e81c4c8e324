package payment

import "errors"

var (
	// ErrPaymentNotFound is returned when no payment matches the given
	// identifier or processor intent reference.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrOrderNotFound is returned when the referenced order does not exist.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDisputeNotFound is returned when no dispute matches the processor reference.
	ErrDisputeNotFound = errors.New("dispute not found")
	// ErrAlreadyRefunded rejects refunds against a fully refunded payment.
	ErrAlreadyRefunded = errors.New("payment already refunded")
	// ErrNotRefundable rejects refunds against payments that never succeeded.
	ErrNotRefundable = errors.New("payment is not in a refundable state")
	// ErrAmountExceedsBalance rejects refunds above the remaining balance.
	ErrAmountExceedsBalance = errors.New("refund amount exceeds remaining balance")
	// ErrInvalidAmount rejects amounts that are non-positive or not
	// representable in minor currency units.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrMissingSignature rejects webhook deliveries without a signature header.
	ErrMissingSignature = errors.New("missing webhook signature header")
	// ErrInvalidSignature rejects webhook deliveries whose signature does not
	// match the raw body.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrReconciliationFailed marks a transition whose persistence kept
	// failing after the gateway call already succeeded. The write is
	// re-driven asynchronously; the gateway call is never repeated.
	ErrReconciliationFailed = errors.New("reconciliation could not be persisted")
)

// permanentErr wraps domain failures so the retry executor never
// re-attempts them.
type permanentErr struct{ err error }

func (p permanentErr) Error() string   { return p.err.Error() }
func (p permanentErr) Unwrap() error   { return p.err }
func (p permanentErr) Retryable() bool { return false }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentErr{err: err}
}
