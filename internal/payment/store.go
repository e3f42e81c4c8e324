package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Store implementations when a row is absent.
var ErrNotFound = errors.New("payment store: not found")

// Payment links an order to a processor payment intent. Amounts are in
// minor currency units.
type Payment struct {
	ID          uuid.UUID     `json:"id"`
	OrderID     uuid.UUID     `json:"orderId"`
	AmountMinor int64         `json:"amountMinor"`
	Currency    string        `json:"currency"`
	Status      PaymentStatus `json:"status"`
	IntentRef   string        `json:"intentRef"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Order carries only what reconciliation needs; the storefront owns the rest.
type Order struct {
	ID          uuid.UUID   `json:"id"`
	AmountMinor int64       `json:"amountMinor"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// RefundRecord is reserved before the processor call and finalized with
// the processor refund id afterwards. ProviderRef is empty while the
// reservation is pending and unique once set.
type RefundRecord struct {
	ID          uuid.UUID `json:"id"`
	PaymentID   uuid.UUID `json:"paymentId"`
	AmountMinor int64     `json:"amountMinor"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status"`
	ProviderRef string    `json:"providerRef"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DisputeRecord is created at most once per processor dispute reference.
type DisputeRecord struct {
	ID          uuid.UUID       `json:"id"`
	PaymentID   uuid.UUID       `json:"paymentId"`
	ProviderRef string          `json:"providerRef"`
	AmountMinor int64           `json:"amountMinor"`
	Status      string          `json:"status"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// PaymentEventRecord is an append-only audit row for every applied transition.
type PaymentEventRecord struct {
	ID        uuid.UUID       `json:"id"`
	PaymentID uuid.UUID       `json:"paymentId"`
	Type      string          `json:"type"`
	Trigger   string          `json:"trigger"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store is the persistence port for the reconciliation engine. The two
// conditional status updates are the concurrency boundary: they mutate
// only when the stored status still matches expect and report whether
// the write landed. ReserveRefund checks the cumulative balance and
// inserts the pending row in one atomic step, so concurrent refunds
// cannot jointly exceed the payment amount. CreateDispute reports false
// when a row with the same provider reference already exists.
type Store interface {
	CreatePayment(ctx context.Context, p Payment) (Payment, error)
	PaymentByID(ctx context.Context, id uuid.UUID) (Payment, error)
	PaymentsByIntentRef(ctx context.Context, intentRef string) ([]Payment, error)
	PaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]Payment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, expect, next PaymentStatus) (bool, error)

	OrderByID(ctx context.Context, id uuid.UUID) (Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, expect, next OrderStatus) (bool, error)

	ReserveRefund(ctx context.Context, r RefundRecord) (bool, error)
	FinalizeRefund(ctx context.Context, id uuid.UUID, providerRef, status string) error
	ReleaseRefund(ctx context.Context, id uuid.UUID) error
	RefundsByPayment(ctx context.Context, paymentID uuid.UUID) ([]RefundRecord, error)
	SumRefunds(ctx context.Context, paymentID uuid.UUID) (int64, error)

	CreateDispute(ctx context.Context, d DisputeRecord) (bool, error)
	DisputeByRef(ctx context.Context, providerRef string) (DisputeRecord, error)
	UpdateDisputeStatus(ctx context.Context, providerRef, status string) error

	AppendPaymentEvent(ctx context.Context, e PaymentEventRecord) error
}

// ReconcileScheduler defers a transition that could not be persisted
// inline. Implemented by the task queue; the worker re-drives the write
// without touching the processor again.
type ReconcileScheduler interface {
	ScheduleReconcile(ctx context.Context, intentRef string, succeeded bool) error
}
