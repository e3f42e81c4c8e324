package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Intent is the processor's representation of an attempted charge.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
}

// Refund mirrors the processor's refund object. Amount is in minor units.
type Refund struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	PaymentIntent string `json:"payment_intent"`
}

// Dispute mirrors the processor's dispute object. Amount is in minor units.
type Dispute struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Amount        int64           `json:"amount"`
	PaymentIntent string          `json:"payment_intent"`
	Evidence      json.RawMessage `json:"evidence"`
}

// Gateway abstracts the payment processor's API. Every call is a single
// round trip; retrying is the caller's concern.
type Gateway interface {
	CreateIntent(ctx context.Context, amount float64, currency string, metadata map[string]string) (Intent, error)
	ConfirmIntent(ctx context.Context, intentID, paymentMethodID string) (Intent, error)
	RefundPayment(ctx context.Context, intentID string, amountMinor int64, reason string) (Refund, error)
	SubmitDisputeEvidence(ctx context.Context, disputeID string, evidence map[string]string) (Dispute, error)
	GetDispute(ctx context.Context, disputeID string) (Dispute, error)
}

// Category classifies a processor failure for retry decisions.
type Category string

const (
	// CategoryTransient covers network failures and processor 5xx responses.
	CategoryTransient Category = "transient"
	// CategoryPermanent covers declines, invalid requests and missing objects.
	CategoryPermanent Category = "permanent"
)

// Error is a typed processor failure carrying the error category so the
// retry executor and the reconciliation engine can branch on it.
type Error struct {
	Op       string
	Category Category
	Status   int
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("processor: %s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("processor: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("processor: %s failed", e.Op)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable satisfies the resilience classification interface.
func (e *Error) Retryable() bool {
	return e != nil && e.Category == CategoryTransient
}

// IsTransient reports whether the error chain contains a transient processor failure.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Category == CategoryTransient
}

// ToMinorUnits converts a major-unit amount to minor units, rounding to the
// nearest cent. Used on the create side only.
func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// ExactMinorUnits converts a major-unit amount to minor units without
// rounding. Refund amounts must convert exactly so balance verification
// never operates on rounded values.
func ExactMinorUnits(amount float64) (int64, error) {
	scaled := amount * 100
	rounded := math.Round(scaled)
	if math.Abs(scaled-rounded) > 1e-6 {
		return 0, fmt.Errorf("amount %v is not representable in minor units", amount)
	}
	return int64(rounded), nil
}
