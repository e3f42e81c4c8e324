package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopforge/storefront/internal/processor"
	"github.com/shopforge/storefront/internal/resilience"
)

type memStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]Payment
	orders   map[uuid.UUID]Order
	refunds  map[uuid.UUID]RefundRecord
	disputes map[string]DisputeRecord
	audit    []PaymentEventRecord

	orderTransitions []OrderStatus

	updatePaymentErr error
}

func newMemStore() *memStore {
	return &memStore{
		payments: make(map[uuid.UUID]Payment),
		orders:   make(map[uuid.UUID]Order),
		refunds:  make(map[uuid.UUID]RefundRecord),
		disputes: make(map[string]DisputeRecord),
	}
}

func (m *memStore) CreatePayment(_ context.Context, p Payment) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.payments[p.ID] = p
	return p, nil
}

func (m *memStore) PaymentByID(_ context.Context, id uuid.UUID) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (m *memStore) PaymentsByIntentRef(_ context.Context, ref string) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.payments {
		if p.IntentRef == ref {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) PaymentsByOrder(_ context.Context, orderID uuid.UUID) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) UpdatePaymentStatus(_ context.Context, id uuid.UUID, expect, next PaymentStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updatePaymentErr != nil {
		return false, m.updatePaymentErr
	}
	p, ok := m.payments[id]
	if !ok || p.Status != expect {
		return false, nil
	}
	p.Status = next
	p.UpdatedAt = time.Now()
	m.payments[id] = p
	return true, nil
}

func (m *memStore) OrderByID(_ context.Context, id uuid.UUID) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *memStore) UpdateOrderStatus(_ context.Context, id uuid.UUID, expect, next OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != expect {
		return false, nil
	}
	o.Status = next
	m.orders[id] = o
	m.orderTransitions = append(m.orderTransitions, next)
	return true, nil
}

func (m *memStore) ReserveRefund(_ context.Context, r RefundRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[r.PaymentID]
	if !ok {
		return false, ErrNotFound
	}
	var refunded int64
	for _, existing := range m.refunds {
		if existing.PaymentID == r.PaymentID {
			refunded += existing.AmountMinor
		}
	}
	if refunded+r.AmountMinor > p.AmountMinor {
		return false, nil
	}
	r.CreatedAt = time.Now()
	m.refunds[r.ID] = r
	return true, nil
}

func (m *memStore) FinalizeRefund(_ context.Context, id uuid.UUID, providerRef, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[id]
	if !ok {
		return ErrNotFound
	}
	r.ProviderRef = providerRef
	r.Status = status
	m.refunds[id] = r
	return nil
}

func (m *memStore) ReleaseRefund(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.refunds[id]; ok && r.ProviderRef == "" {
		delete(m.refunds, id)
	}
	return nil
}

func (m *memStore) RefundsByPayment(_ context.Context, paymentID uuid.UUID) ([]RefundRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RefundRecord
	for _, r := range m.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) SumRefunds(_ context.Context, paymentID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, r := range m.refunds {
		if r.PaymentID == paymentID {
			sum += r.AmountMinor
		}
	}
	return sum, nil
}

func (m *memStore) CreateDispute(_ context.Context, d DisputeRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.disputes[d.ProviderRef]; exists {
		return false, nil
	}
	d.CreatedAt = time.Now()
	m.disputes[d.ProviderRef] = d
	return true, nil
}

func (m *memStore) DisputeByRef(_ context.Context, providerRef string) (DisputeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[providerRef]
	if !ok {
		return DisputeRecord{}, ErrNotFound
	}
	return d, nil
}

func (m *memStore) UpdateDisputeStatus(_ context.Context, providerRef, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[providerRef]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	m.disputes[providerRef] = d
	return nil
}

func (m *memStore) AppendPaymentEvent(_ context.Context, e PaymentEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

type stubGateway struct {
	mu            sync.Mutex
	confirmStatus string
	confirmErr    error
	refundErr     error
	refundRef     string
	intentSeq     int
	refundCalls   int
}

func (g *stubGateway) CreateIntent(_ context.Context, amount float64, currency string, _ map[string]string) (processor.Intent, error) {
	g.intentSeq++
	return processor.Intent{
		ID:           "pi_stub",
		ClientSecret: "pi_stub_secret",
		Status:       "requires_confirmation",
		Amount:       processor.ToMinorUnits(amount),
		Currency:     currency,
	}, nil
}

func (g *stubGateway) ConfirmIntent(_ context.Context, intentID, _ string) (processor.Intent, error) {
	if g.confirmErr != nil {
		return processor.Intent{}, g.confirmErr
	}
	status := g.confirmStatus
	if status == "" {
		status = "succeeded"
	}
	return processor.Intent{ID: intentID, Status: status}, nil
}

func (g *stubGateway) RefundPayment(_ context.Context, intentID string, amountMinor int64, _ string) (processor.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.refundErr != nil {
		return processor.Refund{}, g.refundErr
	}
	ref := g.refundRef
	if ref == "" {
		ref = uuid.NewString()
	}
	return processor.Refund{ID: ref, Status: "succeeded", Amount: amountMinor, PaymentIntent: intentID}, nil
}

func (g *stubGateway) refundCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refundCalls
}

func (g *stubGateway) SubmitDisputeEvidence(_ context.Context, disputeID string, _ map[string]string) (processor.Dispute, error) {
	return processor.Dispute{ID: disputeID, Status: "under_review", Amount: 5000}, nil
}

func (g *stubGateway) GetDispute(_ context.Context, disputeID string) (processor.Dispute, error) {
	return processor.Dispute{ID: disputeID, Status: "won"}, nil
}

type stubScheduler struct {
	scheduled []string
}

func (s *stubScheduler) ScheduleReconcile(_ context.Context, intentRef string, succeeded bool) error {
	s.scheduled = append(s.scheduled, intentRef)
	return nil
}

func testPolicy() resilience.Policy {
	return resilience.Policy{Retries: 3, MinTimeout: time.Millisecond, MaxTimeout: time.Millisecond}
}

func seedPaidOrder(store *memStore, amountMinor int64, paymentStatus PaymentStatus, orderStatus OrderStatus) Payment {
	orderID := uuid.New()
	store.orders[orderID] = Order{ID: orderID, AmountMinor: amountMinor, Status: orderStatus}
	p := Payment{
		ID:          uuid.New(),
		OrderID:     orderID,
		AmountMinor: amountMinor,
		Currency:    "USD",
		Status:      paymentStatus,
		IntentRef:   "pi_1",
	}
	store.payments[p.ID] = p
	return p
}

func succeededEvent(intentRef string) Event {
	return Event{ID: "evt_1", Type: EventIntentSucceeded, ObjectID: intentRef, IntentRef: intentRef, AmountMinor: 5000}
}

func TestDuplicateSucceededEventAppliesOnce(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentPending, OrderPending)
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())
	ctx := context.Background()

	outcome, err := engine.ApplyEvent(ctx, succeededEvent("pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = engine.ApplyEvent(ctx, succeededEvent("pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)

	assert.Equal(t, PaymentSucceeded, store.payments[p.ID].Status)
	assert.Equal(t, OrderPaid, store.orders[p.OrderID].Status)
	assert.Equal(t, []OrderStatus{OrderPaid}, store.orderTransitions)
}

func TestFailedAfterSucceededIsRejectedAsNoop(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentPending, OrderPending)
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())
	ctx := context.Background()

	_, err := engine.ApplyEvent(ctx, succeededEvent("pi_1"))
	require.NoError(t, err)

	failed := Event{ID: "evt_2", Type: EventIntentFailed, ObjectID: "pi_1", IntentRef: "pi_1"}
	outcome, err := engine.ApplyEvent(ctx, failed)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, PaymentSucceeded, store.payments[p.ID].Status)
	assert.Equal(t, OrderPaid, store.orders[p.OrderID].Status)
}

func TestIntentEventForUnknownPaymentIsPermanent(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())

	_, err := engine.ApplyEvent(context.Background(), succeededEvent("pi_missing"))
	require.ErrorIs(t, err, ErrPaymentNotFound)
	assert.False(t, resilience.IsRetryable(err))
}

func TestUnrecognizedEventIsSkipped(t *testing.T) {
	engine := NewEngine(newMemStore(), &stubGateway{}, testPolicy(), zerolog.Nop())

	outcome, err := engine.ApplyEvent(context.Background(), Event{Type: "customer.created"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestPartialThenFullRefundFlipsStatusOnce(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentSucceeded, OrderPaid)
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())
	ctx := context.Background()

	_, err := engine.ProcessRefund(ctx, p.ID, 20.00, "partial")
	require.NoError(t, err)
	assert.Equal(t, PaymentSucceeded, store.payments[p.ID].Status)
	assert.Equal(t, OrderPaid, store.orders[p.OrderID].Status)

	_, err = engine.ProcessRefund(ctx, p.ID, 30.00, "remainder")
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, store.payments[p.ID].Status)
	assert.Equal(t, OrderRefunded, store.orders[p.OrderID].Status)

	_, err = engine.ProcessRefund(ctx, p.ID, 1.00, "too late")
	require.ErrorIs(t, err, ErrAlreadyRefunded)

	total, err := store.SumRefunds(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), total)
}

func TestRefundExceedingBalanceLeavesNoRow(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentSucceeded, OrderPaid)
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())
	ctx := context.Background()

	_, err := engine.ProcessRefund(ctx, p.ID, 30.00, "partial")
	require.NoError(t, err)

	_, err = engine.ProcessRefund(ctx, p.ID, 25.00, "too much")
	require.ErrorIs(t, err, ErrAmountExceedsBalance)
	assert.False(t, resilience.IsRetryable(err))

	refunds, total, err := engine.RefundHistory(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
	assert.Equal(t, int64(3000), total)
}

func TestRefundRejectsNonIntegralMinorAmount(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentSucceeded, OrderPaid)
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())

	_, err := engine.ProcessRefund(context.Background(), p.ID, 10.005, "oops")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRefundOfPendingPaymentIsRejected(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentPending, OrderPending)
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())

	_, err := engine.ProcessRefund(context.Background(), p.ID, 10.00, "early")
	require.ErrorIs(t, err, ErrNotRefundable)
}

func TestConcurrentRefundsCannotExceedBalance(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentSucceeded, OrderPaid)
	gw := &stubGateway{}
	engine := NewEngine(store, gw, testPolicy(), zerolog.Nop())
	ctx := context.Background()

	// two 30.00 refunds against a 50.00 payment race; the reservation
	// admits exactly one before any money moves
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = engine.ProcessRefund(ctx, p.ID, 30.00, "concurrent")
		}()
	}
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrAmountExceedsBalance)
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, gw.refundCallCount())

	total, err := store.SumRefunds(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), total)
}

func TestGatewayFailureReleasesRefundHold(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentSucceeded, OrderPaid)
	gw := &stubGateway{refundErr: &processor.Error{Op: "refund_payment", Category: processor.CategoryPermanent, Status: 400}}
	engine := NewEngine(store, gw, testPolicy(), zerolog.Nop())
	ctx := context.Background()

	_, err := engine.ProcessRefund(ctx, p.ID, 30.00, "declined")
	require.Error(t, err)

	total, err := store.SumRefunds(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, total)

	// the full balance is available again once the processor accepts
	gw.refundErr = nil
	_, err = engine.ProcessRefund(ctx, p.ID, 50.00, "retry")
	require.NoError(t, err)
}

func TestDisputeCreatedEventIsIdempotent(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentSucceeded, OrderPaid)
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())
	ctx := context.Background()

	ev := Event{ID: "evt_5", Type: EventDisputeCreated, ObjectID: "dp_1", IntentRef: "pi_1", AmountMinor: 5000, Status: "needs_response"}

	outcome, err := engine.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, PaymentDisputed, store.payments[p.ID].Status)

	outcome, err = engine.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Len(t, store.disputes, 1)
}

func TestDisputeClosedUpdatesStatus(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentSucceeded, OrderPaid)
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())
	ctx := context.Background()

	_, err := engine.ApplyEvent(ctx, Event{Type: EventDisputeCreated, ObjectID: "dp_1", IntentRef: "pi_1", Status: "needs_response"})
	require.NoError(t, err)

	outcome, err := engine.ApplyEvent(ctx, Event{Type: EventDisputeClosed, ObjectID: "dp_1", IntentRef: "pi_1", Status: "lost"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "lost", store.disputes["dp_1"].Status)

	// closure for an unknown dispute is a no-op
	outcome, err = engine.ApplyEvent(ctx, Event{Type: EventDisputeClosed, ObjectID: "dp_unknown", Status: "lost"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	_ = p
}

func TestSubmitDisputeEvidenceRecordsAndMarksDisputed(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentSucceeded, OrderPaid)
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())
	ctx := context.Background()

	d, err := engine.SubmitDisputeEvidence(ctx, p.ID, "dp_9", map[string]string{"receipt": "r1"})
	require.NoError(t, err)
	assert.Equal(t, "dp_9", d.ProviderRef)
	assert.Equal(t, "under_review", d.Status)
	assert.Equal(t, PaymentDisputed, store.payments[p.ID].Status)
}

func TestProcessPaymentConfirmsAndReconciles(t *testing.T) {
	store := newMemStore()
	orderID := uuid.New()
	store.orders[orderID] = Order{ID: orderID, AmountMinor: 5000, Status: OrderPending}
	engine := NewEngine(store, &stubGateway{confirmStatus: "succeeded"}, testPolicy(), zerolog.Nop())

	p, err := engine.ProcessPayment(context.Background(), orderID, 50.00, "USD", "pm_card")
	require.NoError(t, err)

	assert.Equal(t, PaymentSucceeded, p.Status)
	assert.Equal(t, "pi_stub", p.IntentRef)
	assert.Equal(t, OrderPaid, store.orders[orderID].Status)
}

func TestProcessPaymentDeclineMarksFailed(t *testing.T) {
	store := newMemStore()
	orderID := uuid.New()
	store.orders[orderID] = Order{ID: orderID, AmountMinor: 5000, Status: OrderPending}
	decline := &processor.Error{Op: "confirm_intent", Category: processor.CategoryPermanent, Status: 402, Code: "card_declined"}
	engine := NewEngine(store, &stubGateway{confirmErr: decline}, testPolicy(), zerolog.Nop())

	_, err := engine.ProcessPayment(context.Background(), orderID, 50.00, "USD", "pm_card")
	require.Error(t, err)

	var pe *processor.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "card_declined", pe.Code)

	payments, perr := store.PaymentsByIntentRef(context.Background(), "pi_stub")
	require.NoError(t, perr)
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentFailed, payments[0].Status)
	assert.Equal(t, OrderCancelled, store.orders[orderID].Status)
}

func TestPersistFailureDefersToScheduler(t *testing.T) {
	store := newMemStore()
	orderID := uuid.New()
	store.orders[orderID] = Order{ID: orderID, AmountMinor: 5000, Status: OrderPending}
	sched := &stubScheduler{}
	engine := NewEngine(store, &stubGateway{confirmStatus: "succeeded"}, testPolicy(), zerolog.Nop()).
		WithScheduler(sched)

	store.updatePaymentErr = errors.New("connection reset")
	_, err := engine.ProcessPayment(context.Background(), orderID, 50.00, "USD", "pm_card")
	require.ErrorIs(t, err, ErrReconciliationFailed)
	assert.Equal(t, []string{"pi_stub"}, sched.scheduled)

	// the worker re-drives the write once the store recovers
	store.updatePaymentErr = nil
	require.NoError(t, engine.ReapplyIntent(context.Background(), "pi_stub", true))
	assert.Equal(t, OrderPaid, store.orders[orderID].Status)
}

func TestConsolidatedStatusAggregatesRefunds(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentSucceeded, OrderPaid)
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())
	ctx := context.Background()

	_, err := engine.ProcessRefund(ctx, p.ID, 20.00, "partial")
	require.NoError(t, err)

	status, err := engine.ConsolidatedStatus(ctx, p.OrderID)
	require.NoError(t, err)
	require.Len(t, status.Payments, 1)
	assert.Equal(t, int64(2000), status.Payments[0].RefundedMinor)
	assert.Equal(t, int64(3000), status.Payments[0].RemainingMinor)
}
