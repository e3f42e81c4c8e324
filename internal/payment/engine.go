package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shopforge/storefront/internal/events"
	"github.com/shopforge/storefront/internal/obs"
	"github.com/shopforge/storefront/internal/processor"
	"github.com/shopforge/storefront/internal/resilience"
)

// Outcome describes what a reconciliation attempt did.
type Outcome string

const (
	// OutcomeApplied means at least one row changed state.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the transition was already applied or would regress.
	OutcomeNoop Outcome = "noop"
	// OutcomeSkipped means the input carried no transition to apply.
	OutcomeSkipped Outcome = "skipped"
)

// how many times a lost conditional write is re-read before giving up
const maxTransitionRereads = 3

// Engine is the single writer for payment and order money state. Every
// entry path, webhook or direct API, funnels through the same transition
// logic so the no-regression and idempotency rules hold everywhere.
type Engine struct {
	store   Store
	gateway processor.Gateway
	retry   resilience.Policy
	bus     *events.Bus
	tasks   ReconcileScheduler
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewEngine wires the engine with its collaborators. Bus and scheduler
// are optional and attached via the With helpers.
func NewEngine(store Store, gateway processor.Gateway, retry resilience.Policy, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		gateway: gateway,
		retry:   retry,
		logger:  logger,
		tracer:  otel.Tracer("payment/engine"),
	}
}

// WithBus attaches the domain event bus. Emission is best effort and
// never fails a transition.
func (e *Engine) WithBus(bus *events.Bus) *Engine {
	e.bus = bus
	return e
}

// WithScheduler attaches the background reconciliation queue used when a
// transition cannot be persisted inline after a successful gateway call.
func (e *Engine) WithScheduler(s ReconcileScheduler) *Engine {
	e.tasks = s
	return e
}

// ApplyEvent applies a verified webhook event. Unrecognized event types
// are skipped; duplicate deliveries and out-of-order regressions come
// back as OutcomeNoop.
func (e *Engine) ApplyEvent(ctx context.Context, ev Event) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "payment.apply_event",
		trace.WithAttributes(attribute.String("event.type", ev.Type)))
	defer span.End()

	switch ev.Type {
	case EventIntentSucceeded:
		return e.applyIntentResult(ctx, ev.IntentRef, true, "intent_succeeded")
	case EventIntentFailed:
		return e.applyIntentResult(ctx, ev.IntentRef, false, "intent_failed")
	case EventDisputeCreated:
		return e.applyDisputeOpened(ctx, ev)
	case EventDisputeClosed:
		return e.applyDisputeClosed(ctx, ev)
	default:
		e.logger.Info().Str("event_type", ev.Type).Str("object_id", ev.ObjectID).
			Msg("skipping unrecognized webhook event")
		return OutcomeSkipped, nil
	}
}

// ReapplyIntent re-drives a transition from the background worker after
// an inline persistence failure. The gateway is never called again.
// Permanent failures are logged and dropped so the queue does not spin.
func (e *Engine) ReapplyIntent(ctx context.Context, intentRef string, succeeded bool) error {
	outcome, err := e.applyIntentResult(ctx, intentRef, succeeded, "reconcile")
	if err != nil {
		if !resilience.IsRetryable(err) {
			e.logger.Error().Err(err).Str("intent_ref", intentRef).
				Msg("dropping unreconcilable intent result")
			return nil
		}
		return err
	}
	e.logger.Info().Str("intent_ref", intentRef).Str("outcome", string(outcome)).
		Msg("background reconciliation finished")
	return nil
}

func (e *Engine) applyIntentResult(ctx context.Context, intentRef string, succeeded bool, trigger string) (Outcome, error) {
	start := time.Now()
	outcome, err := e.reconcileIntent(ctx, intentRef, succeeded, trigger)
	e.observe(ctx, trigger, outcome, err, start)
	return outcome, err
}

func (e *Engine) reconcileIntent(ctx context.Context, intentRef string, succeeded bool, trigger string) (Outcome, error) {
	next := PaymentSucceeded
	orderNext := OrderPaid
	topic := events.TopicOrderPaid
	if !succeeded {
		next = PaymentFailed
		orderNext = OrderCancelled
		topic = events.TopicPaymentFailed
	}

	payments, err := e.store.PaymentsByIntentRef(ctx, intentRef)
	if err != nil {
		return "", fmt.Errorf("load payments for intent %s: %w", intentRef, err)
	}
	if len(payments) == 0 {
		return "", permanent(fmt.Errorf("%w: intent %s", ErrPaymentNotFound, intentRef))
	}

	applied := false
	for _, p := range payments {
		ok, err := e.advancePayment(ctx, p, next, trigger)
		if err != nil {
			return "", err
		}
		applied = applied || ok
	}
	if !applied {
		return OutcomeNoop, nil
	}

	orderID := payments[0].OrderID
	moved, err := e.store.UpdateOrderStatus(ctx, orderID, OrderPending, orderNext)
	if err != nil {
		return "", fmt.Errorf("derive order status: %w", err)
	}
	if moved {
		e.emit(ctx, topic, orderID, map[string]any{
			"orderId":   orderID.String(),
			"intentRef": intentRef,
			"status":    string(orderNext),
		})
	}
	return OutcomeApplied, nil
}

// advancePayment applies a conditional status write. A lost race is
// re-read and re-evaluated; a transition that is already applied or
// would regress reports false with no error.
func (e *Engine) advancePayment(ctx context.Context, p Payment, next PaymentStatus, trigger string) (bool, error) {
	for range maxTransitionRereads {
		if p.Status == next || !p.Status.CanAdvance(next) {
			return false, nil
		}
		ok, err := e.store.UpdatePaymentStatus(ctx, p.ID, p.Status, next)
		if err != nil {
			return false, fmt.Errorf("advance payment %s to %s: %w", p.ID, next, err)
		}
		if ok {
			e.audit(ctx, p.ID, string(next), trigger, nil)
			return true, nil
		}
		cur, err := e.store.PaymentByID(ctx, p.ID)
		if err != nil {
			return false, fmt.Errorf("reread payment %s: %w", p.ID, err)
		}
		p = cur
	}
	return false, nil
}

// CreatePaymentIntent opens a processor intent for an order and records
// a PENDING payment linked to it. Returns the payment and the client
// secret the storefront hands to the browser.
func (e *Engine) CreatePaymentIntent(ctx context.Context, orderID uuid.UUID, amount float64, currency string) (Payment, string, error) {
	ctx, span := e.tracer.Start(ctx, "payment.create_intent")
	defer span.End()

	order, err := e.store.OrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Payment{}, "", permanent(fmt.Errorf("%w: %s", ErrOrderNotFound, orderID))
		}
		return Payment{}, "", err
	}

	intent, err := resilience.Do(ctx, e.retryPolicy("create_intent"), func(ctx context.Context) (processor.Intent, error) {
		return e.gateway.CreateIntent(ctx, amount, currency, map[string]string{
			"orderId": order.ID.String(),
		})
	})
	if err != nil {
		return Payment{}, "", err
	}

	p := Payment{
		ID:          uuid.New(),
		OrderID:     order.ID,
		AmountMinor: intent.Amount,
		Currency:    strings.ToUpper(strings.TrimSpace(currency)),
		Status:      PaymentPending,
		IntentRef:   intent.ID,
	}
	// the intent already exists at the processor, so the local row write
	// is re-attempted rather than the gateway call
	created, err := resilience.Do(ctx, e.retryPolicy("persist_payment"), func(ctx context.Context) (Payment, error) {
		return e.store.CreatePayment(ctx, p)
	})
	if err != nil {
		return Payment{}, "", fmt.Errorf("%w: intent %s has no local payment row: %v", ErrReconciliationFailed, intent.ID, err)
	}
	return created, intent.ClientSecret, nil
}

// ProcessPayment runs the direct charge path: create intent, confirm it,
// then apply the result through the same transition logic the webhook
// path uses. A decline is applied as a FAILED transition before the
// error is returned.
func (e *Engine) ProcessPayment(ctx context.Context, orderID uuid.UUID, amount float64, currency, paymentMethodID string) (Payment, error) {
	ctx, span := e.tracer.Start(ctx, "payment.process")
	defer span.End()

	created, _, err := e.CreatePaymentIntent(ctx, orderID, amount, currency)
	if err != nil {
		return Payment{}, err
	}

	confirmed, err := resilience.Do(ctx, e.retryPolicy("confirm_intent"), func(ctx context.Context) (processor.Intent, error) {
		return e.gateway.ConfirmIntent(ctx, created.IntentRef, paymentMethodID)
	})
	if err != nil {
		if !resilience.IsRetryable(err) {
			// a decline is an authoritative result, reconcile it
			if _, applyErr := e.persistIntentResult(ctx, created.IntentRef, false); applyErr != nil {
				e.logger.Error().Err(applyErr).Str("intent_ref", created.IntentRef).
					Msg("failed to persist declined payment")
			}
		}
		return Payment{}, err
	}

	succeeded := confirmed.Status == "succeeded"
	if _, err := e.persistIntentResult(ctx, created.IntentRef, succeeded); err != nil {
		return Payment{}, err
	}

	final, err := e.store.PaymentByID(ctx, created.ID)
	if err != nil {
		return Payment{}, err
	}
	return final, nil
}

// persistIntentResult applies an authoritative gateway result with
// bounded retries. If the write keeps failing the transition is handed
// to the background queue so the confirmed charge is never re-driven
// through the processor.
func (e *Engine) persistIntentResult(ctx context.Context, intentRef string, succeeded bool) (Outcome, error) {
	outcome, err := resilience.Do(ctx, e.retryPolicy("persist_transition"), func(ctx context.Context) (Outcome, error) {
		return e.applyIntentResult(ctx, intentRef, succeeded, "direct")
	})
	if err == nil || !resilience.IsRetryable(err) {
		return outcome, err
	}
	if e.tasks != nil {
		if schedErr := e.tasks.ScheduleReconcile(ctx, intentRef, succeeded); schedErr == nil {
			e.logger.Warn().Str("intent_ref", intentRef).
				Msg("transition deferred to background reconciliation")
			return outcome, fmt.Errorf("%w: deferred to background queue", ErrReconciliationFailed)
		} else {
			e.logger.Error().Err(schedErr).Str("intent_ref", intentRef).
				Msg("failed to schedule background reconciliation")
		}
	}
	return outcome, fmt.Errorf("%w: %v", ErrReconciliationFailed, err)
}

// ProcessRefund refunds part or all of a succeeded payment. The refund
// that brings the cumulative total to the full payment amount flips the
// payment to REFUNDED and the order to REFUNDED.
func (e *Engine) ProcessRefund(ctx context.Context, paymentID uuid.UUID, amount float64, reason string) (RefundRecord, error) {
	ctx, span := e.tracer.Start(ctx, "payment.refund")
	defer span.End()
	start := time.Now()

	row, err := e.processRefund(ctx, paymentID, amount, reason)
	outcome := OutcomeApplied
	if err != nil {
		outcome = ""
	}
	e.observe(ctx, "refund", outcome, err, start)
	return row, err
}

func (e *Engine) processRefund(ctx context.Context, paymentID uuid.UUID, amount float64, reason string) (RefundRecord, error) {
	amountMinor, err := processor.ExactMinorUnits(amount)
	if err != nil {
		return RefundRecord{}, permanent(fmt.Errorf("%w: %v", ErrInvalidAmount, err))
	}
	if amountMinor <= 0 {
		return RefundRecord{}, permanent(fmt.Errorf("%w: refund amount must be positive", ErrInvalidAmount))
	}

	p, err := e.store.PaymentByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RefundRecord{}, permanent(fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID))
		}
		return RefundRecord{}, err
	}
	switch p.Status {
	case PaymentRefunded:
		return RefundRecord{}, permanent(ErrAlreadyRefunded)
	case PaymentSucceeded:
	default:
		return RefundRecord{}, permanent(fmt.Errorf("%w: status %s", ErrNotRefundable, p.Status))
	}

	// the reservation holds the amount against the balance before any money
	// moves, so concurrent refunds cannot jointly exceed the payment
	row := RefundRecord{
		ID:          uuid.New(),
		PaymentID:   p.ID,
		AmountMinor: amountMinor,
		Reason:      reason,
		Status:      "pending",
	}
	reserved, err := resilience.Do(ctx, e.retryPolicy("reserve_refund"), func(ctx context.Context) (bool, error) {
		return e.store.ReserveRefund(ctx, row)
	})
	if err != nil {
		return RefundRecord{}, err
	}
	if !reserved {
		return RefundRecord{}, permanent(fmt.Errorf("%w: %d minor units requested", ErrAmountExceedsBalance, amountMinor))
	}

	ref, err := resilience.Do(ctx, e.retryPolicy("refund"), func(ctx context.Context) (processor.Refund, error) {
		return e.gateway.RefundPayment(ctx, p.IntentRef, amountMinor, reason)
	})
	if err != nil {
		if _, relErr := resilience.Do(ctx, e.retryPolicy("release_refund"), func(ctx context.Context) (bool, error) {
			return true, e.store.ReleaseRefund(ctx, row.ID)
		}); relErr != nil {
			e.logger.Error().Err(relErr).Str("refund_id", row.ID.String()).
				Msg("failed to release refund hold")
		}
		return RefundRecord{}, err
	}

	// processor already moved the money; only the finalize write is retried
	if _, err := resilience.Do(ctx, e.retryPolicy("persist_refund"), func(ctx context.Context) (bool, error) {
		return true, e.store.FinalizeRefund(ctx, row.ID, ref.ID, ref.Status)
	}); err != nil {
		return RefundRecord{}, fmt.Errorf("%w: refund %s not recorded: %v", ErrReconciliationFailed, ref.ID, err)
	}
	row.ProviderRef = ref.ID
	row.Status = ref.Status
	e.audit(ctx, p.ID, "refund_created", "refund", map[string]any{
		"refundRef":   ref.ID,
		"amountMinor": amountMinor,
	})

	refunded, err := e.store.SumRefunds(ctx, p.ID)
	if err != nil {
		return row, fmt.Errorf("%w: %v", ErrReconciliationFailed, err)
	}
	if refunded >= p.AmountMinor {
		if _, err := e.advancePayment(ctx, p, PaymentRefunded, "refund"); err != nil {
			return row, fmt.Errorf("%w: %v", ErrReconciliationFailed, err)
		}
		if _, err := e.store.UpdateOrderStatus(ctx, p.OrderID, OrderPaid, OrderRefunded); err != nil {
			return row, fmt.Errorf("%w: %v", ErrReconciliationFailed, err)
		}
		e.emit(ctx, events.TopicPaymentRefunded, p.ID, map[string]any{
			"paymentId":   p.ID.String(),
			"orderId":     p.OrderID.String(),
			"amountMinor": p.AmountMinor,
		})
	}
	return row, nil
}

// RefundHistory lists refunds for a payment together with the cumulative
// refunded amount.
func (e *Engine) RefundHistory(ctx context.Context, paymentID uuid.UUID) ([]RefundRecord, int64, error) {
	if _, err := e.store.PaymentByID(ctx, paymentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
		}
		return nil, 0, err
	}
	refunds, err := e.store.RefundsByPayment(ctx, paymentID)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.store.SumRefunds(ctx, paymentID)
	if err != nil {
		return nil, 0, err
	}
	return refunds, total, nil
}

func (e *Engine) applyDisputeOpened(ctx context.Context, ev Event) (Outcome, error) {
	start := time.Now()
	outcome, err := e.reconcileDisputeOpened(ctx, ev)
	e.observe(ctx, "dispute", outcome, err, start)
	return outcome, err
}

func (e *Engine) reconcileDisputeOpened(ctx context.Context, ev Event) (Outcome, error) {
	payments, err := e.store.PaymentsByIntentRef(ctx, ev.IntentRef)
	if err != nil {
		return "", err
	}
	if len(payments) == 0 {
		return "", permanent(fmt.Errorf("%w: intent %s", ErrPaymentNotFound, ev.IntentRef))
	}
	target := payments[0]
	for _, p := range payments {
		if p.Status == PaymentSucceeded {
			target = p
			break
		}
	}

	status := ev.Status
	if status == "" {
		status = "needs_response"
	}
	created, err := e.store.CreateDispute(ctx, DisputeRecord{
		ID:          uuid.New(),
		PaymentID:   target.ID,
		ProviderRef: ev.ObjectID,
		AmountMinor: ev.AmountMinor,
		Status:      status,
	})
	if err != nil {
		return "", fmt.Errorf("record dispute %s: %w", ev.ObjectID, err)
	}

	moved, err := e.advancePayment(ctx, target, PaymentDisputed, "dispute")
	if err != nil {
		return "", err
	}
	if !created && !moved {
		return OutcomeNoop, nil
	}
	if created {
		e.emit(ctx, events.TopicPaymentDisputed, target.ID, map[string]any{
			"paymentId":  target.ID.String(),
			"disputeRef": ev.ObjectID,
		})
	}
	return OutcomeApplied, nil
}

func (e *Engine) applyDisputeClosed(ctx context.Context, ev Event) (Outcome, error) {
	start := time.Now()
	err := e.store.UpdateDisputeStatus(ctx, ev.ObjectID, ev.Status)
	outcome := OutcomeApplied
	if errors.Is(err, ErrNotFound) {
		// closure for a dispute we never recorded, nothing to update
		outcome, err = OutcomeNoop, nil
	}
	if err != nil {
		outcome = ""
	}
	e.observe(ctx, "dispute", outcome, err, start)
	return outcome, err
}

// SubmitDisputeEvidence forwards evidence to the processor and records
// the dispute locally, marking the payment DISPUTED. Re-submitting for
// an already recorded dispute updates its status instead of conflicting.
func (e *Engine) SubmitDisputeEvidence(ctx context.Context, paymentID uuid.UUID, disputeRef string, evidence map[string]string) (DisputeRecord, error) {
	ctx, span := e.tracer.Start(ctx, "payment.submit_dispute_evidence")
	defer span.End()

	p, err := e.store.PaymentByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DisputeRecord{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
		}
		return DisputeRecord{}, err
	}

	dispute, err := resilience.Do(ctx, e.retryPolicy("submit_evidence"), func(ctx context.Context) (processor.Dispute, error) {
		return e.gateway.SubmitDisputeEvidence(ctx, disputeRef, evidence)
	})
	if err != nil {
		return DisputeRecord{}, err
	}

	encoded, err := json.Marshal(evidence)
	if err != nil {
		encoded = nil
	}
	created, err := e.store.CreateDispute(ctx, DisputeRecord{
		ID:          uuid.New(),
		PaymentID:   p.ID,
		ProviderRef: dispute.ID,
		AmountMinor: dispute.Amount,
		Status:      dispute.Status,
		Evidence:    encoded,
	})
	if err != nil {
		return DisputeRecord{}, fmt.Errorf("%w: dispute %s not recorded: %v", ErrReconciliationFailed, dispute.ID, err)
	}
	if !created {
		if err := e.store.UpdateDisputeStatus(ctx, dispute.ID, dispute.Status); err != nil && !errors.Is(err, ErrNotFound) {
			return DisputeRecord{}, err
		}
	}

	if _, err := e.advancePayment(ctx, p, PaymentDisputed, "dispute"); err != nil {
		return DisputeRecord{}, err
	}
	e.audit(ctx, p.ID, "dispute_evidence_submitted", "dispute", map[string]any{
		"disputeRef": dispute.ID,
	})
	return e.store.DisputeByRef(ctx, dispute.ID)
}

// DisputeDetails returns the local dispute row refreshed with the
// processor's current view.
func (e *Engine) DisputeDetails(ctx context.Context, disputeRef string) (DisputeRecord, error) {
	local, err := e.store.DisputeByRef(ctx, disputeRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DisputeRecord{}, fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeRef)
		}
		return DisputeRecord{}, err
	}

	remote, err := resilience.Do(ctx, e.retryPolicy("get_dispute"), func(ctx context.Context) (processor.Dispute, error) {
		return e.gateway.GetDispute(ctx, disputeRef)
	})
	if err != nil {
		// local state still answers the query when the processor is down
		e.logger.Warn().Err(err).Str("dispute_ref", disputeRef).
			Msg("serving dispute from local state only")
		return local, nil
	}
	if remote.Status != "" && remote.Status != local.Status {
		if err := e.store.UpdateDisputeStatus(ctx, disputeRef, remote.Status); err == nil {
			local.Status = remote.Status
		}
	}
	return local, nil
}

// PaymentByID resolves a single payment.
func (e *Engine) PaymentByID(ctx context.Context, id uuid.UUID) (Payment, error) {
	p, err := e.store.PaymentByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Payment{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return p, err
}

// PaymentsForOrder lists all payment attempts recorded for an order.
func (e *Engine) PaymentsForOrder(ctx context.Context, orderID uuid.UUID) ([]Payment, error) {
	if _, err := e.store.OrderByID(ctx, orderID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return e.store.PaymentsByOrder(ctx, orderID)
}

// PaymentSummary is a payment together with its refund position.
type PaymentSummary struct {
	Payment        Payment `json:"payment"`
	RefundedMinor  int64   `json:"refundedMinor"`
	RemainingMinor int64   `json:"remainingMinor"`
}

// OrderPaymentStatus is the consolidated money view of an order.
type OrderPaymentStatus struct {
	Order    Order            `json:"order"`
	Payments []PaymentSummary `json:"payments"`
}

// ConsolidatedStatus reads the order with every payment attempt and its
// refund totals in one response.
func (e *Engine) ConsolidatedStatus(ctx context.Context, orderID uuid.UUID) (OrderPaymentStatus, error) {
	order, err := e.store.OrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return OrderPaymentStatus{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return OrderPaymentStatus{}, err
	}
	payments, err := e.store.PaymentsByOrder(ctx, orderID)
	if err != nil {
		return OrderPaymentStatus{}, err
	}
	out := OrderPaymentStatus{Order: order, Payments: make([]PaymentSummary, 0, len(payments))}
	for _, p := range payments {
		refunded, err := e.store.SumRefunds(ctx, p.ID)
		if err != nil {
			return OrderPaymentStatus{}, err
		}
		out.Payments = append(out.Payments, PaymentSummary{
			Payment:        p,
			RefundedMinor:  refunded,
			RemainingMinor: p.AmountMinor - refunded,
		})
	}
	return out, nil
}

func (e *Engine) retryPolicy(op string) resilience.Policy {
	p := e.retry
	outer := p.OnRetry
	p.OnRetry = func(err error, attempt int) {
		e.logger.Warn().Err(err).Str("operation", op).Int("attempt", attempt).
			Msg("retrying payment operation")
		if outer != nil {
			outer(err, attempt)
		}
	}
	return p
}

func (e *Engine) emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Emit(ctx, topic, aggregateID, payload); err != nil {
		e.logger.Error().Err(err).Str("topic", topic).Msg("failed to emit domain event")
	}
}

func (e *Engine) audit(ctx context.Context, paymentID uuid.UUID, eventType, trigger string, payload map[string]any) {
	var encoded json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			encoded = data
		}
	}
	err := e.store.AppendPaymentEvent(ctx, PaymentEventRecord{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Type:      eventType,
		Trigger:   trigger,
		Payload:   encoded,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("payment_id", paymentID.String()).
			Str("event_type", eventType).Msg("failed to append payment event")
	}
}

func (e *Engine) observe(ctx context.Context, trigger string, outcome Outcome, err error, start time.Time) {
	result := string(outcome)
	if err != nil {
		result = "error"
	}
	if obs.ReconcileTransitionTotal != nil {
		obs.ReconcileTransitionTotal.WithLabelValues(trigger, result).Inc()
	}
	if obs.ReconcileLatency != nil {
		obs.ReconcileLatency.WithLabelValues(trigger).Observe(obs.DurationMillis(time.Since(start)))
	}
	evt := e.logger.Info()
	if err != nil {
		evt = e.logger.Error().Err(err)
	}
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Str("trigger", trigger).Str("outcome", result).
		Dur("duration", time.Since(start)).Msg("reconcile_transition")
}
