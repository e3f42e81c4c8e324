package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopforge/storefront/internal/events"
	"github.com/shopforge/storefront/internal/payment"
)

// Postgres implements the reconciliation persistence port and the domain
// event store on a pgx connection pool. The conditional status updates
// are plain UPDATE ... WHERE status = expected statements; the row count
// tells the engine whether it won the race.
type Postgres struct {
	Pool *pgxpool.Pool
}

var (
	_ payment.Store     = (*Postgres)(nil)
	_ events.EventStore = (*Postgres)(nil)
)

// NewPostgres wraps a pgx pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

const paymentColumns = `id, order_id, amount_minor, currency, status, intent_ref, created_at, updated_at`

func scanPayment(row pgx.Row) (payment.Payment, error) {
	var (
		p       payment.Payment
		id      pgtype.UUID
		orderID pgtype.UUID
		status  string
	)
	err := row.Scan(&id, &orderID, &p.AmountMinor, &p.Currency, &status, &p.IntentRef, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return payment.Payment{}, err
	}
	p.ID = uuid.UUID(id.Bytes)
	p.OrderID = uuid.UUID(orderID.Bytes)
	p.Status = payment.PaymentStatus(status)
	return p, nil
}

// CreatePayment inserts a new payment row.
func (s *Postgres) CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO payments (id, order_id, amount_minor, currency, status, intent_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+paymentColumns,
		pgUUID(p.ID), pgUUID(p.OrderID), p.AmountMinor, p.Currency, string(p.Status), p.IntentRef,
	)
	created, err := scanPayment(row)
	if err != nil {
		return payment.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return created, nil
}

// PaymentByID fetches a payment row by primary key.
func (s *Postgres) PaymentByID(ctx context.Context, id uuid.UUID) (payment.Payment, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, pgUUID(id))
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Payment{}, payment.ErrNotFound
	}
	if err != nil {
		return payment.Payment{}, fmt.Errorf("select payment: %w", err)
	}
	return p, nil
}

// PaymentsByIntentRef lists payments linked to a processor intent.
func (s *Postgres) PaymentsByIntentRef(ctx context.Context, intentRef string) ([]payment.Payment, error) {
	return s.listPayments(ctx, `SELECT `+paymentColumns+` FROM payments WHERE intent_ref = $1 ORDER BY created_at`, intentRef)
}

// PaymentsByOrder lists every payment attempt recorded for an order.
func (s *Postgres) PaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]payment.Payment, error) {
	return s.listPayments(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at`, pgUUID(orderID))
}

func (s *Postgres) listPayments(ctx context.Context, query string, arg any) ([]payment.Payment, error) {
	rows, err := s.Pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePaymentStatus applies a conditional transition and reports
// whether the write landed.
func (s *Postgres) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, expect, next payment.PaymentStatus) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE payments SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`,
		pgUUID(id), string(expect), string(next),
	)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// OrderByID fetches the order fields reconciliation cares about.
func (s *Postgres) OrderByID(ctx context.Context, id uuid.UUID) (payment.Order, error) {
	var (
		o      payment.Order
		oid    pgtype.UUID
		status string
	)
	err := s.Pool.QueryRow(ctx, `
		SELECT id, amount_minor, status, created_at, updated_at FROM orders WHERE id = $1`,
		pgUUID(id),
	).Scan(&oid, &o.AmountMinor, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Order{}, payment.ErrNotFound
	}
	if err != nil {
		return payment.Order{}, fmt.Errorf("select order: %w", err)
	}
	o.ID = uuid.UUID(oid.Bytes)
	o.Status = payment.OrderStatus(status)
	return o, nil
}

// UpdateOrderStatus applies a conditional order transition.
func (s *Postgres) UpdateOrderStatus(ctx context.Context, id uuid.UUID, expect, next payment.OrderStatus) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`,
		pgUUID(id), string(expect), string(next),
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReserveRefund holds amount_minor against the payment's remaining
// balance and inserts the pending row in one transaction. The payment
// row lock serializes concurrent reservations, so two refunds can never
// jointly exceed the payment amount. Reports false when the amount no
// longer fits.
func (s *Postgres) ReserveRefund(ctx context.Context, r payment.RefundRecord) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin refund reservation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	err = tx.QueryRow(ctx, `SELECT amount_minor FROM payments WHERE id = $1 FOR UPDATE`, pgUUID(r.PaymentID)).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, payment.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock payment for refund: %w", err)
	}

	var refunded int64
	err = tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount_minor), 0) FROM refunds WHERE payment_id = $1`, pgUUID(r.PaymentID)).Scan(&refunded)
	if err != nil {
		return false, fmt.Errorf("sum refunds for reservation: %w", err)
	}
	if refunded+r.AmountMinor > total {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO refunds (id, payment_id, amount_minor, reason, status)
		VALUES ($1, $2, $3, $4, $5)`,
		pgUUID(r.ID), pgUUID(r.PaymentID), r.AmountMinor, r.Reason, r.Status,
	)
	if err != nil {
		return false, fmt.Errorf("insert refund reservation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit refund reservation: %w", err)
	}
	return true, nil
}

// FinalizeRefund attaches the processor reference and status to a
// reserved refund row.
func (s *Postgres) FinalizeRefund(ctx context.Context, id uuid.UUID, providerRef, status string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE refunds SET provider_ref = $2, status = $3 WHERE id = $1`,
		pgUUID(id), providerRef, status,
	)
	if err != nil {
		return fmt.Errorf("finalize refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

// ReleaseRefund drops a reservation whose processor call never
// succeeded. Finalized rows are never deleted.
func (s *Postgres) ReleaseRefund(ctx context.Context, id uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM refunds WHERE id = $1 AND provider_ref = ''`, pgUUID(id))
	if err != nil {
		return fmt.Errorf("release refund reservation: %w", err)
	}
	return nil
}

// RefundsByPayment lists refunds recorded against a payment.
func (s *Postgres) RefundsByPayment(ctx context.Context, paymentID uuid.UUID) ([]payment.RefundRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, payment_id, amount_minor, reason, status, provider_ref, created_at
		FROM refunds WHERE payment_id = $1 ORDER BY created_at`,
		pgUUID(paymentID),
	)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var out []payment.RefundRecord
	for rows.Next() {
		var (
			r   payment.RefundRecord
			id  pgtype.UUID
			pid pgtype.UUID
		)
		if err := rows.Scan(&id, &pid, &r.AmountMinor, &r.Reason, &r.Status, &r.ProviderRef, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		r.ID = uuid.UUID(id.Bytes)
		r.PaymentID = uuid.UUID(pid.Bytes)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SumRefunds returns the cumulative refunded amount for a payment.
func (s *Postgres) SumRefunds(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	var sum int64
	err := s.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0) FROM refunds WHERE payment_id = $1`,
		pgUUID(paymentID),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum refunds: %w", err)
	}
	return sum, nil
}

// CreateDispute inserts a dispute row, reporting false on a duplicate
// processor reference.
func (s *Postgres) CreateDispute(ctx context.Context, d payment.DisputeRecord) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO disputes (id, payment_id, provider_ref, amount_minor, status, evidence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_ref) DO NOTHING`,
		pgUUID(d.ID), pgUUID(d.PaymentID), d.ProviderRef, d.AmountMinor, d.Status, d.Evidence,
	)
	if err != nil {
		return false, fmt.Errorf("insert dispute: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DisputeByRef fetches a dispute by processor reference.
func (s *Postgres) DisputeByRef(ctx context.Context, providerRef string) (payment.DisputeRecord, error) {
	var (
		d   payment.DisputeRecord
		id  pgtype.UUID
		pid pgtype.UUID
	)
	err := s.Pool.QueryRow(ctx, `
		SELECT id, payment_id, provider_ref, amount_minor, status, evidence, created_at, updated_at
		FROM disputes WHERE provider_ref = $1`,
		providerRef,
	).Scan(&id, &pid, &d.ProviderRef, &d.AmountMinor, &d.Status, &d.Evidence, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.DisputeRecord{}, payment.ErrNotFound
	}
	if err != nil {
		return payment.DisputeRecord{}, fmt.Errorf("select dispute: %w", err)
	}
	d.ID = uuid.UUID(id.Bytes)
	d.PaymentID = uuid.UUID(pid.Bytes)
	return d, nil
}

// UpdateDisputeStatus follows the processor's view of a dispute.
func (s *Postgres) UpdateDisputeStatus(ctx context.Context, providerRef, status string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE disputes SET status = $2, updated_at = now() WHERE provider_ref = $1`,
		providerRef, status,
	)
	if err != nil {
		return fmt.Errorf("update dispute status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

// AppendPaymentEvent writes an audit row for an applied transition.
func (s *Postgres) AppendPaymentEvent(ctx context.Context, e payment.PaymentEventRecord) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_events (id, payment_id, event_type, trigger_source, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		pgUUID(e.ID), pgUUID(e.PaymentID), e.Type, e.Trigger, payload,
	)
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}

// InsertDomainEvent persists a domain event for the bus.
func (s *Postgres) InsertDomainEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.DomainEvent, error) {
	ev := events.DomainEvent{Topic: topic, AggregateID: aggregateID, Payload: payload}
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO domain_events (topic, aggregate_id, payload)
		VALUES ($1, $2, $3)
		RETURNING id, occurred_at`,
		topic, pgUUID(aggregateID), payload,
	).Scan(&ev.ID, &ev.OccurredAt)
	if err != nil {
		return events.DomainEvent{}, fmt.Errorf("insert domain event: %w", err)
	}
	return ev, nil
}
