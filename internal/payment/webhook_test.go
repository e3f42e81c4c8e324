package payment

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWebhook(t *testing.T, store *memStore) (*Webhook, Verifier) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	verifier := testVerifier()
	engine := NewEngine(store, &stubGateway{}, testPolicy(), zerolog.Nop())
	return &Webhook{
		Engine:    engine,
		Verifier:  verifier,
		Redis:     client,
		ReplayTTL: time.Hour,
		Logger:    zerolog.Nop(),
	}, verifier
}

func deliver(wh *Webhook, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	wh.Handle(rec, req)
	return rec
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	wh, _ := newTestWebhook(t, newMemStore())

	rec := deliver(wh, []byte(`{}`), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "MISSING_SIGNATURE")
}

func TestWebhookRejectsTamperedBodyWithoutMutation(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentPending, OrderPending)
	wh, verifier := newTestWebhook(t, store)

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":5000}}}`)
	header := verifier.Sign(body, verifier.Now())
	tampered := bytes.Replace(body, []byte("5000"), []byte("9999"), 1)

	rec := deliver(wh, tampered, header)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_SIGNATURE")
	assert.Equal(t, PaymentPending, store.payments[p.ID].Status)
	assert.Equal(t, OrderPending, store.orders[p.OrderID].Status)
}

func TestWebhookDoubleDeliveryIsIdempotent(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentPending, OrderPending)
	wh, verifier := newTestWebhook(t, store)

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":5000,"status":"succeeded"}}}`)
	header := verifier.Sign(body, verifier.Now())

	rec := deliver(wh, body, header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	rec = deliver(wh, body, header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	assert.Equal(t, PaymentSucceeded, store.payments[p.ID].Status)
	assert.Equal(t, OrderPaid, store.orders[p.OrderID].Status)
	assert.Equal(t, []OrderStatus{OrderPaid}, store.orderTransitions)
}

func TestWebhookRedeliveryAfterLostMarkerIsNoop(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentPending, OrderPending)
	wh, verifier := newTestWebhook(t, store)

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":5000,"status":"succeeded"}}}`)
	header := verifier.Sign(body, verifier.Now())

	rec := deliver(wh, body, header)
	require.Equal(t, http.StatusOK, rec.Code)

	// marker lost before it was written; the conditional writes absorb
	// the provider's redelivery
	require.NoError(t, wh.Redis.FlushDB(context.Background()).Err())
	rec = deliver(wh, body, header)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, PaymentSucceeded, store.payments[p.ID].Status)
	assert.Equal(t, []OrderStatus{OrderPaid}, store.orderTransitions)
}

func TestWebhookUnrecognizedEventIsAccepted(t *testing.T) {
	wh, verifier := newTestWebhook(t, newMemStore())

	body := []byte(`{"id":"evt_2","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	rec := deliver(wh, body, verifier.Sign(body, verifier.Now()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}

func TestWebhookFailureLeavesNoReplayMarker(t *testing.T) {
	store := newMemStore()
	p := seedPaidOrder(store, 5000, PaymentPending, OrderPending)
	wh, verifier := newTestWebhook(t, store)

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":5000}}}`)
	header := verifier.Sign(body, verifier.Now())

	store.updatePaymentErr = errors.New("connection reset")
	rec := deliver(wh, body, header)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "RECONCILIATION_FAILED")

	// a failed apply must not look like a processed delivery
	keys, err := wh.Redis.Keys(context.Background(), "webhook:seen:*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)

	// provider redelivers after the store recovers
	store.updatePaymentErr = nil
	rec = deliver(wh, body, header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, PaymentSucceeded, store.payments[p.ID].Status)

	keys, err = wh.Redis.Keys(context.Background(), "webhook:seen:*").Result()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
