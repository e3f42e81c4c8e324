package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shopforge/storefront/internal/obs"
	"github.com/shopforge/storefront/internal/resilience"
)

// processor round trips carry client spans like every other dependency
var defaultHTTPClient = &http.Client{
	Transport: otelhttp.NewTransport(http.DefaultTransport),
}

// StripeClient talks to the Stripe REST API. Calls are single round trips
// guarded by a circuit breaker; the caller owns retry policy.
type StripeClient struct {
	SecretKey string
	BaseURL   string
	HTTP      *http.Client
	Breaker   *resilience.Breaker
	Timeout   time.Duration
}

var _ Gateway = (*StripeClient)(nil)

// CreateIntent opens a payment intent. The major-unit amount is converted to
// minor units here, rounding to the nearest cent.
func (c *StripeClient) CreateIntent(ctx context.Context, amount float64, currency string, metadata map[string]string) (Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(ToMinorUnits(amount), 10))
	form.Set("currency", strings.ToLower(strings.TrimSpace(currency)))
	for k, v := range metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}
	var intent Intent
	err := c.do(ctx, "create_intent", http.MethodPost, "/v1/payment_intents", form, &intent)
	return intent, err
}

// ConfirmIntent confirms a previously created intent with a payment method.
func (c *StripeClient) ConfirmIntent(ctx context.Context, intentID, paymentMethodID string) (Intent, error) {
	form := url.Values{}
	form.Set("payment_method", paymentMethodID)
	var intent Intent
	err := c.do(ctx, "confirm_intent", http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/confirm", form, &intent)
	return intent, err
}

// RefundPayment creates a refund against an intent. The amount is already in
// minor units; no conversion or rounding happens on the refund path.
func (c *StripeClient) RefundPayment(ctx context.Context, intentID string, amountMinor int64, reason string) (Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", intentID)
	form.Set("amount", strconv.FormatInt(amountMinor, 10))
	if strings.TrimSpace(reason) != "" {
		form.Set("reason", reason)
	}
	var refund Refund
	err := c.do(ctx, "refund_payment", http.MethodPost, "/v1/refunds", form, &refund)
	return refund, err
}

// SubmitDisputeEvidence attaches evidence fields to a dispute.
func (c *StripeClient) SubmitDisputeEvidence(ctx context.Context, disputeID string, evidence map[string]string) (Dispute, error) {
	form := url.Values{}
	for k, v := range evidence {
		form.Set(fmt.Sprintf("evidence[%s]", k), v)
	}
	var dispute Dispute
	err := c.do(ctx, "submit_dispute_evidence", http.MethodPost, "/v1/disputes/"+url.PathEscape(disputeID), form, &dispute)
	return dispute, err
}

// GetDispute fetches the current state of a dispute.
func (c *StripeClient) GetDispute(ctx context.Context, disputeID string) (Dispute, error) {
	var dispute Dispute
	err := c.do(ctx, "get_dispute", http.MethodGet, "/v1/disputes/"+url.PathEscape(disputeID), nil, &dispute)
	return dispute, err
}

type stripeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *StripeClient) do(ctx context.Context, op, method, path string, form url.Values, out any) error {
	if c.Breaker != nil && !c.Breaker.Allow(ctx) {
		c.observe(op, "circuit_open")
		return &Error{Op: op, Category: CategoryTransient, Err: resilience.ErrOpenCircuit}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL()+path, body)
	if err != nil {
		return &Error{Op: op, Category: CategoryPermanent, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	client := c.HTTP
	if client == nil {
		client = defaultHTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		c.report(ctx, false)
		c.observe(op, "network_error")
		return &Error{Op: op, Category: CategoryTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.report(ctx, false)
		c.observe(op, "network_error")
		return &Error{Op: op, Category: CategoryTransient, Err: err}
	}

	if resp.StatusCode >= 400 {
		category := CategoryPermanent
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			category = CategoryTransient
		}
		// a decline is the processor answering, not the processor failing
		c.report(ctx, category == CategoryPermanent)
		c.observe(op, "error")
		var parsed stripeErrorBody
		_ = json.Unmarshal(raw, &parsed)
		return &Error{
			Op:       op,
			Category: category,
			Status:   resp.StatusCode,
			Code:     parsed.Error.Code,
			Message:  parsed.Error.Message,
		}
	}

	c.report(ctx, true)
	c.observe(op, "success")
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, Category: CategoryPermanent, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *StripeClient) baseURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return "https://api.stripe.com"
	}
	return base
}

func (c *StripeClient) report(ctx context.Context, success bool) {
	if c.Breaker != nil {
		c.Breaker.Report(ctx, success)
	}
}

func (c *StripeClient) observe(op, result string) {
	if obs.GatewayRequestTotal != nil {
		obs.GatewayRequestTotal.WithLabelValues(op, result).Inc()
	}
}
