package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event types the engine acts on. Anything else is recognized as valid
// input but skipped.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventDisputeCreated  = "charge.dispute.created"
	EventDisputeClosed   = "charge.dispute.closed"
)

// Event is a verified, decoded webhook delivery.
type Event struct {
	ID          string
	Type        string
	ObjectID    string
	IntentRef   string
	AmountMinor int64
	Status      string
	Raw         json.RawMessage
}

// Recognized reports whether the engine has a transition for this event
// type. Unrecognized events are skipped, not failed.
func (e Event) Recognized() bool {
	switch e.Type {
	case EventIntentSucceeded, EventIntentFailed, EventDisputeCreated, EventDisputeClosed:
		return true
	default:
		return false
	}
}

// Verifier authenticates webhook bodies against the shared signing
// secret. The signature header has the form "t=<unix>,v1=<hex hmac>"
// where the hmac is SHA-256 over "<unix>.<raw body>". Verification runs
// on the raw bytes before any JSON parsing.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			Amount        int64  `json:"amount"`
			Status        string `json:"status"`
			PaymentIntent string `json:"payment_intent"`
		} `json:"object"`
	} `json:"data"`
}

// Verify checks the signature header against body and decodes the event.
// It returns ErrMissingSignature when the header is empty and
// ErrInvalidSignature on timestamp drift, signature mismatch or a body
// that is not valid JSON.
func (v Verifier) Verify(body []byte, signatureHeader string) (Event, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return Event{}, ErrMissingSignature
	}

	ts, sig, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return Event{}, err
	}

	if v.Tolerance > 0 {
		now := time.Now()
		if v.Now != nil {
			now = v.Now()
		}
		drift := now.Sub(time.Unix(ts, 0))
		if drift < 0 {
			drift = -drift
		}
		if drift > v.Tolerance {
			return Event{}, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(expected, provided) {
		return Event{}, ErrInvalidSignature
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: malformed event body", ErrInvalidSignature)
	}

	ev := Event{
		ID:          env.ID,
		Type:        env.Type,
		ObjectID:    env.Data.Object.ID,
		IntentRef:   env.Data.Object.PaymentIntent,
		AmountMinor: env.Data.Object.Amount,
		Status:      env.Data.Object.Status,
		Raw:         json.RawMessage(body),
	}
	// intent events carry the intent ref as the object id itself
	if ev.IntentRef == "" {
		ev.IntentRef = ev.ObjectID
	}
	return ev, nil
}

func parseSignatureHeader(header string) (int64, string, error) {
	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			tsPart = val
		case "v1":
			sigPart = val
		}
	}
	if tsPart == "" || sigPart == "" {
		return 0, "", fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	return ts, sigPart, nil
}

// Sign computes a valid signature header for body at the given time.
// Used by tests and the local webhook replay tool.
func (v Verifier) Sign(body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
