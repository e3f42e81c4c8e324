package payment

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shopforge/storefront/internal/common"
	"github.com/shopforge/storefront/internal/obs"
)

// SignatureHeader is the header carrying the processor's webhook signature.
const SignatureHeader = "Stripe-Signature"

const maxWebhookBody = 1 << 20

// Webhook receives processor event deliveries. Redis gives a fast replay
// check; the engine's conditional writes remain the source of truth, so
// losing redis only costs extra no-op work.
type Webhook struct {
	Engine    *Engine
	Verifier  Verifier
	Redis     *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

// Handle processes a single delivery. 400 covers signature and parse
// failures, 500 invites the provider to redeliver, and everything the
// engine absorbed as applied, duplicate or unrecognized answers 200.
func (wh *Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		wh.count("read_error")
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read webhook body", nil)
		return
	}

	ev, err := wh.Verifier.Verify(body, r.Header.Get(SignatureHeader))
	if err != nil {
		code := "INVALID_SIGNATURE"
		if errors.Is(err, ErrMissingSignature) {
			code = "MISSING_SIGNATURE"
		}
		wh.count("rejected")
		wh.Logger.Warn().Err(err).Msg("rejected webhook delivery")
		common.JSONError(w, http.StatusBadRequest, code, err.Error(), nil)
		return
	}

	if !ev.Recognized() {
		wh.count("skipped")
		wh.Logger.Info().Str("event_type", ev.Type).Msg("ignoring unrecognized webhook event")
		wh.received(w)
		return
	}

	// the marker is only ever written after a durable apply, so its
	// presence proves the event's effect landed. A crash mid-apply leaves
	// no marker and the provider's redelivery reconciles normally.
	replayKey := "webhook:seen:" + common.Sha256Hex(ev.Type+":"+ev.ObjectID)
	if wh.Redis != nil {
		seen, err := wh.Redis.Exists(ctx, replayKey).Result()
		if err != nil {
			// redis outage degrades to the engine's own idempotency
			wh.Logger.Warn().Err(err).Msg("webhook replay check unavailable")
		} else if seen > 0 {
			wh.count("duplicate")
			wh.received(w)
			return
		}
	}

	outcome, err := wh.Engine.ApplyEvent(ctx, ev)
	if err != nil {
		wh.count("error")
		wh.Logger.Error().Err(err).Str("event_type", ev.Type).Str("object_id", ev.ObjectID).
			Msg("webhook reconciliation failed")
		common.JSONError(w, http.StatusInternalServerError, "RECONCILIATION_FAILED",
			"event could not be applied", nil)
		return
	}

	if wh.Redis != nil {
		if err := wh.Redis.SetNX(ctx, replayKey, "1", wh.replayTTL()).Err(); err != nil {
			wh.Logger.Warn().Err(err).Msg("failed to mark webhook delivery")
		}
	}
	wh.count(string(outcome))
	wh.received(w)
}

func (wh *Webhook) received(w http.ResponseWriter) {
	common.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (wh *Webhook) replayTTL() time.Duration {
	if wh.ReplayTTL <= 0 {
		return 24 * time.Hour
	}
	return wh.ReplayTTL
}

func (wh *Webhook) count(result string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(result).Inc()
	}
}
