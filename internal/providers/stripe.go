package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/money"
)

const stripeSignatureHeader = "Stripe-Signature"

// Card collects deposits through Stripe PaymentIntents.
type Card struct {
	api           *client.API
	webhookSecret string
}

// NewCard creates a Stripe-backed card provider. backends may be nil.
func NewCard(secretKey, webhookSecret string, backends *stripe.Backends) *Card {
	return &Card{api: client.New(secretKey, backends), webhookSecret: webhookSecret}
}

func (c *Card) Name() string { return NameCard }

// InitiateCharge creates a PaymentIntent. The idempotency key is forwarded
// so Stripe collapses retries of the same charge.
func (c *Card) InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(money.ToMinor(req.Amount, req.Currency)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("contract_id", req.ContractID)
	params.AddMetadata("idempotency_key", req.IdempotencyKey)

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && (serr.Type == stripe.ErrorTypeCard || serr.Type == stripe.ErrorTypeInvalidRequest) {
			return nil, ErrChargeRejected.Wrap(err)
		}
		return nil, err
	}
	return &ChargeResult{ExternalRef: pi.ID, Status: stripeStatus(pi.Status)}, nil
}

// ParseWebhook verifies the Stripe-Signature header and normalizes
// payment_intent events. Other event types return ErrIgnoredEvent.
func (c *Card) ParseWebhook(header http.Header, body []byte) (*model.ProviderEvent, error) {
	event, err := webhook.ConstructEventWithOptions(body, header.Get(stripeSignatureHeader), c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrInvalidHeader) || errors.Is(err, webhook.ErrTooOld) {
			return nil, ErrInvalidSignature.Wrap(err)
		}
		return nil, ErrMalformedPayload.Wrap(err)
	}

	var status model.PaymentStatus
	switch event.Type {
	case "payment_intent.succeeded":
		status = model.PaymentSucceeded
	case "payment_intent.processing":
		status = model.PaymentPending
	case "payment_intent.payment_failed", "payment_intent.canceled":
		status = model.PaymentFailed
	default:
		return nil, ErrIgnoredEvent.WithMessage("ignored stripe event " + string(event.Type))
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, ErrMalformedPayload.Wrap(err)
	}
	currency, err := money.NormalizeCurrency(string(pi.Currency))
	if err != nil {
		return nil, ErrMalformedPayload.Wrap(err)
	}
	minor := pi.Amount
	if status == model.PaymentSucceeded && pi.AmountReceived > 0 {
		minor = pi.AmountReceived
	}
	if minor <= 0 {
		return nil, ErrMalformedPayload.WithMessage("payment intent has no amount")
	}

	ev := &model.ProviderEvent{
		Provider:       NameCard,
		ExternalRef:    pi.ID,
		Amount:         money.FromMinor(minor, currency),
		Currency:       currency,
		Status:         status,
		IdempotencyKey: pi.Metadata["idempotency_key"],
		ContractID:     pi.Metadata["contract_id"],
		OccurredAt:     time.Unix(event.Created, 0).UTC(),
	}
	if pi.Customer != nil {
		ev.PayerRef = pi.Customer.ID
	}
	return ev, nil
}

func stripeStatus(s stripe.PaymentIntentStatus) model.PaymentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return model.PaymentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return model.PaymentFailed
	default:
		return model.PaymentPending
	}
}
