// Package providers adapts external money providers (mobile money, wallets,
// card processors, crypto invoicing) to one charge/webhook contract. Raw
// payloads are normalized into model.ProviderEvent at this boundary and
// nothing provider-specific leaks past it.
package providers

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/model"
)

// Provider names accepted by the API and the webhook route.
const (
	NameMobileMoney = "mobile_money"
	NameWallet      = "wallet"
	NameCard        = "card"
	NameCrypto      = "crypto"
)

var (
	ErrUnknownProvider     = apperr.Validation("unknown_provider", "unknown money provider")
	ErrInvalidSignature    = apperr.Integrity("invalid_signature", "webhook signature verification failed")
	ErrMalformedPayload    = apperr.Integrity("malformed_payload", "webhook payload could not be normalized")
	ErrIgnoredEvent        = apperr.Validation("ignored_event", "webhook event type is not a payment")
	ErrProviderUnavailable = apperr.Provider("provider_unavailable", "money provider unavailable, retry later")
	ErrChargeRejected      = apperr.Provider("charge_rejected", "money provider rejected the charge")
)

// ChargeRequest asks a provider to collect money from a buyer. The same
// IdempotencyKey must be sent on every retry of one logical charge.
type ChargeRequest struct {
	ContractID     string
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	PayerID        string
	Description    string
}

// ChargeResult is the provider's acknowledgment of a charge request. The
// money itself is confirmed later by webhook.
type ChargeResult struct {
	ExternalRef string
	CheckoutURL string
	Status      model.PaymentStatus
}

// Provider is one money provider adapter.
type Provider interface {
	Name() string
	InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// ParseWebhook verifies and normalizes a webhook. Verification failures
	// return ErrInvalidSignature; unreadable payloads ErrMalformedPayload.
	ParseWebhook(header http.Header, body []byte) (*model.ProviderEvent, error)
}

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry registers ps by name. Later duplicates replace earlier ones.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrUnknownProvider.WithMessage("unknown money provider: " + name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DepositKey is the idempotency key of the attempt-th deposit charge for a
// contract. Providers echo it back on webhooks, which is how an event is
// tied to its contract.
func DepositKey(contractID string, attempt int) string {
	return contractID + ":deposit:" + strconv.Itoa(attempt)
}

// ContractIDFromKey extracts the contract id from an idempotency key built
// by DepositKey. Keys without a separator are returned unchanged.
func ContractIDFromKey(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC()
	}
	return time.Time{}
}
