package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/money"
	"github.com/mbd888/harvestmart/internal/security"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body on both
// outbound charge requests and inbound webhooks of signed providers.
const SignatureHeader = "X-Signature"

// FieldMap names the JSON fields a signed provider uses in its webhooks.
type FieldMap struct {
	Ref      string
	Amount   string
	Currency string
	Status   string
	Key      string
	Payer    string
	Time     string
}

// SignedConfig configures an HMAC-signed JSON provider.
type SignedConfig struct {
	Name     string
	BaseURL  string
	Secret   string
	Fields   FieldMap
	Statuses map[string]model.PaymentStatus
	Client   *http.Client
}

// MobileMoneyConfig is the field layout of the mobile money aggregator.
func MobileMoneyConfig(baseURL, secret string) SignedConfig {
	return SignedConfig{
		Name:    NameMobileMoney,
		BaseURL: baseURL,
		Secret:  secret,
		Fields: FieldMap{
			Ref: "transaction_id", Amount: "amount", Currency: "currency", Status: "status",
			Key: "merchant_reference", Payer: "msisdn", Time: "completed_at",
		},
		Statuses: map[string]model.PaymentStatus{
			"SUCCESSFUL": model.PaymentSucceeded,
			"PENDING":    model.PaymentPending,
			"FAILED":     model.PaymentFailed,
			"REJECTED":   model.PaymentFailed,
		},
	}
}

// WalletConfig is the field layout of the stored-value wallet provider.
func WalletConfig(baseURL, secret string) SignedConfig {
	return SignedConfig{
		Name:    NameWallet,
		BaseURL: baseURL,
		Secret:  secret,
		Fields: FieldMap{
			Ref: "id", Amount: "amount", Currency: "currency", Status: "state",
			Key: "client_reference", Payer: "wallet_id", Time: "created",
		},
		Statuses: map[string]model.PaymentStatus{
			"settled":  model.PaymentSucceeded,
			"captured": model.PaymentSucceeded,
			"open":     model.PaymentPending,
			"declined": model.PaymentFailed,
		},
	}
}

// Signed is a provider speaking HMAC-signed JSON over HTTP.
type Signed struct {
	cfg SignedConfig
}

// NewSigned creates a signed provider.
func NewSigned(cfg SignedConfig) *Signed {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Signed{cfg: cfg}
}

func (s *Signed) Name() string { return s.cfg.Name }

type signedChargeRequest struct {
	Reference   string `json:"reference"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Payer       string `json:"payer,omitempty"`
	Description string `json:"description,omitempty"`
}

type signedChargeResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
	Status      string `json:"status"`
}

// InitiateCharge posts a signed charge request. 4xx responses are
// rejections; everything else unexpected is a transient failure.
func (s *Signed) InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	payload, err := json.Marshal(signedChargeRequest{
		Reference:   req.IdempotencyKey,
		Amount:      money.Round(req.Amount, req.Currency).String(),
		Currency:    req.Currency,
		Payer:       req.PayerID,
		Description: req.Description,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/charges", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	httpReq.Header.Set(SignatureHeader, security.Sign(payload, s.cfg.Secret))

	resp, err := s.cfg.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.cfg.Name, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, ErrChargeRejected.Wrap(fmt.Errorf("%s: status %d: %s", s.cfg.Name, resp.StatusCode, bytes.TrimSpace(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s: status %d", s.cfg.Name, resp.StatusCode)
	}

	var out signedChargeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", s.cfg.Name, err)
	}
	status, ok := s.cfg.Statuses[out.Status]
	if !ok {
		status = model.PaymentPending
	}
	return &ChargeResult{ExternalRef: out.ID, CheckoutURL: out.CheckoutURL, Status: status}, nil
}

// ParseWebhook verifies the body signature and maps fields per FieldMap.
func (s *Signed) ParseWebhook(header http.Header, body []byte) (*model.ProviderEvent, error) {
	if !security.Verify(body, header.Get(SignatureHeader), s.cfg.Secret) {
		return nil, ErrInvalidSignature
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, ErrMalformedPayload.Wrap(err)
	}

	f := s.cfg.Fields
	ref := stringField(raw, f.Ref)
	if ref == "" {
		return nil, ErrMalformedPayload.WithMessage("webhook has no " + f.Ref)
	}
	amount, err := decimal.NewFromString(stringField(raw, f.Amount))
	if err != nil || !amount.IsPositive() {
		return nil, ErrMalformedPayload.WithMessage("webhook amount is not a positive decimal")
	}
	currency, err := money.NormalizeCurrency(stringField(raw, f.Currency))
	if err != nil {
		return nil, ErrMalformedPayload.Wrap(err)
	}
	status, ok := s.cfg.Statuses[stringField(raw, f.Status)]
	if !ok {
		return nil, ErrMalformedPayload.WithMessage("unknown payment status " + stringField(raw, f.Status))
	}

	return &model.ProviderEvent{
		Provider:       s.cfg.Name,
		ExternalRef:    ref,
		Amount:         amount,
		Currency:       currency,
		Status:         status,
		IdempotencyKey: stringField(raw, f.Key),
		PayerRef:       stringField(raw, f.Payer),
		OccurredAt:     parseTime(stringField(raw, f.Time)),
	}, nil
}

func stringField(raw map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := raw[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
