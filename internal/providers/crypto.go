package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/money"
)

// CryptoSignatureHeader carries the invoicing service's personal_sign
// signature over the raw callback body.
const CryptoSignatureHeader = "X-Invoice-Signature"

// Crypto collects deposits through a stablecoin invoicing service whose
// callbacks are signed by a known Ethereum key.
type Crypto struct {
	baseURL string
	signer  common.Address
	client  *http.Client
}

// NewCrypto creates a crypto invoice provider trusting callbacks signed by
// signerAddress.
func NewCrypto(baseURL, signerAddress string, client *http.Client) *Crypto {
	if client == nil {
		client = &http.Client{}
	}
	return &Crypto{baseURL: strings.TrimRight(baseURL, "/"), signer: common.HexToAddress(signerAddress), client: client}
}

func (c *Crypto) Name() string { return NameCrypto }

type invoiceRequest struct {
	Reference   string `json:"reference"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

type invoiceResponse struct {
	InvoiceID  string `json:"invoice_id"`
	PaymentURL string `json:"payment_url"`
	Status     string `json:"status"`
}

type invoiceCallback struct {
	InvoiceID    string `json:"invoice_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	Reference    string `json:"reference"`
	PayerAddress string `json:"payer_address"`
	TxHash       string `json:"tx_hash"`
	ConfirmedAt  string `json:"confirmed_at"`
}

// InitiateCharge opens an invoice. The idempotency key doubles as the
// invoice reference and comes back on the callback.
func (c *Crypto) InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	payload, err := json.Marshal(invoiceRequest{
		Reference:   req.IdempotencyKey,
		Amount:      money.Round(req.Amount, req.Currency).String(),
		Currency:    req.Currency,
		Description: req.Description,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoices", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, ErrChargeRejected.Wrap(fmt.Errorf("crypto: status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("crypto: status %d", resp.StatusCode)
	}

	var out invoiceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("crypto: decode response: %w", err)
	}
	return &ChargeResult{ExternalRef: out.InvoiceID, CheckoutURL: out.PaymentURL, Status: invoiceStatus(out.Status)}, nil
}

// ParseWebhook recovers the callback signer and requires it to be the
// configured invoicing key.
func (c *Crypto) ParseWebhook(header http.Header, body []byte) (*model.ProviderEvent, error) {
	signer, err := RecoverSigner(body, header.Get(CryptoSignatureHeader))
	if err != nil {
		return nil, ErrInvalidSignature.Wrap(err)
	}
	if signer != c.signer {
		return nil, ErrInvalidSignature.WithMessage("callback signed by " + signer.Hex())
	}

	var cb invoiceCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, ErrMalformedPayload.Wrap(err)
	}
	if cb.InvoiceID == "" {
		return nil, ErrMalformedPayload.WithMessage("callback has no invoice_id")
	}
	amount, err := decimal.NewFromString(cb.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, ErrMalformedPayload.WithMessage("callback amount is not a positive decimal")
	}
	currency, err := money.NormalizeCurrency(cb.Currency)
	if err != nil {
		return nil, ErrMalformedPayload.Wrap(err)
	}

	return &model.ProviderEvent{
		Provider:       NameCrypto,
		ExternalRef:    cb.InvoiceID,
		Amount:         amount,
		Currency:       currency,
		Status:         invoiceStatus(cb.Status),
		IdempotencyKey: cb.Reference,
		PayerRef:       cb.PayerAddress,
		OccurredAt:     parseTime(cb.ConfirmedAt),
	}, nil
}

// RecoverSigner returns the address that personal_sign-ed body.
func RecoverSigner(body []byte, signature string) (common.Address, error) {
	sig := common.FromHex(signature)
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(personalHash(body), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// personalHash is the EIP-191 digest signed by personal_sign.
func personalHash(data []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(data))
	return crypto.Keccak256([]byte(prefix), data)
}

func invoiceStatus(s string) model.PaymentStatus {
	switch strings.ToLower(s) {
	case "confirmed", "paid", "complete":
		return model.PaymentSucceeded
	case "expired", "invalid", "failed":
		return model.PaymentFailed
	default:
		return model.PaymentPending
	}
}
