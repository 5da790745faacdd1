package providers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/circuitbreaker"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/retry"
	"github.com/mbd888/harvestmart/internal/security"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// --- signed providers ---

func TestSigned_ParseWebhook(t *testing.T) {
	p := NewSigned(MobileMoneyConfig("http://mm.invalid", "mm-secret"))
	body := []byte(`{"transaction_id":"MM-778","amount":150000,"currency":"ugx","status":"SUCCESSFUL",` +
		`"merchant_reference":"ctr_abc:deposit:1","msisdn":"+256700000001","completed_at":"2026-03-02T10:00:00Z"}`)
	h := http.Header{}
	h.Set(SignatureHeader, security.Sign(body, "mm-secret"))

	ev, err := p.ParseWebhook(h, body)
	require.NoError(t, err)
	assert.Equal(t, "MM-778", ev.ExternalRef)
	assert.True(t, decimal.NewFromInt(150000).Equal(ev.Amount))
	assert.Equal(t, "UGX", ev.Currency)
	assert.Equal(t, model.PaymentSucceeded, ev.Status)
	assert.Equal(t, "ctr_abc:deposit:1", ev.IdempotencyKey)
	assert.Equal(t, "+256700000001", ev.PayerRef)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), ev.OccurredAt)
}

func TestSigned_ParseWebhookRejects(t *testing.T) {
	p := NewSigned(WalletConfig("http://wallet.invalid", "w-secret"))
	good := []byte(`{"id":"w1","amount":"12.50","currency":"KES","state":"settled","client_reference":"ctr_x:deposit:1"}`)

	tests := []struct {
		name string
		body []byte
		sig  string
		want error
	}{
		{"missing signature", good, "", ErrInvalidSignature},
		{"wrong secret", good, security.Sign(good, "other"), ErrInvalidSignature},
		{"tampered body", []byte(`{"id":"w1","amount":"99.00"}`), security.Sign(good, "w-secret"), ErrInvalidSignature},
		{"not json", []byte(`nope`), security.Sign([]byte(`nope`), "w-secret"), ErrMalformedPayload},
		{"negative amount", []byte(`{"id":"w1","amount":"-1","currency":"KES","state":"settled"}`), "", ErrMalformedPayload},
		{"unknown status", []byte(`{"id":"w1","amount":"1","currency":"KES","state":"weird"}`), "", ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := tt.sig
			if sig == "" && tt.want == ErrMalformedPayload {
				sig = security.Sign(tt.body, "w-secret")
			}
			h := http.Header{}
			h.Set(SignatureHeader, sig)
			_, err := p.ParseWebhook(h, tt.body)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, apperr.KindIntegrity, apperr.KindOf(err))
		})
	}
}

func TestSigned_InitiateCharge(t *testing.T) {
	var gotKey, gotSig string
	var gotBody signedChargeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotKey = r.Header.Get("Idempotency-Key")
		gotSig = r.Header.Get(SignatureHeader)
		_ = json.Unmarshal(body, &gotBody)
		assert.True(t, security.Verify(body, gotSig, "mm-secret"))
		_, _ = w.Write([]byte(`{"id":"MM-1","checkout_url":"https://pay.example/MM-1","status":"PENDING"}`))
	}))
	defer srv.Close()

	p := NewSigned(MobileMoneyConfig(srv.URL, "mm-secret"))
	res, err := p.InitiateCharge(context.Background(), ChargeRequest{
		ContractID: "ctr_1", IdempotencyKey: "ctr_1:deposit:1",
		Amount: decimal.RequireFromString("1500.4"), Currency: "UGX",
	})
	require.NoError(t, err)
	assert.Equal(t, "MM-1", res.ExternalRef)
	assert.Equal(t, model.PaymentPending, res.Status)
	assert.Equal(t, "ctr_1:deposit:1", gotKey)
	assert.Equal(t, "1500", gotBody.Amount, "UGX has no minor unit")
}

func TestSigned_InitiateChargeStatusMapping(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	p := NewSigned(WalletConfig(srv.URL, "s"))
	req := ChargeRequest{IdempotencyKey: "k", Amount: decimal.NewFromInt(1), Currency: "KES"}

	_, err := p.InitiateCharge(context.Background(), req)
	assert.ErrorIs(t, err, ErrChargeRejected)

	status = http.StatusBadGateway
	_, err = p.InitiateCharge(context.Background(), req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrChargeRejected)
}

// --- card ---

func stripeEvent(t *testing.T, typ string, amount int64, meta map[string]string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        typ,
		"created":     time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC).Unix(),
		"api_version": "2020-08-27",
		"data": map[string]any{"object": map[string]any{
			"id":              "pi_123",
			"object":          "payment_intent",
			"amount":          amount,
			"amount_received": amount,
			"currency":        "usd",
			"status":          "succeeded",
			"metadata":        meta,
		}},
	})
	require.NoError(t, err)
	return body
}

func signStripe(body []byte, secret string) http.Header {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: body, Secret: secret, Timestamp: time.Now(), Scheme: "v1",
	})
	h := http.Header{}
	h.Set(stripeSignatureHeader, signed.Header)
	return h
}

func TestCard_ParseWebhook(t *testing.T) {
	c := NewCard("sk_test_x", "whsec_test", nil)
	body := stripeEvent(t, "payment_intent.succeeded", 12550,
		map[string]string{"contract_id": "ctr_9", "idempotency_key": "ctr_9:deposit:2"})

	ev, err := c.ParseWebhook(signStripe(body, "whsec_test"), body)
	require.NoError(t, err)
	assert.Equal(t, "pi_123", ev.ExternalRef)
	assert.True(t, decimal.RequireFromString("125.5").Equal(ev.Amount))
	assert.Equal(t, "USD", ev.Currency)
	assert.Equal(t, model.PaymentSucceeded, ev.Status)
	assert.Equal(t, "ctr_9", ev.ContractID)
	assert.Equal(t, "ctr_9:deposit:2", ev.IdempotencyKey)
}

func TestCard_ParseWebhookBadSignature(t *testing.T) {
	c := NewCard("sk_test_x", "whsec_test", nil)
	body := stripeEvent(t, "payment_intent.succeeded", 100, nil)

	_, err := c.ParseWebhook(signStripe(body, "whsec_other"), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = c.ParseWebhook(http.Header{}, body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCard_ParseWebhookIgnoresOtherEvents(t *testing.T) {
	c := NewCard("sk_test_x", "whsec_test", nil)
	body := stripeEvent(t, "customer.created", 100, nil)
	_, err := c.ParseWebhook(signStripe(body, "whsec_test"), body)
	assert.ErrorIs(t, err, ErrIgnoredEvent)
}

// --- crypto ---

func TestCrypto_ParseWebhook(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	p := NewCrypto("http://invoices.invalid", signer.Hex(), nil)

	body := []byte(`{"invoice_id":"inv_7","amount":"42.000001","currency":"usdc","status":"confirmed",` +
		`"reference":"ctr_c:deposit:1","payer_address":"0xabc","confirmed_at":"2026-03-02T08:00:00Z"}`)

	sign := func() http.Header {
		sig, err := crypto.Sign(personalHash(body), key)
		require.NoError(t, err)
		sig[64] += 27
		h := http.Header{}
		h.Set(CryptoSignatureHeader, "0x"+hex.EncodeToString(sig))
		return h
	}

	ev, err := p.ParseWebhook(sign(), body)
	require.NoError(t, err)
	assert.Equal(t, "inv_7", ev.ExternalRef)
	assert.Equal(t, "USDC", ev.Currency)
	assert.True(t, decimal.RequireFromString("42.000001").Equal(ev.Amount))
	assert.Equal(t, model.PaymentSucceeded, ev.Status)
	assert.Equal(t, "ctr_c:deposit:1", ev.IdempotencyKey)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	stranger := NewCrypto("http://invoices.invalid", crypto.PubkeyToAddress(other.PublicKey).Hex(), nil)
	_, err = stranger.ParseWebhook(sign(), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	h := http.Header{}
	h.Set(CryptoSignatureHeader, "0x1234")
	_, err = p.ParseWebhook(h, body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

// --- gateway ---

type fakeProvider struct {
	name  string
	calls atomic.Int32
	keys  chan string
	fn    func(n int32) (*ChargeResult, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) InitiateCharge(_ context.Context, req ChargeRequest) (*ChargeResult, error) {
	n := f.calls.Add(1)
	if f.keys != nil {
		f.keys <- req.IdempotencyKey
	}
	return f.fn(n)
}

func (f *fakeProvider) ParseWebhook(http.Header, []byte) (*model.ProviderEvent, error) {
	return &model.ProviderEvent{ExternalRef: "x", IdempotencyKey: "ctr_k:deposit:3"}, nil
}

func fastGateway(p Provider, breaker *circuitbreaker.Breaker) *Gateway {
	return NewGateway(NewRegistry(p), breaker, time.Second, quietLogger()).
		WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond})
}

func TestGateway_RetriesWithSameKey(t *testing.T) {
	p := &fakeProvider{name: NameWallet, keys: make(chan string, 3), fn: func(n int32) (*ChargeResult, error) {
		if n < 3 {
			return nil, errors.New("timeout")
		}
		return &ChargeResult{ExternalRef: "ok"}, nil
	}}
	g := fastGateway(p, nil)

	res, err := g.Charge(context.Background(), NameWallet, ChargeRequest{IdempotencyKey: "ctr_1:deposit:1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.ExternalRef)
	close(p.keys)
	for k := range p.keys {
		assert.Equal(t, "ctr_1:deposit:1", k)
	}
}

func TestGateway_FailureIsProviderError(t *testing.T) {
	p := &fakeProvider{name: NameWallet, fn: func(int32) (*ChargeResult, error) { return nil, errors.New("connection reset") }}
	g := fastGateway(p, nil)

	_, err := g.Charge(context.Background(), NameWallet, ChargeRequest{})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, apperr.KindProvider, apperr.KindOf(err))
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestGateway_RejectionNotRetried(t *testing.T) {
	p := &fakeProvider{name: NameCard, fn: func(int32) (*ChargeResult, error) {
		return nil, ErrChargeRejected.Wrap(fmt.Errorf("card declined"))
	}}
	b := circuitbreaker.New(1, time.Hour)
	g := fastGateway(p, b)

	_, err := g.Charge(context.Background(), NameCard, ChargeRequest{})
	assert.ErrorIs(t, err, ErrChargeRejected)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, b.State(NameCard), "rejections do not trip the circuit")
}

func TestGateway_OpenCircuitFailsFast(t *testing.T) {
	p := &fakeProvider{name: NameCrypto, fn: func(int32) (*ChargeResult, error) { return &ChargeResult{}, nil }}
	b := circuitbreaker.New(1, time.Hour)
	b.RecordFailure(NameCrypto)
	g := fastGateway(p, b)

	_, err := g.Charge(context.Background(), NameCrypto, ChargeRequest{})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Zero(t, p.calls.Load())
}

func TestGateway_UnknownProvider(t *testing.T) {
	g := fastGateway(&fakeProvider{name: NameCard}, nil)
	_, err := g.Charge(context.Background(), "barter", ChargeRequest{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
	_, err = g.ParseWebhook("barter", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestGateway_ParseWebhookDerivesContract(t *testing.T) {
	g := fastGateway(&fakeProvider{name: NameWallet}, nil)
	ev, err := g.ParseWebhook(NameWallet, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, NameWallet, ev.Provider)
	assert.Equal(t, "ctr_k", ev.ContractID)
}

func TestDepositKeyRoundTrip(t *testing.T) {
	key := DepositKey("ctr_abc", 2)
	assert.Equal(t, "ctr_abc:deposit:2", key)
	assert.Equal(t, "ctr_abc", ContractIDFromKey(key))
	assert.Equal(t, "plain", ContractIDFromKey("plain"))
}
